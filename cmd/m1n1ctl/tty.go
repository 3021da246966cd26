package main

import (
	"context"

	"github.com/danmuck/m1n1ctl/internal/logging"
	"github.com/danmuck/m1n1ctl/internal/transport"
	"github.com/mattn/go-tty"
)

// cmdTTY bridges the local terminal to the target console at the initial
// baud rate, without driving the proxy.
func cmdTTY(ctx context.Context, a *App, _ []string) error {
	port, err := a.opener()(a.cfg.Device, a.cfg.InitialBaud)
	if err != nil {
		return err
	}
	defer port.Close()

	term, err := tty.Open()
	if err != nil {
		return err
	}
	defer term.Close()
	restore, err := term.Raw()
	if err != nil {
		return err
	}
	defer func() { _ = restore() }()

	logging.Infof("m1n1ctl tty device=%s baud=%d escape=ctrl+]", a.cfg.Device, port.Baud())
	return transport.Passthrough(ctx, port, term.Input(), term.Output(), transport.EscapeByte)
}
