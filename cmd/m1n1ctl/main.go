package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/danmuck/m1n1ctl/internal/logging"
	"github.com/danmuck/m1n1ctl/internal/session"
	"github.com/danmuck/m1n1ctl/internal/transport"
)

var errUsage = errors.New("usage")

func main() {
	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := NewApp(os.Stdout, transport.OpenSerial)
	if err := app.Run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "m1n1ctl: %v\n", err)
		os.Exit(1)
	}
}

// App holds what every command needs: where output goes, how the port is
// opened and the resolved session config.
type App struct {
	out    io.Writer
	open   transport.Opener
	cfg    session.Config
	remote *transport.SSHConfig
	sess   *session.Session
}

func NewApp(out io.Writer, open transport.Opener) *App {
	return &App{out: out, open: open, cfg: session.DefaultConfig()}
}

// Run parses global flags, resolves the session config and dispatches args
// to a command.
func (a *App) Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("m1n1ctl", flag.ContinueOnError)
	fs.SetOutput(a.out)
	cfgPath := fs.String("config", "", "session config file (toml)")
	device := fs.String("device", "", "serial device as path[:baud], overrides $"+transport.EnvDevice)
	remote := fs.String("ssh", "", "open the device on user@host[:port] over ssh")
	noBaud := fs.Bool("no-baud", false, "stay at the initial baud rate")
	noCsum := fs.Bool("no-data-csum", false, "ask the target to skip data checksums")
	fs.Usage = func() { a.usage(fs) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return errUsage
	}

	if err := a.resolveConfig(*cfgPath, *device); err != nil {
		return err
	}
	if *remote != "" {
		if err := a.resolveRemote(*remote); err != nil {
			return err
		}
	}
	if *noBaud {
		a.cfg.TargetBaud = 0
	}
	if *noCsum {
		a.cfg.DisableDataCsums = true
	}

	rest := fs.Args()
	if len(rest) == 0 {
		a.usage(fs)
		return errUsage
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		a.usage(fs)
		return fmt.Errorf("%w: unknown command %q", errUsage, rest[0])
	}
	cmdArgs := rest[1:]
	if len(cmdArgs) < cmd.minArgs {
		fmt.Fprintf(a.out, "usage: m1n1ctl %s %s\n", rest[0], cmd.usage)
		return errUsage
	}
	if !cmd.session {
		return cmd.run(ctx, a, cmdArgs)
	}

	sess, err := session.Bootstrap(ctx, a.cfg, a.opener())
	if err != nil {
		return err
	}
	a.sess = sess
	defer func() {
		_ = sess.Close()
		a.sess = nil
	}()
	return cmd.run(ctx, a, cmdArgs)
}

// resolveConfig layers defaults, $M1N1DEVICE, the config file and -device.
func (a *App) resolveConfig(path, device string) error {
	if dev, err := transport.DeviceFromEnv(); err == nil {
		a.cfg.Device, a.cfg.InitialBaud = dev.Path, dev.Baud
	} else {
		logging.Warnf("m1n1ctl ignoring $%s err=%v", transport.EnvDevice, err)
	}
	if path != "" {
		cfg, err := loadSessionConfig(path, a.cfg)
		if err != nil {
			return err
		}
		a.cfg = cfg
		if a.remote, err = loadRemoteConfig(path); err != nil {
			return err
		}
	}
	if device != "" {
		dev, err := transport.ParseDevice(device)
		if err != nil {
			return err
		}
		a.cfg.Device, a.cfg.InitialBaud = dev.Path, dev.Baud
	}
	return a.cfg.Validate()
}

// resolveRemote applies -ssh user@host[:port] over any [ssh] table.
func (a *App) resolveRemote(target string) error {
	user, host, ok := strings.Cut(target, "@")
	if !ok || user == "" || host == "" {
		return fmt.Errorf("%w: -ssh wants user@host[:port], got %q", errUsage, target)
	}
	if a.remote == nil {
		a.remote = &transport.SSHConfig{
			KeyPath:    expandHome("~/.ssh/id_ed25519"),
			Passphrase: []byte(os.Getenv(EnvSSHPassphrase)),
		}
	}
	a.remote.User, a.remote.Host, a.remote.Port = user, host, ""
	return nil
}

// opener picks the ssh bridge when a remote host is configured.
func (a *App) opener() transport.Opener {
	if a.remote != nil {
		logging.Debugf("m1n1ctl device=%s via ssh host=%s user=%s", a.cfg.Device, a.remote.Host, a.remote.User)
		return transport.SSHOpener(*a.remote)
	}
	return a.open
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *App) usage(fs *flag.FlagSet) {
	a.printf("usage: m1n1ctl [flags] <command> [args]\n\nflags:\n")
	fs.PrintDefaults()
	a.printf("\ncommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a.printf("  %-8s %s\n", name, strings.TrimSpace(commands[name].usage))
	}
}
