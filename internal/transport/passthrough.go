package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"
)

// EscapeByte ends a passthrough session (CTRL+]).
const EscapeByte byte = 0x1d

const passthroughPoll = 100 * time.Millisecond

// deadliner is an input whose blocked reads can be cut short, such as an
// *os.File on a terminal or pipe.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Passthrough copies bytes between a local terminal and the port until escape
// is read from in, in reaches EOF, or ctx is done. The escape byte itself is
// not forwarded. in should already be in raw mode.
//
// When the port side ends first, a pending read on in is interrupted if in
// supports read deadlines. Otherwise that read finishes in the background and
// its bytes are dropped.
func Passthrough(ctx context.Context, p Port, in io.Reader, out io.Writer, escape byte) error {
	var stop atomic.Bool
	outErr := make(chan error, 1)
	go func() {
		outErr <- pumpPortToOut(p, out, &stop)
	}()

	inErr := make(chan error, 1)
	go func() {
		inErr <- pumpInToPort(in, p, escape, &stop)
	}()

	var err error
	var inDone, outDone bool
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-inErr:
		inDone = true
	case err = <-outErr:
		outDone = true
	}
	stop.Store(true)
	if !outDone {
		if perr := <-outErr; err == nil {
			err = perr
		}
	}
	if !inDone {
		if d, ok := in.(deadliner); ok {
			_ = d.SetReadDeadline(time.Now())
			<-inErr
			_ = d.SetReadDeadline(time.Time{})
		}
	}
	return err
}

func pumpPortToOut(p Port, out io.Writer, stop *atomic.Bool) error {
	if err := p.SetReadTimeout(passthroughPoll); err != nil {
		return err
	}
	var buf [4096]byte
	for !stop.Load() {
		n, err := p.Read(buf[:])
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	return nil
}

func pumpInToPort(in io.Reader, p Port, escape byte, stop *atomic.Bool) error {
	var buf [256]byte
	for {
		n, err := in.Read(buf[:])
		if stop.Load() {
			return nil
		}
		if n > 0 {
			chunk := buf[:n]
			i := bytes.IndexByte(chunk, escape)
			if i >= 0 {
				chunk = chunk[:i]
			}
			if len(chunk) > 0 {
				if _, werr := p.Write(chunk); werr != nil {
					return werr
				}
			}
			if i >= 0 {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
