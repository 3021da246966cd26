package transport

import (
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrTimeout      = errors.New("transport: timeout")
	ErrClosed       = errors.New("transport: port closed")
	ErrInvalidBaud  = errors.New("transport: invalid baud rate")
	ErrInvalidLimit = errors.New("transport: invalid read length")
)

// Port is a byte stream to one target. Reads honour the timeout set with
// SetReadTimeout and return (0, nil) when it expires with nothing to deliver.
type Port interface {
	io.ReadWriter
	SetReadTimeout(d time.Duration) error
	SetBaud(rate int) error
	Baud() int
	// Flush discards input that has arrived but not been read.
	Flush() error
	Close() error
}

// Opener opens path at the given initial baud rate.
type Opener func(path string, baud int) (Port, error)

// ReadFull reads exactly n bytes or fails with ErrTimeout once timeout has
// elapsed. The bytes received before the deadline are returned with the error.
func ReadFull(p Port, n int, timeout time.Duration) ([]byte, error) {
	if n < 0 {
		return nil, ErrInvalidLimit
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	deadline := time.Now().Add(timeout)
	got := 0
	for got < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return buf[:got], fmt.Errorf("%w: expected %d bytes, got %d", ErrTimeout, n, got)
		}
		if err := p.SetReadTimeout(remaining); err != nil {
			return buf[:got], err
		}
		k, err := p.Read(buf[got:])
		got += k
		if err != nil && !errors.Is(err, io.EOF) {
			return buf[:got], err
		}
	}
	return buf, nil
}

// Drain reads and discards input until the line has been quiet for idle.
// It returns the number of bytes dropped.
func Drain(p Port, idle time.Duration) (int, error) {
	if err := p.Flush(); err != nil {
		return 0, err
	}
	if err := p.SetReadTimeout(idle); err != nil {
		return 0, err
	}
	var scratch [512]byte
	dropped := 0
	for {
		n, err := p.Read(scratch[:])
		dropped += n
		if err != nil && !errors.Is(err, io.EOF) {
			return dropped, err
		}
		if n == 0 {
			return dropped, nil
		}
	}
}
