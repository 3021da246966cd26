package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/term"
)

// termios expresses VTIME in tenths of a second and caps it at 25.5s.
const (
	minSerialTimeout = 100 * time.Millisecond
	maxSerialTimeout = 25500 * time.Millisecond
)

// Serial is a Port backed by a tty device.
type Serial struct {
	mu     sync.Mutex
	t      *term.Term
	path   string
	baud   int
	closed bool
}

// OpenSerial opens path in raw mode at baud. It satisfies Opener.
func OpenSerial(path string, baud int) (Port, error) {
	if baud <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBaud, baud)
	}
	t, err := term.Open(path, term.Speed(baud), term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	s := &Serial{t: t, path: path, baud: baud}
	// Stale console output from the target would otherwise be parsed as a reply.
	if err := t.Flush(); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("transport: flush %s: %w", path, err)
	}
	return s, nil
}

func (s *Serial) Path() string {
	return s.path
}

func (s *Serial) Read(p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	return s.t.Read(p)
}

func (s *Serial) Write(p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	return s.t.Write(p)
}

func (s *Serial) SetReadTimeout(d time.Duration) error {
	if s.isClosed() {
		return ErrClosed
	}
	if d < minSerialTimeout {
		d = minSerialTimeout
	}
	if d > maxSerialTimeout {
		d = maxSerialTimeout
	}
	return s.t.SetReadTimeout(d)
}

func (s *Serial) SetBaud(rate int) error {
	if rate <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBaud, rate)
	}
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.t.SetSpeed(rate); err != nil {
		return fmt.Errorf("transport: set speed %d: %w", rate, err)
	}
	s.mu.Lock()
	s.baud = rate
	s.mu.Unlock()
	return nil
}

func (s *Serial) Baud() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baud
}

func (s *Serial) Flush() error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.t.Flush()
}

func (s *Serial) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.t.Close()
}

func (s *Serial) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
