package transport

import (
	"sync"
	"time"
)

// garbledByte replaces every byte received at a baud rate other than the one
// it was sent at. It never forms part of a frame sync pattern.
const garbledByte = 0x00

type segment struct {
	data []byte
	baud int
}

type pipeShared struct {
	once   sync.Once
	closed chan struct{}
}

// PipeEnd is one side of an in-memory Port pair. Bytes carry the writer's baud
// rate and are garbled when the reader runs at a different rate, which is how
// a real UART behaves after a one-sided speed change.
type PipeEnd struct {
	mu      sync.Mutex
	inbox   []segment
	notify  chan struct{}
	baud    int
	timeout time.Duration
	peer    *PipeEnd
	shared  *pipeShared
}

// NewPipe returns two connected ends, both at baud.
func NewPipe(baud int) (*PipeEnd, *PipeEnd) {
	shared := &pipeShared{closed: make(chan struct{})}
	a := &PipeEnd{notify: make(chan struct{}, 1), baud: baud, shared: shared}
	b := &PipeEnd{notify: make(chan struct{}, 1), baud: baud, shared: shared}
	a.peer = b
	b.peer = a
	return a, b
}

func (e *PipeEnd) Write(p []byte) (int, error) {
	select {
	case <-e.shared.closed:
		return 0, ErrClosed
	default:
	}
	data := append([]byte(nil), p...)
	baud := e.Baud()
	e.peer.mu.Lock()
	e.peer.inbox = append(e.peer.inbox, segment{data: data, baud: baud})
	e.peer.mu.Unlock()
	select {
	case e.peer.notify <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Read blocks until data arrives, the read timeout expires (0, nil) or the
// pipe is closed. A timeout <= 0 blocks indefinitely.
func (e *PipeEnd) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	e.mu.Lock()
	timeout := e.timeout
	e.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		if n := e.take(p); n > 0 {
			return n, nil
		}
		select {
		case <-e.notify:
		case <-expired:
			return 0, nil
		case <-e.shared.closed:
			if n := e.take(p); n > 0 {
				return n, nil
			}
			return 0, ErrClosed
		}
	}
}

func (e *PipeEnd) take(p []byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for n < len(p) && len(e.inbox) > 0 {
		seg := &e.inbox[0]
		k := copy(p[n:], seg.data)
		if seg.baud != e.baud {
			for i := n; i < n+k; i++ {
				p[i] = garbledByte
			}
		}
		n += k
		seg.data = seg.data[k:]
		if len(seg.data) == 0 {
			e.inbox = e.inbox[1:]
		}
	}
	return n
}

func (e *PipeEnd) SetReadTimeout(d time.Duration) error {
	e.mu.Lock()
	e.timeout = d
	e.mu.Unlock()
	return nil
}

func (e *PipeEnd) SetBaud(rate int) error {
	if rate <= 0 {
		return ErrInvalidBaud
	}
	e.mu.Lock()
	e.baud = rate
	e.mu.Unlock()
	return nil
}

func (e *PipeEnd) Baud() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baud
}

func (e *PipeEnd) Flush() error {
	e.mu.Lock()
	e.inbox = nil
	e.mu.Unlock()
	return nil
}

// Pending reports how many unread bytes are queued on this end.
func (e *PipeEnd) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, seg := range e.inbox {
		n += len(seg.data)
	}
	return n
}

// Close closes both ends.
func (e *PipeEnd) Close() error {
	e.shared.once.Do(func() { close(e.shared.closed) })
	return nil
}
