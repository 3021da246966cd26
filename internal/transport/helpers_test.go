package transport

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// delayedReader sleeps once before handing out data, giving the port side of
// a passthrough time to copy queued console output.
type delayedReader struct {
	delay time.Duration
	data  []byte
	slept bool
}

func (r *delayedReader) Read(p []byte) (int, error) {
	if !r.slept {
		time.Sleep(r.delay)
		r.slept = true
	}
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// gatedReader blocks every Read until data is sent on ch; a closed ch reads
// as EOF.
type gatedReader struct {
	ch chan []byte
}

func (r *gatedReader) Read(p []byte) (int, error) {
	data, ok := <-r.ch
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}
