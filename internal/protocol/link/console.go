package link

import (
	"io"
	"sync"
)

const consolePrefix = "TTY> "

// consoleSink forwards stray target output, prefixing each line.
type consoleSink struct {
	mu        sync.Mutex
	out       io.Writer
	midLine   bool
	muted     bool
	discarded int
}

func newConsoleSink(out io.Writer) *consoleSink {
	return &consoleSink{out: out}
}

func (c *consoleSink) write(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil || c.muted {
		c.discarded += len(p)
		return
	}
	for _, b := range p {
		if !c.midLine {
			_, _ = io.WriteString(c.out, consolePrefix)
			c.midLine = true
		}
		if b == '\n' {
			c.midLine = false
		}
		_, _ = c.out.Write([]byte{b})
	}
}

func (c *consoleSink) mute(on bool) {
	c.mu.Lock()
	c.muted = on
	c.mu.Unlock()
}
