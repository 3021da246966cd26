package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/m1n1ctl/internal/logging"
	"github.com/danmuck/m1n1ctl/internal/observability"
	"github.com/danmuck/m1n1ctl/internal/protocol/frame"
	"github.com/danmuck/m1n1ctl/internal/protocol/link"
	"github.com/danmuck/m1n1ctl/internal/transport"
)

// Allocator hands out target memory for staging buffers. heap.Heap satisfies
// it.
type Allocator interface {
	Malloc(size uint64) (uint64, error)
	Free(addr uint64) error
}

// Client issues proxy commands over one link. Each request holds the link
// for its round trip; Exclusive holds it across a whole sequence.
type Client struct {
	mu      sync.Mutex
	link    *link.Link
	allocMu sync.Mutex
	alloc   Allocator
}

func New(l *link.Link) *Client {
	return &Client{link: l}
}

func (c *Client) Link() *link.Link { return c.link }

// SetAllocator installs the staging allocator used by compressed writes.
// nil disables compression.
func (c *Client) SetAllocator(a Allocator) {
	c.allocMu.Lock()
	c.alloc = a
	c.allocMu.Unlock()
}

func (c *Client) allocator() Allocator {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()
	return c.alloc
}

type heldKey struct{ c *Client }

// Exclusive runs fn with the link held. Requests made with the ctx passed to
// fn reuse the hold, so multi-request sequences such as guarded calls cannot
// interleave with other goroutines. That ctx must not leave fn's goroutine.
func (c *Client) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.holds(ctx) {
		return fn(ctx)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(context.WithValue(ctx, heldKey{c}, true))
}

func (c *Client) holds(ctx context.Context) bool {
	held, _ := ctx.Value(heldKey{c}).(bool)
	return held
}

// acquire takes the link unless ctx already holds it.
func (c *Client) acquire(ctx context.Context) func() {
	if c.holds(ctx) {
		return func() {}
	}
	c.mu.Lock()
	return c.mu.Unlock
}

type callOptions struct {
	noReply  bool
	reboot   bool
	preReply func() error
	timeout  time.Duration
}

// Do issues op with args and returns the raw 64-bit result.
func (c *Client) Do(ctx context.Context, op Opcode, args ...uint64) (uint64, error) {
	return c.request(ctx, op, callOptions{}, args...)
}

// DoSigned is Do for opcodes whose result is signed.
func (c *Client) DoSigned(ctx context.Context, op Opcode, args ...uint64) (int64, error) {
	v, err := c.request(ctx, op, callOptions{}, args...)
	return int64(v), err
}

func validate(op Opcode, args []uint64) error {
	info, ok := catalog[op]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownOpcode, uint64(op))
	}
	if len(args) < info.minArgs || len(args) > info.maxArgs {
		if info.minArgs == info.maxArgs {
			return fmt.Errorf("%w: %s takes %d, got %d", ErrTooManyArgs, op, info.minArgs, len(args))
		}
		return fmt.Errorf("%w: %s takes %d..%d, got %d", ErrTooManyArgs, op, info.minArgs, info.maxArgs, len(args))
	}
	return nil
}

func (c *Client) request(ctx context.Context, op Opcode, opts callOptions, args ...uint64) (uint64, error) {
	if err := validate(op, args); err != nil {
		return 0, err
	}
	req := frame.ProxyRequest{Opcode: uint64(op)}
	copy(req.Args[:], args)

	release := c.acquire(ctx)
	defer release()

	if opts.timeout > 0 {
		prev := c.link.ReadTimeout()
		c.link.SetReadTimeout(opts.timeout)
		defer c.link.SetReadTimeout(prev)
	}

	start := time.Now()
	logging.Tracef("proxy.Client request op=%s args=%#x", op, args)
	data, err := c.link.ProxyReq(ctx, frame.EncodeRequest(req), link.ReqOptions{
		NoReply:  opts.noReply,
		Reboot:   opts.reboot,
		PreReply: opts.preReply,
	})
	if err != nil {
		observability.RecordProxyRequest(op.String(), resultLabel(err), time.Since(start))
		return 0, fmt.Errorf("proxy: %s: %w", op, err)
	}
	if opts.noReply || opts.reboot {
		observability.RecordProxyRequest(op.String(), "ok", time.Since(start))
		return 0, nil
	}

	reply, err := frame.DecodeProxyReply(data)
	if err != nil {
		return 0, err
	}
	logging.Tracef("proxy.Client reply op=%s status=%d retval=%#x", op, reply.Status, reply.Retval)
	if Opcode(reply.Opcode) != op {
		err = fmt.Errorf("%w: expected opcode %s got %s", ErrReplyMismatch, op, Opcode(reply.Opcode))
	} else if reply.Status != frame.ProxyOK {
		err = &RemoteError{Op: op, Status: reply.Status}
	}
	observability.RecordProxyRequest(op.String(), resultLabel(err), time.Since(start))
	if err != nil {
		return 0, err
	}
	return reply.Retval, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, transport.ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	default:
		return "error"
	}
}
