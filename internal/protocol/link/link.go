package link

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/m1n1ctl/internal/logging"
	"github.com/danmuck/m1n1ctl/internal/observability"
	"github.com/danmuck/m1n1ctl/internal/protocol"
	"github.com/danmuck/m1n1ctl/internal/protocol/frame"
	"github.com/danmuck/m1n1ctl/internal/transport"
)

const DefaultReadTimeout = 3 * time.Second

// Options configures a Link.
type Options struct {
	// ReadTimeout bounds each wait for target bytes.
	ReadTimeout time.Duration
	// Console receives bytes that are not part of a frame. nil discards them.
	Console io.Writer
	// Features are requested on every Nop. The target masks what it refuses.
	Features uint64
}

// ReqOptions shapes a single PROXY exchange.
type ReqOptions struct {
	// NoReply returns right after the command is written.
	NoReply bool
	// Reboot waits for the BOOT frame instead of a PROXY reply.
	Reboot bool
	// PreReply runs after the command is written and before the reply is read.
	PreReply func() error
}

// AnyCode registers a boot handler for every code of a reason.
const AnyCode protocol.ExcCode = 0xffffffff

type BootHandler func(info frame.BootInfo)

type EventHandler func(typ protocol.EventType, data []byte)

type bootKey struct {
	reason protocol.BootReason
	code   protocol.ExcCode
}

// Link is one framed session over a port.
type Link struct {
	port      transport.Port
	timeout   time.Duration
	requested uint64
	console   *consoleSink

	mu            sync.RWMutex
	features      uint64
	bootHandlers  map[bootKey]BootHandler
	eventHandlers map[protocol.EventType]EventHandler
}

func New(port transport.Port, opts Options) *Link {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	return &Link{
		port:          port,
		timeout:       opts.ReadTimeout,
		requested:     opts.Features & protocol.FeatureAll,
		console:       newConsoleSink(opts.Console),
		bootHandlers:  make(map[bootKey]BootHandler),
		eventHandlers: make(map[protocol.EventType]EventHandler),
	}
}

func (l *Link) Port() transport.Port { return l.port }

// SetReadTimeout changes the per-read wait. Session bootstrap shortens it
// while probing.
func (l *Link) SetReadTimeout(d time.Duration) {
	if d > 0 {
		l.timeout = d
	}
}

func (l *Link) ReadTimeout() time.Duration { return l.timeout }

// MuteConsole drops stray bytes until the returned func is called. Baud
// switches use it to hide the line noise of the rate change.
func (l *Link) MuteConsole() (restore func()) {
	l.console.mute(true)
	return func() { l.console.mute(false) }
}

// Features returns the feature bits the target accepted on the last Nop.
func (l *Link) Features() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.features
}

func (l *Link) dataCsumsDisabled() bool {
	return l.Features()&protocol.FeatureDisableDataCsums != 0
}

// OnBoot registers h for BOOT frames that arrive while another reply is
// awaited. code may be AnyCode.
func (l *Link) OnBoot(reason protocol.BootReason, code protocol.ExcCode, h BootHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h == nil {
		delete(l.bootHandlers, bootKey{reason, code})
		return
	}
	l.bootHandlers[bootKey{reason, code}] = h
}

func (l *Link) OnEvent(typ protocol.EventType, h EventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h == nil {
		delete(l.eventHandlers, typ)
		return
	}
	l.eventHandlers[typ] = h
}

// Nop pings the target and negotiates features. It returns the enabled set.
func (l *Link) Nop(ctx context.Context) (uint64, error) {
	if err := l.send(protocol.ReqNop, frame.EncodeFeatures(l.requested)); err != nil {
		return 0, err
	}
	r, err := l.reply(ctx, protocol.ReqNop)
	if err != nil {
		return 0, err
	}
	enabled := frame.DecodeFeatures(r.Data[:]) & l.requested
	l.mu.Lock()
	l.features = enabled
	l.mu.Unlock()
	logging.Debugf("link.Link nop features requested=%#x enabled=%#x", l.requested, enabled)
	return enabled, nil
}

// ProxyReq sends a PROXY command and returns the 24 reply data bytes, or the
// BOOT data when opts.Reboot is set.
func (l *Link) ProxyReq(ctx context.Context, payload []byte, opts ReqOptions) ([]byte, error) {
	if err := l.send(protocol.ReqProxy, payload); err != nil {
		return nil, err
	}
	if opts.PreReply != nil {
		if err := opts.PreReply(); err != nil {
			return nil, err
		}
	}
	if opts.NoReply {
		return nil, nil
	}
	want := protocol.ReqProxy
	if opts.Reboot {
		want = protocol.ReqBoot
	}
	r, err := l.reply(ctx, want)
	if err != nil {
		return nil, err
	}
	return r.Data[:], nil
}

// WaitBoot blocks until the target announces itself with a BOOT frame.
func (l *Link) WaitBoot(ctx context.Context) (frame.BootInfo, error) {
	r, err := l.reply(ctx, protocol.ReqBoot)
	if err != nil {
		return frame.BootInfo{}, err
	}
	return frame.DecodeBootInfo(r.Data[:])
}

// ReadMem reads n bytes of target memory in one MEMREAD exchange.
func (l *Link) ReadMem(ctx context.Context, addr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, transport.ErrInvalidLimit
	}
	if n == 0 {
		return []byte{}, nil
	}
	req := frame.EncodeMemRequest(frame.MemRequest{Addr: addr, Size: uint64(n)})
	if err := l.send(protocol.ReqMemRead, req); err != nil {
		return nil, err
	}
	r, err := l.reply(ctx, protocol.ReqMemRead)
	if err != nil {
		return nil, err
	}
	want := binary.LittleEndian.Uint32(r.Data[0:4])
	data, err := l.readBulk(ctx, n, "memread")
	if err != nil {
		return nil, err
	}
	if l.dataCsumsDisabled() {
		if err := l.readSentinel(ctx); err != nil {
			return nil, err
		}
		if want != protocol.ChecksumSentinel {
			return nil, fmt.Errorf("%w: read %#x+%#x expected sentinel checksum, got %#08x", protocol.ErrChecksum, addr, n, want)
		}
		return data, nil
	}
	if got := protocol.Sum(data); got != want {
		return nil, fmt.Errorf("%w: read %#x+%#x expected=%#08x got=%#08x", protocol.ErrChecksum, addr, n, want, got)
	}
	return data, nil
}

// WriteMem writes data at addr in one MEMWRITE exchange. progress, when set,
// is called after every chunk with the running byte count.
func (l *Link) WriteMem(ctx context.Context, addr uint64, data []byte, progress func(done, total int)) error {
	if len(data) == 0 {
		return nil
	}
	disabled := l.dataCsumsDisabled()
	req := frame.EncodeMemRequest(frame.MemRequest{
		Addr:     addr,
		Size:     uint64(len(data)),
		Checksum: protocol.DataChecksum(data, disabled),
	})
	if err := l.send(protocol.ReqMemWrite, req); err != nil {
		return err
	}
	for off := 0; off < len(data); off += protocol.WriteChunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+protocol.WriteChunk, len(data))
		if err := l.write(data[off:end]); err != nil {
			return err
		}
		if progress != nil {
			progress(end, len(data))
		}
	}
	if disabled {
		if err := l.write(binary.LittleEndian.AppendUint32(nil, protocol.DataEndSentinel)); err != nil {
			return err
		}
	}
	_, err := l.reply(ctx, protocol.ReqMemWrite)
	return err
}

func (l *Link) send(typ uint32, payload []byte) error {
	cmd, err := frame.NewCommand(typ, payload)
	if err != nil {
		return err
	}
	b := frame.EncodeCommand(cmd)
	if logging.TraceEnabled() {
		logging.Tracef("link.Link send type=%s frame=%x", protocol.TypeName(typ), b)
	}
	return l.write(b)
}

func (l *Link) write(b []byte) error {
	n, err := l.port.Write(b)
	observability.RecordLinkBytes("tx", n)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("link: short write %d of %d bytes", n, len(b))
	}
	return nil
}

func (l *Link) read(ctx context.Context, n int, timeout time.Duration, stage string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := transport.ReadFull(l.port, n, timeout)
	observability.RecordLinkBytes("rx", len(b))
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			observability.RecordLinkTimeout(stage)
		}
		return b, err
	}
	return b, nil
}

// readBulk scales the wait with the time the payload needs on the wire.
func (l *Link) readBulk(ctx context.Context, n int, stage string) ([]byte, error) {
	return l.read(ctx, n, l.timeout+2*wireTime(n, l.port.Baud()), stage)
}

// wireTime is how long n bytes take at baud with 10 bits per byte.
func wireTime(n, baud int) time.Duration {
	if n <= 0 || baud <= 0 {
		return 0
	}
	bits := uint64(n) * 10
	b := uint64(baud)
	return time.Duration(bits/b)*time.Second + time.Duration(bits%b)*time.Second/time.Duration(b)
}

func (l *Link) readSentinel(ctx context.Context) error {
	b, err := l.read(ctx, 4, l.timeout, "sentinel")
	if err != nil {
		return err
	}
	if got := binary.LittleEndian.Uint32(b); got != protocol.DataEndSentinel {
		return fmt.Errorf("%w: got %#08x", protocol.ErrSentinel, got)
	}
	return nil
}
