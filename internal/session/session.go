package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/m1n1ctl/internal/bootargs"
	"github.com/danmuck/m1n1ctl/internal/heap"
	"github.com/danmuck/m1n1ctl/internal/invoke"
	"github.com/danmuck/m1n1ctl/internal/logging"
	"github.com/danmuck/m1n1ctl/internal/protocol"
	"github.com/danmuck/m1n1ctl/internal/protocol/link"
	"github.com/danmuck/m1n1ctl/internal/proxy"
	"github.com/danmuck/m1n1ctl/internal/transport"
)

var (
	ErrHandshake = errors.New("session: target did not answer")
	ErrNotReady  = errors.New("session: not ready")
	ErrClosed    = errors.New("session: closed")
)

type State int

const (
	StateDisconnected State = iota
	StateLinkOpen
	StateHandshaken
	StateBaudRaised
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateLinkOpen:
		return "link_open"
	case StateHandshaken:
		return "handshaken"
	case StateBaudRaised:
		return "baud_raised"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state_%d", int(s))
	}
}

// heapAlign keeps the host heap on 64 KiB boundaries.
const heapAlign = 0x10000

// codeAlign is the page alignment of the code buffer.
const codeAlign = 0x4000

// Session is one connection to a target plus everything derived from the
// current boot of its proxy.
type Session struct {
	cfg  Config
	open transport.Opener
	rng  *rand.Rand

	mu       sync.Mutex
	state    State
	err      error
	port     transport.Port
	link     *link.Link
	client   *proxy.Client
	base     uint64
	baAddr   uint64
	bootArgs bootargs.BootArgs
	heap     *heap.Heap
	codeBuf  uint64
	invoker  *invoke.Invoker
}

// Bootstrap opens cfg.Device and drives the session to Ready. On failure
// the port is closed and the error says which stage broke.
func Bootstrap(ctx context.Context, cfg Config, open transport.Opener) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:  cfg,
		open: open,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return nil, s.failLocked(err)
	}
	if err := s.driveLocked(ctx); err != nil {
		_ = s.port.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) openLocked() error {
	port, err := s.open(s.cfg.Device, s.cfg.InitialBaud)
	if err != nil {
		return fmt.Errorf("session: open %s: %w", s.cfg.Device, err)
	}
	var features uint64
	if s.cfg.DisableDataCsums {
		features |= protocol.FeatureDisableDataCsums
	}
	s.port = port
	s.link = link.New(port, link.Options{
		ReadTimeout: s.cfg.ReadTimeout,
		Console:     s.cfg.Console,
		Features:    features,
	})
	s.client = proxy.New(s.link)
	s.setStateLocked(StateLinkOpen)
	return nil
}

func (s *Session) setStateLocked(st State) {
	if s.state != st {
		logging.Debugf("session.Session state from=%s to=%s", s.state, st)
	}
	s.state = st
}

func (s *Session) failLocked(err error) error {
	s.err = err
	s.setStateLocked(StateFailed)
	logging.Errorf("session.Session failed err=%v", err)
	return err
}

// driveLocked runs LinkOpen -> Ready on the open port.
func (s *Session) driveLocked(ctx context.Context) error {
	if err := s.initialHandshakeLocked(ctx); err != nil {
		return s.failLocked(err)
	}
	if err := s.raiseBaudLocked(ctx); err != nil {
		return s.failLocked(err)
	}
	if err := s.prepareLocked(ctx); err != nil {
		return s.failLocked(err)
	}
	s.err = nil
	s.setStateLocked(StateReady)
	logging.Infof("session.Session ready device=%s baud=%d base=%#x heap=[%#x,%#x) code=%#x",
		s.cfg.Device, s.port.Baud(), s.base, s.heap.Base(), s.heap.End(), s.codeBuf)
	return nil
}

// handshakeLocked sends link NOPs with the short handshake timeout until one is
// answered or attempts run out.
// The link is held throughout so no proxy request interleaves with the NOPs.
func (s *Session) handshakeLocked(ctx context.Context, attempts int) error {
	return s.client.Exclusive(ctx, func(ctx context.Context) error {
		s.link.SetReadTimeout(s.cfg.HandshakeTimeout)
		defer s.link.SetReadTimeout(s.cfg.ReadTimeout)
		var err error
		for attempt := 1; attempt <= attempts; attempt++ {
			if werr := sleepCtx(ctx, NextBackoffDelay(s.cfg.Backoff, attempt, s.rng)); werr != nil {
				return werr
			}
			if _, err = s.link.Nop(ctx); err == nil {
				return nil
			}
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return err
			}
			logging.Debugf("session.Session handshake attempt=%d baud=%d err=%v", attempt, s.port.Baud(), err)
			_ = s.port.Flush()
		}
		return err
	})
}

func (s *Session) initialHandshakeLocked(ctx context.Context) error {
	err := s.handshakeLocked(ctx, s.cfg.HandshakeAttempts)
	if err == nil {
		s.setStateLocked(StateHandshaken)
		return nil
	}
	target := s.cfg.TargetBaud
	if !errors.Is(err, transport.ErrTimeout) || target == 0 || target == s.port.Baud() {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	// A previous session may have left the target at the fast rate.
	if serr := s.port.SetBaud(target); serr != nil {
		return serr
	}
	if perr := s.handshakeLocked(ctx, 1); perr != nil {
		return fmt.Errorf("%w at %d or %d baud: %w", ErrHandshake, s.cfg.InitialBaud, target, perr)
	}
	logging.Infof("session.Session target already at baud=%d", target)
	s.setStateLocked(StateBaudRaised)
	return nil
}

func (s *Session) raiseBaudLocked(ctx context.Context) error {
	target := s.cfg.TargetBaud
	if target == 0 || s.port.Baud() == target {
		s.setStateLocked(StateBaudRaised)
		return nil
	}
	err := s.client.Exclusive(ctx, func(ctx context.Context) error {
		s.link.SetReadTimeout(s.cfg.HandshakeTimeout)
		defer s.link.SetReadTimeout(s.cfg.ReadTimeout)
		return s.client.SetBaud(ctx, target)
	})
	if err != nil {
		if !errors.Is(err, transport.ErrTimeout) {
			return err
		}
		// The reply can be lost in the switch; trust the next handshake instead.
		logging.Warnf("session.Session set_baud reply lost, forcing local baud=%d", target)
		if serr := s.port.SetBaud(target); serr != nil {
			return serr
		}
	}
	if err := s.handshakeLocked(ctx, s.cfg.HandshakeAttempts); err != nil {
		return fmt.Errorf("%w after baud switch to %d: %w", ErrHandshake, target, err)
	}
	s.setStateLocked(StateBaudRaised)
	return nil
}

// prepareLocked collects per-boot state and carves out the host heap.
func (s *Session) prepareLocked(ctx context.Context) error {
	base, err := s.client.GetBase(ctx)
	if err != nil {
		return err
	}
	baAddr, err := s.client.GetBootArgs(ctx)
	if err != nil {
		return err
	}
	ba, err := s.readBootArgs(ctx, baAddr)
	if err != nil {
		return err
	}

	start, err := s.client.HeapblockAlloc(ctx, 0)
	if errors.Is(err, proxy.ErrUnsupported) {
		start = ba.HeapFallbackBase(base)
		logging.Debugf("session.Session heapblock unsupported, fallback base=%#x", start)
	} else if err != nil {
		return err
	}
	start = (start + s.cfg.FirmwareHeapReserve + heapAlign - 1) &^ (heapAlign - 1)
	h, err := heap.New(start, start+s.cfg.HeapSize, heap.DefaultBlock)
	if err != nil {
		return err
	}
	codeBuf, err := h.Memalign(codeAlign, s.cfg.CodeBufferSize)
	if err != nil {
		return fmt.Errorf("session: code buffer: %w", err)
	}

	s.base, s.baAddr, s.bootArgs = base, baAddr, ba
	s.heap, s.codeBuf = h, codeBuf
	s.client.SetAllocator(h)
	s.invoker = invoke.New(s.client, codeBuf, s.cfg.CodeBufferSize)
	return nil
}

func (s *Session) readBootArgs(ctx context.Context, addr uint64) (bootargs.BootArgs, error) {
	hdr, err := s.client.ReadMemory(ctx, addr, 2)
	if err != nil {
		return bootargs.BootArgs{}, err
	}
	rev := binary.LittleEndian.Uint16(hdr)
	n := bootargs.Size(rev)
	if n == 0 {
		return bootargs.BootArgs{}, fmt.Errorf("%w: %d", bootargs.ErrUnknownRevision, rev)
	}
	raw, err := s.client.ReadMemory(ctx, addr, n)
	if err != nil {
		return bootargs.BootArgs{}, err
	}
	return bootargs.Decode(rev, raw)
}

func (s *Session) invalidateLocked() {
	s.base, s.baAddr = 0, 0
	s.bootArgs = bootargs.BootArgs{}
	s.heap, s.codeBuf, s.invoker = nil, 0, nil
	s.client.SetAllocator(nil)
}

// redriveLocked re-enters the state machine after the target restarted its
// proxy. The port is kept; only its rate goes back to the initial value.
func (s *Session) redriveLocked(ctx context.Context) error {
	s.invalidateLocked()
	if err := s.port.SetBaud(s.cfg.InitialBaud); err != nil {
		return s.failLocked(err)
	}
	s.setStateLocked(StateLinkOpen)
	return s.driveLocked(ctx)
}

func (s *Session) readyLocked() error {
	switch s.state {
	case StateReady:
		return nil
	case StateDisconnected:
		return ErrClosed
	}
	if s.err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, s.err)
	}
	return fmt.Errorf("%w: state=%s", ErrNotReady, s.state)
}

// Resync drops whatever is in flight and redoes the nop handshake. A session that lost a
// reply or saw line noise becomes usable again without a new bootstrap.
func (s *Session) Resync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return ErrClosed
	}
	err := s.client.Exclusive(ctx, func(ctx context.Context) error {
		dropped, err := transport.Drain(s.port, s.cfg.HandshakeTimeout)
		if err != nil {
			return err
		}
		if dropped > 0 {
			logging.Debugf("session.Session resync dropped=%d", dropped)
		}
		if err := s.handshakeLocked(ctx, s.cfg.HandshakeAttempts); err != nil {
			return fmt.Errorf("%w on resync: %w", ErrHandshake, err)
		}
		return nil
	})
	if err != nil {
		return s.failLocked(err)
	}
	if s.heap != nil {
		s.err = nil
		s.setStateLocked(StateReady)
	}
	return nil
}

// Reload starts a new proxy image at entry and rebuilds the session on it.
func (s *Session) Reload(ctx context.Context, entry uint64, args ...uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return err
	}
	if err := s.client.Reload(ctx, entry, args...); err != nil {
		return s.failLocked(err)
	}
	return s.redriveLocked(ctx)
}

// Reboot resets the target and rebuilds the session once it is back.
func (s *Session) Reboot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return err
	}
	err := s.client.Exclusive(ctx, func(ctx context.Context) error {
		if err := s.client.Reboot(ctx); err != nil {
			return err
		}
		if err := s.port.SetBaud(s.cfg.InitialBaud); err != nil {
			return err
		}
		if info, err := s.link.WaitBoot(ctx); err != nil {
			logging.Warnf("session.Session no boot frame after reboot err=%v", err)
		} else {
			logging.Infof("session.Session target rebooted reason=%s", info.Reason)
		}
		return nil
	})
	if err != nil {
		return s.failLocked(err)
	}
	return s.redriveLocked(ctx)
}

// Close releases the port. The session cannot be used afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return nil
	}
	s.invalidateLocked()
	s.setStateLocked(StateDisconnected)
	return s.port.Close()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure that moved the session to StateFailed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Config() Config { return s.cfg }

func (s *Session) Client() *proxy.Client { return s.client }

func (s *Session) Link() *link.Link { return s.link }

func (s *Session) Port() transport.Port { return s.port }

func (s *Session) Base() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

func (s *Session) BootArgsAddr() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baAddr
}

func (s *Session) BootArgs() bootargs.BootArgs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootArgs
}

// PushBootArgs writes ba over the target's boot arguments block, for
// example to hand a new command line to the next stage. The revision must
// match the block's own so the write stays within it.
func (s *Session) PushBootArgs(ctx context.Context, ba bootargs.BootArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return err
	}
	if ba.Revision != s.bootArgs.Revision {
		return fmt.Errorf("%w: target has %d, got %d", bootargs.ErrRevisionMismatch, s.bootArgs.Revision, ba.Revision)
	}
	raw, err := bootargs.Encode(ba)
	if err != nil {
		return err
	}
	if err := s.client.WriteMemory(ctx, s.baAddr, raw, false); err != nil {
		return err
	}
	s.bootArgs = ba
	logging.Debugf("session.Session boot args pushed addr=%#x cmdline=%q", s.baAddr, ba.CmdLine)
	return nil
}

// Heap is the host-side allocator over target memory, nil until Ready.
func (s *Session) Heap() *heap.Heap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap
}

func (s *Session) CodeBuffer() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codeBuf
}

func (s *Session) Invoker() *invoke.Invoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invoker
}
