// Package simtarget is an in-process m1n1 proxy target for tests. It speaks
// the real wire protocol over one end of a transport pipe, so line rate
// changes garble bytes exactly like a mismatched UART would.
package simtarget

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/m1n1ctl/internal/bootargs"
	"github.com/danmuck/m1n1ctl/internal/logging"
	"github.com/danmuck/m1n1ctl/internal/protocol"
	"github.com/danmuck/m1n1ctl/internal/protocol/frame"
	"github.com/danmuck/m1n1ctl/internal/sysreg"
	"github.com/danmuck/m1n1ctl/internal/transport"
)

// Default memory map.
const (
	DefaultRAMBase   uint64 = 0x800000000
	DefaultRAMSize   uint64 = 0x200000000
	DefaultImageBase        = DefaultRAMBase + 0x4000
	DefaultBootArgs         = DefaultRAMBase + 0x1000

	// firmware malloc arena, then the heapblock region
	fwHeapBase    = DefaultRAMBase + 0x200000
	HeapblockBase = DefaultRAMBase + 0x1300000

	// aliasMask strips the REGION_* alias bits the host ORs into code
	// addresses.
	aliasMask uint64 = 0xf000000000

	// FaultMarker is what a guarded load yields when it faults.
	FaultMarker uint64 = 0xacce5515abad1dea

	NumCPUs = 8
)

// Iodev values reported by IODEV_WHOAMI.
const (
	IodevUART uint64 = 0
	IodevUSB0 uint64 = 2
)

// Func is a pure function the target can CALL.
type Func func(args ...uint64) uint64

// Options shapes a simulated target. The zero value is a UART target at the
// default baud with all features supported and optional calls disabled.
type Options struct {
	Baud      int
	Iodev     uint64
	Features  uint64
	ImageBase uint64
	// Heapblock enables HEAPBLOCK_ALLOC; without it the op answers BADCMD.
	Heapblock bool
	NoVector  bool
	NoGzdec   bool
	// Announce sends a BOOT frame as soon as the target starts.
	Announce bool
	BootArgs *bootargs.BootArgs
}

// CallRecord is one function call the target ran.
type CallRecord struct {
	Op   string
	Addr uint64
	Args []uint64
}

// CacheOp is one cache or MMU maintenance request.
type CacheOp struct {
	Op   string
	Addr uint64
	Size uint64
}

type Target struct {
	port *transport.PipeEnd
	opts Options
	stop chan struct{}
	done chan struct{}

	mu        sync.Mutex
	mem       *memory
	funcs     map[uint64]Func
	images    map[uint64]bool
	sysregs   map[sysreg.Encoding]uint64
	traps     map[sysreg.Encoding]bool
	armed     uint64
	guard     uint64
	excCount  uint64
	features  uint64
	dropNext  int
	pending   [][]byte
	calls     []CallRecord
	cacheOps  []CacheOp
	simd      [32 * 16]byte
	smpResult [NumCPUs]uint64
	mmuOn     bool
	heapTop   uint64
	fwTop     uint64
	boots     int
	exited    bool

	iodevUsage map[uint64]uint64
	iodevOut   map[uint64][]byte
}

// New builds a target on port without starting it.
func New(port *transport.PipeEnd, opts Options) *Target {
	if opts.Baud <= 0 {
		opts.Baud = transport.DefaultBaud
	}
	if opts.Features == 0 {
		opts.Features = protocol.FeatureAll
	}
	if opts.ImageBase == 0 {
		opts.ImageBase = DefaultImageBase
	}
	if opts.BootArgs == nil {
		ba := DefaultBootArgsValue()
		opts.BootArgs = &ba
	}
	t := &Target{
		port:    port,
		opts:    opts,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		mem:     newMemory(DefaultRAMBase, DefaultRAMSize),
		funcs:   make(map[uint64]Func),
		images:  make(map[uint64]bool),
		sysregs: defaultSysregs(),
		traps:   make(map[sysreg.Encoding]bool),
		mmuOn:   true,
		heapTop: HeapblockBase,
		fwTop:   fwHeapBase,

		iodevUsage: make(map[uint64]uint64),
		iodevOut:   make(map[uint64][]byte),
	}
	_ = port.SetBaud(opts.Baud)
	if raw, err := bootargs.Encode(*opts.BootArgs); err == nil {
		t.mem.write(DefaultBootArgs, raw)
	}
	return t
}

// DefaultBootArgsValue is the boot argument block a target starts with.
func DefaultBootArgsValue() bootargs.BootArgs {
	return bootargs.BootArgs{
		Revision:        2,
		Version:         2,
		VirtBase:        0xfffffe0007004000,
		PhysBase:        DefaultRAMBase,
		MemSize:         0x1e0000000,
		TopOfKernelData: DefaultRAMBase + 0x1240000,
		Video: bootargs.Video{
			Base:   0xbe0000000,
			Stride: 0x2000,
			Width:  2560,
			Height: 1600,
			Depth:  30,
		},
		MachineType:   0x8103,
		CmdLine:       "",
		MemSizeActual: 0x200000000,
	}
}

// Start runs a target on a fresh pipe and returns the host end. The pipe is
// closed and the target stopped when the test ends.
func Start(tb testing.TB, opts Options) (*Target, *transport.PipeEnd) {
	tb.Helper()
	baud := opts.Baud
	if baud <= 0 {
		baud = transport.DefaultBaud
	}
	host, dev := transport.NewPipe(baud)
	t := New(dev, opts)
	t.Run()
	tb.Cleanup(func() {
		_ = host.Close()
		t.Close()
	})
	return t, host
}

// Run starts serving in a goroutine.
func (t *Target) Run() {
	if t.opts.Announce {
		t.mu.Lock()
		t.sendBoot(frame.BootInfo{Reason: protocol.StartBoot})
		t.mu.Unlock()
	}
	go t.serve()
}

// Close stops the serving goroutine.
func (t *Target) Close() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	<-t.done
}

func (t *Target) serve() {
	defer close(t.done)
	var window uint32
	var one [1]byte
	_ = t.port.SetReadTimeout(20 * time.Millisecond)
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		n, err := t.port.Read(one[:])
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		window = window>>8 | uint32(one[0])<<24
		if window&protocol.SyncMask != protocol.SyncWord {
			continue
		}
		typ := window
		window = 0
		rest, err := transport.ReadFull(t.port, protocol.CommandLen-4, time.Second)
		if err != nil {
			logging.Debugf("simtarget.Target truncated command type=%#08x err=%v", typ, err)
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			_ = t.port.SetReadTimeout(20 * time.Millisecond)
			continue
		}
		raw := binary.LittleEndian.AppendUint32(make([]byte, 0, protocol.CommandLen), typ)
		raw = append(raw, rest...)
		running := t.handle(typ, raw)
		_ = t.port.SetReadTimeout(20 * time.Millisecond)
		if !running {
			logging.Debugf("simtarget.Target proxy loop exited")
			return
		}
	}
}

func (t *Target) handle(typ uint32, raw []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmd, err := frame.DecodeCommand(raw)
	if err != nil {
		logging.Debugf("simtarget.Target bad command type=%#08x err=%v", typ, err)
		t.reply(frame.Reply{Type: typ, Status: protocol.StatusCsumErr})
		return true
	}
	switch cmd.Type {
	case protocol.ReqNop:
		enabled := frame.DecodeFeatures(cmd.Payload[:]) & t.opts.Features
		if t.opts.Iodev == IodevUART {
			enabled &^= protocol.FeatureDisableDataCsums
		}
		t.features = enabled
		r := frame.Reply{Type: protocol.ReqNop}
		copy(r.Data[:], frame.EncodeFeatures(enabled))
		t.reply(r)
	case protocol.ReqProxy:
		return t.proxy(cmd)
	case protocol.ReqMemRead:
		t.memRead(cmd)
	case protocol.ReqMemWrite:
		t.memWrite(cmd)
	default:
		t.reply(frame.Reply{Type: cmd.Type, Status: protocol.StatusBadCmd})
	}
	return true
}

func (t *Target) dataCsumsDisabled() bool {
	return t.features&protocol.FeatureDisableDataCsums != 0
}

func (t *Target) memRead(cmd frame.Command) {
	req, _ := frame.DecodeMemRequest(cmd.Payload[:])
	r := frame.Reply{Type: protocol.ReqMemRead}
	if req.Size == 0 {
		t.reply(r)
		return
	}
	data, ok := t.mem.read(req.Addr, req.Size)
	if !ok {
		r.Status = protocol.StatusXfrErr
		t.reply(r)
		return
	}
	disabled := t.dataCsumsDisabled()
	binary.LittleEndian.PutUint32(r.Data[0:4], protocol.DataChecksum(data, disabled))
	if !t.reply(r) {
		return
	}
	t.write(data)
	if disabled {
		t.write(binary.LittleEndian.AppendUint32(nil, protocol.DataEndSentinel))
	}
}

func (t *Target) memWrite(cmd frame.Command) {
	req, _ := frame.DecodeMemRequest(cmd.Payload[:])
	r := frame.Reply{Type: protocol.ReqMemWrite}
	if req.Size == 0 {
		t.reply(r)
		return
	}
	// The first and last byte are checked before any data is taken off the
	// line, so on failure the payload is left as noise.
	if !t.mem.accessible(req.Addr, 1) || !t.mem.accessible(req.Addr+req.Size-1, 1) {
		r.Status = protocol.StatusXfrErr
		t.reply(r)
		return
	}
	disabled := t.dataCsumsDisabled()
	n := int(req.Size)
	if disabled {
		n += 4
	}
	data, err := transport.ReadFull(t.port, n, 5*time.Second)
	if err != nil {
		r.Status = protocol.StatusXfrErr
		t.reply(r)
		return
	}
	if disabled {
		if binary.LittleEndian.Uint32(data[req.Size:]) != protocol.DataEndSentinel {
			r.Status = protocol.StatusXfrErr
			t.reply(r)
			return
		}
		data = data[:req.Size]
	} else if protocol.Sum(data) != req.Checksum {
		r.Status = protocol.StatusCsumErr
		t.reply(r)
		return
	}
	if !t.mem.write(req.Addr, data) {
		r.Status = protocol.StatusXfrErr
	}
	t.reply(r)
}

// reply flushes queued events, then writes r unless a drop is pending. It
// reports whether the frame went out.
func (t *Target) reply(r frame.Reply) bool {
	for _, ev := range t.pending {
		t.write(ev)
	}
	t.pending = nil
	if t.dropNext > 0 {
		t.dropNext--
		logging.Debugf("simtarget.Target dropped reply type=%s", protocol.TypeName(r.Type))
		return false
	}
	t.write(frame.EncodeReply(r))
	return true
}

func (t *Target) sendBoot(info frame.BootInfo) {
	r := frame.Reply{Type: protocol.ReqBoot}
	copy(r.Data[:], frame.EncodeBootInfo(info))
	t.write(frame.EncodeReply(r))
	t.boots++
}

func (t *Target) write(b []byte) {
	_, _ = t.port.Write(b)
}

func (t *Target) consolef(format string, args ...any) {
	t.write([]byte(fmt.Sprintf(format, args...)))
}

// reboot models a hard reset: guard state and features are cleared, the line
// returns to its initial rate and a fresh proxy announces itself.
func (t *Target) reboot() {
	t.armed, t.guard, t.excCount = 0, 0, 0
	t.features = 0
	t.mmuOn = true
	_ = t.port.SetBaud(t.opts.Baud)
	t.sendBoot(frame.BootInfo{Reason: protocol.StartBoot})
}
