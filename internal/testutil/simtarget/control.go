package simtarget

import (
	"github.com/danmuck/m1n1ctl/internal/protocol"
	"github.com/danmuck/m1n1ctl/internal/protocol/frame"
	"github.com/danmuck/m1n1ctl/internal/sysreg"
)

// Register installs fn as the code at addr.
func (t *Target) Register(addr uint64, fn Func) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[canonical(addr)] = fn
}

// RegisterImage marks addr as the entry of a proxy image. Calling it starts a
// new proxy instance, which announces itself with a BOOT frame.
func (t *Target) RegisterImage(addr uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.images[canonical(addr)] = true
}

// AddFault makes [start, start+size) abort on any access.
func (t *Target) AddFault(start, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := canonical(start)
	t.mem.faults = append(t.mem.faults, faultRange{start: s, end: s + size})
}

func (t *Target) Peek(addr, n uint64) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, _ := t.mem.read(addr, n)
	return b
}

func (t *Target) Poke(addr uint64, data []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mem.write(addr, data)
}

func (t *Target) SetSysreg(enc sysreg.Encoding, v uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sysregs[enc] = v
}

func (t *Target) Sysreg(enc sysreg.Encoding) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sysregs[enc]
}

// Trap makes any MRS or MSR of enc raise a synchronous exception.
func (t *Target) Trap(enc sysreg.Encoding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.traps[enc] = true
}

// DropNextReply swallows the next n reply frames. The commands still run.
func (t *Target) DropNextReply(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropNext += n
}

// SendEvent queues an EVENT frame that goes out ahead of the next reply.
func (t *Target) SendEvent(typ protocol.EventType, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, err := frame.EncodeEvent(typ, data, t.dataCsumsDisabled())
	if err != nil {
		return err
	}
	t.pending = append(t.pending, b)
	return nil
}

// InjectBoot queues an unsolicited BOOT frame ahead of the next reply.
func (t *Target) InjectBoot(info frame.BootInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := frame.Reply{Type: protocol.ReqBoot}
	copy(r.Data[:], frame.EncodeBootInfo(info))
	t.pending = append(t.pending, frame.EncodeReply(r))
}

// ExcCount peeks at the exception count without resetting it.
func (t *Target) ExcCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.excCount
}

// Guard returns the armed guard mode.
func (t *Target) Guard() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Baud is the line rate the target currently talks at.
func (t *Target) Baud() int { return t.port.Baud() }

// Features returns the feature bits enabled by the last NOP.
func (t *Target) Features() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.features
}

func (t *Target) Calls() []CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]CallRecord(nil), t.calls...)
}

func (t *Target) CacheOps() []CacheOp {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]CacheOp(nil), t.cacheOps...)
}

// Boots counts BOOT frames sent so far.
func (t *Target) Boots() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.boots
}

// Exited reports whether an EXIT ended the proxy loop.
func (t *Target) Exited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exited
}

// IodevUsage returns the usage bits last set on dev.
func (t *Target) IodevUsage(dev uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iodevUsage[dev]
}

// IodevOutput returns everything written to dev with IODEV_WRITE.
func (t *Target) IodevOutput(dev uint64) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.iodevOut[dev]...)
}
