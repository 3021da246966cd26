package simtarget

import (
	"bytes"
	"compress/gzip"
	"io"
	"time"

	"github.com/danmuck/m1n1ctl/internal/logging"
	"github.com/danmuck/m1n1ctl/internal/protocol"
	"github.com/danmuck/m1n1ctl/internal/protocol/frame"
)

// Target-side opcode numbers. Kept separate from the host catalog so the
// simulator checks the client rather than echoing it.
const (
	pNop            = 0x000
	pExit           = 0x001
	pCall           = 0x002
	pGetBootArgs    = 0x003
	pGetBase        = 0x004
	pSetBaud        = 0x005
	pUdelay         = 0x006
	pSetExcGuard    = 0x007
	pGetExcCount    = 0x008
	pEL0Call        = 0x009
	pEL1Call        = 0x00a
	pVector         = 0x00b
	pGL1Call        = 0x00c
	pGL2Call        = 0x00d
	pGetSIMDState   = 0x00e
	pPutSIMDState   = 0x00f
	pReboot         = 0x010
	pWrite64        = 0x100
	pRead64         = 0x104
	pSet64          = 0x108
	pClear64        = 0x10c
	pMask64         = 0x110
	pWriteRead64    = 0x114
	pMemcpy64       = 0x200
	pMemset64       = 0x204
	pICIalluis      = 0x300
	pICIallu        = 0x301
	pICIvau         = 0x302
	pDCIvac         = 0x303
	pDCIsw          = 0x304
	pDCCsw          = 0x305
	pDCCisw         = 0x306
	pDCZva          = 0x307
	pDCCvac         = 0x308
	pDCCvau         = 0x309
	pDCCivac        = 0x30a
	pMMUShutdown    = 0x30b
	pMMUInit        = 0x30c
	pMMUDisable     = 0x30d
	pMMURestore     = 0x30e
	pXzdec          = 0x400
	pGzdec          = 0x401
	pSMPStart       = 0x500
	pSMPCall        = 0x501
	pSMPCallSync    = 0x502
	pHeapblockAlloc = 0x600
	pMalloc         = 0x601
	pMemalign       = 0x602
	pFree           = 0x603
	pIodevSetUsage  = 0x900
	pIodevCanRead   = 0x901
	pIodevCanWrite  = 0x902
	pIodevWrite     = 0x904
	pIodevWhoami    = 0x905
)

// Guard modes as the exception vector sees them.
const (
	guardOff      = 0
	guardSkip     = 1
	guardMark     = 2
	guardReturn   = 3
	guardTypeMask = 0xff
	guardSilent   = 0x100
)

// tinf status for a destination overflow.
const tinfDestOverflow = -3

// widths of the four access ops in a group, in opcode order.
var groupWidths = [4]int{64, 32, 16, 8}

func inGroup(op, base uint64) (int, bool) {
	if op >= base && op < base+4 {
		return groupWidths[op-base], true
	}
	return 0, false
}

var cacheNames = map[uint64]string{
	pICIalluis: "ic_ialluis", pICIallu: "ic_iallu", pICIvau: "ic_ivau",
	pDCIvac: "dc_ivac", pDCIsw: "dc_isw", pDCCsw: "dc_csw", pDCCisw: "dc_cisw",
	pDCZva: "dc_zva", pDCCvac: "dc_cvac", pDCCvau: "dc_cvau", pDCCivac: "dc_civac",
}

// outcome says how the proxy loop continues after an op.
type outcome int

const (
	outReply outcome = iota
	// outBoot: reply already handled, a new proxy instance announced itself.
	outBoot
	// outSilent: no reply, the target went away (reboot without announce).
	outSilent
	outExit
)

func (t *Target) proxy(cmd frame.Command) bool {
	req, _ := frame.DecodeRequest(cmd.Payload[:])
	t.guard = t.armed
	rep := frame.ProxyReply{Opcode: req.Opcode}
	out := t.dispatch(req, &rep)
	t.guard = t.armed

	switch out {
	case outBoot, outSilent:
		return true
	}
	r := frame.Reply{Type: protocol.ReqProxy}
	copy(r.Data[:], frame.EncodeProxyReply(rep))
	t.reply(r)
	if out == outExit {
		t.exited = true
		return false
	}
	return true
}

func (t *Target) dispatch(req frame.ProxyRequest, rep *frame.ProxyReply) outcome {
	a := req.Args
	op := req.Opcode

	if w, ok := inGroup(op, pWrite64); ok {
		t.guard = guardSkip
		if !t.mem.store(a[0], a[1], w) {
			return t.dataFault(a[0], rep)
		}
		return outReply
	}
	if w, ok := inGroup(op, pRead64); ok {
		t.guard = guardMark
		v, okr := t.mem.load(a[0], w)
		if !okr {
			return t.dataFault(a[0], rep)
		}
		rep.Retval = v
		return outReply
	}
	for _, g := range []uint64{pSet64, pClear64, pMask64, pWriteRead64} {
		if w, ok := inGroup(op, g); ok {
			t.guard = guardMark
			return t.rmw(g, w, a, rep)
		}
	}
	if w, ok := inGroup(op, pMemcpy64); ok {
		t.guard = guardReturn
		t.memcpy(a[0], a[1], a[2], w, rep)
		return outReply
	}
	if w, ok := inGroup(op, pMemset64); ok {
		t.guard = guardReturn
		t.memset(a[0], a[1], a[2], w, rep)
		return outReply
	}
	if name, ok := cacheNames[op]; ok {
		t.cacheOps = append(t.cacheOps, CacheOp{Op: name, Addr: a[0], Size: a[1]})
		if op == pDCZva {
			t.mem.write(a[0], make([]byte, a[1]))
		}
		return outReply
	}

	switch op {
	case pNop:
	case pExit:
		rep.Retval = a[0]
		return outExit
	case pCall, pEL0Call, pEL1Call, pGL1Call, pGL2Call:
		return t.callOp(op, a[0], a[1:], rep)
	case pGetBootArgs:
		rep.Retval = DefaultBootArgs
	case pGetBase:
		rep.Retval = t.opts.ImageBase
	case pSetBaud:
		rate, cnt, pattern := a[0], a[1], a[2]
		t.consolef("Changing baud rate to %d...\n", rate)
		_ = t.port.SetBaud(int(rate))
		var pat [4]byte
		for i := range pat {
			pat[i] = byte(pattern >> (8 * i))
		}
		for ; cnt > 0; cnt-- {
			t.write(pat[:])
		}
	case pUdelay:
		time.Sleep(min(time.Duration(a[0])*time.Microsecond, time.Second))
	case pSetExcGuard:
		t.excCount = 0
		t.armed = a[0]
	case pGetExcCount:
		rep.Retval = t.excCount
		t.excCount = 0
	case pVector:
		if t.opts.NoVector {
			rep.Status = frame.ProxyBadCmd
			return outReply
		}
		r := frame.Reply{Type: protocol.ReqProxy}
		copy(r.Data[:], frame.EncodeProxyReply(*rep))
		t.reply(r)
		t.calls = append(t.calls, CallRecord{Op: "vector", Addr: a[0], Args: append([]uint64(nil), a[1:]...)})
		t.armed, t.guard, t.excCount = 0, 0, 0
		t.features = 0
		t.sendBoot(frame.BootInfo{Reason: protocol.StartBoot})
		return outBoot
	case pGetSIMDState:
		if !t.mem.write(a[0], t.simd[:]) {
			return t.dataFault(a[0], rep)
		}
	case pPutSIMDState:
		b, ok := t.mem.read(a[0], uint64(len(t.simd)))
		if !ok {
			return t.dataFault(a[0], rep)
		}
		copy(t.simd[:], b)
	case pReboot:
		t.reboot()
		return outBoot
	case pMMUShutdown:
		t.cacheOps = append(t.cacheOps, CacheOp{Op: "mmu_shutdown"})
		t.mmuOn = false
	case pMMUDisable:
		t.cacheOps = append(t.cacheOps, CacheOp{Op: "mmu_disable"})
		if t.mmuOn {
			rep.Retval = 1
		}
		t.mmuOn = false
	case pMMUInit:
		t.cacheOps = append(t.cacheOps, CacheOp{Op: "mmu_init"})
		t.mmuOn = true
	case pMMURestore:
		t.cacheOps = append(t.cacheOps, CacheOp{Op: "mmu_restore", Addr: a[0]})
		t.mmuOn = a[0]&1 != 0
	case pGzdec:
		if t.opts.NoGzdec {
			rep.Status = frame.ProxyBadCmd
			return outReply
		}
		rep.Retval = uint64(t.gzdec(a[0], a[1], a[2], a[3]))
	case pSMPStart:
	case pSMPCall, pSMPCallSync:
		cpu := a[0]
		if cpu == 0 || cpu >= NumCPUs {
			t.consolef("Invalid CPU %d\n", cpu)
			return outReply
		}
		v, rebooted := t.run("smp_call", a[1], a[2:])
		if rebooted {
			return outBoot
		}
		t.smpResult[cpu] = v
		if op == pSMPCallSync {
			rep.Retval = v
		}
	case pHeapblockAlloc:
		if !t.opts.Heapblock {
			rep.Status = frame.ProxyBadCmd
			return outReply
		}
		rep.Retval = t.heapTop
		t.heapTop += (a[0] + 63) &^ 63
	case pMalloc:
		rep.Retval = t.fwAlloc(64, a[0])
	case pMemalign:
		rep.Retval = t.fwAlloc(a[0], a[1])
	case pFree:
	case pIodevWhoami:
		rep.Retval = t.opts.Iodev
	case pIodevSetUsage:
		t.iodevUsage[a[0]] = a[1]
	case pIodevCanRead:
	case pIodevCanWrite:
		rep.Retval = 1
	case pIodevWrite:
		b, ok := t.mem.read(a[1], a[2])
		if !ok {
			return t.dataFault(a[1], rep)
		}
		t.iodevOut[a[0]] = append(t.iodevOut[a[0]], b...)
		rep.Retval = a[2]
	default:
		// pXzdec lands here too: the simulator carries no xz decoder.
		logging.Debugf("simtarget.Target unsupported op=%#x", op)
		rep.Status = frame.ProxyBadCmd
	}
	return outReply
}

// takeFault runs the exception vector for the current guard. It returns false
// when the target rebooted.
func (t *Target) takeFault(what string, addr uint64) (mode uint64, alive bool) {
	silent := t.guard&guardSilent != 0
	mode = t.guard & guardTypeMask
	if !silent {
		t.consolef("Exception: SYNC\n%s at %#x\n", what, addr)
	}
	switch mode {
	case guardSkip, guardMark:
	case guardReturn:
		t.guard = guardOff
	default:
		t.consolef("Unhandled exception, rebooting...\n")
		t.reboot()
		return mode, false
	}
	t.excCount++
	if !silent {
		t.consolef("Recovering from exception (ELR=%#x)\n", addr)
	}
	return mode, true
}

func (t *Target) dataFault(addr uint64, rep *frame.ProxyReply) outcome {
	mode, alive := t.takeFault("data abort", addr)
	if !alive {
		return outBoot
	}
	if mode != guardSkip {
		rep.Retval = FaultMarker
	}
	return outReply
}

func (t *Target) rmw(group uint64, w int, a [frame.MaxArgs]uint64, rep *frame.ProxyReply) outcome {
	if group == pWriteRead64 {
		if !t.mem.store(a[0], a[1], w) {
			return t.dataFault(a[0], rep)
		}
	}
	v, ok := t.mem.load(a[0], w)
	if !ok {
		return t.dataFault(a[0], rep)
	}
	mask := uint64(1)<<w - 1
	if w == 64 {
		mask = ^uint64(0)
	}
	switch group {
	case pSet64:
		v |= a[1]
	case pClear64:
		v &^= a[1]
	case pMask64:
		v = v&^a[1] | a[2]
	}
	v &= mask
	if group != pWriteRead64 {
		t.mem.store(a[0], v, w)
	}
	rep.Retval = v
	return outReply
}

func (t *Target) memcpy(dst, src, size uint64, w int, rep *frame.ProxyReply) {
	step := uint64(w / 8)
	for off := uint64(0); off+step <= size; off += step {
		v, ok := t.mem.load(src+off, w)
		if ok {
			ok = t.mem.store(dst+off, v, w)
		}
		if !ok {
			if _, alive := t.takeFault("data abort", src+off); alive {
				rep.Retval = FaultMarker
			}
			return
		}
	}
}

func (t *Target) memset(dst, value, size uint64, w int, rep *frame.ProxyReply) {
	step := uint64(w / 8)
	for off := uint64(0); off+step <= size; off += step {
		if !t.mem.store(dst+off, value, w) {
			if _, alive := t.takeFault("data abort", dst+off); alive {
				rep.Retval = FaultMarker
			}
			return
		}
	}
}

func (t *Target) gzdec(src, srcLen, dst, dstLen uint64) int64 {
	in, ok := t.mem.read(src, srcLen)
	if !ok {
		return -1
	}
	zr, err := gzip.NewReader(bytes.NewReader(in))
	if err != nil {
		return -1
	}
	out, err := io.ReadAll(io.LimitReader(zr, int64(dstLen)+1))
	if err != nil {
		return -1
	}
	if uint64(len(out)) > dstLen {
		return tinfDestOverflow
	}
	if !t.mem.write(dst, out) {
		return -1
	}
	return int64(len(out))
}

func (t *Target) fwAlloc(align, size uint64) uint64 {
	if align == 0 || align&(align-1) != 0 {
		return 0
	}
	p := (t.fwTop + align - 1) &^ (align - 1)
	if p+size > HeapblockBase {
		return 0
	}
	t.fwTop = p + size
	return p
}
