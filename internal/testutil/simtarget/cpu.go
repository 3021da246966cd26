package simtarget

import (
	"github.com/danmuck/m1n1ctl/internal/asm"
	"github.com/danmuck/m1n1ctl/internal/logging"
	"github.com/danmuck/m1n1ctl/internal/protocol/frame"
	"github.com/danmuck/m1n1ctl/internal/sysreg"
)

// maxSteps bounds interpreted code; a stub that runs longer is treated as
// hung and the watchdog reboots the target.
const maxSteps = 4096

var callNames = map[uint64]string{
	pCall:    "call",
	pEL0Call: "el0_call",
	pEL1Call: "el1_call",
	pGL1Call: "gl1_call",
	pGL2Call: "gl2_call",
}

func defaultSysregs() map[sysreg.Encoding]uint64 {
	return map[sysreg.Encoding]uint64{
		sysreg.MIDR_EL1:  0x611f0221,
		sysreg.MPIDR_EL1: 0x80000000,
		sysreg.CurrentEL: 0x8,
	}
}

func (t *Target) callOp(op, addr uint64, args []uint64, rep *frame.ProxyReply) outcome {
	name := callNames[op]
	if t.images[canonical(addr)] {
		t.calls = append(t.calls, CallRecord{Op: name, Addr: addr, Args: append([]uint64(nil), args...)})
		logging.Debugf("simtarget.Target chainload entry=%#x", addr)
		t.armed, t.guard, t.excCount = 0, 0, 0
		t.features = 0
		t.sendBoot(frame.BootInfo{})
		return outBoot
	}
	v, alive := t.run(name, addr, args)
	if !alive {
		return outBoot
	}
	rep.Retval = v
	return outReply
}

// run executes a registered Func or interprets code at addr. It reports false
// when a fault rebooted the target.
func (t *Target) run(name string, addr uint64, args []uint64) (uint64, bool) {
	t.calls = append(t.calls, CallRecord{Op: name, Addr: addr, Args: append([]uint64(nil), args...)})
	if fn, ok := t.funcs[canonical(addr)]; ok {
		return fn(args...), true
	}
	return t.interpret(addr, args)
}

func (t *Target) interpret(pc uint64, args []uint64) (uint64, bool) {
	var x [32]uint64
	copy(x[:], args)
	reg := func(r int) uint64 {
		if r == asm.XZR {
			return 0
		}
		return x[r]
	}
	set := func(r int, v uint64) {
		if r != asm.XZR {
			x[r] = v
		}
	}
	// fault applies the guard to the instruction at pc. next is false when
	// the call is over.
	fault := func(what string, rt int) (ret uint64, next, alive bool) {
		mode, ok := t.takeFault(what, pc)
		switch {
		case !ok:
			return 0, false, false
		case mode == guardReturn:
			return FaultMarker, false, true
		case mode == guardMark && rt >= 0:
			set(rt, FaultMarker)
		}
		return 0, true, true
	}

	for step := 0; step < maxSteps; step++ {
		w, ok := t.mem.load(pc, 32)
		if !ok {
			ret, _, alive := fault("instruction abort", -1)
			if !alive {
				return 0, false
			}
			if ret == 0 {
				ret = FaultMarker
			}
			return ret, true
		}
		insn := uint32(w)
		if insn == asm.InsnRET {
			return x[0], true
		}
		if insn == asm.InsnNOP {
			pc += 4
			continue
		}
		if keep, rd, imm, shift, ok := asm.DecodeMov(insn); ok {
			v := imm << shift
			if keep {
				v |= reg(rd) &^ (0xffff << shift)
			}
			set(rd, v)
			pc += 4
			continue
		}
		if read, rt, enc, ok := asm.DecodeSys(insn); ok {
			if t.traps[enc] {
				ret, next, alive := fault("trapped "+sysreg.Name(enc), rt)
				if !alive {
					return 0, false
				}
				if !next {
					return ret, true
				}
			} else if read {
				set(rt, t.sysregs[enc])
			} else {
				t.sysregs[enc] = reg(rt)
			}
			pc += 4
			continue
		}
		if off, ok := asm.DecodeB(insn); ok {
			pc = uint64(int64(pc) + int64(off)*4)
			continue
		}
		ret, next, alive := fault("undefined instruction", -1)
		if !alive {
			return 0, false
		}
		if !next {
			return ret, true
		}
		pc += 4
	}
	t.consolef("Watchdog expired, rebooting...\n")
	t.reboot()
	return 0, false
}
