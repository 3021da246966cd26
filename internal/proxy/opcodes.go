package proxy

import "fmt"

// Opcode selects a proxy command on the target.
type Opcode uint64

const (
	OpNop                  Opcode = 0x000
	OpExit                 Opcode = 0x001
	OpCall                 Opcode = 0x002
	OpGetBootArgs          Opcode = 0x003
	OpGetBase              Opcode = 0x004
	OpSetBaud              Opcode = 0x005
	OpUdelay               Opcode = 0x006
	OpSetExcGuard          Opcode = 0x007
	OpGetExcCount          Opcode = 0x008
	OpEL0Call              Opcode = 0x009
	OpEL1Call              Opcode = 0x00a
	OpVector               Opcode = 0x00b
	OpGL1Call              Opcode = 0x00c
	OpGL2Call              Opcode = 0x00d
	OpGetSIMDState         Opcode = 0x00e
	OpPutSIMDState         Opcode = 0x00f
	OpReboot               Opcode = 0x010
	OpWrite64              Opcode = 0x100
	OpWrite32              Opcode = 0x101
	OpWrite16              Opcode = 0x102
	OpWrite8               Opcode = 0x103
	OpRead64               Opcode = 0x104
	OpRead32               Opcode = 0x105
	OpRead16               Opcode = 0x106
	OpRead8                Opcode = 0x107
	OpSet64                Opcode = 0x108
	OpSet32                Opcode = 0x109
	OpSet16                Opcode = 0x10a
	OpSet8                 Opcode = 0x10b
	OpClear64              Opcode = 0x10c
	OpClear32              Opcode = 0x10d
	OpClear16              Opcode = 0x10e
	OpClear8               Opcode = 0x10f
	OpMask64               Opcode = 0x110
	OpMask32               Opcode = 0x111
	OpMask16               Opcode = 0x112
	OpMask8                Opcode = 0x113
	OpWriteRead64          Opcode = 0x114
	OpWriteRead32          Opcode = 0x115
	OpWriteRead16          Opcode = 0x116
	OpWriteRead8           Opcode = 0x117
	OpMemcpy64             Opcode = 0x200
	OpMemcpy32             Opcode = 0x201
	OpMemcpy16             Opcode = 0x202
	OpMemcpy8              Opcode = 0x203
	OpMemset64             Opcode = 0x204
	OpMemset32             Opcode = 0x205
	OpMemset16             Opcode = 0x206
	OpMemset8              Opcode = 0x207
	OpICIalluis            Opcode = 0x300
	OpICIallu              Opcode = 0x301
	OpICIvau               Opcode = 0x302
	OpDCIvac               Opcode = 0x303
	OpDCIsw                Opcode = 0x304
	OpDCCsw                Opcode = 0x305
	OpDCCisw               Opcode = 0x306
	OpDCZva                Opcode = 0x307
	OpDCCvac               Opcode = 0x308
	OpDCCvau               Opcode = 0x309
	OpDCCivac              Opcode = 0x30a
	OpMMUShutdown          Opcode = 0x30b
	OpMMUInit              Opcode = 0x30c
	OpMMUDisable           Opcode = 0x30d
	OpMMURestore           Opcode = 0x30e
	OpXzdec                Opcode = 0x400
	OpGzdec                Opcode = 0x401
	OpSMPStartSecondaries  Opcode = 0x500
	OpSMPCall              Opcode = 0x501
	OpSMPCallSync          Opcode = 0x502
	OpHeapblockAlloc       Opcode = 0x600
	OpMalloc               Opcode = 0x601
	OpMemalign             Opcode = 0x602
	OpFree                 Opcode = 0x603
	OpKbootBoot            Opcode = 0x700
	OpKbootSetBootArgs     Opcode = 0x701
	OpKbootSetInitrd       Opcode = 0x702
	OpKbootPrepareDT       Opcode = 0x703
	OpPMGRClockEnable      Opcode = 0x800
	OpPMGRClockDisable     Opcode = 0x801
	OpPMGRADTClocksEnable  Opcode = 0x802
	OpPMGRADTClocksDisable Opcode = 0x803
	OpIodevSetUsage        Opcode = 0x900
	OpIodevCanRead         Opcode = 0x901
	OpIodevCanWrite        Opcode = 0x902
	OpIodevRead            Opcode = 0x903
	OpIodevWrite           Opcode = 0x904
	OpIodevWhoami          Opcode = 0x905
	OpTunablesApplyGlobal  Opcode = 0xa00
	OpTunablesApplyLocal   Opcode = 0xa01
	OpDARTInit             Opcode = 0xb00
	OpDARTShutdown         Opcode = 0xb01
	OpDARTMap              Opcode = 0xb02
	OpDARTUnmap            Opcode = 0xb03
	OpFBInit               Opcode = 0xd00
	OpFBShutdown           Opcode = 0xd01
	OpFBBlit               Opcode = 0xd02
	OpFBUnblit             Opcode = 0xd03
	OpFBFill               Opcode = 0xd04
	OpFBClear              Opcode = 0xd05
	OpFBDisplayLogo        Opcode = 0xd06
	OpFBRestoreLogo        Opcode = 0xd07
	OpFBImproveLogo        Opcode = 0xd08
)

// MaxCallArgs is the number of arguments a remote function call can carry.
const MaxCallArgs = 4

type opInfo struct {
	name    string
	minArgs int
	maxArgs int
	signed  bool
}

func fixed(name string, n int) opInfo { return opInfo{name: name, minArgs: n, maxArgs: n} }

// call-style ops take a target and up to MaxCallArgs arguments.
func call(name string, lead int) opInfo {
	return opInfo{name: name, minArgs: lead, maxArgs: lead + MaxCallArgs}
}

var catalog = map[Opcode]opInfo{
	OpNop:          fixed("nop", 0),
	OpExit:         fixed("exit", 1),
	OpCall:         call("call", 1),
	OpGetBootArgs:  fixed("get_bootargs", 0),
	OpGetBase:      fixed("get_base", 0),
	OpSetBaud:      fixed("set_baud", 3),
	OpUdelay:       fixed("udelay", 1),
	OpSetExcGuard:  fixed("set_exc_guard", 1),
	OpGetExcCount:  fixed("get_exc_count", 0),
	OpEL0Call:      call("el0_call", 1),
	OpEL1Call:      call("el1_call", 1),
	OpVector:       call("vector", 1),
	OpGL1Call:      call("gl1_call", 1),
	OpGL2Call:      call("gl2_call", 1),
	OpGetSIMDState: fixed("get_simd_state", 1),
	OpPutSIMDState: fixed("put_simd_state", 1),
	OpReboot:       fixed("reboot", 0),

	OpWrite64:     fixed("write64", 2),
	OpWrite32:     fixed("write32", 2),
	OpWrite16:     fixed("write16", 2),
	OpWrite8:      fixed("write8", 2),
	OpRead64:      fixed("read64", 1),
	OpRead32:      fixed("read32", 1),
	OpRead16:      fixed("read16", 1),
	OpRead8:       fixed("read8", 1),
	OpSet64:       fixed("set64", 2),
	OpSet32:       fixed("set32", 2),
	OpSet16:       fixed("set16", 2),
	OpSet8:        fixed("set8", 2),
	OpClear64:     fixed("clear64", 2),
	OpClear32:     fixed("clear32", 2),
	OpClear16:     fixed("clear16", 2),
	OpClear8:      fixed("clear8", 2),
	OpMask64:      fixed("mask64", 3),
	OpMask32:      fixed("mask32", 3),
	OpMask16:      fixed("mask16", 3),
	OpMask8:       fixed("mask8", 3),
	OpWriteRead64: fixed("writeread64", 2),
	OpWriteRead32: fixed("writeread32", 2),
	OpWriteRead16: fixed("writeread16", 2),
	OpWriteRead8:  fixed("writeread8", 2),

	OpMemcpy64: fixed("memcpy64", 3),
	OpMemcpy32: fixed("memcpy32", 3),
	OpMemcpy16: fixed("memcpy16", 3),
	OpMemcpy8:  fixed("memcpy8", 3),
	OpMemset64: fixed("memset64", 3),
	OpMemset32: fixed("memset32", 3),
	OpMemset16: fixed("memset16", 3),
	OpMemset8:  fixed("memset8", 3),

	OpICIalluis:   fixed("ic_ialluis", 0),
	OpICIallu:     fixed("ic_iallu", 0),
	OpICIvau:      fixed("ic_ivau", 2),
	OpDCIvac:      fixed("dc_ivac", 2),
	OpDCIsw:       fixed("dc_isw", 1),
	OpDCCsw:       fixed("dc_csw", 1),
	OpDCCisw:      fixed("dc_cisw", 1),
	OpDCZva:       fixed("dc_zva", 2),
	OpDCCvac:      fixed("dc_cvac", 2),
	OpDCCvau:      fixed("dc_cvau", 2),
	OpDCCivac:     fixed("dc_civac", 2),
	OpMMUShutdown: fixed("mmu_shutdown", 0),
	OpMMUInit:     fixed("mmu_init", 0),
	OpMMUDisable:  fixed("mmu_disable", 0),
	OpMMURestore:  fixed("mmu_restore", 1),

	OpXzdec: {name: "xzdec", minArgs: 4, maxArgs: 4, signed: true},
	OpGzdec: {name: "gzdec", minArgs: 4, maxArgs: 4, signed: true},

	OpSMPStartSecondaries: fixed("smp_start_secondaries", 0),
	OpSMPCall:             call("smp_call", 2),
	OpSMPCallSync:         call("smp_call_sync", 2),

	OpHeapblockAlloc: fixed("heapblock_alloc", 1),
	OpMalloc:         fixed("malloc", 1),
	OpMemalign:       fixed("memalign", 2),
	OpFree:           fixed("free", 1),

	OpKbootBoot:        fixed("kboot_boot", 1),
	OpKbootSetBootArgs: fixed("kboot_set_bootargs", 1),
	OpKbootSetInitrd:   fixed("kboot_set_initrd", 2),
	OpKbootPrepareDT:   fixed("kboot_prepare_dt", 1),

	OpPMGRClockEnable:      fixed("pmgr_clock_enable", 1),
	OpPMGRClockDisable:     fixed("pmgr_clock_disable", 1),
	OpPMGRADTClocksEnable:  fixed("pmgr_adt_clocks_enable", 1),
	OpPMGRADTClocksDisable: fixed("pmgr_adt_clocks_disable", 1),

	OpIodevSetUsage: fixed("iodev_set_usage", 2),
	OpIodevCanRead:  fixed("iodev_can_read", 1),
	OpIodevCanWrite: fixed("iodev_can_write", 1),
	OpIodevRead:     {name: "iodev_read", minArgs: 3, maxArgs: 3, signed: true},
	OpIodevWrite:    {name: "iodev_write", minArgs: 3, maxArgs: 3, signed: true},
	OpIodevWhoami:   fixed("iodev_whoami", 0),

	OpTunablesApplyGlobal: {name: "tunables_apply_global", minArgs: 2, maxArgs: 2, signed: true},
	OpTunablesApplyLocal:  {name: "tunables_apply_local", minArgs: 3, maxArgs: 3, signed: true},

	// dart_init takes base and sid; newer targets accept two more words.
	OpDARTInit:     {name: "dart_init", minArgs: 2, maxArgs: 4},
	OpDARTShutdown: fixed("dart_shutdown", 1),
	OpDARTMap:      {name: "dart_map", minArgs: 4, maxArgs: 4, signed: true},
	OpDARTUnmap:    fixed("dart_unmap", 3),

	OpFBInit:        {name: "fb_init", minArgs: 0, maxArgs: 1},
	OpFBShutdown:    {name: "fb_shutdown", minArgs: 0, maxArgs: 1},
	OpFBBlit:        fixed("fb_blit", 6),
	OpFBUnblit:      fixed("fb_unblit", 6),
	OpFBFill:        fixed("fb_fill", 5),
	OpFBClear:       fixed("fb_clear", 1),
	OpFBDisplayLogo: fixed("fb_display_logo", 0),
	OpFBRestoreLogo: fixed("fb_restore_logo", 0),
	OpFBImproveLogo: fixed("fb_improve_logo", 0),
}

func (op Opcode) String() string {
	if info, ok := catalog[op]; ok {
		return info.name
	}
	return fmt.Sprintf("op_%#x", uint64(op))
}

// Known reports whether op is in the catalog.
func (op Opcode) Known() bool {
	_, ok := catalog[op]
	return ok
}

// Signed reports whether op returns a signed value.
func (op Opcode) Signed() bool {
	return catalog[op].signed
}

// Lookup maps a catalog name such as "read64" back to its opcode.
func Lookup(name string) (Opcode, bool) {
	for op, info := range catalog {
		if info.name == name {
			return op, true
		}
	}
	return 0, false
}
