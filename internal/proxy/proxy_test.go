package proxy

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/m1n1ctl/internal/heap"
	"github.com/danmuck/m1n1ctl/internal/protocol/link"
	"github.com/danmuck/m1n1ctl/internal/testutil/simtarget"
	"github.com/danmuck/m1n1ctl/internal/testutil/testlog"
	"github.com/danmuck/m1n1ctl/internal/transport"
)

const scratch = simtarget.DefaultRAMBase + 0x400000

func newClient(t *testing.T, opts simtarget.Options) (*Client, *simtarget.Target) {
	t.Helper()
	sim, host := simtarget.Start(t, opts)
	l := link.New(host, link.Options{ReadTimeout: 300 * time.Millisecond})
	return New(l), sim
}

func TestValidateRejectsBadArgCounts(t *testing.T) {
	testlog.Start(t)
	c, _ := newClient(t, simtarget.Options{})
	ctx := context.Background()

	if _, err := c.Do(ctx, OpRead64); !errors.Is(err, ErrTooManyArgs) {
		t.Fatalf("read64 without address err=%v", err)
	}
	if _, err := c.Do(ctx, OpNop, 1); !errors.Is(err, ErrTooManyArgs) {
		t.Fatalf("nop with argument err=%v", err)
	}
	if _, err := c.Call(ctx, 0x1000, 1, 2, 3, 4, 5); !errors.Is(err, ErrTooManyArgs) {
		t.Fatalf("call with five arguments err=%v", err)
	}
	if _, err := c.Do(ctx, Opcode(0x7777)); !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("unknown opcode err=%v", err)
	}
	// the link stays usable after local rejections
	if err := c.Nop(ctx); err != nil {
		t.Fatalf("nop: %v", err)
	}
}

func TestAlignmentChecks(t *testing.T) {
	testlog.Start(t)
	c, _ := newClient(t, simtarget.Options{})
	ctx := context.Background()

	cases := []struct {
		name string
		run  func() error
	}{
		{"read32", func() error { _, err := c.Read(ctx, scratch+2, Width32); return err }},
		{"write64", func() error { return c.Write64(ctx, scratch+4, 1) }},
		{"mask16", func() error { return c.Mask(ctx, scratch+1, 0, 1, Width16) }},
		{"memcpy src", func() error { return c.Memcpy(ctx, scratch, scratch+0x101, 16, Width32) }},
		{"memset dst", func() error { return c.Memset(ctx, scratch+2, 0, 16, Width64) }},
	}
	for _, tc := range cases {
		err := tc.run()
		if !errors.Is(err, ErrAlignment) {
			t.Fatalf("%s err=%v", tc.name, err)
		}
		var ae *AlignmentError
		if !errors.As(err, &ae) || ae.Align == 0 {
			t.Fatalf("%s: expected AlignmentError, got %T", tc.name, err)
		}
	}
	if _, err := c.Read(ctx, scratch, 24); !errors.Is(err, ErrWidth) {
		t.Fatalf("bad width err=%v", err)
	}
	// 8-bit accesses are always aligned
	if _, err := c.Read8(ctx, scratch+3); err != nil {
		t.Fatalf("read8: %v", err)
	}
}

func TestScalarMemoryOps(t *testing.T) {
	testlog.Start(t)
	c, sim := newClient(t, simtarget.Options{})
	ctx := context.Background()

	if err := c.Write64(ctx, scratch, 0x1122334455667788); err != nil {
		t.Fatalf("write64: %v", err)
	}
	if v, err := c.Read32(ctx, scratch+4); err != nil || v != 0x11223344 {
		t.Fatalf("read32=%#x err=%v", v, err)
	}
	if v, err := c.Read8(ctx, scratch); err != nil || v != 0x88 {
		t.Fatalf("read8=%#x err=%v", v, err)
	}
	if err := c.Set(ctx, scratch, 0xff00, Width16); err != nil {
		t.Fatalf("set16: %v", err)
	}
	if err := c.Clear(ctx, scratch, 0x0f, Width8); err != nil {
		t.Fatalf("clear8: %v", err)
	}
	if v, _ := c.Read16(ctx, scratch); v != 0xff80 {
		t.Fatalf("after set/clear=%#x", v)
	}
	if err := c.Mask(ctx, scratch+4, 0xffff0000, 0xabcd0000, Width32); err != nil {
		t.Fatalf("mask32: %v", err)
	}
	if v, _ := c.Read32(ctx, scratch+4); v != 0xabcd3344 {
		t.Fatalf("after mask=%#x", v)
	}
	if v, err := c.WriteRead(ctx, scratch+8, 0xcafe, Width16); err != nil || v != 0xcafe {
		t.Fatalf("writeread=%#x err=%v", v, err)
	}

	if err := c.Memset(ctx, scratch+0x100, 0xa5a5a5a5, 64, Width32); err != nil {
		t.Fatalf("memset: %v", err)
	}
	if err := c.Memcpy(ctx, scratch+0x200, scratch+0x100, 64, Width64); err != nil {
		t.Fatalf("memcpy: %v", err)
	}
	if got := sim.Peek(scratch+0x200, 64); !bytes.Equal(got, bytes.Repeat([]byte{0xa5}, 64)) {
		t.Fatalf("memcpy result=%x", got)
	}
}

func TestGuardedReadFaultReturnsMarker(t *testing.T) {
	testlog.Start(t)
	c, sim := newClient(t, simtarget.Options{})
	ctx := context.Background()
	sim.AddFault(scratch, 0x1000)

	v, err := c.Read64(ctx, scratch+8)
	if err != nil {
		t.Fatalf("faulting read should still reply: %v", err)
	}
	if v != FaultMarker {
		t.Fatalf("read=%#x want marker", v)
	}
	if err := c.Write32(ctx, scratch, 1); err != nil {
		t.Fatalf("faulting write should still reply: %v", err)
	}
	n, err := c.GetExcCount(ctx)
	if err != nil || n != 2 {
		t.Fatalf("exc count=%d err=%v", n, err)
	}
	if n, _ := c.GetExcCount(ctx); n != 0 {
		t.Fatalf("count not reset: %d", n)
	}
}

func TestRemoteErrorTaxonomy(t *testing.T) {
	testlog.Start(t)
	c, _ := newClient(t, simtarget.Options{})
	ctx := context.Background()

	_, err := c.Xzdec(ctx, scratch, 16, 0, 0)
	if !errors.Is(err, ErrUnsupported) || !errors.Is(err, ErrCommand) {
		t.Fatalf("xzdec err=%v", err)
	}
	var re *RemoteError
	if !errors.As(err, &re) || re.Op != OpXzdec {
		t.Fatalf("expected RemoteError for xzdec, got %T %v", err, err)
	}
	if errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("remote error must not look like a timeout")
	}

	if _, err := c.HeapblockAlloc(ctx, 0); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("heapblock without support err=%v", err)
	}
	plain := &RemoteError{Op: OpCall, Status: -5}
	if errors.Is(plain, ErrUnsupported) || !errors.Is(plain, ErrCommand) {
		t.Fatalf("non-BADCMD status classification wrong")
	}
}

func TestDroppedReplyTimesOut(t *testing.T) {
	testlog.Start(t)
	c, sim := newClient(t, simtarget.Options{})
	ctx := context.Background()

	sim.DropNextReply(1)
	err := c.Nop(ctx)
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("dropped reply err=%v", err)
	}
	if errors.Is(err, ErrCommand) {
		t.Fatalf("timeout must not look like a remote error")
	}
	if err := c.Nop(ctx); err != nil {
		t.Fatalf("nop after drop: %v", err)
	}
}

func TestCallRegisteredFunction(t *testing.T) {
	testlog.Start(t)
	c, sim := newClient(t, simtarget.Options{})
	ctx := context.Background()
	const add = simtarget.DefaultRAMBase + 0x10000
	sim.Register(add, func(args ...uint64) uint64 { return args[0] + args[1] })

	for _, tc := range []struct{ a, b, want uint64 }{{2, 3, 5}, {40, 2, 42}} {
		got, err := c.Call(ctx, add, tc.a, tc.b)
		if err != nil || got != tc.want {
			t.Fatalf("add(%d,%d)=%d err=%v", tc.a, tc.b, got, err)
		}
	}
	calls := sim.Calls()
	if len(calls) != 2 || calls[1].Op != "call" || calls[1].Args[0] != 40 {
		t.Fatalf("calls=%+v", calls)
	}

	got, err := c.SMPCallSync(ctx, 1, add, 7, 8)
	if err != nil || got != 15 {
		t.Fatalf("smp_call_sync=%d err=%v", got, err)
	}
}

func TestIdentityOps(t *testing.T) {
	testlog.Start(t)
	c, _ := newClient(t, simtarget.Options{Iodev: simtarget.IodevUSB0})
	ctx := context.Background()

	if base, err := c.GetBase(ctx); err != nil || base != simtarget.DefaultImageBase {
		t.Fatalf("base=%#x err=%v", base, err)
	}
	if ba, err := c.GetBootArgs(ctx); err != nil || ba != simtarget.DefaultBootArgs {
		t.Fatalf("bootargs=%#x err=%v", ba, err)
	}
	if dev, err := c.IodevWhoami(ctx); err != nil || dev != IodevUSB0 || dev.String() != "usb0" {
		t.Fatalf("iodev=%v err=%v", dev, err)
	}
}

func TestReadWriteMemoryRoundTrip(t *testing.T) {
	testlog.Start(t)
	c, _ := newClient(t, simtarget.Options{})
	ctx := context.Background()

	data := make([]byte, 20000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	var calls int
	if err := c.WriteMemoryProgress(ctx, scratch+3, data, false, func(done, total int) { calls++ }); err != nil {
		t.Fatalf("write: %v", err)
	}
	if calls != 3 {
		t.Fatalf("progress calls=%d", calls)
	}
	got, err := c.ReadMemory(ctx, scratch+3, len(data))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch")
	}
}

type countingAllocator struct {
	*heap.Heap
	mallocs int
}

func (a *countingAllocator) Malloc(size uint64) (uint64, error) {
	a.mallocs++
	return a.Heap.Malloc(size)
}

func newStagingHeap(t *testing.T) *countingAllocator {
	t.Helper()
	h, err := heap.New(simtarget.DefaultRAMBase+0x10000000, simtarget.DefaultRAMBase+0x11000000, 0)
	if err != nil {
		t.Fatalf("heap: %v", err)
	}
	return &countingAllocator{Heap: h}
}

func TestCompressedWrite(t *testing.T) {
	testlog.Start(t)
	c, sim := newClient(t, simtarget.Options{})
	ctx := context.Background()
	alloc := newStagingHeap(t)
	c.SetAllocator(alloc)

	data := bytes.Repeat([]byte("m1n1 proxy payload "), 4096)
	if err := c.WriteMemory(ctx, scratch, data, true); err != nil {
		t.Fatalf("compressed write: %v", err)
	}
	if alloc.mallocs != 1 {
		t.Fatalf("staging mallocs=%d", alloc.mallocs)
	}
	if st := alloc.Stats(); st.Allocations != 0 {
		t.Fatalf("staging buffer leaked: %+v", st)
	}
	if got := sim.Peek(scratch, uint64(len(data))); !bytes.Equal(got, data) {
		t.Fatalf("decompressed data mismatch")
	}
}

func TestCompressedWriteFallsBack(t *testing.T) {
	testlog.Start(t)
	c, sim := newClient(t, simtarget.Options{NoGzdec: true})
	ctx := context.Background()
	c.SetAllocator(newStagingHeap(t))

	data := bytes.Repeat([]byte{0x42}, 8192)
	if err := c.WriteMemory(ctx, scratch, data, true); err != nil {
		t.Fatalf("write with fallback: %v", err)
	}
	if got := sim.Peek(scratch, uint64(len(data))); !bytes.Equal(got, data) {
		t.Fatalf("fallback data mismatch")
	}

	// without an allocator compression is skipped entirely
	c.SetAllocator(nil)
	if err := c.WriteMemory(ctx, scratch+0x10000, data, true); err != nil {
		t.Fatalf("write without allocator: %v", err)
	}
}

func TestSetBaud(t *testing.T) {
	testlog.Start(t)
	c, sim := newClient(t, simtarget.Options{})
	ctx := context.Background()
	port := c.Link().Port()

	if err := c.SetBaud(ctx, 1500000); err != nil {
		t.Fatalf("set baud: %v", err)
	}
	if port.Baud() != 1500000 || sim.Baud() != 1500000 {
		t.Fatalf("host=%d target=%d", port.Baud(), sim.Baud())
	}
	if err := c.Nop(ctx); err != nil {
		t.Fatalf("nop at new rate: %v", err)
	}

	// a host still talking at the old rate is not understood
	if err := port.SetBaud(transport.DefaultBaud); err != nil {
		t.Fatalf("port baud: %v", err)
	}
	if err := c.Nop(ctx); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("nop at old rate err=%v", err)
	}
	_ = port.SetBaud(1500000)
	if err := c.Nop(ctx); err != nil {
		t.Fatalf("nop after resync: %v", err)
	}
}

func TestReloadWaitsForBoot(t *testing.T) {
	testlog.Start(t)
	c, sim := newClient(t, simtarget.Options{})
	ctx := context.Background()
	const entry = simtarget.DefaultRAMBase + 0x2000000

	if err := c.Reload(ctx, entry, 1); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if sim.Boots() != 1 {
		t.Fatalf("boots=%d", sim.Boots())
	}
	calls := sim.Calls()
	if len(calls) != 1 || calls[0].Op != "vector" || calls[0].Addr != entry {
		t.Fatalf("calls=%+v", calls)
	}
	if err := c.Nop(ctx); err != nil {
		t.Fatalf("nop after reload: %v", err)
	}
}

func TestReloadFallsBackToCall(t *testing.T) {
	testlog.Start(t)
	c, sim := newClient(t, simtarget.Options{NoVector: true})
	ctx := context.Background()
	const entry = simtarget.DefaultRAMBase + 0x2000000
	sim.RegisterImage(entry)

	if err := c.Reload(ctx, entry); err != nil {
		t.Fatalf("reload: %v", err)
	}
	ops := sim.CacheOps()
	if len(ops) != 1 || ops[0].Op != "mmu_shutdown" {
		t.Fatalf("cache ops=%+v", ops)
	}
	calls := sim.Calls()
	if len(calls) != 1 || calls[0].Op != "call" || calls[0].Addr != entry {
		t.Fatalf("calls=%+v", calls)
	}
	if err := c.Nop(ctx); err != nil {
		t.Fatalf("nop after reload: %v", err)
	}
}

func TestRebootSendsNoReply(t *testing.T) {
	testlog.Start(t)
	c, sim := newClient(t, simtarget.Options{})
	ctx := context.Background()

	if err := c.Reboot(ctx); err != nil {
		t.Fatalf("reboot: %v", err)
	}
	if _, err := c.Link().WaitBoot(ctx); err != nil {
		t.Fatalf("wait boot: %v", err)
	}
	if sim.Boots() != 1 {
		t.Fatalf("boots=%d", sim.Boots())
	}
}

func TestExitStopsProxyLoop(t *testing.T) {
	testlog.Start(t)
	c, sim := newClient(t, simtarget.Options{})
	ctx := context.Background()

	if err := c.Exit(ctx, 0); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if !sim.Exited() {
		t.Fatalf("target still running")
	}
	if err := c.Nop(ctx); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("nop after exit err=%v", err)
	}
}

func TestCacheAndMMUOps(t *testing.T) {
	testlog.Start(t)
	c, sim := newClient(t, simtarget.Options{})
	ctx := context.Background()

	if err := c.DCCvau(ctx, scratch, 0x40); err != nil {
		t.Fatalf("dc_cvau: %v", err)
	}
	if err := c.ICIvau(ctx, scratch, 0x40); err != nil {
		t.Fatalf("ic_ivau: %v", err)
	}
	flags, err := c.MMUDisable(ctx)
	if err != nil || flags != 1 {
		t.Fatalf("mmu_disable=%d err=%v", flags, err)
	}
	if err := c.MMURestore(ctx, flags); err != nil {
		t.Fatalf("mmu_restore: %v", err)
	}
	ops := sim.CacheOps()
	want := []string{"dc_cvau", "ic_ivau", "mmu_disable", "mmu_restore"}
	if len(ops) != len(want) {
		t.Fatalf("ops=%+v", ops)
	}
	for i, name := range want {
		if ops[i].Op != name {
			t.Fatalf("op %d=%s want %s", i, ops[i].Op, name)
		}
	}
}

func TestOpcodeCatalog(t *testing.T) {
	testlog.Start(t)
	if OpMemset8.String() != "memset8" || OpIodevWhoami.String() != "iodev_whoami" {
		t.Fatalf("names: %s %s", OpMemset8, OpIodevWhoami)
	}
	if op, ok := Lookup("gzdec"); !ok || op != OpGzdec || !op.Signed() {
		t.Fatalf("lookup gzdec=%v ok=%v", op, ok)
	}
	if Opcode(0x7777).Known() {
		t.Fatalf("0x7777 should be unknown")
	}
	if (GuardSkip | GuardSilent).String() != "skip|silent" {
		t.Fatalf("guard string=%s", GuardSkip|GuardSilent)
	}

	cases := []struct {
		op   Opcode
		code uint64
		name string
		min  int
		max  int
	}{
		{OpKbootBoot, 0x700, "kboot_boot", 1, 1},
		{OpKbootSetBootArgs, 0x701, "kboot_set_bootargs", 1, 1},
		{OpKbootSetInitrd, 0x702, "kboot_set_initrd", 2, 2},
		{OpKbootPrepareDT, 0x703, "kboot_prepare_dt", 1, 1},
		{OpPMGRClockEnable, 0x800, "pmgr_clock_enable", 1, 1},
		{OpPMGRClockDisable, 0x801, "pmgr_clock_disable", 1, 1},
		{OpPMGRADTClocksEnable, 0x802, "pmgr_adt_clocks_enable", 1, 1},
		{OpPMGRADTClocksDisable, 0x803, "pmgr_adt_clocks_disable", 1, 1},
		{OpIodevSetUsage, 0x900, "iodev_set_usage", 2, 2},
		{OpIodevCanRead, 0x901, "iodev_can_read", 1, 1},
		{OpIodevCanWrite, 0x902, "iodev_can_write", 1, 1},
		{OpIodevRead, 0x903, "iodev_read", 3, 3},
		{OpIodevWrite, 0x904, "iodev_write", 3, 3},
		{OpTunablesApplyGlobal, 0xa00, "tunables_apply_global", 2, 2},
		{OpTunablesApplyLocal, 0xa01, "tunables_apply_local", 3, 3},
		{OpDARTInit, 0xb00, "dart_init", 2, 4},
		{OpDARTShutdown, 0xb01, "dart_shutdown", 1, 1},
		{OpDARTMap, 0xb02, "dart_map", 4, 4},
		{OpDARTUnmap, 0xb03, "dart_unmap", 3, 3},
		{OpFBInit, 0xd00, "fb_init", 0, 1},
		{OpFBShutdown, 0xd01, "fb_shutdown", 0, 1},
		{OpFBBlit, 0xd02, "fb_blit", 6, 6},
		{OpFBUnblit, 0xd03, "fb_unblit", 6, 6},
		{OpFBFill, 0xd04, "fb_fill", 5, 5},
		{OpFBClear, 0xd05, "fb_clear", 1, 1},
		{OpFBDisplayLogo, 0xd06, "fb_display_logo", 0, 0},
		{OpFBRestoreLogo, 0xd07, "fb_restore_logo", 0, 0},
		{OpFBImproveLogo, 0xd08, "fb_improve_logo", 0, 0},
	}
	for _, tc := range cases {
		if uint64(tc.op) != tc.code || tc.op.String() != tc.name {
			t.Fatalf("%s: code=%#x", tc.op, uint64(tc.op))
		}
		if op, ok := Lookup(tc.name); !ok || op != tc.op {
			t.Fatalf("lookup %s=%v ok=%v", tc.name, op, ok)
		}
		if err := validate(tc.op, make([]uint64, tc.min)); err != nil {
			t.Fatalf("%s with %d args: %v", tc.name, tc.min, err)
		}
		if err := validate(tc.op, make([]uint64, tc.max+1)); !errors.Is(err, ErrTooManyArgs) {
			t.Fatalf("%s with %d args err=%v", tc.name, tc.max+1, err)
		}
		if tc.min > 0 {
			if err := validate(tc.op, make([]uint64, tc.min-1)); !errors.Is(err, ErrTooManyArgs) {
				t.Fatalf("%s with %d args err=%v", tc.name, tc.min-1, err)
			}
		}
	}
}

func TestSMPCallStartsSecondary(t *testing.T) {
	testlog.Start(t)
	c, sim := newClient(t, simtarget.Options{})
	ctx := context.Background()
	const fn = simtarget.DefaultRAMBase + 0x10000
	sim.Register(fn, func(args ...uint64) uint64 { return args[0] * args[1] })

	if err := c.SMPCall(ctx, 3, fn, 6, 7); err != nil {
		t.Fatalf("smp_call: %v", err)
	}
	calls := sim.Calls()
	if len(calls) != 1 || calls[0].Op != "smp_call" || calls[0].Addr != fn ||
		calls[0].Args[0] != 6 || calls[0].Args[1] != 7 {
		t.Fatalf("calls=%+v", calls)
	}
	if err := c.SMPCall(ctx, 3, fn, 1, 2, 3, 4, 5); !errors.Is(err, ErrTooManyArgs) {
		t.Fatalf("five call args err=%v", err)
	}
}

func TestReloadEL1HandsOffWithoutReply(t *testing.T) {
	testlog.Start(t)
	c, sim := newClient(t, simtarget.Options{})
	ctx := context.Background()
	const entry = simtarget.DefaultRAMBase + 0x2000000
	sim.RegisterImage(entry)

	if err := c.ReloadEL1(ctx, entry, 9); err != nil {
		t.Fatalf("reload el1: %v", err)
	}
	if _, err := c.Link().WaitBoot(ctx); err != nil {
		t.Fatalf("wait boot: %v", err)
	}
	calls := sim.Calls()
	if len(calls) != 1 || calls[0].Op != "el1_call" || calls[0].Addr != entry || calls[0].Args[0] != 9 {
		t.Fatalf("calls=%+v", calls)
	}
	if err := c.Nop(ctx); err != nil {
		t.Fatalf("nop after handoff: %v", err)
	}
}

func TestCallRebootWaitsForBoot(t *testing.T) {
	testlog.Start(t)
	c, sim := newClient(t, simtarget.Options{})
	ctx := context.Background()
	const entry = simtarget.DefaultRAMBase + 0x2000000
	sim.RegisterImage(entry)

	if err := c.CallReboot(ctx, entry, 1, 2); err != nil {
		t.Fatalf("call reboot: %v", err)
	}
	if sim.Boots() != 1 {
		t.Fatalf("boots=%d", sim.Boots())
	}
	if calls := sim.Calls(); len(calls) != 1 || calls[0].Op != "call" || calls[0].Addr != entry {
		t.Fatalf("calls=%+v", calls)
	}
	if err := c.CallReboot(ctx, entry, 1, 2, 3, 4, 5); !errors.Is(err, ErrTooManyArgs) {
		t.Fatalf("five call args err=%v", err)
	}
	if err := c.Nop(ctx); err != nil {
		t.Fatalf("nop after reboot: %v", err)
	}
}

func TestSIMDStateRoundTrip(t *testing.T) {
	testlog.Start(t)
	c, _ := newClient(t, simtarget.Options{})
	ctx := context.Background()
	const saved, restored = scratch, scratch + 0x1000
	state := make([]byte, 32*16)
	for i := range state {
		state[i] = byte(i * 7)
	}

	if err := c.WriteMemory(ctx, saved, state, false); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.PutSIMDState(ctx, saved); err != nil {
		t.Fatalf("put simd: %v", err)
	}
	if err := c.GetSIMDState(ctx, restored); err != nil {
		t.Fatalf("get simd: %v", err)
	}
	got, err := c.ReadMemory(ctx, restored, len(state))
	if err != nil || !bytes.Equal(got, state) {
		t.Fatalf("simd state mismatch err=%v", err)
	}
}

func TestIodevOps(t *testing.T) {
	testlog.Start(t)
	c, sim := newClient(t, simtarget.Options{})
	ctx := context.Background()

	if err := c.IodevSetUsage(ctx, IodevUSB0, UsageConsole|UsageUARTProxy); err != nil {
		t.Fatalf("set usage: %v", err)
	}
	if got := sim.IodevUsage(uint64(IodevUSB0)); got != 3 {
		t.Fatalf("usage=%#x", got)
	}
	if ok, err := c.IodevCanWrite(ctx, IodevUSB0); err != nil || !ok {
		t.Fatalf("can write=%v err=%v", ok, err)
	}
	if n, err := c.IodevCanRead(ctx, IodevUSB0); err != nil || n != 0 {
		t.Fatalf("can read=%d err=%v", n, err)
	}
	msg := []byte("hello usb")
	if err := c.WriteMemory(ctx, scratch, msg, false); err != nil {
		t.Fatalf("write: %v", err)
	}
	if n, err := c.IodevWrite(ctx, IodevUSB0, scratch, uint64(len(msg))); err != nil || n != int64(len(msg)) {
		t.Fatalf("iodev write=%d err=%v", n, err)
	}
	if got := sim.IodevOutput(uint64(IodevUSB0)); !bytes.Equal(got, msg) {
		t.Fatalf("device got %q", got)
	}
}

func TestKbootOpsReportUnsupported(t *testing.T) {
	testlog.Start(t)
	c, _ := newClient(t, simtarget.Options{})
	ctx := context.Background()

	if err := c.KbootSetInitrd(ctx, scratch, 0x1000); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("set initrd err=%v", err)
	}
	if _, err := c.KbootPrepareDT(ctx, scratch); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("prepare dt err=%v", err)
	}
	if _, err := c.PMGRClockEnable(ctx, 42); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("clock enable err=%v", err)
	}
	if err := c.Nop(ctx); err != nil {
		t.Fatalf("nop: %v", err)
	}
}
