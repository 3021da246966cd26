package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/m1n1ctl/internal/asm"
	"github.com/danmuck/m1n1ctl/internal/protocol/link"
	"github.com/danmuck/m1n1ctl/internal/proxy"
	"github.com/danmuck/m1n1ctl/internal/sysreg"
	"github.com/danmuck/m1n1ctl/internal/testutil/simtarget"
	"github.com/danmuck/m1n1ctl/internal/testutil/testlog"
)

const (
	codeBuf  = simtarget.DefaultRAMBase + 0x3000000
	codeSize = 0x10000
)

func newInvoker(t *testing.T) (*Invoker, *proxy.Client, *simtarget.Target) {
	t.Helper()
	sim, host := simtarget.Start(t, simtarget.Options{})
	c := proxy.New(link.New(host, link.Options{ReadTimeout: 300 * time.Millisecond}))
	return New(c, codeBuf, codeSize), c, sim
}

func TestMRSReadsRegister(t *testing.T) {
	testlog.Start(t)
	inv, _, sim := newInvoker(t)
	ctx := context.Background()

	v, err := inv.MRS(ctx, sysreg.MIDR_EL1)
	if err != nil || v != 0x611f0221 {
		t.Fatalf("midr=%#x err=%v", v, err)
	}
	calls := sim.Calls()
	if len(calls) != 1 || calls[0].Op != "call" || calls[0].Addr != codeBuf|RegionRXEL1 {
		t.Fatalf("calls=%+v", calls)
	}
	ops := sim.CacheOps()
	if len(ops) != 2 || ops[0].Op != "dc_cvau" || ops[1].Op != "ic_ivau" || ops[0].Size != 8 {
		t.Fatalf("cache maintenance=%+v", ops)
	}
	if sim.Guard() != 0 {
		t.Fatalf("guard left armed: %#x", sim.Guard())
	}
}

func TestMSRThenMRS(t *testing.T) {
	testlog.Start(t)
	inv, _, sim := newInvoker(t)
	ctx := context.Background()

	if err := inv.MSR(ctx, sysreg.TPIDR_EL1, 0xfeedface); err != nil {
		t.Fatalf("msr: %v", err)
	}
	if got := sim.Sysreg(sysreg.TPIDR_EL1); got != 0xfeedface {
		t.Fatalf("target tpidr=%#x", got)
	}
	if v, err := inv.MRS(ctx, sysreg.TPIDR_EL1); err != nil || v != 0xfeedface {
		t.Fatalf("mrs=%#x err=%v", v, err)
	}
}

func TestTrappedRegisterIsTypedFault(t *testing.T) {
	testlog.Start(t)
	inv, c, sim := newInvoker(t)
	ctx := context.Background()
	enc := sysreg.MustParse("s3_6_c15_c1_0")
	sim.Trap(enc)

	_, err := inv.MRS(ctx, enc)
	if !errors.Is(err, ErrRegisterFault) || !errors.Is(err, ErrFault) {
		t.Fatalf("err=%v", err)
	}
	var fe *FaultError
	if !errors.As(err, &fe) || fe.Count != 1 || fe.Op != "mrs" || *fe.Register != enc {
		t.Fatalf("fault=%+v", fe)
	}
	if sim.Guard() != 0 {
		t.Fatalf("guard left armed")
	}
	if n, err := c.GetExcCount(ctx); err != nil || n != 0 {
		t.Fatalf("count after fault=%d err=%v", n, err)
	}
	// the session keeps working
	if v, err := inv.MRS(ctx, sysreg.MPIDR_EL1); err != nil || v != 0x80000000 {
		t.Fatalf("mpidr=%#x err=%v", v, err)
	}
}

func TestExecModesUseAliases(t *testing.T) {
	testlog.Start(t)
	inv, _, sim := newInvoker(t)
	ctx := context.Background()
	ret, err := asm.NewBuilder(codeBuf).RET().Assemble()
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	cases := []struct {
		mode Mode
		op   string
		addr uint64
	}{
		{ModeEL2, "call", codeBuf | RegionRXEL1},
		{ModeEL1, "el1_call", codeBuf},
		{ModeEL0, "el0_call", codeBuf | RegionRWXEL0},
		{ModeGL2, "gl2_call", codeBuf | RegionRXEL1},
		{ModeGL1, "gl1_call", codeBuf},
	}
	for i, tc := range cases {
		v, err := inv.ExecMode(ctx, tc.mode, ret.Bytes, uint64(100+i))
		if err != nil || v != uint64(100+i) {
			t.Fatalf("%s: x0=%d err=%v", tc.mode, v, err)
		}
		last := sim.Calls()[i]
		if last.Op != tc.op || last.Addr != tc.addr {
			t.Fatalf("%s: call=%+v", tc.mode, last)
		}
	}
	if _, err := inv.ExecMode(ctx, Mode(42), ret.Bytes); !errors.Is(err, ErrMode) {
		t.Fatalf("bad mode err=%v", err)
	}
}

func TestExecRejectsOversizeCode(t *testing.T) {
	testlog.Start(t)
	inv, _, sim := newInvoker(t)
	_, err := inv.Exec(context.Background(), make([]byte, codeSize+4))
	if !errors.Is(err, ErrCodeTooLarge) {
		t.Fatalf("err=%v", err)
	}
	if len(sim.Calls()) != 0 {
		t.Fatalf("nothing should have run")
	}
}

func TestInstRunsRawWords(t *testing.T) {
	testlog.Start(t)
	inv, _, _ := newInvoker(t)
	// movz x0, #0x1234
	v, err := inv.Inst(context.Background(), 0xd2824680)
	if err != nil || v != 0x1234 {
		t.Fatalf("x0=%#x err=%v", v, err)
	}
}

func TestCheckedReadWrite(t *testing.T) {
	testlog.Start(t)
	inv, _, sim := newInvoker(t)
	ctx := context.Background()
	const ok = simtarget.DefaultRAMBase + 0x500000
	const bad = simtarget.DefaultRAMBase + 0x600000
	sim.AddFault(bad, 0x1000)

	if err := inv.Write(ctx, ok, 0xabcd, proxy.Width32); err != nil {
		t.Fatalf("write: %v", err)
	}
	if v, err := inv.Read(ctx, ok, proxy.Width32); err != nil || v != 0xabcd {
		t.Fatalf("read=%#x err=%v", v, err)
	}

	_, err := inv.Read(ctx, bad, proxy.Width64)
	var fe *FaultError
	if !errors.As(err, &fe) || fe.Op != "read64" || fe.Addr != bad {
		t.Fatalf("read fault err=%v", err)
	}
	if errors.Is(err, ErrRegisterFault) {
		t.Fatalf("memory fault must not match register fault")
	}
	if err := inv.Write(ctx, bad, 1, proxy.Width8); !errors.Is(err, ErrFault) {
		t.Fatalf("write fault err=%v", err)
	}
}

func TestGuardDisarmsAfterFailure(t *testing.T) {
	testlog.Start(t)
	_, c, sim := newInvoker(t)
	ctx := context.Background()
	boom := errors.New("boom")

	count, err := Guard(ctx, c, proxy.GuardSkip|proxy.GuardSilent, func(ctx context.Context) error {
		if sim.Guard() != uint64(proxy.GuardSkip|proxy.GuardSilent) {
			t.Errorf("guard not armed inside scope: %#x", sim.Guard())
		}
		return boom
	})
	if !errors.Is(err, boom) || count != 0 {
		t.Fatalf("count=%d err=%v", count, err)
	}
	if sim.Guard() != 0 {
		t.Fatalf("guard left armed")
	}
}

func TestConcurrentMRSKeepsValuesApart(t *testing.T) {
	testlog.Start(t)
	inv, _, sim := newInvoker(t)
	ctx := context.Background()
	sim.SetSysreg(sysreg.TPIDR_EL1, 0x1111)

	const workers, rounds = 8, 60
	var wg sync.WaitGroup
	errs := make(chan error, workers*rounds)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				enc, want := sysreg.TPIDR_EL1, uint64(0x1111)
				if (w+r)%2 == 1 {
					enc, want = sysreg.MIDR_EL1, 0x611f0221
				}
				v, err := inv.MRS(ctx, enc)
				if err != nil {
					errs <- err
					return
				}
				if v != want {
					errs <- fmt.Errorf("worker %d round %d: %s=%#x want %#x", w, r, enc, v, want)
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if sim.Guard() != 0 {
		t.Fatalf("guard left armed: %#x", sim.Guard())
	}
}

func TestConcurrentCheckedReadsAttributeFaults(t *testing.T) {
	testlog.Start(t)
	inv, _, sim := newInvoker(t)
	ctx := context.Background()
	const ok = simtarget.DefaultRAMBase + 0x500000
	const bad = simtarget.DefaultRAMBase + 0x600000
	sim.AddFault(bad, 0x1000)
	if err := inv.Write(ctx, ok, 0x5a5a, proxy.Width32); err != nil {
		t.Fatalf("write: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 200)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < 25; r++ {
				if w%2 == 0 {
					if v, err := inv.Read(ctx, ok, proxy.Width32); err != nil || v != 0x5a5a {
						errs <- fmt.Errorf("good read=%#x err=%v", v, err)
					}
				} else if _, err := inv.Read(ctx, bad, proxy.Width32); !errors.Is(err, ErrFault) {
					errs <- fmt.Errorf("bad read err=%v", err)
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSilentGuardSuppressesReport(t *testing.T) {
	testlog.Start(t)
	sim, host := simtarget.Start(t, simtarget.Options{})
	var console bytes.Buffer
	c := proxy.New(link.New(host, link.Options{ReadTimeout: 300 * time.Millisecond, Console: &console}))
	inv := New(c, codeBuf, codeSize)
	ctx := context.Background()
	enc := sysreg.MustParse("s3_6_c15_c1_0")
	sim.Trap(enc)

	inv.SetSilent(true)
	if _, err := inv.MRS(ctx, enc); !errors.Is(err, ErrRegisterFault) {
		t.Fatalf("silent err=%v", err)
	}
	if strings.Contains(console.String(), "Exception") {
		t.Fatalf("silent guard printed a report: %q", console.String())
	}

	inv.SetSilent(false)
	if _, err := inv.MRS(ctx, enc); !errors.Is(err, ErrRegisterFault) {
		t.Fatalf("loud err=%v", err)
	}
	if !strings.Contains(console.String(), "Exception: SYNC") {
		t.Fatalf("expected an exception report, console=%q", console.String())
	}
}

func TestParseMode(t *testing.T) {
	testlog.Start(t)
	for in, want := range map[string]Mode{"": ModeEL2, "EL1": ModeEL1, "el0": ModeEL0, "gl1": ModeGL1, "gl2": ModeGL2} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q)=%v err=%v", in, got, err)
		}
	}
	if _, err := ParseMode("el3"); !errors.Is(err, ErrMode) {
		t.Fatalf("el3 err=%v", err)
	}
}
