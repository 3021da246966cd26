package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/m1n1ctl/internal/bootargs"
	"github.com/danmuck/m1n1ctl/internal/sysreg"
	"github.com/danmuck/m1n1ctl/internal/testutil/simtarget"
	"github.com/danmuck/m1n1ctl/internal/testutil/testlog"
	"github.com/danmuck/m1n1ctl/internal/transport"
)

func pipeOpener(host *transport.PipeEnd) transport.Opener {
	return func(path string, baud int) (transport.Port, error) {
		if err := host.SetBaud(baud); err != nil {
			return nil, err
		}
		return host, nil
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Device = "sim"
	cfg.HandshakeTimeout = 100 * time.Millisecond
	cfg.HandshakeAttempts = 2
	cfg.ReadTimeout = 500 * time.Millisecond
	cfg.Backoff = BackoffConfig{InitialDelay: 5 * time.Millisecond, Multiplier: 1}
	return cfg
}

func bootstrap(t *testing.T, opts simtarget.Options) (*Session, *simtarget.Target, *transport.PipeEnd) {
	t.Helper()
	sim, host := simtarget.Start(t, opts)
	s, err := Bootstrap(context.Background(), testConfig(), pipeOpener(host))
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, sim, host
}

// fallbackHeapBase is where the host heap starts on a target without
// heapblock_alloc.
func fallbackHeapBase() uint64 {
	ba := simtarget.DefaultBootArgsValue()
	start := ba.HeapFallbackBase(simtarget.DefaultImageBase) + 128<<20
	return (start + 0xffff) &^ 0xffff
}

func TestBootstrapRaisesBaud(t *testing.T) {
	testlog.Start(t)
	s, sim, host := bootstrap(t, simtarget.Options{})
	ctx := context.Background()

	if s.State() != StateReady {
		t.Fatalf("state=%s", s.State())
	}
	if host.Baud() != 1500000 || sim.Baud() != 1500000 {
		t.Fatalf("host=%d target=%d", host.Baud(), sim.Baud())
	}
	if s.Base() != simtarget.DefaultImageBase || s.BootArgsAddr() != simtarget.DefaultBootArgs {
		t.Fatalf("base=%#x bootargs=%#x", s.Base(), s.BootArgsAddr())
	}
	if got, want := s.BootArgs().TopOfKernelData, simtarget.DefaultBootArgsValue().TopOfKernelData; got != want {
		t.Fatalf("top of kernel data=%#x want=%#x", got, want)
	}

	h := s.Heap()
	if h.Base() != fallbackHeapBase() || h.End()-h.Base() != 1<<30 {
		t.Fatalf("heap=[%#x,%#x) want base %#x", h.Base(), h.End(), fallbackHeapBase())
	}
	if cb := s.CodeBuffer(); cb != h.Base() || cb%0x4000 != 0 {
		t.Fatalf("code buffer=%#x", cb)
	}
	if v, err := s.Invoker().MRS(ctx, sysreg.MIDR_EL1); err != nil || v != 0x611f0221 {
		t.Fatalf("midr=%#x err=%v", v, err)
	}
}

func TestBootstrapUsesHeapblock(t *testing.T) {
	testlog.Start(t)
	s, _, _ := bootstrap(t, simtarget.Options{Heapblock: true})
	want := uint64(simtarget.HeapblockBase+128<<20+0xffff) &^ 0xffff
	if got := s.Heap().Base(); got != want {
		t.Fatalf("heap base=%#x want=%#x", got, want)
	}
}

func TestBootstrapRevisionOneBootArgs(t *testing.T) {
	testlog.Start(t)
	ba := simtarget.DefaultBootArgsValue()
	ba.Revision = 1
	ba.CmdLine = "serial=3"
	s, _, _ := bootstrap(t, simtarget.Options{BootArgs: &ba})
	got := s.BootArgs()
	if got.Revision != 1 || got.CmdLine != "serial=3" || got.TopOfKernelData != ba.TopOfKernelData {
		t.Fatalf("boot args=%+v", got)
	}
}

func TestBootstrapTargetAlreadyFast(t *testing.T) {
	testlog.Start(t)
	s, sim, host := bootstrap(t, simtarget.Options{Baud: 1500000, Announce: true})
	if s.State() != StateReady {
		t.Fatalf("state=%s", s.State())
	}
	if host.Baud() != 1500000 || sim.Baud() != 1500000 {
		t.Fatalf("host=%d target=%d", host.Baud(), sim.Baud())
	}
	if err := s.Client().Nop(context.Background()); err != nil {
		t.Fatalf("nop: %v", err)
	}
}

func TestBootstrapWithoutTargetFails(t *testing.T) {
	testlog.Start(t)
	host, _ := transport.NewPipe(transport.DefaultBaud)
	t.Cleanup(func() { _ = host.Close() })

	_, err := Bootstrap(context.Background(), testConfig(), pipeOpener(host))
	if !errors.Is(err, ErrHandshake) || !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("err=%v", err)
	}
	if _, werr := host.Write([]byte{0}); !errors.Is(werr, transport.ErrClosed) {
		t.Fatalf("port should be closed after a failed bootstrap, write err=%v", werr)
	}
}

func TestBootstrapOpenError(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("no such device")
	open := func(path string, baud int) (transport.Port, error) { return nil, boom }
	_, err := Bootstrap(context.Background(), testConfig(), open)
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "sim") {
		t.Fatalf("err=%v", err)
	}
}

func TestResyncRecoversDroppedReply(t *testing.T) {
	testlog.Start(t)
	s, sim, _ := bootstrap(t, simtarget.Options{})
	ctx := context.Background()

	sim.DropNextReply(1)
	if err := s.Client().Nop(ctx); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("dropped reply err=%v", err)
	}
	if err := s.Resync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("state=%s", s.State())
	}
	if err := s.Client().Nop(ctx); err != nil {
		t.Fatalf("nop after resync: %v", err)
	}
	if _, err := s.Client().ReadMemory(ctx, simtarget.DefaultBootArgs, 16); err != nil {
		t.Fatalf("read after resync: %v", err)
	}
}

func TestReloadRedrives(t *testing.T) {
	testlog.Start(t)
	s, sim, host := bootstrap(t, simtarget.Options{})
	ctx := context.Background()
	const entry = simtarget.DefaultRAMBase + 0x2000000

	if err := s.Reload(ctx, entry); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if s.State() != StateReady || s.Heap() == nil {
		t.Fatalf("state=%s heap=%v", s.State(), s.Heap())
	}
	if host.Baud() != 1500000 {
		t.Fatalf("host baud=%d", host.Baud())
	}
	calls := sim.Calls()
	if len(calls) == 0 || calls[0].Op != "vector" {
		t.Fatalf("calls=%+v", calls)
	}
}

func TestPushBootArgsReachesTarget(t *testing.T) {
	testlog.Start(t)
	s, sim, _ := bootstrap(t, simtarget.Options{})
	ctx := context.Background()

	ba := s.BootArgs()
	ba.CmdLine = "debug=0x14e serial=3"
	if err := s.PushBootArgs(ctx, ba); err != nil {
		t.Fatalf("push: %v", err)
	}
	raw := sim.Peek(simtarget.DefaultBootArgs, uint64(bootargs.Size(ba.Revision)))
	got, err := bootargs.DecodeAuto(raw)
	if err != nil || got != ba {
		t.Fatalf("target block=%+v err=%v", got, err)
	}
	if s.BootArgs().CmdLine != ba.CmdLine {
		t.Fatalf("session copy=%q", s.BootArgs().CmdLine)
	}

	// a reloaded proxy reads the pushed block back
	if err := s.Reload(ctx, simtarget.DefaultRAMBase+0x2000000); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if s.BootArgs().CmdLine != ba.CmdLine {
		t.Fatalf("after reload cmdline=%q", s.BootArgs().CmdLine)
	}

	other := ba
	other.Revision = 3
	if err := s.PushBootArgs(ctx, other); !errors.Is(err, bootargs.ErrRevisionMismatch) {
		t.Fatalf("revision err=%v", err)
	}
	bad := ba
	bad.CmdLine = strings.Repeat("x", 2048)
	if err := s.PushBootArgs(ctx, bad); !errors.Is(err, bootargs.ErrCmdLine) {
		t.Fatalf("cmdline err=%v", err)
	}
	if s.BootArgs().CmdLine != ba.CmdLine {
		t.Fatalf("rejected push changed session copy")
	}
}

func TestRebootRedrives(t *testing.T) {
	testlog.Start(t)
	s, sim, host := bootstrap(t, simtarget.Options{})
	ctx := context.Background()

	if err := s.Reboot(ctx); err != nil {
		t.Fatalf("reboot: %v", err)
	}
	if sim.Boots() != 1 {
		t.Fatalf("boots=%d", sim.Boots())
	}
	if s.State() != StateReady || host.Baud() != 1500000 || sim.Baud() != 1500000 {
		t.Fatalf("state=%s host=%d target=%d", s.State(), host.Baud(), sim.Baud())
	}
}

func TestCloseIsFinal(t *testing.T) {
	testlog.Start(t)
	s, _, _ := bootstrap(t, simtarget.Options{})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.State() != StateDisconnected || s.Heap() != nil {
		t.Fatalf("state=%s", s.State())
	}
	if err := s.Reload(context.Background(), 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("reload after close err=%v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	cases := map[string]func(*Config){
		"device":   func(c *Config) { c.Device = " " },
		"baud":     func(c *Config) { c.InitialBaud = 0 },
		"target":   func(c *Config) { c.TargetBaud = -1 },
		"nop wait": func(c *Config) { c.HandshakeTimeout = 0 },
		"attempts": func(c *Config) { c.HandshakeAttempts = 0 },
		"heap":     func(c *Config) { c.HeapSize = 1000 },
		"reserve":  func(c *Config) { c.FirmwareHeapReserve = 1 },
		"code":     func(c *Config) { c.CodeBufferSize = 3 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: err=%v", name, err)
		}
	}

	got := Config{Device: "/dev/ttyUSB1"}.WithDefaults()
	if got.Device != "/dev/ttyUSB1" || got.InitialBaud != transport.DefaultBaud || got.TargetBaud != 0 {
		t.Fatalf("with defaults=%+v", got)
	}
}

func TestNextBackoffDelay(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 30 * time.Millisecond}
	want := []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	for i, w := range want {
		if got := NextBackoffDelay(cfg, i+1, nil); got != w {
			t.Fatalf("attempt %d delay=%s want=%s", i+1, got, w)
		}
	}
	cfg.Jitter = true
	if got := NextBackoffDelay(cfg, 2, nil); got != 5*time.Millisecond {
		t.Fatalf("jitter without rng=%s", got)
	}
}
