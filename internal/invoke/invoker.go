package invoke

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/m1n1ctl/internal/asm"
	"github.com/danmuck/m1n1ctl/internal/proxy"
	"github.com/danmuck/m1n1ctl/internal/sysreg"
)

// Address aliases the proxy maps for lower exception levels.
const (
	RegionRWXEL0 uint64 = 0x8000000000
	RegionRWEL0  uint64 = 0x9000000000
	RegionRXEL1  uint64 = 0xa000000000
)

// Mode selects how code in the code buffer is entered.
type Mode int

const (
	ModeEL2 Mode = iota
	ModeEL1
	ModeEL0
	ModeGL2
	ModeGL1
)

func (m Mode) String() string {
	switch m {
	case ModeEL2:
		return "el2"
	case ModeEL1:
		return "el1"
	case ModeEL0:
		return "el0"
	case ModeGL2:
		return "gl2"
	case ModeGL1:
		return "gl1"
	default:
		return fmt.Sprintf("mode_%d", int(m))
	}
}

// ParseMode accepts el0, el1, el2, gl1, gl2; empty means el2.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "el2":
		return ModeEL2, nil
	case "el1":
		return ModeEL1, nil
	case "el0":
		return ModeEL0, nil
	case "gl2":
		return ModeGL2, nil
	case "gl1":
		return ModeGL1, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrMode, s)
}

// Invoker owns a code buffer on the target and runs stubs from it. It is
// safe for concurrent use; each stub runs with the client held from the
// code write through the guard teardown.
type Invoker struct {
	client   *proxy.Client
	codeBuf  uint64
	codeSize uint64

	mu     sync.Mutex
	mode   Mode
	silent bool
}

func New(client *proxy.Client, codeBuf, codeSize uint64) *Invoker {
	return &Invoker{client: client, codeBuf: codeBuf, codeSize: codeSize}
}

func (i *Invoker) CodeBuffer() uint64 { return i.codeBuf }

// SetMode changes the default entry mode for Exec.
func (i *Invoker) SetMode(m Mode) {
	i.mu.Lock()
	i.mode = m
	i.mu.Unlock()
}

// SetSilent keeps the target from printing exception reports.
func (i *Invoker) SetSilent(silent bool) {
	i.mu.Lock()
	i.silent = silent
	i.mu.Unlock()
}

func (i *Invoker) guardMode() proxy.GuardMode {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.silent {
		return proxy.GuardSkip | proxy.GuardSilent
	}
	return proxy.GuardSkip
}

// Exec runs code in the default mode.
func (i *Invoker) Exec(ctx context.Context, code []byte, args ...uint64) (uint64, error) {
	i.mu.Lock()
	mode := i.mode
	i.mu.Unlock()
	return i.ExecMode(ctx, mode, code, args...)
}

// ExecMode copies code into the code buffer, makes it visible to instruction
// fetch and runs it under a skip guard. Any exception yields a *FaultError;
// x0 is still returned.
func (i *Invoker) ExecMode(ctx context.Context, mode Mode, code []byte, args ...uint64) (uint64, error) {
	if uint64(len(code)) > i.codeSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrCodeTooLarge, len(code), i.codeSize)
	}
	guard := i.guardMode()

	var ret, count uint64
	err := i.client.Exclusive(ctx, func(ctx context.Context) error {
		if err := i.client.WriteMemory(ctx, i.codeBuf, code, false); err != nil {
			return err
		}
		n := uint64(len(code))
		if err := i.client.DCCvau(ctx, i.codeBuf, n); err != nil {
			return err
		}
		if err := i.client.ICIvau(ctx, i.codeBuf, n); err != nil {
			return err
		}
		var gerr error
		count, gerr = Guard(ctx, i.client, guard, func(ctx context.Context) error {
			var cerr error
			ret, cerr = i.call(ctx, mode, args)
			return cerr
		})
		return gerr
	})
	if err != nil {
		return ret, err
	}
	if count > 0 {
		return ret, &FaultError{Op: "exec " + mode.String(), Addr: i.codeBuf, Count: count}
	}
	return ret, nil
}

func (i *Invoker) call(ctx context.Context, mode Mode, args []uint64) (uint64, error) {
	switch mode {
	case ModeEL2:
		return i.client.Call(ctx, i.codeBuf|RegionRXEL1, args...)
	case ModeEL1:
		return i.client.EL1Call(ctx, i.codeBuf, args...)
	case ModeEL0:
		return i.client.EL0Call(ctx, i.codeBuf|RegionRWXEL0, args...)
	case ModeGL2:
		return i.client.GL2Call(ctx, i.codeBuf|RegionRXEL1, args...)
	case ModeGL1:
		return i.client.GL1Call(ctx, i.codeBuf, args...)
	}
	return 0, fmt.Errorf("%w: %d", ErrMode, int(mode))
}

// Inst runs raw instruction words followed by RET.
func (i *Invoker) Inst(ctx context.Context, words ...uint32) (uint64, error) {
	code, err := asm.NewBuilder(i.codeBuf).Word(words...).RET().Assemble()
	if err != nil {
		return 0, err
	}
	return i.Exec(ctx, code.Bytes)
}

// MRS reads a system register.
func (i *Invoker) MRS(ctx context.Context, enc sysreg.Encoding) (uint64, error) {
	code, err := asm.NewBuilder(i.codeBuf).MRS(0, enc).RET().Assemble()
	if err != nil {
		return 0, err
	}
	v, err := i.Exec(ctx, code.Bytes)
	return v, registerFault(err, "mrs", enc)
}

// MSR writes v to a system register.
func (i *Invoker) MSR(ctx context.Context, enc sysreg.Encoding, v uint64) error {
	code, err := asm.NewBuilder(i.codeBuf).MSR(enc, 0).RET().Assemble()
	if err != nil {
		return err
	}
	_, err = i.Exec(ctx, code.Bytes, v)
	return registerFault(err, "msr", enc)
}

func registerFault(err error, op string, enc sysreg.Encoding) error {
	fe, ok := err.(*FaultError)
	if !ok {
		return err
	}
	fe.Op = op
	fe.Register = &enc
	return fe
}

// Read is a proxy read followed by an exception count check, so a fault
// surfaces as an error instead of the marker value.
func (i *Invoker) Read(ctx context.Context, addr uint64, width int) (uint64, error) {
	var v uint64
	err := i.client.Exclusive(ctx, func(ctx context.Context) error {
		var err error
		if v, err = i.client.Read(ctx, addr, width); err != nil {
			return err
		}
		return i.checkCount(ctx, fmt.Sprintf("read%d", width), addr)
	})
	return v, err
}

func (i *Invoker) Write(ctx context.Context, addr, v uint64, width int) error {
	return i.client.Exclusive(ctx, func(ctx context.Context) error {
		if err := i.client.Write(ctx, addr, v, width); err != nil {
			return err
		}
		return i.checkCount(ctx, fmt.Sprintf("write%d", width), addr)
	})
}

func (i *Invoker) checkCount(ctx context.Context, op string, addr uint64) error {
	n, err := i.client.GetExcCount(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return &FaultError{Op: op, Addr: addr, Count: n}
	}
	return nil
}
