package invoke

import (
	"errors"
	"fmt"

	"github.com/danmuck/m1n1ctl/internal/sysreg"
)

var (
	// ErrFault matches every FaultError.
	ErrFault = errors.New("invoke: exception on target")
	// ErrRegisterFault matches a fault raised by an MRS or MSR access.
	ErrRegisterFault = errors.New("invoke: system register access faulted")
	ErrCodeTooLarge  = errors.New("invoke: code larger than code buffer")
	ErrMode          = errors.New("invoke: unknown call mode")
)

// FaultError reports exceptions the target took while running a request.
type FaultError struct {
	Op    string
	Addr  uint64
	Count uint64
	// Register is set for MRS/MSR accesses.
	Register *sysreg.Encoding
}

func (e *FaultError) Error() string {
	if e.Register != nil {
		return fmt.Sprintf("invoke: %s %s: %d exception(s)", e.Op, sysreg.Name(*e.Register), e.Count)
	}
	return fmt.Sprintf("invoke: %s at %#x: %d exception(s)", e.Op, e.Addr, e.Count)
}

func (e *FaultError) Is(target error) bool {
	switch target {
	case ErrFault:
		return true
	case ErrRegisterFault:
		return e.Register != nil
	}
	return false
}
