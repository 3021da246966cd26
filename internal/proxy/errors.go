package proxy

import (
	"errors"
	"fmt"

	"github.com/danmuck/m1n1ctl/internal/protocol/frame"
	"github.com/danmuck/m1n1ctl/internal/protocol/link"
)

var (
	// ErrCommand matches every reply whose proxy status is not OK.
	ErrCommand = errors.New("proxy: command failed")
	// ErrUnsupported matches BADCMD: the target does not implement the
	// opcode. Callers fall back to an older path.
	ErrUnsupported = errors.New("proxy: command not supported by target")

	ErrReplyMismatch = link.ErrReplyMismatch
	ErrUnknownOpcode = errors.New("proxy: unknown opcode")
	ErrTooManyArgs   = errors.New("proxy: wrong argument count")
	ErrAlignment     = errors.New("proxy: unaligned access")
	ErrWidth         = errors.New("proxy: invalid access width")
	ErrDecompress    = errors.New("proxy: decompressed size mismatch")
)

// RemoteError is a proxy reply with a non-OK status.
type RemoteError struct {
	Op     Opcode
	Status int64
}

func (e *RemoteError) Error() string {
	if e.Status == frame.ProxyBadCmd {
		return fmt.Sprintf("proxy: %s: bad command", e.Op)
	}
	return fmt.Sprintf("proxy: %s: remote error status=%d", e.Op, e.Status)
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrCommand:
		return true
	case ErrUnsupported:
		return e.Status == frame.ProxyBadCmd
	}
	return false
}

// AlignmentError names the offending address and required alignment.
type AlignmentError struct {
	Op    Opcode
	Addr  uint64
	Align uint64
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("proxy: %s: address %#x not aligned to %d", e.Op, e.Addr, e.Align)
}

func (e *AlignmentError) Unwrap() error { return ErrAlignment }
