package link

import (
	"errors"
	"fmt"

	"github.com/danmuck/m1n1ctl/internal/protocol"
)

var (
	ErrChecksum      = protocol.ErrChecksum
	ErrReplyMismatch = errors.New("link: reply type mismatch")
	ErrRemoteStatus  = errors.New("link: remote error status")
)

// RemoteStatusError is a reply whose status word was not OK.
type RemoteStatusError struct {
	Type   uint32
	Status protocol.Status
}

func (e *RemoteStatusError) Error() string {
	return fmt.Sprintf("link: %s reply status %d (%s)", protocol.TypeName(e.Type), int32(e.Status), e.Status)
}

func (e *RemoteStatusError) Is(target error) bool {
	if target == ErrRemoteStatus {
		return true
	}
	return target == protocol.ErrChecksum && e.Status == protocol.StatusCsumErr
}
