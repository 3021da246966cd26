package protocol

import "errors"

var (
	ErrChecksum      = errors.New("protocol: checksum mismatch")
	ErrTruncated     = errors.New("protocol: truncated data")
	ErrPayloadLength = errors.New("protocol: payload too large")
	ErrSentinel      = errors.New("protocol: missing data end sentinel")
)
