package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/m1n1ctl/internal/protocol"
)

var (
	ErrShortCommand = errors.New("frame: short command frame")
	ErrShortReply   = errors.New("frame: short reply frame")
	ErrShortEvent   = errors.New("frame: short event frame")
	ErrShortRecord  = errors.New("frame: short proxy record")
)

// Command is one host-to-target frame: type word, 56-byte payload, checksum
// over the first 60 bytes.
type Command struct {
	Type    uint32
	Payload [protocol.CommandPayloadLen]byte
}

// NewCommand copies payload into a zero-padded command of type typ.
func NewCommand(typ uint32, payload []byte) (Command, error) {
	if len(payload) > protocol.CommandPayloadLen {
		return Command{}, fmt.Errorf("%w: %d bytes", protocol.ErrPayloadLength, len(payload))
	}
	c := Command{Type: typ}
	copy(c.Payload[:], payload)
	return c, nil
}

func EncodeCommand(c Command) []byte {
	buf := make([]byte, protocol.CommandLen)
	binary.LittleEndian.PutUint32(buf[0:4], c.Type)
	copy(buf[4:60], c.Payload[:])
	binary.LittleEndian.PutUint32(buf[60:64], protocol.Sum(buf[:60]))
	return buf
}

// DecodeCommand parses and verifies a full 64-byte command frame.
func DecodeCommand(b []byte) (Command, error) {
	if len(b) != protocol.CommandLen {
		return Command{}, fmt.Errorf("%w: %d bytes", ErrShortCommand, len(b))
	}
	want := binary.LittleEndian.Uint32(b[60:64])
	if got := protocol.Sum(b[:60]); got != want {
		return Command{}, fmt.Errorf("%w: command expected=%#08x got=%#08x", protocol.ErrChecksum, want, got)
	}
	var c Command
	c.Type = binary.LittleEndian.Uint32(b[0:4])
	copy(c.Payload[:], b[4:60])
	return c, nil
}

// Reply is one target-to-host reply frame: type word, status, 24 data bytes,
// checksum over the first 32 bytes.
type Reply struct {
	Type   uint32
	Status protocol.Status
	Data   [protocol.ReplyDataLen]byte
}

func EncodeReply(r Reply) []byte {
	buf := make([]byte, protocol.ReplyLen)
	binary.LittleEndian.PutUint32(buf[0:4], r.Type)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Status))
	copy(buf[8:32], r.Data[:])
	binary.LittleEndian.PutUint32(buf[32:36], protocol.Sum(buf[:32]))
	return buf
}

func DecodeReply(b []byte) (Reply, error) {
	if len(b) != protocol.ReplyLen {
		return Reply{}, fmt.Errorf("%w: %d bytes", ErrShortReply, len(b))
	}
	want := binary.LittleEndian.Uint32(b[32:36])
	if got := protocol.Sum(b[:32]); got != want {
		return Reply{}, fmt.Errorf("%w: reply expected=%#08x got=%#08x", protocol.ErrChecksum, want, got)
	}
	var r Reply
	r.Type = binary.LittleEndian.Uint32(b[0:4])
	r.Status = protocol.Status(int32(binary.LittleEndian.Uint32(b[4:8])))
	copy(r.Data[:], b[8:32])
	return r, nil
}

// EventHeader precedes the payload of an EVENT frame.
type EventHeader struct {
	Type      uint32
	Len       uint16
	EventType protocol.EventType
}

func DecodeEventHeader(b []byte) (EventHeader, error) {
	if len(b) < protocol.EventHeaderLen {
		return EventHeader{}, fmt.Errorf("%w: %d bytes", ErrShortEvent, len(b))
	}
	return EventHeader{
		Type:      binary.LittleEndian.Uint32(b[0:4]),
		Len:       binary.LittleEndian.Uint16(b[4:6]),
		EventType: protocol.EventType(binary.LittleEndian.Uint16(b[6:8])),
	}, nil
}

// EncodeEvent builds a complete EVENT frame. With disabled set the trailer is
// the checksum sentinel instead of a real sum.
func EncodeEvent(typ protocol.EventType, data []byte, disabled bool) ([]byte, error) {
	if len(data) > 0xffff {
		return nil, fmt.Errorf("%w: event %d bytes", protocol.ErrPayloadLength, len(data))
	}
	buf := make([]byte, protocol.EventHeaderLen, protocol.EventHeaderLen+len(data)+4)
	binary.LittleEndian.PutUint32(buf[0:4], protocol.ReqEvent)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(data)))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(typ))
	buf = append(buf, data...)
	sum := protocol.ChecksumSentinel
	if !disabled {
		sum = protocol.Sum(buf)
	}
	return binary.LittleEndian.AppendUint32(buf, sum), nil
}

// VerifyEvent checks the trailer of an event whose header and data have been
// read. A sentinel trailer is accepted only when data checksums are disabled.
func VerifyEvent(header, data []byte, trailer uint32, disabled bool) error {
	if disabled {
		if trailer != protocol.ChecksumSentinel {
			return fmt.Errorf("%w: event trailer %#08x", protocol.ErrChecksum, trailer)
		}
		return nil
	}
	if got := protocol.Sum(header, data); got != trailer {
		return fmt.Errorf("%w: event expected=%#08x got=%#08x", protocol.ErrChecksum, trailer, got)
	}
	return nil
}
