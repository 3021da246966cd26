package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/m1n1ctl/internal/protocol"
)

// MaxArgs is the number of argument slots in a proxy request.
const MaxArgs = 6

const (
	RequestLen    = 8 + MaxArgs*8
	ProxyReplyLen = 24
)

// ProxyRequest is the payload of a PROXY command.
type ProxyRequest struct {
	Opcode uint64
	Args   [MaxArgs]uint64
}

// ProxyReply is the data of a PROXY reply.
type ProxyReply struct {
	Opcode uint64
	Status int64
	Retval uint64
}

// Proxy-level status values.
const (
	ProxyOK     int64 = 0
	ProxyBadCmd int64 = -1
)

func EncodeRequest(req ProxyRequest) []byte {
	buf := make([]byte, RequestLen)
	binary.LittleEndian.PutUint64(buf[0:8], req.Opcode)
	for i, a := range req.Args {
		binary.LittleEndian.PutUint64(buf[8+i*8:16+i*8], a)
	}
	return buf
}

func DecodeRequest(b []byte) (ProxyRequest, error) {
	if len(b) < RequestLen {
		return ProxyRequest{}, fmt.Errorf("%w: request %d bytes", ErrShortRecord, len(b))
	}
	var req ProxyRequest
	req.Opcode = binary.LittleEndian.Uint64(b[0:8])
	for i := range req.Args {
		req.Args[i] = binary.LittleEndian.Uint64(b[8+i*8 : 16+i*8])
	}
	return req, nil
}

func EncodeProxyReply(r ProxyReply) []byte {
	buf := make([]byte, ProxyReplyLen)
	binary.LittleEndian.PutUint64(buf[0:8], r.Opcode)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Status))
	binary.LittleEndian.PutUint64(buf[16:24], r.Retval)
	return buf
}

func DecodeProxyReply(b []byte) (ProxyReply, error) {
	if len(b) < ProxyReplyLen {
		return ProxyReply{}, fmt.Errorf("%w: reply %d bytes", ErrShortRecord, len(b))
	}
	return ProxyReply{
		Opcode: binary.LittleEndian.Uint64(b[0:8]),
		Status: int64(binary.LittleEndian.Uint64(b[8:16])),
		Retval: binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

// MemRequest is the payload of MEMREAD and MEMWRITE commands. Checksum is
// only meaningful for writes.
type MemRequest struct {
	Addr     uint64
	Size     uint64
	Checksum uint32
}

func EncodeMemRequest(m MemRequest) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint64(buf[0:8], m.Addr)
	binary.LittleEndian.PutUint64(buf[8:16], m.Size)
	binary.LittleEndian.PutUint32(buf[16:20], m.Checksum)
	return buf
}

func DecodeMemRequest(b []byte) (MemRequest, error) {
	if len(b) < 20 {
		return MemRequest{}, fmt.Errorf("%w: mem request %d bytes", ErrShortRecord, len(b))
	}
	return MemRequest{
		Addr:     binary.LittleEndian.Uint64(b[0:8]),
		Size:     binary.LittleEndian.Uint64(b[8:16]),
		Checksum: binary.LittleEndian.Uint32(b[16:20]),
	}, nil
}

// EncodeFeatures is the payload of a NOP command and the data of its reply.
func EncodeFeatures(features uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, features)
}

func DecodeFeatures(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b[0:8])
}

// BootInfo is the data of a BOOT frame.
type BootInfo struct {
	Reason protocol.BootReason
	Code   protocol.ExcCode
	Info   uint64
}

func EncodeBootInfo(bi BootInfo) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(bi.Reason))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(bi.Code))
	binary.LittleEndian.PutUint64(buf[8:16], bi.Info)
	return buf
}

func DecodeBootInfo(b []byte) (BootInfo, error) {
	if len(b) < 16 {
		return BootInfo{}, fmt.Errorf("%w: boot info %d bytes", ErrShortRecord, len(b))
	}
	return BootInfo{
		Reason: protocol.BootReason(binary.LittleEndian.Uint32(b[0:4])),
		Code:   protocol.ExcCode(binary.LittleEndian.Uint32(b[4:8])),
		Info:   binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}
