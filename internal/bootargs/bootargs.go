// Package bootargs decodes the boot arguments block iBoot hands to m1n1.
//
// Three revisions exist. They share every field and differ only in the
// length of the command line buffer.
package bootargs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrRevisionMismatch = errors.New("bootargs: revision mismatch")
	ErrUnknownRevision  = errors.New("bootargs: unknown revision")
	ErrTruncated        = errors.New("bootargs: truncated block")
	ErrCmdLine          = errors.New("bootargs: invalid command line")
)

const (
	offRevision    = 0
	offVersion     = 2
	offVirtBase    = 8
	offPhysBase    = 16
	offMemSize     = 24
	offTopOfKernel = 32
	offVideo       = 40
	offMachineType = 88
	offDevTree     = 96
	offDevTreeSize = 104
	offCmdLine     = 108
	tailAfterCmd   = 4 + 8 + 8
)

// cmdLineLen maps a revision to its command line buffer size.
var cmdLineLen = map[uint16]int{
	1: 256,
	2: 608,
	3: 1024,
}

// Revisions lists the known revisions in ascending order.
var Revisions = []uint16{1, 2, 3}

type Video struct {
	Base    uint64
	Display uint64
	Stride  uint64
	Width   uint64
	Height  uint64
	Depth   uint64
}

type BootArgs struct {
	Revision        uint16
	Version         uint16
	VirtBase        uint64
	PhysBase        uint64
	MemSize         uint64
	TopOfKernelData uint64
	Video           Video
	MachineType     uint32
	DevTree         uint64
	DevTreeSize     uint32
	CmdLine         string
	BootFlags       uint64
	MemSizeActual   uint64
}

// Size returns the encoded length of a revision, or 0 if it is unknown.
func Size(rev uint16) int {
	n, ok := cmdLineLen[rev]
	if !ok {
		return 0
	}
	return offCmdLine + n + tailAfterCmd
}

// MaxSize is the encoded length of the largest revision.
func MaxSize() int {
	return Size(Revisions[len(Revisions)-1])
}

// Decode parses data with the layout of rev. The block's own revision field
// must agree with rev.
func Decode(rev uint16, data []byte) (BootArgs, error) {
	size := Size(rev)
	if size == 0 {
		return BootArgs{}, fmt.Errorf("%w: %d", ErrUnknownRevision, rev)
	}
	if len(data) < size {
		return BootArgs{}, fmt.Errorf("%w: revision %d needs %d bytes, got %d", ErrTruncated, rev, size, len(data))
	}
	le := binary.LittleEndian
	if got := le.Uint16(data[offRevision:]); got != rev {
		return BootArgs{}, fmt.Errorf("%w: layout %d, block says %d", ErrRevisionMismatch, rev, got)
	}
	n := cmdLineLen[rev]
	tail := offCmdLine + n + 4
	cmd := data[offCmdLine : offCmdLine+n]
	if i := bytes.IndexByte(cmd, 0); i >= 0 {
		cmd = cmd[:i]
	}
	return BootArgs{
		Revision:        rev,
		Version:         le.Uint16(data[offVersion:]),
		VirtBase:        le.Uint64(data[offVirtBase:]),
		PhysBase:        le.Uint64(data[offPhysBase:]),
		MemSize:         le.Uint64(data[offMemSize:]),
		TopOfKernelData: le.Uint64(data[offTopOfKernel:]),
		Video: Video{
			Base:    le.Uint64(data[offVideo:]),
			Display: le.Uint64(data[offVideo+8:]),
			Stride:  le.Uint64(data[offVideo+16:]),
			Width:   le.Uint64(data[offVideo+24:]),
			Height:  le.Uint64(data[offVideo+32:]),
			Depth:   le.Uint64(data[offVideo+40:]),
		},
		MachineType:   le.Uint32(data[offMachineType:]),
		DevTree:       le.Uint64(data[offDevTree:]),
		DevTreeSize:   le.Uint32(data[offDevTreeSize:]),
		CmdLine:       string(cmd),
		BootFlags:     le.Uint64(data[tail:]),
		MemSizeActual: le.Uint64(data[tail+8:]),
	}, nil
}

// DecodeAuto picks the layout from the block's revision field.
func DecodeAuto(data []byte) (BootArgs, error) {
	if len(data) < 2 {
		return BootArgs{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	return Decode(binary.LittleEndian.Uint16(data), data)
}

// Encode writes ba in the layout of ba.Revision.
func Encode(ba BootArgs) ([]byte, error) {
	size := Size(ba.Revision)
	if size == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRevision, ba.Revision)
	}
	n := cmdLineLen[ba.Revision]
	if len(ba.CmdLine) > n {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrCmdLine, len(ba.CmdLine), n)
	}
	for i := 0; i < len(ba.CmdLine); i++ {
		if c := ba.CmdLine[i]; c == 0 || c > 0x7f {
			return nil, fmt.Errorf("%w: byte %#x at %d", ErrCmdLine, c, i)
		}
	}
	le := binary.LittleEndian
	buf := make([]byte, size)
	le.PutUint16(buf[offRevision:], ba.Revision)
	le.PutUint16(buf[offVersion:], ba.Version)
	le.PutUint64(buf[offVirtBase:], ba.VirtBase)
	le.PutUint64(buf[offPhysBase:], ba.PhysBase)
	le.PutUint64(buf[offMemSize:], ba.MemSize)
	le.PutUint64(buf[offTopOfKernel:], ba.TopOfKernelData)
	le.PutUint64(buf[offVideo:], ba.Video.Base)
	le.PutUint64(buf[offVideo+8:], ba.Video.Display)
	le.PutUint64(buf[offVideo+16:], ba.Video.Stride)
	le.PutUint64(buf[offVideo+24:], ba.Video.Width)
	le.PutUint64(buf[offVideo+32:], ba.Video.Height)
	le.PutUint64(buf[offVideo+40:], ba.Video.Depth)
	le.PutUint32(buf[offMachineType:], ba.MachineType)
	le.PutUint64(buf[offDevTree:], ba.DevTree)
	le.PutUint32(buf[offDevTreeSize:], ba.DevTreeSize)
	copy(buf[offCmdLine:], ba.CmdLine)
	tail := offCmdLine + n + 4
	le.PutUint64(buf[tail:], ba.BootFlags)
	le.PutUint64(buf[tail+8:], ba.MemSizeActual)
	return buf, nil
}

// HeapFallbackBase is where a host heap starts on targets without
// heapblock_alloc: the first 64 KiB boundary past the kernel data, rebased
// from physical to the proxy's base.
func (ba BootArgs) HeapFallbackBase(base uint64) uint64 {
	return base + ((ba.TopOfKernelData + 0xffff) &^ 0xffff) - ba.PhysBase
}
