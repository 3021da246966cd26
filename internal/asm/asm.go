// Package asm builds the small AArch64 stubs run through the proxy.
//
// Only the handful of instructions needed for register probing are encoded:
// MRS, MSR, MOVZ/MOVK, B, NOP and RET. Anything else goes in as a raw word.
package asm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/m1n1ctl/internal/sysreg"
)

var (
	ErrRegister  = errors.New("asm: invalid register")
	ErrImmediate = errors.New("asm: immediate out of range")
	ErrLabel     = errors.New("asm: label error")
)

// Instruction words and masks.
const (
	InsnNOP uint32 = 0xd503201f
	InsnRET uint32 = 0xd65f03c0

	baseMRS  uint32 = 0xd5300000
	baseMSR  uint32 = 0xd5100000
	baseMOVZ uint32 = 0xd2800000
	baseMOVK uint32 = 0xf2800000
	baseB    uint32 = 0x14000000

	// MaskSys selects the opcode bits of MRS/MSR.
	MaskSys uint32 = 0xfff00000
	// MaskMov selects the opcode bits of 64-bit MOVZ/MOVK.
	MaskMov uint32 = 0xff800000
	// MaskB selects the opcode bits of an unconditional branch.
	MaskB uint32 = 0xfc000000
)

const XZR = 31

// Code is an assembled stub.
type Code struct {
	Base    uint64
	Bytes   []byte
	Symbols map[string]uint64
}

func (c Code) Len() int { return len(c.Bytes) }

// Words returns the instruction words in order.
func (c Code) Words() []uint32 {
	out := make([]uint32, len(c.Bytes)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(c.Bytes[i*4:])
	}
	return out
}

type fixup struct {
	index int
	label string
}

// Builder accumulates instructions. The first error sticks and is reported by
// Assemble.
type Builder struct {
	base   uint64
	words  []uint32
	labels map[string]int
	fixups []fixup
	err    error
}

func NewBuilder(base uint64) *Builder {
	return &Builder{base: base, labels: make(map[string]int)}
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

func (b *Builder) emit(w uint32) *Builder {
	b.words = append(b.words, w)
	return b
}

func checkReg(r int) error {
	if r < 0 || r > 31 {
		return fmt.Errorf("%w: x%d", ErrRegister, r)
	}
	return nil
}

// Label names the address of the next instruction.
func (b *Builder) Label(name string) *Builder {
	if _, dup := b.labels[name]; dup {
		return b.fail(fmt.Errorf("%w: duplicate label %q", ErrLabel, name))
	}
	b.labels[name] = len(b.words)
	return b
}

// MRS reads enc into xt.
func (b *Builder) MRS(rt int, enc sysreg.Encoding) *Builder {
	if err := checkReg(rt); err != nil {
		return b.fail(err)
	}
	if err := enc.Validate(); err != nil {
		return b.fail(err)
	}
	return b.emit(baseMRS | enc.Field() | uint32(rt))
}

// MSR writes xt into enc.
func (b *Builder) MSR(enc sysreg.Encoding, rt int) *Builder {
	if err := checkReg(rt); err != nil {
		return b.fail(err)
	}
	if err := enc.Validate(); err != nil {
		return b.fail(err)
	}
	return b.emit(baseMSR | enc.Field() | uint32(rt))
}

func (b *Builder) mov(base uint32, rd int, imm uint64, shift uint) *Builder {
	if err := checkReg(rd); err != nil {
		return b.fail(err)
	}
	if imm > 0xffff || shift%16 != 0 || shift > 48 {
		return b.fail(fmt.Errorf("%w: #%#x, lsl #%d", ErrImmediate, imm, shift))
	}
	return b.emit(base | uint32(shift/16)<<21 | uint32(imm)<<5 | uint32(rd))
}

// MOVZ loads imm<<shift into xd, zeroing the other bits.
func (b *Builder) MOVZ(rd int, imm uint64, shift uint) *Builder {
	return b.mov(baseMOVZ, rd, imm, shift)
}

// MOVK replaces one 16-bit lane of xd.
func (b *Builder) MOVK(rd int, imm uint64, shift uint) *Builder {
	return b.mov(baseMOVK, rd, imm, shift)
}

// MovImm64 loads any 64-bit constant with one MOVZ and up to three MOVKs.
func (b *Builder) MovImm64(rd int, v uint64) *Builder {
	b.MOVZ(rd, v&0xffff, 0)
	for shift := uint(16); shift < 64; shift += 16 {
		if lane := (v >> shift) & 0xffff; lane != 0 {
			b.MOVK(rd, lane, shift)
		}
	}
	return b
}

// B branches to label, which may be defined later.
func (b *Builder) B(label string) *Builder {
	b.fixups = append(b.fixups, fixup{index: len(b.words), label: label})
	return b.emit(baseB)
}

func (b *Builder) NOP() *Builder { return b.emit(InsnNOP) }
func (b *Builder) RET() *Builder { return b.emit(InsnRET) }

// Word appends raw instruction words.
func (b *Builder) Word(words ...uint32) *Builder {
	b.words = append(b.words, words...)
	return b
}

// Assemble resolves labels and returns the code image.
func (b *Builder) Assemble() (Code, error) {
	if b.err != nil {
		return Code{}, b.err
	}
	words := append([]uint32(nil), b.words...)
	for _, f := range b.fixups {
		target, ok := b.labels[f.label]
		if !ok {
			return Code{}, fmt.Errorf("%w: undefined label %q", ErrLabel, f.label)
		}
		words[f.index] = baseB | uint32(int32(target-f.index))&0x03ffffff
	}
	buf := make([]byte, 0, len(words)*4)
	for _, w := range words {
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	syms := make(map[string]uint64, len(b.labels))
	for name, idx := range b.labels {
		syms[name] = b.base + uint64(idx)*4
	}
	return Code{Base: b.base, Bytes: buf, Symbols: syms}, nil
}

// DecodeMov reports the fields of a 64-bit MOVZ/MOVK word.
func DecodeMov(w uint32) (keep bool, rd int, imm uint64, shift uint, ok bool) {
	switch w & MaskMov {
	case baseMOVZ:
		keep = false
	case baseMOVK:
		keep = true
	default:
		return false, 0, 0, 0, false
	}
	return keep, int(w & 31), uint64((w >> 5) & 0xffff), uint((w>>21)&3) * 16, true
}

// DecodeSys reports the fields of an MRS (read) or MSR (write) register word.
func DecodeSys(w uint32) (read bool, rt int, enc sysreg.Encoding, ok bool) {
	switch w & MaskSys {
	case baseMRS:
		read = true
	case baseMSR:
		read = false
	default:
		return false, 0, sysreg.Encoding{}, false
	}
	return read, int(w & 31), sysreg.FromField(w), true
}

// DecodeB reports the signed word offset of an unconditional branch.
func DecodeB(w uint32) (offset int, ok bool) {
	if w&MaskB != baseB {
		return 0, false
	}
	return int(int32(w<<6) >> 6), true
}
