package proxy

import (
	"context"
	"fmt"
)

// Access widths in bits.
const (
	Width8  = 8
	Width16 = 16
	Width32 = 32
	Width64 = 64
)

type widthOps struct {
	write, read, set, clear, mask, writeRead, memcpy, memset Opcode
}

var byWidth = map[int]widthOps{
	Width64: {OpWrite64, OpRead64, OpSet64, OpClear64, OpMask64, OpWriteRead64, OpMemcpy64, OpMemset64},
	Width32: {OpWrite32, OpRead32, OpSet32, OpClear32, OpMask32, OpWriteRead32, OpMemcpy32, OpMemset32},
	Width16: {OpWrite16, OpRead16, OpSet16, OpClear16, OpMask16, OpWriteRead16, OpMemcpy16, OpMemset16},
	Width8:  {OpWrite8, OpRead8, OpSet8, OpClear8, OpMask8, OpWriteRead8, OpMemcpy8, OpMemset8},
}

func opsFor(width int) (widthOps, error) {
	ops, ok := byWidth[width]
	if !ok {
		return widthOps{}, fmt.Errorf("%w: %d", ErrWidth, width)
	}
	return ops, nil
}

func checkAlign(op Opcode, addr uint64, width int) error {
	align := uint64(width / 8)
	if addr&(align-1) != 0 {
		return &AlignmentError{Op: op, Addr: addr, Align: align}
	}
	return nil
}

// Read loads one naturally aligned value of width bits.
func (c *Client) Read(ctx context.Context, addr uint64, width int) (uint64, error) {
	ops, err := opsFor(width)
	if err != nil {
		return 0, err
	}
	if err := checkAlign(ops.read, addr, width); err != nil {
		return 0, err
	}
	return c.Do(ctx, ops.read, addr)
}

// Write stores one naturally aligned value of width bits.
func (c *Client) Write(ctx context.Context, addr, value uint64, width int) error {
	ops, err := opsFor(width)
	if err != nil {
		return err
	}
	if err := checkAlign(ops.write, addr, width); err != nil {
		return err
	}
	_, err = c.Do(ctx, ops.write, addr, value)
	return err
}

// Set ORs bits into the value at addr.
func (c *Client) Set(ctx context.Context, addr, bits uint64, width int) error {
	ops, err := opsFor(width)
	if err != nil {
		return err
	}
	if err := checkAlign(ops.set, addr, width); err != nil {
		return err
	}
	_, err = c.Do(ctx, ops.set, addr, bits)
	return err
}

// Clear clears bits in the value at addr.
func (c *Client) Clear(ctx context.Context, addr, bits uint64, width int) error {
	ops, err := opsFor(width)
	if err != nil {
		return err
	}
	if err := checkAlign(ops.clear, addr, width); err != nil {
		return err
	}
	_, err = c.Do(ctx, ops.clear, addr, bits)
	return err
}

// Mask clears then sets bits in one remote read-modify-write.
func (c *Client) Mask(ctx context.Context, addr, clear, set uint64, width int) error {
	ops, err := opsFor(width)
	if err != nil {
		return err
	}
	if err := checkAlign(ops.mask, addr, width); err != nil {
		return err
	}
	_, err = c.Do(ctx, ops.mask, addr, clear, set)
	return err
}

// WriteRead writes value and returns what reads back from the same address.
func (c *Client) WriteRead(ctx context.Context, addr, value uint64, width int) (uint64, error) {
	ops, err := opsFor(width)
	if err != nil {
		return 0, err
	}
	return c.Do(ctx, ops.writeRead, addr, value)
}

// Memcpy copies size bytes on the target using width-bit accesses.
func (c *Client) Memcpy(ctx context.Context, dst, src, size uint64, width int) error {
	ops, err := opsFor(width)
	if err != nil {
		return err
	}
	if err := checkAlign(ops.memcpy, dst, width); err != nil {
		return err
	}
	if err := checkAlign(ops.memcpy, src, width); err != nil {
		return err
	}
	_, err = c.Do(ctx, ops.memcpy, dst, src, size)
	return err
}

// Memset fills size bytes at dst with value using width-bit accesses.
func (c *Client) Memset(ctx context.Context, dst, value, size uint64, width int) error {
	ops, err := opsFor(width)
	if err != nil {
		return err
	}
	if err := checkAlign(ops.memset, dst, width); err != nil {
		return err
	}
	_, err = c.Do(ctx, ops.memset, dst, value, size)
	return err
}

func (c *Client) Read64(ctx context.Context, addr uint64) (uint64, error) {
	return c.Read(ctx, addr, Width64)
}

func (c *Client) Read32(ctx context.Context, addr uint64) (uint32, error) {
	v, err := c.Read(ctx, addr, Width32)
	return uint32(v), err
}

func (c *Client) Read16(ctx context.Context, addr uint64) (uint16, error) {
	v, err := c.Read(ctx, addr, Width16)
	return uint16(v), err
}

func (c *Client) Read8(ctx context.Context, addr uint64) (uint8, error) {
	v, err := c.Read(ctx, addr, Width8)
	return uint8(v), err
}

func (c *Client) Write64(ctx context.Context, addr, v uint64) error {
	return c.Write(ctx, addr, v, Width64)
}

func (c *Client) Write32(ctx context.Context, addr uint64, v uint32) error {
	return c.Write(ctx, addr, uint64(v), Width32)
}

func (c *Client) Write16(ctx context.Context, addr uint64, v uint16) error {
	return c.Write(ctx, addr, uint64(v), Width16)
}

func (c *Client) Write8(ctx context.Context, addr uint64, v uint8) error {
	return c.Write(ctx, addr, uint64(v), Width8)
}
