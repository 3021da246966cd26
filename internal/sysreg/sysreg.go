// Package sysreg names and encodes AArch64 system registers.
package sysreg

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidEncoding = errors.New("sysreg: invalid encoding")

// Encoding is the (op0, op1, CRn, CRm, op2) tuple of an MRS/MSR operand.
type Encoding struct {
	Op0 uint8
	Op1 uint8
	CRn uint8
	CRm uint8
	Op2 uint8
}

func (e Encoding) Validate() error {
	if e.Op0 < 2 || e.Op0 > 3 || e.Op1 > 7 || e.CRn > 15 || e.CRm > 15 || e.Op2 > 7 {
		return fmt.Errorf("%w: %d,%d,%d,%d,%d", ErrInvalidEncoding, e.Op0, e.Op1, e.CRn, e.CRm, e.Op2)
	}
	return nil
}

// Field returns the 15-bit operand field shared by MRS and MSR (bits 19..5).
func (e Encoding) Field() uint32 {
	return uint32(e.Op0&1)<<19 | uint32(e.Op1)<<16 | uint32(e.CRn)<<12 | uint32(e.CRm)<<8 | uint32(e.Op2)<<5
}

// FromField is the inverse of Field for an MRS/MSR instruction word.
func FromField(word uint32) Encoding {
	return Encoding{
		Op0: 2 + uint8((word>>19)&1),
		Op1: uint8((word >> 16) & 7),
		CRn: uint8((word >> 12) & 15),
		CRm: uint8((word >> 8) & 15),
		Op2: uint8((word >> 5) & 7),
	}
}

// String is the generic assembler spelling, s3_1_c15_c2_0.
func (e Encoding) String() string {
	return fmt.Sprintf("s%d_%d_c%d_c%d_%d", e.Op0, e.Op1, e.CRn, e.CRm, e.Op2)
}

// Name returns the architectural name when known, else the generic spelling.
func Name(e Encoding) string {
	if n, ok := names[e]; ok {
		return n
	}
	return e.String()
}

// Parse accepts a register name, "s3_0_c15_c2_0" or "3,0,15,2,0".
func Parse(raw string) (Encoding, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Encoding{}, fmt.Errorf("%w: empty", ErrInvalidEncoding)
	}
	if e, ok := byName[s]; ok {
		return e, nil
	}
	var parts []string
	switch {
	case strings.Contains(s, ","):
		parts = strings.Split(s, ",")
	case strings.HasPrefix(s, "s"):
		parts = strings.Split(s[1:], "_")
		if len(parts) == 5 {
			if !strings.HasPrefix(parts[2], "c") || !strings.HasPrefix(parts[3], "c") {
				return Encoding{}, fmt.Errorf("%w: %q", ErrInvalidEncoding, raw)
			}
			parts[2] = parts[2][1:]
			parts[3] = parts[3][1:]
		}
	default:
		return Encoding{}, fmt.Errorf("%w: unknown register %q", ErrInvalidEncoding, raw)
	}
	if len(parts) != 5 {
		return Encoding{}, fmt.Errorf("%w: %q", ErrInvalidEncoding, raw)
	}
	var f [5]uint8
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			return Encoding{}, fmt.Errorf("%w: %q", ErrInvalidEncoding, raw)
		}
		f[i] = uint8(v)
	}
	e := Encoding{Op0: f[0], Op1: f[1], CRn: f[2], CRm: f[3], Op2: f[4]}
	if err := e.Validate(); err != nil {
		return Encoding{}, err
	}
	return e, nil
}

// MustParse is Parse for static tables.
func MustParse(raw string) Encoding {
	e, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return e
}
