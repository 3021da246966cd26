// Package heap manages a region of target memory from the host side.
//
// The target never learns about these allocations; the region is carved out
// past the proxy's own heap and handed out first-fit in fixed-size blocks.
// A Heap is single-owner and not safe for concurrent use.
package heap

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
)

const DefaultBlock = 64

var (
	ErrMisaligned  = errors.New("heap: region bounds not block aligned")
	ErrOutOfMemory = errors.New("heap: out of memory")
	ErrAlignment   = errors.New("heap: alignment must be a power of two")
	ErrBadFree     = errors.New("heap: bad free address")
	ErrDoubleFree  = errors.New("heap: block already free")
	ErrCorrupt     = errors.New("heap: inconsistent block list")
)

// span is a run of consecutive blocks, all used or all free.
type span struct {
	blocks uint64
	used   bool
}

type Heap struct {
	base   uint64
	count  uint64
	block  uint64
	spans  []span
	allocs int
}

// New manages [start, end) in units of block bytes. block 0 selects
// DefaultBlock.
func New(start, end, block uint64) (*Heap, error) {
	if block == 0 {
		block = DefaultBlock
	}
	if bits.OnesCount64(block) != 1 {
		return nil, fmt.Errorf("%w: block size %d", ErrAlignment, block)
	}
	if start%block != 0 || end%block != 0 {
		return nil, fmt.Errorf("%w: [%#x, %#x) block=%d", ErrMisaligned, start, end, block)
	}
	if end <= start {
		return nil, fmt.Errorf("%w: empty region [%#x, %#x)", ErrMisaligned, start, end)
	}
	count := (end - start) / block
	return &Heap{
		base:  start,
		count: count,
		block: block,
		spans: []span{{blocks: count}},
	}, nil
}

func (h *Heap) Base() uint64  { return h.base }
func (h *Heap) End() uint64   { return h.base + h.count*h.block }
func (h *Heap) Block() uint64 { return h.block }

// Contains reports whether addr lies inside the managed region.
func (h *Heap) Contains(addr uint64) bool {
	return addr >= h.base && addr < h.End()
}

// blocksFor rounds size up to whole blocks. Callers bound size by the region
// first so the rounding cannot wrap.
func (h *Heap) blocksFor(size uint64) uint64 {
	n := size / h.block
	if size%h.block != 0 || n == 0 {
		n++
	}
	return n
}

// Malloc returns the address of at least size bytes, block aligned.
func (h *Heap) Malloc(size uint64) (uint64, error) {
	return h.Memalign(h.block, size)
}

// Memalign returns size bytes at an address aligned to align.
func (h *Heap) Memalign(align, size uint64) (uint64, error) {
	if align == 0 || bits.OnesCount64(align) != 1 {
		return 0, fmt.Errorf("%w: %d", ErrAlignment, align)
	}
	if size > h.count*h.block {
		return 0, fmt.Errorf("%w: %d bytes exceeds region of %d", ErrOutOfMemory, size, h.count*h.block)
	}
	alignBlocks := max(align, h.block) / h.block
	need := h.blocksFor(size)

	pos := h.base / h.block
	for i, s := range h.spans {
		if !s.used {
			var pad uint64
			if r := pos % alignBlocks; r != 0 {
				pad = alignBlocks - r
			}
			if s.blocks >= pad && s.blocks-pad >= need {
				h.split(i, pad, need)
				h.allocs++
				return (pos + pad) * h.block, nil
			}
		}
		pos += s.blocks
	}
	return 0, fmt.Errorf("%w: %d bytes aligned to %d", ErrOutOfMemory, size, align)
}

// split carves a used run of need blocks out of free span i, leaving pad free
// blocks in front of it.
func (h *Heap) split(i int, pad, need uint64) {
	rest := h.spans[i].blocks - pad - need
	repl := make([]span, 0, 3)
	if pad > 0 {
		repl = append(repl, span{blocks: pad})
	}
	repl = append(repl, span{blocks: need, used: true})
	if rest > 0 {
		repl = append(repl, span{blocks: rest})
	}
	h.spans = append(h.spans[:i], append(repl, h.spans[i+1:]...)...)
}

// Free releases an address returned by Malloc or Memalign and merges it with
// free neighbours.
func (h *Heap) Free(addr uint64) error {
	if addr%h.block != 0 {
		return fmt.Errorf("%w: %#x not aligned", ErrBadFree, addr)
	}
	if !h.Contains(addr) {
		return fmt.Errorf("%w: %#x outside [%#x, %#x)", ErrBadFree, addr, h.base, h.End())
	}
	idx := (addr - h.base) / h.block
	var pos uint64
	for i, s := range h.spans {
		if pos > idx {
			break
		}
		if pos == idx {
			if !s.used {
				return fmt.Errorf("%w: %#x", ErrDoubleFree, addr)
			}
			h.spans[i].used = false
			h.allocs--
			h.coalesce(i)
			return nil
		}
		pos += s.blocks
	}
	return fmt.Errorf("%w: %#x is not the start of an allocation", ErrBadFree, addr)
}

func (h *Heap) coalesce(i int) {
	if i+1 < len(h.spans) && !h.spans[i+1].used {
		h.spans[i].blocks += h.spans[i+1].blocks
		h.spans = append(h.spans[:i+1], h.spans[i+2:]...)
	}
	if i > 0 && !h.spans[i-1].used {
		h.spans[i-1].blocks += h.spans[i].blocks
		h.spans = append(h.spans[:i], h.spans[i+1:]...)
	}
}

// Stats summarises the block list in bytes.
type Stats struct {
	Total       uint64
	InUse       uint64
	Free        uint64
	LargestFree uint64
	Allocations int
}

func (h *Heap) Stats() Stats {
	var st Stats
	for _, s := range h.spans {
		n := s.blocks * h.block
		if s.used {
			st.InUse += n
			continue
		}
		st.Free += n
		st.LargestFree = max(st.LargestFree, n)
	}
	st.Total = h.count * h.block
	st.Allocations = h.allocs
	return st
}

// Check validates the block list: spans cover the region exactly and no two
// free spans are adjacent.
func (h *Heap) Check() error {
	var total uint64
	for i, s := range h.spans {
		if s.blocks == 0 {
			return fmt.Errorf("%w: empty span at %d", ErrCorrupt, i)
		}
		if i > 0 && !s.used && !h.spans[i-1].used {
			return fmt.Errorf("%w: adjacent free spans at %d", ErrCorrupt, i)
		}
		total += s.blocks
	}
	if total != h.count {
		return fmt.Errorf("%w: spans cover %d of %d blocks", ErrCorrupt, total, h.count)
	}
	return nil
}

// Allocations returns the start address of every live allocation, ascending.
func (h *Heap) Allocations() []uint64 {
	var out []uint64
	pos := h.base
	for _, s := range h.spans {
		if s.used {
			out = append(out, pos)
		}
		pos += s.blocks * h.block
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
