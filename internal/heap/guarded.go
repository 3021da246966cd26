package heap

import (
	"errors"
	"fmt"
	"sort"
)

// Allocator is the surface Guarded wraps. *Heap implements it.
type Allocator interface {
	Malloc(size uint64) (uint64, error)
	Memalign(align, size uint64) (uint64, error)
	Free(addr uint64) error
}

var ErrNotTracked = errors.New("heap: address not tracked by guarded heap")

// Guarded remembers what it handed out so a scope can release everything at
// once with FreeAll.
type Guarded struct {
	alloc Allocator
	ptrs  map[uint64]struct{}
}

func NewGuarded(a Allocator) *Guarded {
	return &Guarded{alloc: a, ptrs: make(map[uint64]struct{})}
}

func (g *Guarded) Malloc(size uint64) (uint64, error) {
	p, err := g.alloc.Malloc(size)
	if err != nil {
		return 0, err
	}
	g.ptrs[p] = struct{}{}
	return p, nil
}

func (g *Guarded) Memalign(align, size uint64) (uint64, error) {
	p, err := g.alloc.Memalign(align, size)
	if err != nil {
		return 0, err
	}
	g.ptrs[p] = struct{}{}
	return p, nil
}

func (g *Guarded) Free(addr uint64) error {
	if _, ok := g.ptrs[addr]; !ok {
		return fmt.Errorf("%w: %#x", ErrNotTracked, addr)
	}
	delete(g.ptrs, addr)
	return g.alloc.Free(addr)
}

// Live returns the tracked addresses, ascending.
func (g *Guarded) Live() []uint64 {
	out := make([]uint64, 0, len(g.ptrs))
	for p := range g.ptrs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FreeAll releases every tracked allocation and reports all failures.
func (g *Guarded) FreeAll() error {
	var errs []error
	for _, p := range g.Live() {
		if err := g.alloc.Free(p); err != nil {
			errs = append(errs, err)
		}
	}
	g.ptrs = make(map[uint64]struct{})
	return errors.Join(errs...)
}

func (g *Guarded) Close() error { return g.FreeAll() }

// WithAllocation runs fn with a block of size bytes and frees it afterwards.
func WithAllocation(a Allocator, size uint64, fn func(addr uint64) error) error {
	p, err := a.Malloc(size)
	if err != nil {
		return err
	}
	ferr := fn(p)
	if err := a.Free(p); err != nil && ferr == nil {
		ferr = err
	}
	return ferr
}
