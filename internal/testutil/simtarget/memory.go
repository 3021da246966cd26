package simtarget

const pageSize = 4096

type faultRange struct {
	start, end uint64
}

// memory is sparse zero-filled RAM. Addresses outside RAM or inside a fault
// range abort.
type memory struct {
	base, size uint64
	pages      map[uint64]*[pageSize]byte
	faults     []faultRange
}

func newMemory(base, size uint64) *memory {
	return &memory{base: base, size: size, pages: make(map[uint64]*[pageSize]byte)}
}

func canonical(addr uint64) uint64 { return addr &^ aliasMask }

func (m *memory) accessible(addr, n uint64) bool {
	if n == 0 {
		return true
	}
	a := canonical(addr)
	end := a + n
	if end < a || a < m.base || end > m.base+m.size {
		return false
	}
	for _, f := range m.faults {
		if a < f.end && end > f.start {
			return false
		}
	}
	return true
}

func (m *memory) page(a uint64, create bool) *[pageSize]byte {
	p := m.pages[a/pageSize]
	if p == nil && create {
		p = new([pageSize]byte)
		m.pages[a/pageSize] = p
	}
	return p
}

func (m *memory) read(addr, n uint64) ([]byte, bool) {
	if !m.accessible(addr, n) {
		return nil, false
	}
	a := canonical(addr)
	out := make([]byte, n)
	for i := uint64(0); i < n; {
		off := (a + i) % pageSize
		k := min(pageSize-off, n-i)
		if p := m.page(a+i, false); p != nil {
			copy(out[i:i+k], p[off:off+k])
		}
		i += k
	}
	return out, true
}

func (m *memory) write(addr uint64, data []byte) bool {
	n := uint64(len(data))
	if !m.accessible(addr, n) {
		return false
	}
	a := canonical(addr)
	for i := uint64(0); i < n; {
		off := (a + i) % pageSize
		k := min(pageSize-off, n-i)
		p := m.page(a+i, true)
		copy(p[off:off+k], data[i:i+k])
		i += k
	}
	return true
}

func (m *memory) load(addr uint64, width int) (uint64, bool) {
	b, ok := m.read(addr, uint64(width/8))
	if !ok {
		return 0, false
	}
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, true
}

func (m *memory) store(addr, v uint64, width int) bool {
	b := make([]byte, width/8)
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
	return m.write(addr, b)
}
