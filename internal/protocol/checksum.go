package protocol

import "hash"

const checksumMul uint32 = 31337

// Checksum is the running m1n1 checksum. It implements hash.Hash32 so bulk
// transfers can be summed chunk by chunk.
type Checksum struct {
	sum uint32
}

var _ hash.Hash32 = (*Checksum)(nil)

func NewChecksum() *Checksum {
	return &Checksum{sum: ChecksumInit}
}

func (c *Checksum) Write(p []byte) (int, error) {
	sum := c.sum
	for _, b := range p {
		sum = sum*checksumMul + uint32(b^0x5A)
	}
	c.sum = sum
	return len(p), nil
}

// Sum32 returns the finished checksum without resetting the running state.
func (c *Checksum) Sum32() uint32 {
	return c.sum ^ ChecksumFinal
}

func (c *Checksum) Sum(b []byte) []byte {
	s := c.Sum32()
	return append(b, byte(s), byte(s>>8), byte(s>>16), byte(s>>24))
}

func (c *Checksum) Reset() {
	c.sum = ChecksumInit
}

func (c *Checksum) Size() int      { return 4 }
func (c *Checksum) BlockSize() int { return 1 }

// Sum returns the checksum of the concatenation of parts.
func Sum(parts ...[]byte) uint32 {
	c := NewChecksum()
	for _, p := range parts {
		_, _ = c.Write(p)
	}
	return c.Sum32()
}

// DataChecksum is the checksum reported for bulk data: the real sum, or the
// sentinel when data checksums are disabled.
func DataChecksum(data []byte, disabled bool) uint32 {
	if disabled {
		return ChecksumSentinel
	}
	return Sum(data)
}
