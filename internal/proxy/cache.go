package proxy

import "context"

func (c *Client) op0(ctx context.Context, op Opcode) error {
	_, err := c.Do(ctx, op)
	return err
}

func (c *Client) opRange(ctx context.Context, op Opcode, addr, size uint64) error {
	_, err := c.Do(ctx, op, addr, size)
	return err
}

func (c *Client) ICIalluis(ctx context.Context) error { return c.op0(ctx, OpICIalluis) }
func (c *Client) ICIallu(ctx context.Context) error   { return c.op0(ctx, OpICIallu) }

func (c *Client) ICIvau(ctx context.Context, addr, size uint64) error {
	return c.opRange(ctx, OpICIvau, addr, size)
}

func (c *Client) DCIvac(ctx context.Context, addr, size uint64) error {
	return c.opRange(ctx, OpDCIvac, addr, size)
}

func (c *Client) DCZva(ctx context.Context, addr, size uint64) error {
	return c.opRange(ctx, OpDCZva, addr, size)
}

func (c *Client) DCCvac(ctx context.Context, addr, size uint64) error {
	return c.opRange(ctx, OpDCCvac, addr, size)
}

func (c *Client) DCCvau(ctx context.Context, addr, size uint64) error {
	return c.opRange(ctx, OpDCCvau, addr, size)
}

func (c *Client) DCCivac(ctx context.Context, addr, size uint64) error {
	return c.opRange(ctx, OpDCCivac, addr, size)
}

func (c *Client) DCIsw(ctx context.Context, sw uint64) error {
	_, err := c.Do(ctx, OpDCIsw, sw)
	return err
}

func (c *Client) DCCsw(ctx context.Context, sw uint64) error {
	_, err := c.Do(ctx, OpDCCsw, sw)
	return err
}

func (c *Client) DCCisw(ctx context.Context, sw uint64) error {
	_, err := c.Do(ctx, OpDCCisw, sw)
	return err
}

func (c *Client) MMUShutdown(ctx context.Context) error { return c.op0(ctx, OpMMUShutdown) }
func (c *Client) MMUInit(ctx context.Context) error     { return c.op0(ctx, OpMMUInit) }

// MMUDisable returns the flags MMURestore needs to undo it.
func (c *Client) MMUDisable(ctx context.Context) (uint64, error) {
	return c.Do(ctx, OpMMUDisable)
}

func (c *Client) MMURestore(ctx context.Context, flags uint64) error {
	_, err := c.Do(ctx, OpMMURestore, flags)
	return err
}

// Gzdec inflates a gzip stream on the target. The result is the output size
// or a negative error code.
func (c *Client) Gzdec(ctx context.Context, src, srcLen, dst, dstLen uint64) (int64, error) {
	v, err := c.request(ctx, OpGzdec, callOptions{timeout: decompressTimeout}, src, srcLen, dst, dstLen)
	return int64(v), err
}

// Xzdec inflates an xz stream on the target. With dst 0 it reports the
// decompressed size only.
func (c *Client) Xzdec(ctx context.Context, src, srcLen, dst, dstLen uint64) (int64, error) {
	v, err := c.request(ctx, OpXzdec, callOptions{timeout: decompressTimeout}, src, srcLen, dst, dstLen)
	return int64(v), err
}

// HeapblockAlloc reserves size bytes from the target's block heap and returns
// its current top. size 0 just reports the top.
func (c *Client) HeapblockAlloc(ctx context.Context, size uint64) (uint64, error) {
	return c.Do(ctx, OpHeapblockAlloc, size)
}

func (c *Client) Malloc(ctx context.Context, size uint64) (uint64, error) {
	return c.Do(ctx, OpMalloc, size)
}

func (c *Client) Memalign(ctx context.Context, align, size uint64) (uint64, error) {
	return c.Do(ctx, OpMemalign, align, size)
}

func (c *Client) Free(ctx context.Context, addr uint64) error {
	_, err := c.Do(ctx, OpFree, addr)
	return err
}
