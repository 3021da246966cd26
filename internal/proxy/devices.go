package proxy

import "context"

// IodevUsage bits select what an iodev is used for.
type IodevUsage uint64

const (
	UsageConsole   IodevUsage = 1 << 0
	UsageUARTProxy IodevUsage = 1 << 1
)

func (c *Client) IodevSetUsage(ctx context.Context, dev Iodev, usage IodevUsage) error {
	_, err := c.Do(ctx, OpIodevSetUsage, uint64(dev), uint64(usage))
	return err
}

func (c *Client) IodevCanRead(ctx context.Context, dev Iodev) (uint64, error) {
	return c.Do(ctx, OpIodevCanRead, uint64(dev))
}

func (c *Client) IodevCanWrite(ctx context.Context, dev Iodev) (bool, error) {
	v, err := c.Do(ctx, OpIodevCanWrite, uint64(dev))
	return v != 0, err
}

// IodevRead moves up to size bytes from dev into target memory at buf.
func (c *Client) IodevRead(ctx context.Context, dev Iodev, buf, size uint64) (int64, error) {
	return c.DoSigned(ctx, OpIodevRead, uint64(dev), buf, size)
}

// IodevWrite sends size bytes at buf out of dev. The result is the count the
// device accepted.
func (c *Client) IodevWrite(ctx context.Context, dev Iodev, buf, size uint64) (int64, error) {
	return c.DoSigned(ctx, OpIodevWrite, uint64(dev), buf, size)
}

// KbootSetBootArgs hands the kernel loader a NUL-terminated command line
// stored at addr.
func (c *Client) KbootSetBootArgs(ctx context.Context, addr uint64) error {
	_, err := c.Do(ctx, OpKbootSetBootArgs, addr)
	return err
}

func (c *Client) KbootSetInitrd(ctx context.Context, base, size uint64) error {
	_, err := c.Do(ctx, OpKbootSetInitrd, base, size)
	return err
}

// KbootPrepareDT builds the kernel device tree from the one at dt.
func (c *Client) KbootPrepareDT(ctx context.Context, dt uint64) (int64, error) {
	return c.DoSigned(ctx, OpKbootPrepareDT, dt)
}

// KbootBoot starts the kernel at addr. It only answers when the boot failed.
func (c *Client) KbootBoot(ctx context.Context, addr uint64) error {
	_, err := c.Do(ctx, OpKbootBoot, addr)
	return err
}

func (c *Client) PMGRClockEnable(ctx context.Context, id uint64) (int64, error) {
	return c.DoSigned(ctx, OpPMGRClockEnable, id)
}

func (c *Client) PMGRClockDisable(ctx context.Context, id uint64) (int64, error) {
	return c.DoSigned(ctx, OpPMGRClockDisable, id)
}
