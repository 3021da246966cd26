package proxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/m1n1ctl/internal/logging"
)

// decompressTimeout bounds a gzdec call; large images take a while to inflate
// on the target.
const decompressTimeout = 60 * time.Second

// ReadMemory reads n bytes starting at addr.
func (c *Client) ReadMemory(ctx context.Context, addr uint64, n int) ([]byte, error) {
	release := c.acquire(ctx)
	defer release()
	return c.link.ReadMem(ctx, addr, n)
}

// WriteMemory writes data at addr. With compressed set the data is gzipped,
// staged in target memory and inflated there by gzdec. Targets without gzdec,
// or a client without an allocator, get a plain write.
func (c *Client) WriteMemory(ctx context.Context, addr uint64, data []byte, compressed bool) error {
	return c.WriteMemoryProgress(ctx, addr, data, compressed, nil)
}

// WriteMemoryProgress is WriteMemory with a per-chunk progress callback.
func (c *Client) WriteMemoryProgress(ctx context.Context, addr uint64, data []byte, compressed bool, progress func(done, total int)) error {
	if len(data) == 0 {
		return nil
	}
	if compressed {
		err := c.compressedWrite(ctx, addr, data, progress)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errNoCompression) && !errors.Is(err, ErrUnsupported) {
			return err
		}
		logging.Debugf("proxy.Client compressed write fallback addr=%#x size=%d err=%v", addr, len(data), err)
	}
	return c.writeMem(ctx, addr, data, progress)
}

func (c *Client) writeMem(ctx context.Context, addr uint64, data []byte, progress func(done, total int)) error {
	release := c.acquire(ctx)
	defer release()
	return c.link.WriteMem(ctx, addr, data, progress)
}

var errNoCompression = errors.New("proxy: compression unavailable")

func (c *Client) compressedWrite(ctx context.Context, addr uint64, data []byte, progress func(done, total int)) error {
	alloc := c.allocator()
	if alloc == nil {
		return errNoCompression
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return err
	}
	if _, err := zw.Write(data); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	payload := buf.Bytes()
	if len(payload) >= len(data) {
		return errNoCompression
	}

	staging, err := alloc.Malloc(uint64(len(payload)))
	if err != nil {
		return fmt.Errorf("%w: staging %d bytes: %v", errNoCompression, len(payload), err)
	}
	defer func() {
		if ferr := alloc.Free(staging); ferr != nil {
			logging.Warnf("proxy.Client staging free addr=%#x err=%v", staging, ferr)
		}
	}()

	if err := c.writeMem(ctx, staging, payload, progress); err != nil {
		return err
	}
	got, err := c.request(ctx, OpGzdec, callOptions{timeout: decompressTimeout},
		staging, uint64(len(payload)), addr, uint64(len(data)))
	if err != nil {
		return err
	}
	if int64(got) != int64(len(data)) {
		return fmt.Errorf("%w: gzdec returned %d, want %d", ErrDecompress, int64(got), len(data))
	}
	logging.Debugf("proxy.Client compressed write addr=%#x size=%d wire=%d", addr, len(data), len(payload))
	return nil
}
