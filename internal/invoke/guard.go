package invoke

import (
	"context"
	"errors"

	"github.com/danmuck/m1n1ctl/internal/logging"
	"github.com/danmuck/m1n1ctl/internal/proxy"
)

// Guard arms mode, runs fn and then always collects the exception count and
// disarms, whether or not fn failed. The count is valid only when the
// collection itself succeeded. The client is held for the whole sequence;
// fn must issue its requests with the ctx it is given.
func Guard(ctx context.Context, c *proxy.Client, mode proxy.GuardMode, fn func(ctx context.Context) error) (uint64, error) {
	var count uint64
	err := c.Exclusive(ctx, func(ctx context.Context) error {
		if err := c.SetExcGuard(ctx, mode); err != nil {
			return err
		}
		ferr := fn(ctx)
		var cerr error
		count, cerr = c.GetExcCount(ctx)
		derr := c.SetExcGuard(ctx, proxy.GuardOff)
		return errors.Join(ferr, cerr, derr)
	})
	if count > 0 {
		logging.Debugf("invoke.Guard mode=%s exceptions=%d", mode, count)
	}
	return count, err
}
