package proxy

import (
	"context"
	"fmt"
)

func checkCallArgs(op Opcode, args []uint64) error {
	if len(args) > MaxCallArgs {
		return fmt.Errorf("%w: %s takes at most %d call arguments, got %d", ErrTooManyArgs, op, MaxCallArgs, len(args))
	}
	return nil
}

func (c *Client) callAt(ctx context.Context, op Opcode, lead []uint64, args []uint64) (uint64, error) {
	if err := checkCallArgs(op, args); err != nil {
		return 0, err
	}
	return c.Do(ctx, op, append(lead, args...)...)
}

// Call runs the function at addr at the proxy's exception level and returns
// its x0.
func (c *Client) Call(ctx context.Context, addr uint64, args ...uint64) (uint64, error) {
	return c.callAt(ctx, OpCall, []uint64{addr}, args)
}

func (c *Client) EL0Call(ctx context.Context, addr uint64, args ...uint64) (uint64, error) {
	return c.callAt(ctx, OpEL0Call, []uint64{addr}, args)
}

func (c *Client) EL1Call(ctx context.Context, addr uint64, args ...uint64) (uint64, error) {
	return c.callAt(ctx, OpEL1Call, []uint64{addr}, args)
}

func (c *Client) GL1Call(ctx context.Context, addr uint64, args ...uint64) (uint64, error) {
	return c.callAt(ctx, OpGL1Call, []uint64{addr}, args)
}

func (c *Client) GL2Call(ctx context.Context, addr uint64, args ...uint64) (uint64, error) {
	return c.callAt(ctx, OpGL2Call, []uint64{addr}, args)
}

// SMPCall starts addr on a secondary cpu and returns without waiting.
func (c *Client) SMPCall(ctx context.Context, cpu int, addr uint64, args ...uint64) error {
	_, err := c.callAt(ctx, OpSMPCall, []uint64{uint64(cpu), addr}, args)
	return err
}

// SMPCallSync runs addr on a secondary cpu and waits for its result.
func (c *Client) SMPCallSync(ctx context.Context, cpu int, addr uint64, args ...uint64) (uint64, error) {
	return c.callAt(ctx, OpSMPCallSync, []uint64{uint64(cpu), addr}, args)
}

func (c *Client) SMPStartSecondaries(ctx context.Context) error {
	_, err := c.Do(ctx, OpSMPStartSecondaries)
	return err
}
