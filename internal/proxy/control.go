package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/m1n1ctl/internal/logging"
)

// Exception guard modes for SetExcGuard.
type GuardMode uint64

const (
	GuardOff    GuardMode = 0
	GuardSkip   GuardMode = 1
	GuardMark   GuardMode = 2
	GuardReturn GuardMode = 3
	// GuardSilent suppresses the target's exception report. OR it into a mode.
	GuardSilent GuardMode = 0x100
)

func (m GuardMode) String() string {
	base := "off"
	switch m &^ GuardSilent {
	case GuardSkip:
		base = "skip"
	case GuardMark:
		base = "mark"
	case GuardReturn:
		base = "return"
	}
	if m&GuardSilent != 0 {
		return base + "|silent"
	}
	return base
}

// FaultMarker is what a guarded read returns when the access faulted.
const FaultMarker uint64 = 0xacce5515abad1dea

// baudPattern is echoed by the target at the new rate before it replies.
const (
	baudPatternCount = 16
	baudPattern      = 0x005aa5f0
)

// Iodev identifies the transport the proxy is served on.
type Iodev uint64

const (
	IodevUART    Iodev = 0
	IodevFB      Iodev = 1
	IodevUSB0    Iodev = 2
	IodevUSB1    Iodev = 3
	IodevUSB0Sec Iodev = 4
	IodevUSB1Sec Iodev = 5
)

func (d Iodev) String() string {
	switch d {
	case IodevUART:
		return "uart"
	case IodevFB:
		return "fb"
	case IodevUSB0:
		return "usb0"
	case IodevUSB1:
		return "usb1"
	case IodevUSB0Sec:
		return "usb0_sec"
	case IodevUSB1Sec:
		return "usb1_sec"
	default:
		return fmt.Sprintf("iodev_%d", uint64(d))
	}
}

func (c *Client) Nop(ctx context.Context) error {
	_, err := c.Do(ctx, OpNop)
	return err
}

// Exit leaves the proxy loop with retval.
func (c *Client) Exit(ctx context.Context, retval uint64) error {
	_, err := c.Do(ctx, OpExit, retval)
	return err
}

func (c *Client) GetBase(ctx context.Context) (uint64, error) {
	return c.Do(ctx, OpGetBase)
}

// GetBootArgs returns the address of the boot arguments block.
func (c *Client) GetBootArgs(ctx context.Context) (uint64, error) {
	return c.Do(ctx, OpGetBootArgs)
}

func (c *Client) IodevWhoami(ctx context.Context) (Iodev, error) {
	v, err := c.Do(ctx, OpIodevWhoami)
	return Iodev(v), err
}

func (c *Client) Udelay(ctx context.Context, usec uint64) error {
	_, err := c.Do(ctx, OpUdelay, usec)
	return err
}

// SetExcGuard arms mode and resets the exception count.
func (c *Client) SetExcGuard(ctx context.Context, mode GuardMode) error {
	_, err := c.Do(ctx, OpSetExcGuard, uint64(mode))
	return err
}

// GetExcCount returns the exceptions taken since the last reset and resets
// the count.
func (c *Client) GetExcCount(ctx context.Context) (uint64, error) {
	return c.Do(ctx, OpGetExcCount)
}

// SetBaud switches the target and then the local port to rate. The local
// switch happens between writing the command and reading the reply, which the
// target sends at the new rate.
func (c *Client) SetBaud(ctx context.Context, rate int) error {
	if rate <= 0 {
		return fmt.Errorf("proxy: set_baud: invalid rate %d", rate)
	}
	restore := c.link.MuteConsole()
	defer restore()
	port := c.link.Port()
	prev := port.Baud()
	_, err := c.request(ctx, OpSetBaud, callOptions{
		preReply: func() error { return port.SetBaud(rate) },
	}, uint64(rate), baudPatternCount, baudPattern)
	if err != nil {
		return err
	}
	logging.Infof("proxy.Client baud changed from=%d to=%d", prev, rate)
	return nil
}

// Reboot resets the target. No reply is read.
func (c *Client) Reboot(ctx context.Context) error {
	_, err := c.request(ctx, OpReboot, callOptions{noReply: true})
	return err
}

// Reload jumps to a new proxy image at addr and waits for it to announce
// itself. Targets without VECTOR get the MMU shut down and a plain call.
func (c *Client) Reload(ctx context.Context, addr uint64, args ...uint64) error {
	if err := checkCallArgs(OpVector, args); err != nil {
		return err
	}
	full := append([]uint64{addr}, args...)
	return c.Exclusive(ctx, func(ctx context.Context) error {
		_, err := c.Do(ctx, OpVector, full...)
		if err == nil {
			_, err = c.link.WaitBoot(ctx)
			return err
		}
		if !errors.Is(err, ErrUnsupported) {
			return err
		}
		logging.Infof("proxy.Client reload falling back to call addr=%#x", addr)
		if err := c.MMUShutdown(ctx); err != nil && !errors.Is(err, ErrUnsupported) {
			return err
		}
		_, err = c.request(ctx, OpCall, callOptions{reboot: true}, full...)
		return err
	})
}

// ReloadEL1 hands the cpu to addr at EL1 without waiting for anything.
func (c *Client) ReloadEL1(ctx context.Context, addr uint64, args ...uint64) error {
	if err := checkCallArgs(OpEL1Call, args); err != nil {
		return err
	}
	_, err := c.request(ctx, OpEL1Call, callOptions{noReply: true}, append([]uint64{addr}, args...)...)
	return err
}

// CallReboot calls addr and waits for the BOOT frame of whatever it starts.
func (c *Client) CallReboot(ctx context.Context, addr uint64, args ...uint64) error {
	if err := checkCallArgs(OpCall, args); err != nil {
		return err
	}
	_, err := c.request(ctx, OpCall, callOptions{reboot: true}, append([]uint64{addr}, args...)...)
	return err
}

func (c *Client) GetSIMDState(ctx context.Context, buf uint64) error {
	_, err := c.Do(ctx, OpGetSIMDState, buf)
	return err
}

func (c *Client) PutSIMDState(ctx context.Context, buf uint64) error {
	_, err := c.Do(ctx, OpPutSIMDState, buf)
	return err
}
