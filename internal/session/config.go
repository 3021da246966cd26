package session

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/m1n1ctl/internal/transport"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// BackoffConfig spaces out handshake attempts.
type BackoffConfig struct {
	InitialDelay time.Duration `toml:"initial_delay"`
	Multiplier   float64       `toml:"multiplier"`
	MaxDelay     time.Duration `toml:"max_delay"`
	Jitter       bool          `toml:"jitter"`
}

// Config defines how a session reaches and prepares its target.
type Config struct {
	Device              string        `toml:"device"`
	InitialBaud         int           `toml:"initial_baud"`
	TargetBaud          int           `toml:"target_baud"`
	HandshakeTimeout    time.Duration `toml:"handshake_timeout"`
	HandshakeAttempts   int           `toml:"handshake_attempts"`
	ReadTimeout         time.Duration `toml:"read_timeout"`
	DisableDataCsums    bool          `toml:"disable_data_checksums"`
	HeapSize            uint64        `toml:"heap_size"`
	FirmwareHeapReserve uint64        `toml:"firmware_heap_reserve"`
	CodeBufferSize      uint64        `toml:"code_buffer_size"`
	Backoff             BackoffConfig `toml:"backoff"`

	// Console receives target output that is not part of a frame.
	Console io.Writer `toml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Device:              transport.DefaultPath,
		InitialBaud:         transport.DefaultBaud,
		TargetBaud:          1500000,
		HandshakeTimeout:    150 * time.Millisecond,
		HandshakeAttempts:   3,
		ReadTimeout:         3 * time.Second,
		HeapSize:            1 << 30,
		FirmwareHeapReserve: 128 << 20,
		CodeBufferSize:      0x10000,
		Backoff: BackoffConfig{
			InitialDelay: 50 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     500 * time.Millisecond,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig. TargetBaud 0 stays 0
// and disables the baud switch.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Device) == "" {
		c.Device = d.Device
	}
	if c.InitialBaud == 0 {
		c.InitialBaud = d.InitialBaud
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.HandshakeAttempts == 0 {
		c.HandshakeAttempts = d.HandshakeAttempts
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.HeapSize == 0 {
		c.HeapSize = d.HeapSize
	}
	if c.FirmwareHeapReserve == 0 {
		c.FirmwareHeapReserve = d.FirmwareHeapReserve
	}
	if c.CodeBufferSize == 0 {
		c.CodeBufferSize = d.CodeBufferSize
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Device) == "" {
		return fmt.Errorf("%w: missing device", ErrInvalidConfig)
	}
	if c.InitialBaud <= 0 {
		return fmt.Errorf("%w: initial_baud must be positive", ErrInvalidConfig)
	}
	if c.TargetBaud < 0 {
		return fmt.Errorf("%w: target_baud must not be negative", ErrInvalidConfig)
	}
	if c.HandshakeTimeout <= 0 || c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.HandshakeAttempts < 1 {
		return fmt.Errorf("%w: handshake_attempts must be at least 1", ErrInvalidConfig)
	}
	if c.HeapSize == 0 || c.HeapSize%0x10000 != 0 {
		return fmt.Errorf("%w: heap_size must be a non-zero multiple of 64 KiB", ErrInvalidConfig)
	}
	if c.FirmwareHeapReserve%0x10000 != 0 {
		return fmt.Errorf("%w: firmware_heap_reserve must be a multiple of 64 KiB", ErrInvalidConfig)
	}
	if c.CodeBufferSize == 0 || c.CodeBufferSize%4 != 0 || c.CodeBufferSize >= c.HeapSize {
		return fmt.Errorf("%w: code_buffer_size must be word aligned and fit the heap", ErrInvalidConfig)
	}
	return nil
}
