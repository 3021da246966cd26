package transport

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	EnvDevice     = "M1N1DEVICE"
	DefaultPath   = "/dev/ttyUSB0"
	DefaultBaud   = 115200
	defaultDevice = DefaultPath + ":115200"
)

var ErrInvalidDevice = errors.New("transport: invalid device string")

// Device names a port and the baud rate it is first opened at.
type Device struct {
	Path string
	Baud int
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Path, d.Baud)
}

// ParseDevice accepts "path" or "path:baud".
func ParseDevice(raw string) (Device, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Device{}, fmt.Errorf("%w: empty", ErrInvalidDevice)
	}
	dev := Device{Path: raw, Baud: DefaultBaud}
	if i := strings.LastIndex(raw, ":"); i >= 0 {
		baud, err := strconv.Atoi(raw[i+1:])
		if err != nil {
			return Device{}, fmt.Errorf("%w: baud %q", ErrInvalidDevice, raw[i+1:])
		}
		if baud <= 0 {
			return Device{}, fmt.Errorf("%w: baud %d", ErrInvalidDevice, baud)
		}
		dev.Path = raw[:i]
		dev.Baud = baud
	}
	if dev.Path == "" {
		return Device{}, fmt.Errorf("%w: empty path", ErrInvalidDevice)
	}
	return dev, nil
}

// DeviceFromEnv reads M1N1DEVICE, falling back to /dev/ttyUSB0:115200.
func DeviceFromEnv() (Device, error) {
	raw := os.Getenv(EnvDevice)
	if strings.TrimSpace(raw) == "" {
		raw = defaultDevice
	}
	return ParseDevice(raw)
}
