package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/m1n1ctl/internal/session"
	"github.com/danmuck/m1n1ctl/internal/transport"
)

// EnvSSHPassphrase unlocks an encrypted [ssh] key_path.
const EnvSSHPassphrase = "M1N1_SSH_PASSPHRASE"

type fileBackoff struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

type fileSSH struct {
	Host       string `toml:"host"`
	Port       string `toml:"port"`
	User       string `toml:"user"`
	KeyPath    string `toml:"key_path"`
	KnownHosts string `toml:"known_hosts"`
	Insecure   bool   `toml:"insecure_skip_host_key_check"`
	Timeout    string `toml:"timeout"`
}

type fileConfig struct {
	Device              string      `toml:"device"`
	InitialBaud         int         `toml:"initial_baud"`
	TargetBaud          int         `toml:"target_baud"`
	HandshakeTimeout    string      `toml:"handshake_timeout"`
	HandshakeAttempts   int         `toml:"handshake_attempts"`
	ReadTimeout         string      `toml:"read_timeout"`
	DisableDataCsums    bool        `toml:"disable_data_checksums"`
	HeapSize            uint64      `toml:"heap_size"`
	FirmwareHeapReserve uint64      `toml:"firmware_heap_reserve"`
	CodeBufferSize      uint64      `toml:"code_buffer_size"`
	Backoff             fileBackoff `toml:"backoff"`
	SSH                 fileSSH     `toml:"ssh"`
}

// loadSessionConfig overlays the keys present in path onto base.
func loadSessionConfig(path string, base session.Config) (session.Config, error) {
	cfg := base

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return session.Config{}, fmt.Errorf("load session config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return session.Config{}, fmt.Errorf("load session config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("device") {
		if dev := strings.TrimSpace(raw.Device); dev != "" {
			cfg.Device = dev
		}
	}
	if meta.IsDefined("initial_baud") {
		cfg.InitialBaud = raw.InitialBaud
	}
	if meta.IsDefined("target_baud") {
		cfg.TargetBaud = raw.TargetBaud
	}
	if meta.IsDefined("handshake_timeout") {
		if cfg.HandshakeTimeout, err = parseDuration("handshake_timeout", raw.HandshakeTimeout); err != nil {
			return session.Config{}, err
		}
	}
	if meta.IsDefined("handshake_attempts") {
		cfg.HandshakeAttempts = raw.HandshakeAttempts
	}
	if meta.IsDefined("read_timeout") {
		if cfg.ReadTimeout, err = parseDuration("read_timeout", raw.ReadTimeout); err != nil {
			return session.Config{}, err
		}
	}
	if meta.IsDefined("disable_data_checksums") {
		cfg.DisableDataCsums = raw.DisableDataCsums
	}
	if meta.IsDefined("heap_size") {
		cfg.HeapSize = raw.HeapSize
	}
	if meta.IsDefined("firmware_heap_reserve") {
		cfg.FirmwareHeapReserve = raw.FirmwareHeapReserve
	}
	if meta.IsDefined("code_buffer_size") {
		cfg.CodeBufferSize = raw.CodeBufferSize
	}

	if meta.IsDefined("backoff", "initial_delay") {
		if cfg.Backoff.InitialDelay, err = parseDuration("backoff.initial_delay", raw.Backoff.InitialDelay); err != nil {
			return session.Config{}, err
		}
	}
	if meta.IsDefined("backoff", "multiplier") {
		cfg.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "max_delay") {
		if cfg.Backoff.MaxDelay, err = parseDuration("backoff.max_delay", raw.Backoff.MaxDelay); err != nil {
			return session.Config{}, err
		}
	}
	if meta.IsDefined("backoff", "jitter") {
		cfg.Backoff.Jitter = raw.Backoff.Jitter
	}

	if err := cfg.Validate(); err != nil {
		return session.Config{}, err
	}
	return cfg, nil
}

// loadRemoteConfig returns the [ssh] table of path, or nil when it names no
// host and the device is local.
func loadRemoteConfig(path string) (*transport.SSHConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load ssh config: %w", err)
	}
	host := strings.TrimSpace(raw.SSH.Host)
	if !meta.IsDefined("ssh", "host") || host == "" {
		return nil, nil
	}
	cfg := &transport.SSHConfig{
		Host:                        host,
		Port:                        strings.TrimSpace(raw.SSH.Port),
		User:                        strings.TrimSpace(raw.SSH.User),
		KeyPath:                     expandHome(raw.SSH.KeyPath),
		KnownHostsPath:              expandHome(raw.SSH.KnownHosts),
		InsecureSkipHostKeyChecking: raw.SSH.Insecure,
	}
	if meta.IsDefined("ssh", "timeout") {
		if cfg.Timeout, err = parseDuration("ssh.timeout", raw.SSH.Timeout); err != nil {
			return nil, err
		}
	}
	if pass := os.Getenv(EnvSSHPassphrase); pass != "" {
		cfg.Passphrase = []byte(pass)
	}
	return cfg, nil
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
