package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ServeConfig drives the `m1n1ctl serve` status API.
type ServeConfig struct {
	Name        string   `toml:"name"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	// AllowWrites enables the POST routes that change target state.
	AllowWrites bool `toml:"allow_writes"`
	// WriteToken, when set, must be presented as a bearer token on POST routes.
	WriteToken string `toml:"write_token"`
	// MaxRead caps the size of one /mem read.
	MaxRead int `toml:"max_read"`
}

const (
	DefaultServeName    = "m1n1ctl"
	DefaultServeAddr    = "127.0.0.1:9300"
	DefaultServeMaxRead = 0x10000
)

func DefaultServeConfig() ServeConfig {
	return ServeConfig{
		Name:        DefaultServeName,
		Addr:        DefaultServeAddr,
		CorsOrigins: []string{"http://localhost:3000"},
		MaxRead:     DefaultServeMaxRead,
	}
}

func LoadServeConfig(path string) (ServeConfig, error) {
	var cfg ServeConfig
	if err := loadToml(path, &cfg); err != nil {
		return ServeConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = DefaultServeName
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultServeAddr
	}
	if cfg.MaxRead == 0 {
		cfg.MaxRead = DefaultServeMaxRead
	}
	if err := ValidateServeConfig(cfg); err != nil {
		return ServeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateServeConfig(cfg ServeConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("serve config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("serve config missing addr")
	}
	if cfg.MaxRead < 0 {
		return fmt.Errorf("serve config max_read must not be negative")
	}
	for i, origin := range cfg.CorsOrigins {
		o := strings.TrimSpace(origin)
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return fmt.Errorf("cors_origins[%d] invalid: %q", i, origin)
		}
	}
	return nil
}
