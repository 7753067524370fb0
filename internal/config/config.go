package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/banshee-data/presence.report/internal/device"
	"github.com/banshee-data/presence.report/internal/presence"
	"github.com/banshee-data/presence.report/internal/transport"
)

// DefaultConfigFile is loaded from the working directory when no path is
// given.
const DefaultConfigFile = "presence.toml"

const maxFileSize = 1 * 1024 * 1024

var ErrInvalid = errors.New("invalid configuration")

// Config is the gateway configuration file.
type Config struct {
	Gateway struct {
		Listen string `toml:"listen"`
		Title  string `toml:"title"`
		Debug  bool   `toml:"debug"`
	} `toml:"gateway"`

	Serial struct {
		// Port, when set, is opened at startup.
		Port     string `toml:"port"`
		BaudRate int    `toml:"baudrate"`
		DataBits int    `toml:"data_bits"`
		StopBits int    `toml:"stop_bits"`
		Parity   string `toml:"parity"`
		RTSCTS   *bool  `toml:"rtscts"`
		Timeout  string `toml:"timeout"` // e.g. "2s"
	} `toml:"serial"`

	// Module holds register values written on startDetector when the
	// command carries no config. Empty selects the detector defaults.
	Module device.ModuleConfig `toml:"module"`

	Storage struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"storage"`

	Discovery struct {
		Enabled   bool   `toml:"enabled"`
		Instance  string `toml:"instance"`
		Interface string `toml:"interface"`
		TTL       string `toml:"ttl"`
	} `toml:"discovery"`
}

// NewConfig returns a Config with defaults.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.Gateway.Listen = ":8765"
	cfg.Gateway.Title = "Presence"
	cfg.Serial.BaudRate = transport.DefaultBaudRate
	cfg.Serial.Timeout = transport.DefaultTimeout.String()
	cfg.Storage.Path = "presence.db"
	return cfg
}

// LoadConfig reads the configuration in this order:
//  1. path, if given
//  2. DefaultConfigFile in the working directory, if present
//  3. defaults
//
// Keys missing from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err != nil {
			return cfg, nil
		}
		path = DefaultConfigFile
	}

	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".toml" {
		return nil, fmt.Errorf("config file must have .toml extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	md, err := toml.DecodeFile(cleanPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", cleanPath, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section without touching hardware.
func (c *Config) Validate() error {
	if c.Gateway.Listen == "" {
		return fmt.Errorf("%w: gateway.listen is empty", ErrInvalid)
	}
	if _, err := c.PortOptions(); err != nil {
		return err
	}
	if len(c.Module) > 0 {
		if err := presence.ValidateConfig(c.Module); err != nil {
			return fmt.Errorf("%w: module: %v", ErrInvalid, err)
		}
	}
	if c.Storage.Enabled && c.Storage.Path == "" {
		return fmt.Errorf("%w: storage.path is empty", ErrInvalid)
	}
	if _, err := c.DiscoveryTTL(); err != nil {
		return err
	}
	return nil
}

// PortOptions returns the normalized serial options.
func (c *Config) PortOptions() (transport.PortOptions, error) {
	var timeout time.Duration
	if c.Serial.Timeout != "" {
		d, err := time.ParseDuration(c.Serial.Timeout)
		if err != nil {
			return transport.PortOptions{}, fmt.Errorf("%w: serial.timeout %q: %v", ErrInvalid, c.Serial.Timeout, err)
		}
		timeout = d
	}
	opts, err := transport.PortOptions{
		BaudRate: c.Serial.BaudRate,
		DataBits: c.Serial.DataBits,
		StopBits: c.Serial.StopBits,
		Parity:   c.Serial.Parity,
		RTSCTS:   c.Serial.RTSCTS,
		Timeout:  timeout,
	}.Normalize()
	if err != nil {
		return transport.PortOptions{}, fmt.Errorf("%w: serial: %v", ErrInvalid, err)
	}
	return opts, nil
}

// ModuleConfig returns the configured register values, or nil when the
// detector defaults apply.
func (c *Config) ModuleConfig() device.ModuleConfig {
	if len(c.Module) == 0 {
		return nil
	}
	return c.Module.Clone()
}

// DiscoveryTTL parses discovery.ttl. Empty means the library default.
func (c *Config) DiscoveryTTL() (time.Duration, error) {
	if c.Discovery.TTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Discovery.TTL)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: discovery.ttl %q", ErrInvalid, c.Discovery.TTL)
	}
	return d, nil
}
