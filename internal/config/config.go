// Package config loads the simulator configuration from TOML.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sbates130272/nvme-donard/internal/constants"
	"github.com/sbates130272/nvme-donard/internal/pagetable"
)

// Config is the full simulator configuration. Every field has a default.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format"`

	Accelerator AcceleratorConfig `toml:"accelerator"`
	Namespace   NamespaceConfig   `toml:"namespace"`
	Release     ReleaseConfig     `toml:"release"`
	Stress      StressConfig      `toml:"stress"`
}

// AcceleratorConfig describes the simulated accelerator memory
type AcceleratorConfig struct {
	// PageSize is "4K", "64K" or "128K".
	PageSize string `toml:"page_size"`
	// Memory is the size of accelerator memory in bytes.
	Memory uint64 `toml:"memory"`
}

// NamespaceConfig describes the simulated NVMe namespace
type NamespaceConfig struct {
	ID                 uint32 `toml:"id"`
	LBAShift           uint8  `toml:"lba_shift"`
	Size               uint64 `toml:"size"`
	ControllerPageSize uint32 `toml:"controller_page_size"`
}

// ReleaseConfig bounds RetryPendingReleases
type ReleaseConfig struct {
	Retries  uint64   `toml:"retries"`
	Interval Duration `toml:"interval"`
}

// StressConfig drives the stress subcommand
type StressConfig struct {
	Workers    int    `toml:"workers"`
	Iterations int    `toml:"iterations"`
	RegionSize uint64 `toml:"region_size"`
}

// Duration is a time.Duration that decodes from strings such as "50ms"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Accelerator: AcceleratorConfig{
			PageSize: "64K",
			Memory:   64 << 20,
		},
		Namespace: NamespaceConfig{
			ID:                 1,
			LBAShift:           constants.DefaultLBAShift,
			Size:               64 << 20,
			ControllerPageSize: constants.DefaultControllerPageSize,
		},
		Release: ReleaseConfig{
			Retries:  constants.DefaultReleaseRetries,
			Interval: Duration{10 * time.Millisecond},
		},
		Stress: StressConfig{
			Workers:    4,
			Iterations: 256,
			RegionSize: 1 << 20,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return c, c.Validate()
}

// Parse decodes a TOML document over the defaults
func Parse(data string) (*Config, error) {
	c := Default()
	md, err := toml.Decode(data, c)
	if err != nil {
		return nil, err
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	return c, c.Validate()
}

func checkUndecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	return fmt.Errorf("unknown keys: %s", strings.Join(names, ", "))
}

// PageClass returns the accelerator page size class
func (c *Config) PageClass() (pagetable.PageSize, error) {
	switch strings.ToUpper(c.Accelerator.PageSize) {
	case "4K", "4KB":
		return pagetable.PageSize4KB, nil
	case "64K", "64KB":
		return pagetable.PageSize64KB, nil
	case "128K", "128KB":
		return pagetable.PageSize128KB, nil
	default:
		return 0, fmt.Errorf("%w: %q", pagetable.ErrUnsupportedPageSize, c.Accelerator.PageSize)
	}
}

// Validate checks field ranges
func (c *Config) Validate() error {
	class, err := c.PageClass()
	if err != nil {
		return err
	}
	ps, _ := class.Bytes()
	if c.Accelerator.Memory == 0 || c.Accelerator.Memory%ps != 0 {
		return fmt.Errorf("accelerator memory %d must be a non-zero multiple of %s", c.Accelerator.Memory, class)
	}
	if c.Namespace.ID == 0 {
		return fmt.Errorf("namespace id must be non-zero")
	}
	if c.Namespace.LBAShift < 9 || c.Namespace.LBAShift > 16 {
		return fmt.Errorf("lba_shift %d out of range [9, 16]", c.Namespace.LBAShift)
	}
	if c.Namespace.Size == 0 || c.Namespace.Size%(1<<c.Namespace.LBAShift) != 0 {
		return fmt.Errorf("namespace size %d must be a non-zero multiple of the block size", c.Namespace.Size)
	}
	cps := c.Namespace.ControllerPageSize
	if cps < 4096 || cps&(cps-1) != 0 {
		return fmt.Errorf("controller page size %d must be a power of two >= 4096", cps)
	}
	if c.Stress.Workers <= 0 || c.Stress.Iterations <= 0 {
		return fmt.Errorf("stress workers and iterations must be positive")
	}
	if c.Stress.RegionSize == 0 || c.Stress.RegionSize > c.Accelerator.Memory {
		return fmt.Errorf("stress region size %d must be in (0, %d]", c.Stress.RegionSize, c.Accelerator.Memory)
	}
	return nil
}
