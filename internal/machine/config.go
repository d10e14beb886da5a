package machine

import (
	"fmt"
	"os"

	"github.com/tinyrange/xv6/internal/riscv/paging"
	"gopkg.in/yaml.v3"
)

// MaxHarts is the largest hart count a board supports. It must equal
// the kernel's compile-time CPU table size.
const MaxHarts = 8

// Config describes a board. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	// Harts is the number of hardware threads, 1..MaxHarts.
	Harts int `yaml:"harts"`
	// RAMMiB is the physical memory size in MiB at 0x8000_0000.
	RAMMiB uint64 `yaml:"ram_mib"`
	// TimerInterval is the machine timer period in CLINT ticks.
	TimerInterval uint64 `yaml:"timer_interval"`
	// TimerNsPerTick sets the CLINT timebase; 100 is the 10 MHz virt
	// clock.
	TimerNsPerTick uint64 `yaml:"timer_ns_per_tick"`
	// Schema selects the paging scheme: sv39 (default), sv48 or sv57.
	Schema string `yaml:"schema"`
}

// DefaultConfig returns the stock virt board: 8 harts, 128 MiB RAM,
// a tenth-of-a-second timer quantum, Sv39.
func DefaultConfig() Config {
	return Config{
		Harts:          MaxHarts,
		RAMMiB:         128,
		TimerInterval:  1000000,
		TimerNsPerTick: 100,
		Schema:         "sv39",
	}
}

// LoadConfig reads a yaml board description, filling unset fields from
// the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration against board limits.
func (c Config) Validate() error {
	if c.Harts < 1 || c.Harts > MaxHarts {
		return fmt.Errorf("harts must be 1..%d, got %d", MaxHarts, c.Harts)
	}
	if c.RAMMiB < 4 {
		return fmt.Errorf("ram_mib must be at least 4, got %d", c.RAMMiB)
	}
	if c.TimerInterval == 0 {
		return fmt.Errorf("timer_interval must be nonzero")
	}
	if c.TimerNsPerTick == 0 {
		return fmt.Errorf("timer_ns_per_tick must be nonzero")
	}
	if _, err := c.PagingSchema(); err != nil {
		return err
	}
	return nil
}

// PagingSchema resolves the configured schema name.
func (c Config) PagingSchema() (*paging.Schema, error) {
	switch c.Schema {
	case "", "sv39":
		return paging.Sv39, nil
	case "sv48":
		return paging.Sv48, nil
	case "sv57":
		return paging.Sv57, nil
	default:
		return nil, fmt.Errorf("unknown paging schema %q", c.Schema)
	}
}
