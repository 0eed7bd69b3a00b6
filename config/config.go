// Package config loads the machine configuration of a simulation. Values come
// from a TOML file and can be overridden by VMSIM_* environment variables,
// which may be set in a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmsim/mem/vm"
)

// Config describes the machine to simulate.
type Config struct {
	PageSize      int    `toml:"page_size"`
	NumPhysPages  int    `toml:"num_phys_pages"`
	TLBSize       int    `toml:"tlb_size"`
	SwapFactor    int    `toml:"swap_factor"`
	UserStackSize int    `toml:"user_stack_size"`
	SwapFile      string `toml:"swap_file"`
	TraceDB       string `toml:"trace_db"`
	LogLevel      string `toml:"log_level"`
	MonitorPort   int    `toml:"monitor_port"`
}

// Default returns the configuration of the reference machine.
func Default() Config {
	return Config{
		PageSize:      128,
		NumPhysPages:  32,
		TLBSize:       4,
		SwapFactor:    4,
		UserStackSize: 1024,
		LogLevel:      "info",
	}
}

// NumSwapSlots returns the number of pages the swap device holds.
func (c Config) NumSwapSlots() int {
	return c.SwapFactor * c.NumPhysPages
}

// Level parses the log level.
func (c Config) Level() (logrus.Level, error) {
	return logrus.ParseLevel(c.LogLevel)
}

// Validate reports the first setting that cannot describe a machine.
func (c Config) Validate() error {
	switch {
	case !vm.IsPowerOfTwo(c.PageSize):
		return fmt.Errorf("page_size %d is not a power of 2", c.PageSize)
	case c.PageSize < vm.MinPageSize:
		return fmt.Errorf("page_size %d is smaller than %d",
			c.PageSize, vm.MinPageSize)
	case c.NumPhysPages <= 0:
		return errors.New("num_phys_pages must be positive")
	case c.TLBSize <= 0:
		return errors.New("tlb_size must be positive")
	case c.SwapFactor < 1:
		return errors.New("swap_factor must be at least 1")
	case c.UserStackSize <= 0:
		return errors.New("user_stack_size must be positive")
	case c.MonitorPort < 0 || c.MonitorPort > 65535:
		return fmt.Errorf("monitor_port %d is out of range", c.MonitorPort)
	}

	if _, err := c.Level(); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	return nil
}

// Load reads the configuration file on top of the defaults, applies the
// environment overrides and validates the result. An empty path uses the
// defaults only.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, &c)
		if err != nil {
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}

		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("reading %s: unknown key %s",
				path, undecoded[0])
		}
	}

	if err := LoadEnv(&c); err != nil {
		return Config{}, err
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// LoadEnv loads the .env file of the working directory, if any, and applies
// the VMSIM_* variables to the configuration.
func LoadEnv(c *Config) error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	return ApplyEnv(c, os.LookupEnv)
}

// ApplyEnv overrides the configuration with the variables that lookup finds.
func ApplyEnv(c *Config, lookup func(key string) (string, bool)) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"VMSIM_PAGE_SIZE", &c.PageSize},
		{"VMSIM_NUM_PHYS_PAGES", &c.NumPhysPages},
		{"VMSIM_TLB_SIZE", &c.TLBSize},
		{"VMSIM_SWAP_FACTOR", &c.SwapFactor},
		{"VMSIM_USER_STACK_SIZE", &c.UserStackSize},
		{"VMSIM_MONITOR_PORT", &c.MonitorPort},
	}

	for _, v := range ints {
		s, ok := lookup(v.key)
		if !ok {
			continue
		}

		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s: %w", v.key, err)
		}

		*v.dst = n
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"VMSIM_SWAP_FILE", &c.SwapFile},
		{"VMSIM_TRACE_DB", &c.TraceDB},
		{"VMSIM_LOG_LEVEL", &c.LogLevel},
	}

	for _, v := range strs {
		if s, ok := lookup(v.key); ok {
			*v.dst = s
		}
	}

	return nil
}
