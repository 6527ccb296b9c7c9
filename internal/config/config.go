package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/xupit3r/cudave/internal/gpu"
	"github.com/xupit3r/cudave/internal/kernel"
	"github.com/xupit3r/cudave/internal/system"
	"github.com/xupit3r/cudave/pkg/bytecode"
	"github.com/xupit3r/cudave/pkg/ve"
)

// Config represents the application configuration
type Config struct {
	Device  DeviceConfig  `mapstructure:"device"`
	Memory  MemoryConfig  `mapstructure:"memory"`
	Kernel  KernelConfig  `mapstructure:"kernel"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type DeviceConfig struct {
	Ordinal   int `mapstructure:"ordinal"`
	Count     int `mapstructure:"count"`
	MemoryMB  int `mapstructure:"memory_mb"` // 0 derives it from host RAM
	BlockSize int `mapstructure:"block_size"`
	MaxGrid   int `mapstructure:"max_grid"`
	Workers   int `mapstructure:"workers"`
}

type MemoryConfig struct {
	PoolCeilingMB int `mapstructure:"pool_ceiling_mb"`
}

type KernelConfig struct {
	MaxParams int      `mapstructure:"max_params"`
	MaxRank   int      `mapstructure:"max_rank"`
	ReduceOps []string `mapstructure:"reduce_ops"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Ordinal:   0,
			Count:     1,
			MemoryMB:  0,
			BlockSize: 256,
			MaxGrid:   1024,
			Workers:   0,
		},
		Memory: MemoryConfig{
			PoolCeilingMB: 256,
		},
		Kernel: KernelConfig{
			MaxParams: 32,
			MaxRank:   16,
			ReduceOps: []string{"add"},
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			Console: true,
		},
	}
}

// Load loads configuration from file, environment, and defaults
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("finding home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".cudave"))
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("CUDAVE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is okay, use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ExpandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Device.Count < 0 {
		return errors.New("device.count must not be negative")
	}
	if c.Device.MemoryMB < 0 {
		return errors.New("device.memory_mb must not be negative")
	}

	bs := c.Device.BlockSize
	if bs <= 0 || bs > gpu.MaxThreadsPerBlock || bs&(bs-1) != 0 {
		return fmt.Errorf("device.block_size must be a power of two up to %d", gpu.MaxThreadsPerBlock)
	}
	if c.Device.MaxGrid <= 0 {
		return errors.New("device.max_grid must be positive")
	}
	if c.Memory.PoolCeilingMB < 0 {
		return errors.New("memory.pool_ceiling_mb must not be negative")
	}
	if c.Kernel.MaxParams < 3 {
		return errors.New("kernel.max_params must be at least 3")
	}
	if c.Kernel.MaxRank < 1 {
		return errors.New("kernel.max_rank must be at least 1")
	}
	if _, err := c.reduceOps(); err != nil {
		return err
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

func (c *Config) reduceOps() ([]bytecode.Opcode, error) {
	ops := make([]bytecode.Opcode, 0, len(c.Kernel.ReduceOps))
	for _, name := range c.Kernel.ReduceOps {
		op, err := bytecode.ParseOpcode(name)
		if err != nil {
			return nil, fmt.Errorf("kernel.reduce_ops: %w", err)
		}
		ops = append(ops, op.Base())
	}
	return ops, nil
}

// ExpandPaths expands ~ and environment variables in paths
func (c *Config) ExpandPaths() {
	c.Logging.File = expandPath(c.Logging.File)
}

// DeviceMemory returns the simulated device memory in bytes. Without an
// explicit size the device gets a quarter of the host's usable RAM.
func (c *Config) DeviceMemory() int64 {
	if c.Device.MemoryMB > 0 {
		return int64(c.Device.MemoryMB) << 20
	}
	usable, err := system.EstimateUsableRAM()
	if err != nil || usable <= 0 {
		return 1 << 30
	}
	return usable / 4
}

// EngineOptions converts the configuration into engine options.
func (c *Config) EngineOptions() (ve.Options, error) {
	ops, err := c.reduceOps()
	if err != nil {
		return ve.Options{}, err
	}
	return ve.Options{
		Ordinal: c.Device.Ordinal,
		Device: gpu.Config{
			Count:       c.Device.Count,
			MemoryBytes: c.DeviceMemory(),
			Workers:     c.Device.Workers,
		},
		PoolCeiling: int64(c.Memory.PoolCeilingMB) << 20,
		Kernel: kernel.Config{
			BlockSize: c.Device.BlockSize,
			MaxGrid:   c.Device.MaxGrid,
			MaxParams: c.Kernel.MaxParams,
			MaxRank:   c.Kernel.MaxRank,
		},
		ReduceOps: ops,
	}, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("device.ordinal", cfg.Device.Ordinal)
	v.SetDefault("device.count", cfg.Device.Count)
	v.SetDefault("device.memory_mb", cfg.Device.MemoryMB)
	v.SetDefault("device.block_size", cfg.Device.BlockSize)
	v.SetDefault("device.max_grid", cfg.Device.MaxGrid)
	v.SetDefault("device.workers", cfg.Device.Workers)

	v.SetDefault("memory.pool_ceiling_mb", cfg.Memory.PoolCeilingMB)

	v.SetDefault("kernel.max_params", cfg.Kernel.MaxParams)
	v.SetDefault("kernel.max_rank", cfg.Kernel.MaxRank)
	v.SetDefault("kernel.reduce_ops", cfg.Kernel.ReduceOps)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
}
