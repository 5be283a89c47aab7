// Package config loads proctop settings from defaults, an optional TOML file
// and PROCTOP_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml"
)

const (
	EnvPrefix   = "PROCTOP_"
	EnvFilePath = EnvPrefix + "CONFIG_FILE"

	MinInterval = 500 * time.Millisecond
	MaxInterval = 10 * time.Second
)

var ErrInvalid = errors.New("invalid config")

var logLevels = []string{"debug", "info", "warn", "error", "off"}

type Config struct {
	Interval          time.Duration `env:"INTERVAL"`
	CPUThreshold      float64       `env:"CPU_THRESHOLD"`
	MemoryThresholdMB uint64        `env:"MEMORY_THRESHOLD_MB"`
	MachineCPUAlert   float64       `env:"MACHINE_CPU_ALERT"`
	MachineRAMAlert   float64       `env:"MACHINE_RAM_ALERT"`
	CriticalProcesses []string      `env:"CRITICAL_PROCESSES"`

	HistorySize      int           `env:"HISTORY_SIZE"`
	Settle           time.Duration `env:"SETTLE"`
	Workers          int           `env:"WORKERS"`
	FastStartLimit   int           `env:"FAST_START_LIMIT"`
	FollowUpDelay    time.Duration `env:"FOLLOW_UP_DELAY"`
	Detailed         bool          `env:"DETAILED"`
	TerminateTimeout time.Duration `env:"TERMINATE_TIMEOUT"`
	DiskPath         string        `env:"DISK_PATH"`

	Addr     string `env:"ADDR"`
	LogDir   string `env:"LOG_DIR"`
	LogLevel string `env:"LOG_LEVEL"`
}

func Default() Config {
	return Config{
		Interval:          2 * time.Second,
		CPUThreshold:      80,
		MemoryThresholdMB: 1000,
		MachineCPUAlert:   80,
		MachineRAMAlert:   80,
		CriticalProcesses: []string{
			"explorer.exe",
			"winlogon.exe",
			"services.exe",
			"csrss.exe",
			"svchost.exe",
			"lsass.exe",
			"System",
		},
		HistorySize:      60,
		Settle:           100 * time.Millisecond,
		FastStartLimit:   64,
		FollowUpDelay:    500 * time.Millisecond,
		TerminateTimeout: 3 * time.Second,
		Addr:             ":8080",
		LogDir:           "logs",
		LogLevel:         "info",
	}
}

// fileConfig mirrors Config for decoding. Pointer fields tell "absent" apart
// from zero so the file only overrides what it sets.
type fileConfig struct {
	Interval          *string   `toml:"interval"`
	CPUThreshold      *float64  `toml:"cpu_threshold"`
	MemoryThresholdMB *int64    `toml:"memory_threshold_mb"`
	MachineCPUAlert   *float64  `toml:"machine_cpu_alert"`
	MachineRAMAlert   *float64  `toml:"machine_ram_alert"`
	CriticalProcesses *[]string `toml:"critical_processes"`
	HistorySize       *int64    `toml:"history_size"`
	Settle            *string   `toml:"settle"`
	Workers           *int64    `toml:"workers"`
	FastStartLimit    *int64    `toml:"fast_start_limit"`
	FollowUpDelay     *string   `toml:"follow_up_delay"`
	Detailed          *bool     `toml:"detailed"`
	TerminateTimeout  *string   `toml:"terminate_timeout"`
	DiskPath          *string   `toml:"disk_path"`
	Addr              *string   `toml:"addr"`
	LogDir            *string   `toml:"log_dir"`
	LogLevel          *string   `toml:"log_level"`
}

// Load builds the configuration. An empty path skips the file; a path that
// does not exist is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("error parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// PathFromEnv returns the config file named by PROCTOP_CONFIG_FILE.
func PathFromEnv() string {
	return os.Getenv(EnvFilePath)
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return c.mergeTOML(data)
}

func (c *Config) mergeTOML(data []byte) error {
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return fmt.Errorf("%w: error parsing config file: %w", ErrInvalid, err)
	}
	var fc fileConfig
	if err := tree.Unmarshal(&fc); err != nil {
		return fmt.Errorf("%w: error unmarshaling config: %w", ErrInvalid, err)
	}

	durations := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"interval", fc.Interval, &c.Interval},
		{"settle", fc.Settle, &c.Settle},
		{"follow_up_delay", fc.FollowUpDelay, &c.FollowUpDelay},
		{"terminate_timeout", fc.TerminateTimeout, &c.TerminateTimeout},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalid, d.key, err)
		}
		*d.dst = v
	}

	setFloat(&c.CPUThreshold, fc.CPUThreshold)
	setFloat(&c.MachineCPUAlert, fc.MachineCPUAlert)
	setFloat(&c.MachineRAMAlert, fc.MachineRAMAlert)
	if fc.MemoryThresholdMB != nil {
		if *fc.MemoryThresholdMB < 0 {
			return fmt.Errorf("%w: memory_threshold_mb must not be negative", ErrInvalid)
		}
		c.MemoryThresholdMB = uint64(*fc.MemoryThresholdMB)
	}
	setInt(&c.HistorySize, fc.HistorySize)
	setInt(&c.Workers, fc.Workers)
	setInt(&c.FastStartLimit, fc.FastStartLimit)
	if fc.CriticalProcesses != nil {
		c.CriticalProcesses = *fc.CriticalProcesses
	}
	if fc.Detailed != nil {
		c.Detailed = *fc.Detailed
	}
	setString(&c.DiskPath, fc.DiskPath)
	setString(&c.Addr, fc.Addr)
	setString(&c.LogDir, fc.LogDir)
	setString(&c.LogLevel, fc.LogLevel)
	return nil
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int64) {
	if src != nil {
		*dst = int(*src)
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// ValidateInterval checks d against the allowed refresh range.
func ValidateInterval(d time.Duration) error {
	if d < MinInterval || d > MaxInterval {
		return fmt.Errorf("%w: interval %s outside [%s, %s]", ErrInvalid, d, MinInterval, MaxInterval)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if err := ValidateInterval(c.Interval); err != nil {
		errs = append(errs, err)
	}
	if c.CPUThreshold <= 0 {
		errs = append(errs, fmt.Errorf("%w: cpu_threshold must be positive", ErrInvalid))
	}
	if c.MemoryThresholdMB == 0 {
		errs = append(errs, fmt.Errorf("%w: memory_threshold_mb must be positive", ErrInvalid))
	}
	if c.MachineCPUAlert <= 0 || c.MachineCPUAlert > 100 {
		errs = append(errs, fmt.Errorf("%w: machine_cpu_alert must be in (0, 100]", ErrInvalid))
	}
	if c.MachineRAMAlert <= 0 || c.MachineRAMAlert > 100 {
		errs = append(errs, fmt.Errorf("%w: machine_ram_alert must be in (0, 100]", ErrInvalid))
	}
	if c.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("%w: history_size must be positive", ErrInvalid))
	}
	if c.Settle < 0 {
		errs = append(errs, fmt.Errorf("%w: settle must not be negative", ErrInvalid))
	}
	if c.Workers < 0 || c.FastStartLimit < 0 {
		errs = append(errs, fmt.Errorf("%w: workers and fast_start_limit must not be negative", ErrInvalid))
	}
	if c.FollowUpDelay < 0 || c.TerminateTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: follow_up_delay must not be negative and terminate_timeout must be positive", ErrInvalid))
	}
	level := strings.ToLower(c.LogLevel)
	valid := false
	for _, l := range logLevels {
		valid = valid || l == level
	}
	if !valid {
		errs = append(errs, fmt.Errorf("%w: log_level %q not one of %s", ErrInvalid, c.LogLevel, strings.Join(logLevels, ", ")))
	}
	return errors.Join(errs...)
}
