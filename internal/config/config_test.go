package config

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "proctop.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2*time.Second, cfg.Interval)
	assert.Equal(t, 60, cfg.HistorySize)
	assert.Contains(t, cfg.CriticalProcesses, "System")
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
interval = "1500ms"
cpu_threshold = 65.5
memory_threshold_mb = 2048
critical_processes = ["init", "systemd"]
detailed = true
log_level = "debug"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1500*time.Millisecond, cfg.Interval)
	assert.Equal(t, 65.5, cfg.CPUThreshold)
	assert.EqualValues(t, 2048, cfg.MemoryThresholdMB)
	assert.Equal(t, []string{"init", "systemd"}, cfg.CriticalProcesses)
	assert.True(t, cfg.Detailed)
	assert.Equal(t, "debug", cfg.LogLevel)
	// untouched keys keep their defaults
	assert.Equal(t, 60, cfg.HistorySize)
	assert.Equal(t, ":8080", cfg.Addr)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `interval = "1s"`)
	t.Setenv("PROCTOP_INTERVAL", "4s")
	t.Setenv("PROCTOP_CRITICAL_PROCESSES", "a.exe,b.exe")
	t.Setenv("PROCTOP_ADDR", "127.0.0.1:9000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, cfg.Interval)
	assert.Equal(t, []string{"a.exe", "b.exe"}, cfg.CriticalProcesses)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, dir, `interval = [`))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Load(writeConfig(t, dir, `interval = "soon"`))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Load(writeConfig(t, dir, `interval = "20s"`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"interval too short":  func(c *Config) { c.Interval = 100 * time.Millisecond },
		"interval too long":   func(c *Config) { c.Interval = time.Minute },
		"zero cpu threshold":  func(c *Config) { c.CPUThreshold = 0 },
		"zero mem threshold":  func(c *Config) { c.MemoryThresholdMB = 0 },
		"machine alert range": func(c *Config) { c.MachineRAMAlert = 120 },
		"no history":          func(c *Config) { c.HistorySize = 0 },
		"negative settle":     func(c *Config) { c.Settle = -time.Second },
		"negative workers":    func(c *Config) { c.Workers = -1 },
		"zero terminate wait": func(c *Config) { c.TerminateTimeout = 0 },
		"unknown log level":   func(c *Config) { c.LogLevel = "chatty" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	assert.NoError(t, ValidateInterval(MinInterval))
	assert.NoError(t, ValidateInterval(MaxInterval))
}

func TestWatchAppliesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `interval = "2s"`)

	logger := log.New("test")
	logger.SetOutput(io.Discard)

	var latest atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, logger, func(c Config) { latest.Store(int64(c.Interval)) })
	}()

	assert.Eventually(t, func() bool {
		require.NoError(t, os.WriteFile(path, []byte(`interval = "5s"`), 0o644))
		return time.Duration(latest.Load()) == 5*time.Second
	}, 3*time.Second, 50*time.Millisecond)

	// an invalid edit is not applied
	require.NoError(t, os.WriteFile(path, []byte(`interval = "50s"`), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 5*time.Second, time.Duration(latest.Load()))

	cancel()
	assert.NoError(t, <-done)
}
