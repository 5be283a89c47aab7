// Package lifecycle terminates, reprioritizes and launches processes.
//
// The Controller always asks the OS about a pid itself; it never trusts a
// previously sampled record, so the critical-process guard is checked against
// the process that currently owns the pid.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/jeffypooo/proctop/internal/registry"
	"github.com/jeffypooo/proctop/internal/system"
)

const DefaultTerminateTimeout = 3 * time.Second

var (
	ErrProtected = errors.New("protected process")
	ErrLaunch    = errors.New("launch failed")
	// ErrInvalidLevel is system.ErrInvalidLevel, re-exported for callers of this package.
	ErrInvalidLevel = system.ErrInvalidLevel
)

// Outcome is the result of a lifecycle action. Failures are reported here
// rather than returned as errors; Err carries the classification.
type Outcome struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	// Pid is the spawned process for Launch; 0 when the OS handler started it.
	Pid int32 `json:"pid,omitempty"`
	Err error `json:"-"`
}

type Controller struct {
	os       system.OS
	critical registry.CriticalSet
	timeout  time.Duration
	goos     string
	logger   *log.Logger
}

type Option func(*Controller)

func WithTerminateTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPlatform overrides the platform used for priority tables and launch rules.
func WithPlatform(goos string) Option {
	return func(c *Controller) {
		c.goos = goos
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

func NewController(os system.OS, critical registry.CriticalSet, opts ...Option) *Controller {
	c := &Controller{
		os:       os,
		critical: critical,
		timeout:  DefaultTerminateTimeout,
		goos:     runtime.GOOS,
		logger:   log.New("lifecycle"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) fail(err error, format string, args ...any) Outcome {
	msg := fmt.Sprintf(format, args...)
	c.logger.Warnf("%s: %v", msg, err)
	return Outcome{Message: msg, Err: err}
}

// Terminate asks the process to exit, waits up to the terminate timeout and
// kills it if it is still alive. Critical processes are refused before any
// signal is sent.
func (c *Controller) Terminate(ctx context.Context, pid int32) Outcome {
	name, err := c.os.Name(ctx, pid)
	if err != nil {
		return c.failFor(system.Classify(err), pid, "terminate")
	}
	if c.critical.Contains(name) {
		return c.fail(fmt.Errorf("%w: %s", ErrProtected, name),
			"%s is a critical system process and cannot be terminated", name)
	}

	if err := c.os.Terminate(ctx, pid); err != nil {
		return c.failFor(system.Classify(err), pid, "terminate")
	}
	exited, err := c.os.Wait(ctx, pid, c.timeout)
	if err != nil {
		return c.fail(err, "waiting for %s (PID: %d) to exit", name, pid)
	}
	if exited {
		c.logger.Infof("terminated %s (pid %d)", name, pid)
		return Outcome{OK: true, Message: fmt.Sprintf("Process %s (PID: %d) terminated gracefully.", name, pid)}
	}

	if err := c.os.Kill(ctx, pid); err != nil {
		err = system.Classify(err)
		// exited between the wait deadline and the kill
		if errors.Is(err, system.ErrNotFound) {
			return Outcome{OK: true, Message: fmt.Sprintf("Process %s (PID: %d) terminated gracefully.", name, pid)}
		}
		return c.failFor(err, pid, "kill")
	}
	c.logger.Infof("killed %s (pid %d) after %s", name, pid, c.timeout)
	return Outcome{OK: true, Message: fmt.Sprintf("Process %s (PID: %d) was forcibly killed.", name, pid)}
}

// SetPriority maps level through the platform priority table and applies it.
func (c *Controller) SetPriority(ctx context.Context, pid int32, level string) Outcome {
	lvl, err := system.ParseLevel(level)
	if err != nil {
		return c.fail(err, "Invalid priority level: %s", level)
	}
	native, err := system.NativePriority(c.goos, lvl)
	if err != nil {
		return c.fail(err, "Invalid priority level: %s", level)
	}
	if _, err := c.os.Name(ctx, pid); err != nil {
		return c.failFor(system.Classify(err), pid, "change the priority of")
	}
	if err := c.os.SetPriority(ctx, pid, native); err != nil {
		return c.failFor(system.Classify(err), pid, "change the priority of")
	}
	c.logger.Infof("priority of pid %d set to %s (%d)", pid, lvl, native)
	return Outcome{OK: true, Message: fmt.Sprintf("Priority of process (PID: %d) changed to %s.", pid, lvl)}
}

func (c *Controller) failFor(err error, pid int32, action string) Outcome {
	switch {
	case errors.Is(err, system.ErrNotFound):
		return c.fail(err, "Process with PID %d does not exist.", pid)
	case errors.Is(err, system.ErrAccessDenied):
		return c.fail(err, "Access denied trying to %s process PID %d. Run as administrator.", action, pid)
	}
	return c.fail(err, "Failed to %s process PID %d: %v", action, pid, err)
}

// directExtensions are the files Windows can start without a handler.
var directExtensions = []string{".exe", ".bat", ".cmd", ".com"}

// Launch starts command. On Windows anything that is not directly executable
// is handed to the default handler; elsewhere a single path that cannot be
// executed is. Handler launches report no pid.
func (c *Controller) Launch(ctx context.Context, command string) Outcome {
	args, err := SplitCommand(command)
	if err != nil {
		return c.fail(fmt.Errorf("%w: %w", ErrLaunch, err), "Failed to start process: %v", err)
	}
	if len(args) == 0 {
		return c.fail(fmt.Errorf("%w: empty command", ErrLaunch), "Failed to start process: empty command")
	}

	if c.goos == "windows" && !hasExtension(args[0], directExtensions) {
		return c.open(ctx, strings.TrimSpace(command))
	}

	pid, err := c.os.Spawn(ctx, args[0], args[1:]...)
	if err != nil {
		if errors.Is(err, system.ErrNotExecutable) && len(args) == 1 {
			return c.open(ctx, args[0])
		}
		return c.fail(fmt.Errorf("%w: %w", ErrLaunch, err), "Failed to start process: %v", err)
	}
	c.logger.Infof("launched %q as pid %d", command, pid)
	return Outcome{OK: true, Pid: pid, Message: fmt.Sprintf("Process started: %s (PID: %d)", command, pid)}
}

func (c *Controller) open(ctx context.Context, target string) Outcome {
	if err := c.os.Open(ctx, target); err != nil {
		return c.fail(fmt.Errorf("%w: %w", ErrLaunch, err), "Failed to start process: %v", err)
	}
	c.logger.Infof("opened %q with the default handler", target)
	return Outcome{OK: true, Message: fmt.Sprintf("Process started: %s", target)}
}

func hasExtension(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
