// Package system is the only place proctop talks to the operating system.
// Everything else consumes the OS interface so it can be swapped for a fake.
package system

import (
	"context"
	"errors"
	"math"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

var (
	// ErrNotFound means the process does not exist (or vanished mid-query).
	ErrNotFound = errors.New("process not found")
	// ErrAccessDenied means the OS refused to read or signal the process.
	ErrAccessDenied = errors.New("access denied")
	// ErrUnavailable means the OS query subsystem itself could not be used.
	ErrUnavailable = errors.New("system source unavailable")
	// ErrNotExecutable means a launch target exists but cannot be executed directly.
	ErrNotExecutable = errors.New("target is not executable")
)

// Sentinels for fields that were not fetched or could not be read.
const (
	Unknown         = -1
	UnknownPriority = math.MinInt32
)

type Status int

const (
	StatusUnknown Status = iota
	StatusRunning
	StatusSleeping
	StatusDiskWait
	StatusStopped
	StatusZombie
	StatusDead
)

var statusNames = [...]string{
	StatusUnknown:  "unknown",
	StatusRunning:  "running",
	StatusSleeping: "sleeping",
	StatusDiskWait: "disk-wait",
	StatusStopped:  "stopped",
	StatusZombie:   "zombie",
	StatusDead:     "dead",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return statusNames[StatusUnknown]
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText. Anything else
// decodes to StatusUnknown.
func (s *Status) UnmarshalText(b []byte) error {
	name := string(b)
	for i, n := range statusNames {
		if n == name {
			*s = Status(i)
			return nil
		}
	}
	*s = StatusUnknown
	return nil
}

// ProcessStat is the raw per-process reading. Fields that were skipped or
// unreadable hold Unknown, UnknownPriority or the zero string.
type ProcessStat struct {
	Pid         int32
	Name        string
	Status      Status
	CPUSeconds  float64 // user+system; Unknown when unreadable
	MemoryBytes uint64
	ThreadCount int32
	Priority    int
	Username    string
	Exe         string
	Cmdline     string
	CreateTime  int64 // unix millis, 0 when unknown
}

// MachineStat is the raw machine-wide reading. CPU fields are cumulative
// seconds, so callers derive percentages from deltas.
type MachineStat struct {
	CPUBusySeconds  float64
	CPUTotalSeconds float64
	LogicalCores    int
	PhysicalCores   int
	MemTotal        uint64
	MemUsed         uint64
	DiskPath        string
	DiskTotal       uint64
	DiskUsed        uint64
	BytesSent       uint64
	BytesRecv       uint64
	Connections     int
	BootTime        time.Time
}

// OS is the capability interface consumed by the sampling pipeline and the
// lifecycle controller. Every per-pid call is individually fallible.
type OS interface {
	Pids(ctx context.Context) ([]int32, error)
	Stat(ctx context.Context, pid int32, detailed bool) (ProcessStat, error)
	CPUSeconds(ctx context.Context, pid int32) (float64, error)
	Machine(ctx context.Context) (MachineStat, error)

	Name(ctx context.Context, pid int32) (string, error)
	Terminate(ctx context.Context, pid int32) error
	Kill(ctx context.Context, pid int32) error
	// Wait reports whether the process exited before the timeout.
	Wait(ctx context.Context, pid int32, timeout time.Duration) (bool, error)
	SetPriority(ctx context.Context, pid int32, native int) error
	Spawn(ctx context.Context, name string, args ...string) (int32, error)
	// Open hands target to the platform's default handler.
	Open(ctx context.Context, target string) error
}

// Classify maps gopsutil and syscall errors onto the package sentinels.
// Errors that are already classified, or unknown, are returned unchanged.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrUnavailable), errors.Is(err, ErrNotExecutable):
		return err
	case errors.Is(err, process.ErrorProcessNotRunning),
		errors.Is(err, syscall.ESRCH),
		errors.Is(err, os.ErrProcessDone),
		errors.Is(err, os.ErrNotExist):
		return errors.Join(ErrNotFound, err)
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EPERM), errors.Is(err, syscall.EACCES):
		return errors.Join(ErrAccessDenied, err)
	case errors.Is(err, exec.ErrNotFound):
		return errors.Join(ErrNotFound, err)
	}
	return err
}
