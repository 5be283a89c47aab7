package system

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

const waitPollInterval = 50 * time.Millisecond

// Host implements OS on top of gopsutil.
type Host struct {
	diskPath string
}

var _ OS = (*Host)(nil)

// NewHost returns a Host reporting disk usage for diskPath, or for the
// filesystem root when diskPath is empty.
func NewHost(diskPath string) *Host {
	if diskPath == "" {
		diskPath = defaultDiskPath()
	}
	return &Host{diskPath: diskPath}
}

func (h *Host) Pids(ctx context.Context) ([]int32, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing pids: %w", ErrUnavailable, err)
	}
	return pids, nil
}

func (h *Host) open(ctx context.Context, pid int32) (*process.Process, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, Classify(err)
	}
	return p, nil
}

func gone(err error) bool {
	return errors.Is(Classify(err), ErrNotFound)
}

func (h *Host) Stat(ctx context.Context, pid int32, detailed bool) (ProcessStat, error) {
	p, err := h.open(ctx, pid)
	if err != nil {
		return ProcessStat{}, err
	}

	st := ProcessStat{
		Pid:         pid,
		CPUSeconds:  Unknown,
		ThreadCount: Unknown,
		Priority:    UnknownPriority,
	}

	name, err := p.NameWithContext(ctx)
	if err != nil && gone(err) {
		return ProcessStat{}, ErrNotFound
	}
	st.Name = name

	if status, err := p.StatusWithContext(ctx); err == nil && len(status) > 0 {
		st.Status = statusFromPsutil(status[0])
	}
	if times, err := p.TimesWithContext(ctx); err == nil {
		st.CPUSeconds = times.User + times.System
	} else if gone(err) {
		return ProcessStat{}, ErrNotFound
	}
	if memInfo, err := p.MemoryInfoWithContext(ctx); err == nil {
		st.MemoryBytes = memInfo.RSS
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil {
		st.CreateTime = created
	}

	if !detailed {
		return st, nil
	}

	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		st.ThreadCount = n
	}
	if nice, err := p.NiceWithContext(ctx); err == nil {
		st.Priority = int(nice)
	}
	if user, err := p.UsernameWithContext(ctx); err == nil {
		st.Username = user
	}
	if exe, err := p.ExeWithContext(ctx); err == nil {
		st.Exe = exe
	}
	if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
		st.Cmdline = cmdline
	}
	return st, nil
}

func (h *Host) CPUSeconds(ctx context.Context, pid int32) (float64, error) {
	p, err := h.open(ctx, pid)
	if err != nil {
		return 0, err
	}
	times, err := p.TimesWithContext(ctx)
	if err != nil {
		return 0, Classify(err)
	}
	return times.User + times.System, nil
}

func (h *Host) Machine(ctx context.Context) (MachineStat, error) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil || len(times) == 0 {
		return MachineStat{}, fmt.Errorf("%w: error getting CPU times: %v", ErrUnavailable, err)
	}
	memUsage, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return MachineStat{}, fmt.Errorf("%w: error getting memory usage: %w", ErrUnavailable, err)
	}

	t := times[0]
	total := t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
	ms := MachineStat{
		CPUBusySeconds:  total - t.Idle - t.Iowait,
		CPUTotalSeconds: total,
		LogicalCores:    Unknown,
		PhysicalCores:   Unknown,
		MemTotal:        memUsage.Total,
		MemUsed:         memUsage.Used,
		DiskPath:        h.diskPath,
		Connections:     Unknown,
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		ms.LogicalCores = n
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		ms.PhysicalCores = n
	}
	if diskUsage, err := disk.UsageWithContext(ctx, h.diskPath); err == nil {
		ms.DiskTotal = diskUsage.Total
		ms.DiskUsed = diskUsage.Used
	}
	if netStats, err := net.IOCountersWithContext(ctx, false); err == nil && len(netStats) > 0 {
		ms.BytesSent = netStats[0].BytesSent
		ms.BytesRecv = netStats[0].BytesRecv
	}
	if conns, err := net.ConnectionsWithContext(ctx, "all"); err == nil {
		ms.Connections = len(conns)
	}
	if boot, err := host.BootTimeWithContext(ctx); err == nil {
		ms.BootTime = time.Unix(int64(boot), 0)
	}
	return ms, nil
}

func (h *Host) Name(ctx context.Context, pid int32) (string, error) {
	p, err := h.open(ctx, pid)
	if err != nil {
		return "", err
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return "", Classify(err)
	}
	return name, nil
}

func (h *Host) Terminate(ctx context.Context, pid int32) error {
	p, err := h.open(ctx, pid)
	if err != nil {
		return err
	}
	return Classify(p.TerminateWithContext(ctx))
}

func (h *Host) Kill(ctx context.Context, pid int32) error {
	p, err := h.open(ctx, pid)
	if err != nil {
		return err
	}
	return Classify(p.KillWithContext(ctx))
}

func (h *Host) Wait(ctx context.Context, pid int32, timeout time.Duration) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(waitPollInterval)
	defer poll.Stop()

	for {
		if h.exited(ctx, pid) {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return h.exited(ctx, pid), nil
		case <-poll.C:
		}
	}
}

// exited treats zombies as gone: they no longer run and only await reaping.
func (h *Host) exited(ctx context.Context, pid int32) bool {
	exists, err := process.PidExistsWithContext(ctx, pid)
	if err != nil || !exists {
		return true
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return true
	}
	status, err := p.StatusWithContext(ctx)
	return err == nil && len(status) > 0 && status[0] == process.Zombie
}

func (h *Host) SetPriority(ctx context.Context, pid int32, native int) error {
	if _, err := h.open(ctx, pid); err != nil {
		return err
	}
	return Classify(setNativePriority(pid, native))
}

func (h *Host) Spawn(_ context.Context, name string, args ...string) (int32, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		if errors.Is(err, syscall.ENOEXEC) || errors.Is(err, syscall.EACCES) {
			return 0, errors.Join(ErrNotExecutable, err)
		}
		return 0, Classify(err)
	}
	pid := int32(cmd.Process.Pid)
	// reap in the background so finished children do not linger as zombies
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

func (h *Host) Open(_ context.Context, target string) error {
	name, args := openCommand(target)
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return Classify(err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func statusFromPsutil(s string) Status {
	switch s {
	case process.Running:
		return StatusRunning
	case process.Sleep, process.Idle, process.Wait:
		return StatusSleeping
	case process.Blocked, process.Lock:
		return StatusDiskWait
	case process.Stop:
		return StatusStopped
	case process.Zombie:
		return StatusZombie
	case "dead":
		return StatusDead
	}
	return StatusUnknown
}
