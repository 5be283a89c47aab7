// Package metrics samples process and machine state from a system.OS.
//
// CPU percentages need two readings. The Collector keeps the previous pass's
// cumulative CPU seconds per pid (keyed by pid and creation time) and computes
// deltas against it. Pids without a usable baseline are read in one batch,
// the collector sleeps a single settle interval, and only those pids are read
// again. Per-pid reads fan out over a bounded worker pool, so a pass costs at
// most two fan-outs plus one settle, regardless of process count.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeffypooo/proctop/internal/system"
)

const DefaultSettle = 100 * time.Millisecond

type cpuReading struct {
	createTime int64
	seconds    float64
	at         time.Time
}

type machineReading struct {
	busy  float64
	total float64
}

type Collector struct {
	mu      sync.Mutex
	os      system.OS
	settle  time.Duration
	workers int
	now     func() time.Time

	procCache    map[int32]cpuReading
	lastMachine  *machineReading
	lastNetStats *system.MachineStat
	lastNetTime  time.Time
}

type Option func(*Collector)

// WithSettle sets how long cold pids are given between their two CPU reads.
func WithSettle(d time.Duration) Option {
	return func(c *Collector) {
		if d >= 0 {
			c.settle = d
		}
	}
}

// WithWorkers bounds the per-pid fan-out. Values below one mean NumCPU.
func WithWorkers(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		c.now = now
	}
}

func NewCollector(os system.OS, opts ...Option) *Collector {
	c := &Collector{
		os:        os,
		settle:    DefaultSettle,
		workers:   runtime.NumCPU(),
		now:       time.Now,
		procCache: make(map[int32]cpuReading),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type procResult struct {
	stat system.ProcessStat
	at   time.Time
	ok   bool
}

// Sample takes one snapshot. It is thread-safe; concurrent calls are serialized.
// Processes that vanish mid-pass are dropped silently. An error is returned only
// when the OS interface itself cannot be queried, and then no partial result is.
func (c *Collector) Sample(ctx context.Context, params SampleParams) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	machineStat, err := c.os.Machine(ctx)
	if err != nil {
		return Snapshot{}, unavailable("error getting machine usage", err)
	}

	allPids, err := c.os.Pids(ctx)
	if err != nil {
		return Snapshot{}, unavailable("error getting processes", err)
	}
	pids := allPids
	if params.ProcLimit > 0 && len(pids) > params.ProcLimit {
		pids = pids[:params.ProcLimit]
	}

	results, err := c.fetch(ctx, pids, params.Detailed)
	if err != nil {
		return Snapshot{}, err
	}

	var cold []int
	for i, r := range results {
		if !r.ok || r.stat.CPUSeconds < 0 {
			continue
		}
		prev, ok := c.procCache[r.stat.Pid]
		if !ok || prev.createTime != r.stat.CreateTime {
			cold = append(cold, i)
		}
	}
	machineCold := c.lastMachine == nil

	// baselines for cold entries are the readings we already hold
	baselines := make(map[int]cpuReading, len(cold))
	for _, i := range cold {
		baselines[i] = cpuReading{createTime: results[i].stat.CreateTime, seconds: results[i].stat.CPUSeconds, at: results[i].at}
	}
	machineBase := machineReading{busy: machineStat.CPUBusySeconds, total: machineStat.CPUTotalSeconds}

	if (len(cold) > 0 || machineCold) && c.settle > 0 {
		if err := sleep(ctx, c.settle); err != nil {
			return Snapshot{}, err
		}
		if err := c.resample(ctx, results, cold); err != nil {
			return Snapshot{}, err
		}
		if machineCold {
			if settled, err := c.os.Machine(ctx); err == nil {
				machineStat = settled
			}
		}
	}

	machine := c.machine(machineStat, machineBase, machineCold)

	nextCache := make(map[int32]cpuReading, len(allPids))
	alive := make(map[int32]bool, len(allPids))
	for _, pid := range allPids {
		alive[pid] = true
	}
	// keep baselines for live pids that were truncated out of this pass
	for pid, reading := range c.procCache {
		if alive[pid] {
			nextCache[pid] = reading
		}
	}

	coldSet := make(map[int]bool, len(cold))
	for _, i := range cold {
		coldSet[i] = true
	}

	snap := Snapshot{Machine: machine, Total: len(allPids)}
	processes := make([]Process, 0, len(results))
	for i, r := range results {
		if !r.ok {
			snap.Skipped++
			continue
		}
		st := r.stat
		var cpuPct float64
		if st.CPUSeconds >= 0 {
			cur := cpuReading{createTime: st.CreateTime, seconds: st.CPUSeconds, at: r.at}
			prev := c.procCache[st.Pid]
			if coldSet[i] {
				prev = baselines[i]
			}
			cpuPct = cpuPercent(prev, cur)
			nextCache[st.Pid] = cur
		}
		processes = append(processes, newProcess(st, cpuPct, machine.MemUsage.Total))
	}
	snap.Processes = processes
	c.procCache = nextCache
	return snap, nil
}

func (c *Collector) fetch(ctx context.Context, pids []int32, detailed bool) ([]procResult, error) {
	results := make([]procResult, len(pids))
	var g errgroup.Group
	g.SetLimit(c.workers)
	for i, pid := range pids {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			st, err := c.os.Stat(ctx, pid, detailed)
			if err != nil {
				// gone or unreadable: dropped from this pass
				return nil
			}
			results[i] = procResult{stat: st, at: c.now(), ok: true}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// resample re-reads CPU seconds for the given result indexes after the settle
// interval. A process that disappears in between is dropped.
func (c *Collector) resample(ctx context.Context, results []procResult, idx []int) error {
	var g errgroup.Group
	g.SetLimit(c.workers)
	for _, i := range idx {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			secs, err := c.os.CPUSeconds(ctx, results[i].stat.Pid)
			if err != nil {
				if errors.Is(err, system.ErrNotFound) {
					results[i].ok = false
				}
				return nil
			}
			results[i].stat.CPUSeconds = secs
			results[i].at = c.now()
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (c *Collector) machine(ms system.MachineStat, base machineReading, cold bool) Machine {
	now := c.now()

	prev := base
	if !cold {
		prev = *c.lastMachine
	}
	var cpuPct float64
	if dt := ms.CPUTotalSeconds - prev.total; dt > 0 {
		cpuPct = clampPct((ms.CPUBusySeconds - prev.busy) / dt * 100)
	}
	c.lastMachine = &machineReading{busy: ms.CPUBusySeconds, total: ms.CPUTotalSeconds}

	var txRate, rxRate uint64
	if c.lastNetStats != nil {
		duration := now.Sub(c.lastNetTime).Seconds()
		if duration > 0 && ms.BytesSent >= c.lastNetStats.BytesSent && ms.BytesRecv >= c.lastNetStats.BytesRecv {
			txRate = uint64(float64(ms.BytesSent-c.lastNetStats.BytesSent) / duration)
			rxRate = uint64(float64(ms.BytesRecv-c.lastNetStats.BytesRecv) / duration)
		}
	}
	netStats := ms
	c.lastNetStats = &netStats
	c.lastNetTime = now

	m := Machine{
		Timestamp: now,
		CpuUsage: CpuUsage{
			UsagePct:      cpuPct,
			LogicalCores:  ms.LogicalCores,
			PhysicalCores: ms.PhysicalCores,
		},
		MemUsage: MemUsage{
			Used:     ms.MemUsed,
			Total:    ms.MemTotal,
			UsagePct: percentOf(ms.MemUsed, ms.MemTotal),
		},
		NetUsage: NetUsage{
			BytesSent:   ms.BytesSent,
			BytesRecv:   ms.BytesRecv,
			TxRate:      txRate,
			RxRate:      rxRate,
			Connections: ms.Connections,
		},
		DiskUsage: DiskUsage{
			Path:        ms.DiskPath,
			Total:       ms.DiskTotal,
			Used:        ms.DiskUsed,
			UsedPercent: percentOf(ms.DiskUsed, ms.DiskTotal),
		},
		BootTime: ms.BootTime,
	}
	if ms.MemTotal >= ms.MemUsed {
		m.MemUsage.Free = ms.MemTotal - ms.MemUsed
	}
	if ms.DiskTotal >= ms.DiskUsed {
		m.DiskUsage.Free = ms.DiskTotal - ms.DiskUsed
	}
	if !ms.BootTime.IsZero() {
		m.Uptime = now.Sub(ms.BootTime)
	}
	return m
}

func newProcess(st system.ProcessStat, cpuPct float64, memTotal uint64) Process {
	p := Process{
		Pid:        st.Pid,
		Name:       st.Name,
		Status:     st.Status,
		CpuPct:     cpuPct,
		MemBytes:   st.MemoryBytes,
		MemPct:     percentOf(st.MemoryBytes, memTotal),
		Threads:    st.ThreadCount,
		Priority:   st.Priority,
		Username:   st.Username,
		Exe:        st.Exe,
		Cmdline:    st.Cmdline,
		CreateTime: st.CreateTime,
	}
	if st.Priority != system.UnknownPriority {
		p.PriorityLevel = system.LocalLevelOf(st.Priority)
	}
	return p
}

func cpuPercent(prev, cur cpuReading) float64 {
	wall := cur.at.Sub(prev.at).Seconds()
	if wall <= 0 || cur.seconds < prev.seconds {
		return 0
	}
	return (cur.seconds - prev.seconds) / wall * 100
}

func percentOf(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func clampPct(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func unavailable(msg string, err error) error {
	if errors.Is(err, system.ErrUnavailable) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%s: %w: %w", msg, system.ErrUnavailable, err)
}
