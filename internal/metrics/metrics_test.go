package metrics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffypooo/proctop/internal/system"
	"github.com/jeffypooo/proctop/internal/system/systemtest"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFake() *systemtest.Fake {
	fake := systemtest.New()
	fake.SetMachine(system.MachineStat{
		CPUBusySeconds:  100,
		CPUTotalSeconds: 400,
		LogicalCores:    4,
		PhysicalCores:   2,
		MemTotal:        1000,
		MemUsed:         250,
		DiskPath:        "/",
		DiskTotal:       2000,
		DiskUsed:        500,
		Connections:     7,
	})
	fake.Put(system.ProcessStat{Pid: 1, Name: "init", CPUSeconds: 10, MemoryBytes: 100, CreateTime: 1000, ThreadCount: 1, Priority: 0, Username: "root"})
	fake.Put(system.ProcessStat{Pid: 42, Name: "worker", CPUSeconds: 5, MemoryBytes: 200, CreateTime: 2000, ThreadCount: 8, Priority: 10, Cmdline: "worker --fast"})
	return fake
}

func byPid(snap Snapshot) map[int32]Process {
	out := make(map[int32]Process, len(snap.Processes))
	for _, p := range snap.Processes {
		out[p.Pid] = p
	}
	return out
}

func TestSampleComputesDeltaAgainstPreviousPass(t *testing.T) {
	fake := newFake()
	clock := newTestClock()
	c := NewCollector(fake, WithSettle(0), WithClock(clock.Now))

	first, err := c.Sample(context.Background(), SampleParams{})
	require.NoError(t, err)
	require.Len(t, first.Processes, 2)
	for _, p := range first.Processes {
		assert.Zero(t, p.CpuPct, "cold pid %d should have no delta yet", p.Pid)
	}

	clock.Advance(time.Second)
	fake.AddCPU(42, 0.5)
	fake.SetMachine(system.MachineStat{CPUBusySeconds: 102, CPUTotalSeconds: 404, MemTotal: 1000, MemUsed: 500})

	second, err := c.Sample(context.Background(), SampleParams{})
	require.NoError(t, err)
	procs := byPid(second)
	assert.InDelta(t, 50.0, procs[42].CpuPct, 1e-9)
	assert.Zero(t, procs[1].CpuPct)
	assert.InDelta(t, 50.0, second.Machine.CpuUsage.UsagePct, 1e-9)
	assert.InDelta(t, 50.0, second.Machine.MemUsage.UsagePct, 1e-9)
	assert.InDelta(t, 20.0, procs[42].MemPct, 1e-9)
}

func TestSampleSettlesColdPidsOnce(t *testing.T) {
	fake := newFake()
	clock := newTestClock()

	var resampled atomic.Int32
	fake.CPUHook = func(pid int32) {
		resampled.Add(1)
		if pid == 42 {
			clock.Advance(time.Second)
			fake.AddCPU(42, 0.25)
		}
	}

	c := NewCollector(fake, WithSettle(time.Millisecond), WithClock(clock.Now), WithWorkers(1))
	snap, err := c.Sample(context.Background(), SampleParams{})
	require.NoError(t, err)

	assert.EqualValues(t, 2, resampled.Load(), "each cold pid is re-read exactly once")
	assert.InDelta(t, 25.0, byPid(snap)[42].CpuPct, 1e-9)

	// warm pids are not re-read on the next pass
	resampled.Store(0)
	clock.Advance(time.Second)
	_, err = c.Sample(context.Background(), SampleParams{})
	require.NoError(t, err)
	assert.Zero(t, resampled.Load())
}

func TestSampleTreatsReusedPidAsCold(t *testing.T) {
	fake := newFake()
	clock := newTestClock()
	c := NewCollector(fake, WithSettle(0), WithClock(clock.Now))

	_, err := c.Sample(context.Background(), SampleParams{})
	require.NoError(t, err)

	// pid 42 exits and an unrelated process with less CPU time takes its pid
	fake.Put(system.ProcessStat{Pid: 42, Name: "other", CPUSeconds: 1, CreateTime: 9000})
	clock.Advance(time.Second)

	snap, err := c.Sample(context.Background(), SampleParams{})
	require.NoError(t, err)
	p := byPid(snap)[42]
	assert.Equal(t, "other", p.Name)
	assert.Zero(t, p.CpuPct)
}

func TestSampleDropsVanishedAndUnreadableProcesses(t *testing.T) {
	fake := newFake()
	fake.Put(system.ProcessStat{Pid: 77, Name: "ghost"})
	fake.Put(system.ProcessStat{Pid: 78, Name: "locked"})
	fake.StatErr[77] = system.ErrNotFound
	fake.StatErr[78] = system.ErrAccessDenied

	c := NewCollector(fake, WithSettle(0))
	snap, err := c.Sample(context.Background(), SampleParams{})
	require.NoError(t, err)

	procs := byPid(snap)
	assert.Len(t, procs, 2)
	assert.NotContains(t, procs, int32(77))
	assert.NotContains(t, procs, int32(78))
	assert.Equal(t, 4, snap.Total)
	assert.Equal(t, 2, snap.Skipped)
}

func TestSampleProcLimitTruncatesBeforeEnrichment(t *testing.T) {
	fake := newFake()
	var stats atomic.Int32
	fake.StatHook = func(int32) { stats.Add(1) }

	c := NewCollector(fake, WithSettle(0))
	snap, err := c.Sample(context.Background(), SampleParams{ProcLimit: 1})
	require.NoError(t, err)
	assert.Len(t, snap.Processes, 1)
	assert.Equal(t, 2, snap.Total)
	assert.EqualValues(t, 1, stats.Load())
}

func TestSampleModesAreStructurallyCompatible(t *testing.T) {
	fake := newFake()
	c := NewCollector(fake, WithSettle(0))

	compact, err := c.Sample(context.Background(), SampleParams{Detailed: false})
	require.NoError(t, err)
	p := byPid(compact)[42]
	assert.EqualValues(t, system.Unknown, p.Threads)
	assert.Equal(t, system.UnknownPriority, p.Priority)
	assert.Empty(t, p.PriorityLevel)
	assert.Empty(t, p.Cmdline)

	detailed, err := c.Sample(context.Background(), SampleParams{Detailed: true})
	require.NoError(t, err)
	p = byPid(detailed)[42]
	assert.EqualValues(t, 8, p.Threads)
	assert.Equal(t, 10, p.Priority)
	assert.Equal(t, system.LevelLow, p.PriorityLevel)
	assert.Equal(t, "worker --fast", p.Cmdline)
}

func TestSampleFailsWhenSourceUnavailable(t *testing.T) {
	fake := newFake()
	fake.PidsErr = errors.New("procfs not mounted")

	c := NewCollector(fake, WithSettle(0))
	snap, err := c.Sample(context.Background(), SampleParams{})
	assert.ErrorIs(t, err, system.ErrUnavailable)
	assert.Empty(t, snap.Processes)

	fake = newFake()
	fake.MachineErr = errors.New("no cpu stats")
	c = NewCollector(fake, WithSettle(0))
	_, err = c.Sample(context.Background(), SampleParams{})
	assert.ErrorIs(t, err, system.ErrUnavailable)
}

func TestSampleHonoursCancellation(t *testing.T) {
	fake := newFake()
	c := NewCollector(fake, WithSettle(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Sample(ctx, SampleParams{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMachineRates(t *testing.T) {
	fake := newFake()
	clock := newTestClock()
	c := NewCollector(fake, WithSettle(0), WithClock(clock.Now))

	ms := system.MachineStat{CPUTotalSeconds: 1, MemTotal: 1, BytesSent: 1000, BytesRecv: 4000, BootTime: clock.Now().Add(-time.Hour)}
	fake.SetMachine(ms)
	_, err := c.Sample(context.Background(), SampleParams{})
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	ms.BytesSent, ms.BytesRecv = 3000, 8000
	fake.SetMachine(ms)
	snap, err := c.Sample(context.Background(), SampleParams{})
	require.NoError(t, err)

	assert.EqualValues(t, 1000, snap.Machine.NetUsage.TxRate)
	assert.EqualValues(t, 2000, snap.Machine.NetUsage.RxRate)
	assert.Equal(t, time.Hour+2*time.Second, snap.Machine.Uptime)
}
