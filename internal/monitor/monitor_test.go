package monitor

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffypooo/proctop/internal/config"
	"github.com/jeffypooo/proctop/internal/history"
	"github.com/jeffypooo/proctop/internal/lifecycle"
	"github.com/jeffypooo/proctop/internal/metrics"
	"github.com/jeffypooo/proctop/internal/registry"
	"github.com/jeffypooo/proctop/internal/scheduler"
	"github.com/jeffypooo/proctop/internal/system"
	"github.com/jeffypooo/proctop/internal/system/systemtest"
)

func quietLogger() *log.Logger {
	l := log.New("test")
	l.SetOutput(io.Discard)
	return l
}

func newFake() *systemtest.Fake {
	fake := systemtest.New()
	fake.SetMachine(system.MachineStat{CPUBusySeconds: 10, CPUTotalSeconds: 40, MemTotal: 100, MemUsed: 90})
	fake.Put(system.ProcessStat{Pid: 4, Name: "System", CreateTime: 1})
	fake.Put(system.ProcessStat{Pid: 42, Name: "worker", CreateTime: 2000, MemoryBytes: 3 * bytesPerMB})
	fake.Put(system.ProcessStat{Pid: 77, Name: "hog", CreateTime: 3000, MemoryBytes: 2048 * bytesPerMB})
	return fake
}

func newMonitor(t *testing.T, fake *systemtest.Fake, mutate ...func(*config.Config)) (*Monitor, *prometheus.Registry) {
	t.Helper()
	cfg := config.Default()
	cfg.Settle = 0
	cfg.FastStartLimit = 1
	for _, fn := range mutate {
		fn(&cfg)
	}
	reg := prometheus.NewRegistry()
	m, err := New(fake, cfg, WithLogger(quietLogger()), WithRegisterer(reg))
	require.NoError(t, err)
	return m, reg
}

// step runs one tick through the pipeline the way the scheduler does.
func step(t *testing.T, m *Monitor, fast bool) *registry.Batch {
	t.Helper()
	b, err := m.sample(context.Background(), scheduler.Tick{Fast: fast})
	require.NoError(t, err)
	m.deliver(b)
	return b
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.HistorySize = 0
	_, err := New(newFake(), cfg)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestDeliverPublishesAndRecords(t *testing.T) {
	m, _ := newMonitor(t, newFake())
	assert.Nil(t, m.Latest())
	assert.Empty(t, m.Processes(registry.Query{}))

	b := step(t, m, false)
	assert.Same(t, b, m.Latest())
	assert.Len(t, m.History(history.MachineCPU), 1)
	assert.Len(t, m.History(history.MachineRAM), 1)
	assert.InDelta(t, 90.0, m.Average(history.MachineRAM, 0), 1e-9)

	hog, ok := m.Process(77)
	require.True(t, ok)
	assert.True(t, hog.IsSuspicious)

	st := m.Status()
	assert.True(t, st.RAMAlert)
	assert.False(t, st.CPUAlert)
	assert.Equal(t, 3, st.Processes)
	assert.Equal(t, 1, st.Suspicious)
	assert.Equal(t, "stopped", st.State)
}

func TestFastTickIsTruncatedAndNotUsedForNewness(t *testing.T) {
	m, _ := newMonitor(t, newFake())

	fast := step(t, m, true)
	assert.Equal(t, 1, fast.Len())
	assert.Equal(t, 3, fast.Total())

	full := step(t, m, false)
	require.Equal(t, 3, full.Len())
	for _, p := range full.Records() {
		assert.False(t, p.IsNew, "pid %d", p.Pid)
	}
}

func TestDetailedToggle(t *testing.T) {
	fake := newFake()
	fake.Put(system.ProcessStat{Pid: 42, Name: "worker", CreateTime: 2000, ThreadCount: 6})
	m, _ := newMonitor(t, fake)

	step(t, m, false)
	p, _ := m.Process(42)
	assert.EqualValues(t, system.Unknown, p.Threads)

	m.SetDetailed(true)
	assert.True(t, m.Detailed())
	step(t, m, false)
	p, _ = m.Process(42)
	assert.EqualValues(t, 6, p.Threads)
}

func TestPinnedHistoryFollowsProcess(t *testing.T) {
	fake := newFake()
	m, _ := newMonitor(t, fake)

	_, err := m.PinPid(42)
	assert.ErrorIs(t, err, system.ErrNotFound, "nothing sampled yet")

	step(t, m, false)
	sel, err := m.PinPid(42)
	require.NoError(t, err)
	assert.Equal(t, "worker", sel.Name)

	time.Sleep(time.Millisecond)
	step(t, m, false)
	ram := m.History(history.ProcessRAM(42))
	require.Len(t, ram, 1)
	assert.InDelta(t, 3.0, ram[0].Value, 1e-9)

	// pid 42 is reused by an unrelated process
	fake.Put(system.ProcessStat{Pid: 42, Name: "worker", CreateTime: 9999})
	time.Sleep(time.Millisecond)
	step(t, m, false)
	assert.Empty(t, m.Pins())
	assert.Empty(t, m.History(history.ProcessRAM(42)))
	assert.NotContains(t, m.HistoryIDs(), history.ProcessCPU(42))
}

func TestUnpin(t *testing.T) {
	m, _ := newMonitor(t, newFake())
	step(t, m, false)
	_, err := m.PinPid(77)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	step(t, m, false)
	require.NotEmpty(t, m.History(history.ProcessCPU(77)))

	m.Unpin(77)
	assert.Empty(t, m.Pins())
	assert.Empty(t, m.History(history.ProcessCPU(77)))
}

func TestSubscribeGetsNewestBatch(t *testing.T) {
	m, _ := newMonitor(t, newFake())
	ch, cancel := m.Subscribe()

	step(t, m, false)
	second := step(t, m, false)

	select {
	case b := <-ch:
		assert.Same(t, second, b)
	default:
		t.Fatal("no batch delivered")
	}

	cancel()
	step(t, m, false)
	select {
	case <-ch:
		t.Fatal("unsubscribed channel received a batch")
	default:
	}
}

func TestFindByNameAndQuery(t *testing.T) {
	m, _ := newMonitor(t, newFake())
	step(t, m, false)

	found := m.FindByName("OR")
	require.Len(t, found, 1)
	assert.EqualValues(t, 42, found[0].Pid)

	byMem := m.Processes(registry.Query{Sort: registry.ProcSortMem, Limit: 2})
	require.Len(t, byMem, 2)
	assert.EqualValues(t, 77, byMem[0].Pid)
}

func TestSampleHasNoSideEffects(t *testing.T) {
	m, _ := newMonitor(t, newFake())
	b, err := m.Sample(context.Background(), metrics.SampleParams{Detailed: true})
	require.NoError(t, err)
	assert.Equal(t, 3, b.Len())
	assert.Nil(t, m.Latest())
	assert.Empty(t, m.HistoryIDs())
}

func TestSetIntervalBounds(t *testing.T) {
	m, _ := newMonitor(t, newFake())
	assert.ErrorIs(t, m.SetInterval(100*time.Millisecond), config.ErrInvalid)
	assert.ErrorIs(t, m.SetInterval(11*time.Second), config.ErrInvalid)
	require.NoError(t, m.SetInterval(5*time.Second))
	assert.Equal(t, 5*time.Second, m.Interval())

	cfg := config.Default()
	cfg.Interval = time.Second
	cfg.Detailed = true
	m.ApplyConfig(cfg)
	assert.Equal(t, time.Second, m.Interval())
	assert.True(t, m.Detailed())
}

func TestLifecycleGoesToTheOS(t *testing.T) {
	fake := newFake()
	m, _ := newMonitor(t, fake)

	out := m.Terminate(context.Background(), 4)
	assert.ErrorIs(t, out.Err, lifecycle.ErrProtected)
	assert.Empty(t, fake.Calls())

	out = m.Terminate(context.Background(), 42)
	assert.True(t, out.OK, out.Message)

	out = m.SetPriority(context.Background(), 77, "bogus")
	assert.ErrorIs(t, out.Err, lifecycle.ErrInvalidLevel)

	out = m.Launch(context.Background(), "sleep 1")
	assert.True(t, out.OK, out.Message)
}

func TestInstruments(t *testing.T) {
	m, reg := newMonitor(t, newFake())
	step(t, m, false)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.inst.processes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inst.suspicious))

	m.inst.observeTick(scheduler.ResultDropped, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inst.ticks.WithLabelValues("dropped")))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestStartRunsThePipeline(t *testing.T) {
	m, _ := newMonitor(t, newFake())
	require.NoError(t, m.Start(context.Background()))

	assert.Eventually(t, func() bool {
		b := m.Latest()
		return b != nil && b.Len() == 3
	}, 3*time.Second, 10*time.Millisecond, "follow-up tick samples everything")

	require.NoError(t, m.Pause())
	assert.Equal(t, scheduler.Paused, m.State())
	assert.ErrorIs(t, m.Pause(), scheduler.ErrPaused)
	require.NoError(t, m.Resume())
	assert.ErrorIs(t, m.Resume(), scheduler.ErrNotPaused)
	m.Stop()
	m.Wait()
	assert.Equal(t, scheduler.Stopped, m.State())
}
