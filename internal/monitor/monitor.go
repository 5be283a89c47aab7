// Package monitor wires the sampling pipeline together: the scheduler drives
// the collector, every snapshot is reconciled into a registry batch, the batch
// is published and its values are appended to history.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jeffypooo/proctop/internal/config"
	"github.com/jeffypooo/proctop/internal/history"
	"github.com/jeffypooo/proctop/internal/lifecycle"
	"github.com/jeffypooo/proctop/internal/metrics"
	"github.com/jeffypooo/proctop/internal/registry"
	"github.com/jeffypooo/proctop/internal/scheduler"
	"github.com/jeffypooo/proctop/internal/system"
)

const bytesPerMB = 1024 * 1024

// Status is the one-line summary shown above the process table.
type Status struct {
	Machine    metrics.Machine `json:"machine"`
	CPUAlert   bool            `json:"cpu_alert"`
	RAMAlert   bool            `json:"ram_alert"`
	AvgCPU     float64         `json:"avg_cpu"`
	AvgRAM     float64         `json:"avg_ram"`
	Processes  int             `json:"processes"`
	Total      int             `json:"total"`
	Suspicious int             `json:"suspicious"`
	State      string          `json:"state"`
	Interval   time.Duration   `json:"interval"`
	Detailed   bool            `json:"detailed"`
	Seq        uint64          `json:"seq"`
	Stats      scheduler.Stats `json:"stats"`
}

type Monitor struct {
	collector *metrics.Collector
	registry  *registry.Registry
	history   *history.Store
	lifecycle *lifecycle.Controller
	sched     *scheduler.Scheduler[*registry.Batch]
	inst      *instruments
	logger    *log.Logger

	fastStartLimit  int
	machineCPUAlert float64
	machineRAMAlert float64

	latest   atomic.Pointer[registry.Batch]
	lastFast atomic.Bool
	detailed atomic.Bool

	mu      sync.Mutex
	pins    map[int32]registry.Selection
	subs    map[int]chan *registry.Batch
	nextSub int
}

type Option func(*options)

type options struct {
	logger     *log.Logger
	registerer prometheus.Registerer
}

func WithLogger(logger *log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers the monitor's Prometheus collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New builds a stopped monitor on top of os. Invalid configuration is the
// only error.
func New(os system.OS, cfg config.Config, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: log.New("monitor")}
	for _, opt := range opts {
		opt(&o)
	}

	critical := registry.NewCriticalSet(cfg.CriticalProcesses)
	reg, err := registry.New(registry.ThresholdsMB(cfg.CPUThreshold, cfg.MemoryThresholdMB), critical)
	if err != nil {
		return nil, err
	}
	store, err := history.New(cfg.HistorySize)
	if err != nil {
		return nil, err
	}
	inst, err := newInstruments(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("error registering metrics: %w", err)
	}

	m := &Monitor{
		collector: metrics.NewCollector(os,
			metrics.WithSettle(cfg.Settle),
			metrics.WithWorkers(cfg.Workers),
		),
		registry: reg,
		history:  store,
		lifecycle: lifecycle.NewController(os, critical,
			lifecycle.WithTerminateTimeout(cfg.TerminateTimeout),
			lifecycle.WithLogger(o.logger),
		),
		inst:            inst,
		logger:          o.logger,
		fastStartLimit:  cfg.FastStartLimit,
		machineCPUAlert: cfg.MachineCPUAlert,
		machineRAMAlert: cfg.MachineRAMAlert,
		pins:            make(map[int32]registry.Selection),
		subs:            make(map[int]chan *registry.Batch),
	}
	m.detailed.Store(cfg.Detailed)

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(o.logger),
		scheduler.WithObserver(inst.observeTick),
	}
	if cfg.FastStartLimit > 0 {
		schedOpts = append(schedOpts, scheduler.WithFastStart(cfg.FollowUpDelay))
	}
	m.sched, err = scheduler.New(cfg.Interval, m.sample, m.deliver, schedOpts...)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Monitor) Start(ctx context.Context) error {
	return m.sched.Start(ctx)
}

func (m *Monitor) Stop() {
	m.sched.Stop()
}

func (m *Monitor) Wait() {
	m.sched.Wait()
}

func (m *Monitor) Pause() error {
	return m.sched.Pause()
}

func (m *Monitor) Resume() error {
	return m.sched.Resume()
}

func (m *Monitor) State() scheduler.State {
	return m.sched.State()
}

// SetInterval changes the refresh period, within the configured bounds.
func (m *Monitor) SetInterval(d time.Duration) error {
	if err := config.ValidateInterval(d); err != nil {
		return err
	}
	if err := m.sched.SetInterval(d); err != nil {
		return err
	}
	m.logger.Infof("refresh interval set to %s", d)
	return nil
}

func (m *Monitor) Interval() time.Duration {
	return m.sched.Interval()
}

// SetDetailed switches between compact and detailed sampling from the next tick.
func (m *Monitor) SetDetailed(detailed bool) {
	m.detailed.Store(detailed)
}

func (m *Monitor) Detailed() bool {
	return m.detailed.Load()
}

// ApplyConfig applies the runtime-changeable settings of cfg.
func (m *Monitor) ApplyConfig(cfg config.Config) {
	if err := m.SetInterval(cfg.Interval); err != nil {
		m.logger.Warnf("ignoring interval from reloaded config: %v", err)
	}
	m.SetDetailed(cfg.Detailed)
}

func (m *Monitor) sample(ctx context.Context, tick scheduler.Tick) (*registry.Batch, error) {
	params := metrics.SampleParams{Detailed: m.detailed.Load()}
	if tick.Fast {
		params = metrics.SampleParams{ProcLimit: m.fastStartLimit}
	}
	snap, err := m.collector.Sample(ctx, params)
	if err != nil {
		return nil, err
	}

	// a truncated batch would mark everything outside it as new
	prev := m.latest.Load()
	if m.lastFast.Load() {
		prev = nil
	}
	m.lastFast.Store(tick.Fast)
	return m.registry.Reconcile(prev, snap), nil
}

func (m *Monitor) deliver(b *registry.Batch) {
	m.latest.Store(b)
	m.inst.observeBatch(b)

	at := b.Taken()
	machine := b.Machine()
	m.push(history.MachineCPU, at, machine.CpuUsage.UsagePct)
	m.push(history.MachineRAM, at, machine.MemUsage.UsagePct)

	m.mu.Lock()
	defer m.mu.Unlock()

	for pid, sel := range m.pins {
		p, ok := b.Resolve(sel)
		if !ok {
			m.logger.Infof("pinned process %s (pid %d) is gone, dropping its history", sel.Name, pid)
			m.history.Drop(history.ProcessCPU(pid), history.ProcessRAM(pid))
			delete(m.pins, pid)
			continue
		}
		m.push(history.ProcessCPU(pid), at, p.CpuPct)
		m.push(history.ProcessRAM(pid), at, float64(p.MemBytes)/bytesPerMB)
	}

	for _, ch := range m.subs {
		// subscribers only care about the newest batch
		select {
		case <-ch:
		default:
		}
		ch <- b
	}
}

func (m *Monitor) push(id string, at time.Time, v float64) {
	if err := m.history.Push(id, at, v); err != nil {
		m.logger.Debugf("history: %v", err)
	}
}

// Subscribe returns a channel that receives every new batch. Slow readers
// only see the newest one. The returned func unsubscribes.
func (m *Monitor) Subscribe() (<-chan *registry.Batch, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan *registry.Batch, 1)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Latest returns the newest batch, or nil before the first sample completes.
func (m *Monitor) Latest() *registry.Batch {
	return m.latest.Load()
}

// Processes filters and sorts the newest batch.
func (m *Monitor) Processes(q registry.Query) []metrics.Process {
	b := m.latest.Load()
	if b == nil {
		return []metrics.Process{}
	}
	return registry.FilterSort(b.Records(), q)
}

func (m *Monitor) Process(pid int32) (metrics.Process, bool) {
	b := m.latest.Load()
	if b == nil {
		return metrics.Process{}, false
	}
	return b.Lookup(pid)
}

// FindByName returns the processes of the newest batch whose name contains substr.
func (m *Monitor) FindByName(substr string) []metrics.Process {
	return m.Processes(registry.Query{Text: substr, Sort: registry.ProcSortName})
}

// Sample runs an on-demand pass outside the schedule. It does not publish
// the batch or touch history.
func (m *Monitor) Sample(ctx context.Context, params metrics.SampleParams) (*registry.Batch, error) {
	snap, err := m.collector.Sample(ctx, params)
	if err != nil {
		return nil, err
	}
	return m.registry.Reconcile(m.latest.Load(), snap), nil
}

// Pin starts recording CPU and memory history for the selected process. The
// pin is dropped, with its history, once the process is gone.
func (m *Monitor) Pin(sel registry.Selection) error {
	b := m.latest.Load()
	if b == nil {
		return fmt.Errorf("%w: no sample yet", system.ErrNotFound)
	}
	if _, ok := b.Resolve(sel); !ok {
		return fmt.Errorf("%w: pid %d", system.ErrNotFound, sel.Pid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[sel.Pid] = sel
	return nil
}

// PinPid pins whatever process owns pid in the newest batch.
func (m *Monitor) PinPid(pid int32) (registry.Selection, error) {
	p, ok := m.Process(pid)
	if !ok {
		return registry.Selection{}, fmt.Errorf("%w: pid %d", system.ErrNotFound, pid)
	}
	sel := registry.SelectionOf(p)
	return sel, m.Pin(sel)
}

// Unpin stops recording history for pid and forgets what was recorded.
func (m *Monitor) Unpin(pid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pins[pid]; ok {
		delete(m.pins, pid)
		m.history.Drop(history.ProcessCPU(pid), history.ProcessRAM(pid))
	}
}

func (m *Monitor) Pins() []registry.Selection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]registry.Selection, 0, len(m.pins))
	for _, sel := range m.pins {
		out = append(out, sel)
	}
	return out
}

func (m *Monitor) History(id string) []history.Point {
	return m.history.Read(id)
}

func (m *Monitor) Average(id string, window int) float64 {
	return m.history.Average(id, window)
}

func (m *Monitor) HistoryIDs() []string {
	return m.history.IDs()
}

func (m *Monitor) Status() Status {
	st := Status{
		AvgCPU:   m.history.Average(history.MachineCPU, 0),
		AvgRAM:   m.history.Average(history.MachineRAM, 0),
		State:    m.sched.State().String(),
		Interval: m.sched.Interval(),
		Detailed: m.detailed.Load(),
		Stats:    m.sched.Stats(),
	}
	b := m.latest.Load()
	if b == nil {
		return st
	}
	st.Machine = b.Machine()
	st.CPUAlert = st.Machine.CpuUsage.UsagePct > m.machineCPUAlert
	st.RAMAlert = st.Machine.MemUsage.UsagePct > m.machineRAMAlert
	st.Processes = b.Len()
	st.Total = b.Total()
	st.Suspicious = len(b.Suspicious())
	st.Seq = b.Seq()
	return st
}

func (m *Monitor) Terminate(ctx context.Context, pid int32) lifecycle.Outcome {
	return m.lifecycle.Terminate(ctx, pid)
}

func (m *Monitor) SetPriority(ctx context.Context, pid int32, level string) lifecycle.Outcome {
	return m.lifecycle.SetPriority(ctx, pid, level)
}

func (m *Monitor) Launch(ctx context.Context, command string) lifecycle.Outcome {
	return m.lifecycle.Launch(ctx, command)
}
