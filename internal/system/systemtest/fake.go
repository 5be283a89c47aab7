// Package systemtest provides an in-memory system.OS for tests.
package systemtest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jeffypooo/proctop/internal/system"
)

// Call records one control operation issued against the fake.
type Call struct {
	Op     string
	Pid    int32
	Native int
	Args   []string
}

// Fake is a scriptable system.OS. Exported fields are set up before the fake is
// shared; process state changes afterwards go through the helper methods.
type Fake struct {
	mu sync.Mutex

	Procs    map[int32]system.ProcessStat
	MachineS system.MachineStat

	// Per-pid failures returned from Stat and CPUSeconds.
	StatErr map[int32]error
	// PidsErr and MachineErr simulate an unusable OS interface.
	PidsErr    error
	MachineErr error

	// Control behaviour.
	SignalErr   error
	PriorityErr error
	SpawnErr    error
	OpenErr     error
	// IgnoreTerminate keeps the process alive after Terminate, forcing escalation.
	IgnoreTerminate bool
	NextPid         int32

	// StatHook runs inside Stat, before the lookup; used to simulate slow OS calls.
	StatHook func(pid int32)
	// CPUHook runs inside CPUSeconds, before the lookup.
	CPUHook func(pid int32)

	calls []Call
}

var _ system.OS = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Procs:   make(map[int32]system.ProcessStat),
		StatErr: make(map[int32]error),
		NextPid: 10000,
	}
}

// Put adds or replaces a process.
func (f *Fake) Put(st system.ProcessStat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Procs[st.Pid] = st
}

// Remove makes a process disappear.
func (f *Fake) Remove(pid int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Procs, pid)
}

// AddCPU advances a process's cumulative CPU time.
func (f *Fake) AddCPU(pid int32, seconds float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.Procs[pid]
	st.CPUSeconds += seconds
	f.Procs[pid] = st
}

// SetMachine replaces the machine reading.
func (f *Fake) SetMachine(ms system.MachineStat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MachineS = ms
}

// Calls returns the recorded control calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallsFor returns the recorded control calls with the given op.
func (f *Fake) CallsFor(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) record(c Call) {
	f.calls = append(f.calls, c)
}

func (f *Fake) Pids(_ context.Context) ([]int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PidsErr != nil {
		return nil, f.PidsErr
	}
	pids := make([]int32, 0, len(f.Procs))
	for pid := range f.Procs {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids, nil
}

func (f *Fake) Stat(_ context.Context, pid int32, detailed bool) (system.ProcessStat, error) {
	if f.StatHook != nil {
		f.StatHook(pid)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.StatErr[pid]; err != nil {
		return system.ProcessStat{}, err
	}
	st, ok := f.Procs[pid]
	if !ok {
		return system.ProcessStat{}, system.ErrNotFound
	}
	if !detailed {
		st.ThreadCount = system.Unknown
		st.Priority = system.UnknownPriority
		st.Username = ""
		st.Exe = ""
		st.Cmdline = ""
	}
	return st, nil
}

func (f *Fake) CPUSeconds(_ context.Context, pid int32) (float64, error) {
	if f.CPUHook != nil {
		f.CPUHook(pid)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.StatErr[pid]; err != nil {
		return 0, err
	}
	st, ok := f.Procs[pid]
	if !ok {
		return 0, system.ErrNotFound
	}
	return st.CPUSeconds, nil
}

func (f *Fake) Machine(_ context.Context) (system.MachineStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MachineErr != nil {
		return system.MachineStat{}, f.MachineErr
	}
	return f.MachineS, nil
}

func (f *Fake) Name(_ context.Context, pid int32) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.Procs[pid]
	if !ok {
		return "", system.ErrNotFound
	}
	return st.Name, nil
}

func (f *Fake) Terminate(_ context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "terminate", Pid: pid})
	if f.SignalErr != nil {
		return f.SignalErr
	}
	if _, ok := f.Procs[pid]; !ok {
		return system.ErrNotFound
	}
	if !f.IgnoreTerminate {
		delete(f.Procs, pid)
	}
	return nil
}

func (f *Fake) Kill(_ context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "kill", Pid: pid})
	if f.SignalErr != nil {
		return f.SignalErr
	}
	delete(f.Procs, pid)
	return nil
}

func (f *Fake) Wait(_ context.Context, pid int32, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "wait", Pid: pid})
	_, alive := f.Procs[pid]
	return !alive, nil
}

func (f *Fake) SetPriority(_ context.Context, pid int32, native int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "priority", Pid: pid, Native: native})
	if _, ok := f.Procs[pid]; !ok {
		return system.ErrNotFound
	}
	if f.PriorityErr != nil {
		return f.PriorityErr
	}
	st := f.Procs[pid]
	st.Priority = native
	f.Procs[pid] = st
	return nil
}

func (f *Fake) Spawn(_ context.Context, name string, args ...string) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "spawn", Args: append([]string{name}, args...)})
	if f.SpawnErr != nil {
		return 0, f.SpawnErr
	}
	pid := f.NextPid
	f.NextPid++
	f.Procs[pid] = system.ProcessStat{Pid: pid, Name: name, Status: system.StatusRunning}
	return pid, nil
}

func (f *Fake) Open(_ context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "open", Args: []string{target}})
	return f.OpenErr
}
