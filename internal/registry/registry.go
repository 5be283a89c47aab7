// Package registry turns raw snapshots into immutable, classified batches and
// provides the filtering, sorting and selection re-resolution the
// presentation layer works with.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jeffypooo/proctop/internal/metrics"
)

const (
	DefaultCPUThreshold      = 80.0
	DefaultMemoryThresholdMB = 1000
	bytesPerMB               = 1024 * 1024
)

// DefaultCriticalProcesses are never terminated through proctop.
var DefaultCriticalProcesses = []string{
	"explorer.exe",
	"winlogon.exe",
	"services.exe",
	"csrss.exe",
	"svchost.exe",
	"lsass.exe",
	"System",
}

var ErrInvalidThreshold = errors.New("invalid threshold")

// Thresholds decide when a process counts as suspicious.
type Thresholds struct {
	CPUPercent  float64
	MemoryBytes uint64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPercent:  DefaultCPUThreshold,
		MemoryBytes: DefaultMemoryThresholdMB * bytesPerMB,
	}
}

// ThresholdsMB builds Thresholds from a memory limit in megabytes.
func ThresholdsMB(cpuPercent float64, memoryMB uint64) Thresholds {
	return Thresholds{CPUPercent: cpuPercent, MemoryBytes: memoryMB * bytesPerMB}
}

func (t Thresholds) Validate() error {
	if t.CPUPercent <= 0 {
		return fmt.Errorf("%w: cpu threshold must be positive, got %v", ErrInvalidThreshold, t.CPUPercent)
	}
	if t.MemoryBytes == 0 {
		return fmt.Errorf("%w: memory threshold must be positive", ErrInvalidThreshold)
	}
	return nil
}

// Suspicious is a pure function of the record; there is no smoothing across
// passes, so a single spike flags a process for exactly one pass.
func (t Thresholds) Suspicious(p metrics.Process) bool {
	return p.CpuPct > t.CPUPercent || p.MemBytes > t.MemoryBytes
}

// CriticalSet is a case-insensitive allowlist of protected process names.
type CriticalSet map[string]struct{}

func NewCriticalSet(names []string) CriticalSet {
	set := make(CriticalSet, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			set[strings.ToLower(n)] = struct{}{}
		}
	}
	return set
}

func (s CriticalSet) Contains(name string) bool {
	_, ok := s[strings.ToLower(name)]
	return ok
}

// Registry classifies raw process lists into batches.
type Registry struct {
	thresholds Thresholds
	critical   CriticalSet
}

func New(thresholds Thresholds, critical CriticalSet) (*Registry, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Registry{thresholds: thresholds, critical: critical}, nil
}

func (r *Registry) Thresholds() Thresholds {
	return r.thresholds
}

func (r *Registry) IsCritical(name string) bool {
	return r.critical.Contains(name)
}

// Reconcile classifies current against the previous batch (which may be nil)
// and returns the next batch. current is copied; neither input is modified.
func (r *Registry) Reconcile(previous *Batch, snap metrics.Snapshot) *Batch {
	records := slices.Clone(snap.Processes)
	for i := range records {
		p := &records[i]
		p.IsCritical = r.critical.Contains(p.Name)
		p.IsSuspicious = r.thresholds.Suspicious(*p)
		p.IsNew = previous != nil && !previous.containsSame(*p)
	}

	seq := uint64(1)
	if previous != nil {
		seq = previous.seq + 1
	}
	return newBatch(seq, snap.Machine, records, snap.Total, snap.Skipped)
}

// Batch is the immutable result of one sampling pass.
type Batch struct {
	seq     uint64
	machine metrics.Machine
	records []metrics.Process
	index   map[int32]int
	total   int
	skipped int
}

func newBatch(seq uint64, machine metrics.Machine, records []metrics.Process, total, skipped int) *Batch {
	index := make(map[int32]int, len(records))
	for i, p := range records {
		index[p.Pid] = i
	}
	return &Batch{
		seq:     seq,
		machine: machine,
		records: records,
		index:   index,
		total:   total,
		skipped: skipped,
	}
}

func (b *Batch) Seq() uint64 { return b.seq }

func (b *Batch) Machine() metrics.Machine { return b.machine }

func (b *Batch) Taken() time.Time { return b.machine.Timestamp }

func (b *Batch) Len() int { return len(b.records) }

// Total is the live process count, including processes outside a truncated pass.
func (b *Batch) Total() int { return b.total }

func (b *Batch) Skipped() int { return b.skipped }

// Records returns a copy of the batch contents.
func (b *Batch) Records() []metrics.Process {
	return slices.Clone(b.records)
}

// Lookup returns the record for pid within this batch.
func (b *Batch) Lookup(pid int32) (metrics.Process, bool) {
	i, ok := b.index[pid]
	if !ok {
		return metrics.Process{}, false
	}
	return b.records[i], true
}

// Suspicious returns the suspicious records in batch order.
func (b *Batch) Suspicious() []metrics.Process {
	var out []metrics.Process
	for _, p := range b.records {
		if p.IsSuspicious {
			out = append(out, p)
		}
	}
	return out
}

func (b *Batch) containsSame(p metrics.Process) bool {
	prev, ok := b.Lookup(p.Pid)
	return ok && sameProcess(prev.CreateTime, p.CreateTime, prev.Name, p.Name)
}

// Selection is what the presentation layer remembers about the selected row.
type Selection struct {
	Pid        int32
	Name       string
	CreateTime int64
}

// SelectionOf captures the selection for p.
func SelectionOf(p metrics.Process) Selection {
	return Selection{Pid: p.Pid, Name: p.Name, CreateTime: p.CreateTime}
}

// Resolve re-locates a selection in this batch. It reports false when the pid
// is gone or now belongs to a different process, in which case the caller
// should clear its selection.
func (b *Batch) Resolve(sel Selection) (metrics.Process, bool) {
	p, ok := b.Lookup(sel.Pid)
	if !ok || !sameProcess(sel.CreateTime, p.CreateTime, sel.Name, p.Name) {
		return metrics.Process{}, false
	}
	return p, true
}

// sameProcess compares creation times when both are known. When only one is
// known the processes are considered different; when neither is, the names
// must match.
func sameProcess(createdA, createdB int64, nameA, nameB string) bool {
	knownA, knownB := createdA > 0, createdB > 0
	switch {
	case knownA && knownB:
		return createdA == createdB
	case knownA != knownB:
		return false
	}
	return strings.EqualFold(nameA, nameB)
}
