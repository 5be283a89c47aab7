package registry

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/jeffypooo/proctop/internal/metrics"
)

type SortDirection string

const (
	// SortDirectionDefault uses the key's conventional order: ascending for
	// name and pid, descending (heaviest first) for cpu and mem.
	SortDirectionDefault SortDirection = ""
	SortDirectionAsc     SortDirection = "asc"
	SortDirectionDesc    SortDirection = "desc"
)

type ProcSort string

const (
	ProcSortCpu  ProcSort = "cpu"
	ProcSortMem  ProcSort = "mem"
	ProcSortPid  ProcSort = "pid"
	ProcSortName ProcSort = "name"
)

// ParseProcSort accepts the sort keys plus "memory" and "ram" as aliases of mem.
func ParseProcSort(s string) (ProcSort, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cpu":
		return ProcSortCpu, nil
	case "mem", "memory", "ram":
		return ProcSortMem, nil
	case "pid":
		return ProcSortPid, nil
	case "name":
		return ProcSortName, nil
	}
	return "", fmt.Errorf("unknown sort key %q", s)
}

func ParseSortDirection(s string) (SortDirection, error) {
	switch d := SortDirection(strings.ToLower(strings.TrimSpace(s))); d {
	case SortDirectionDefault, SortDirectionAsc, SortDirectionDesc:
		return d, nil
	}
	return "", fmt.Errorf("unknown sort direction %q", s)
}

func (k ProcSort) defaultDirection() SortDirection {
	switch k {
	case ProcSortCpu, ProcSortMem:
		return SortDirectionDesc
	}
	return SortDirectionAsc
}

// Query is a filter plus an ordering, as chosen in the presentation layer.
type Query struct {
	Text      string
	Sort      ProcSort
	Direction SortDirection
	// Limit keeps the first Limit results; 0 keeps all.
	Limit int
}

// Filter keeps records whose name contains substr, case-insensitively.
// The result is always a fresh slice.
func Filter(records []metrics.Process, substr string) []metrics.Process {
	needle := strings.ToLower(substr)
	out := make([]metrics.Process, 0, len(records))
	for _, p := range records {
		if needle == "" || strings.Contains(strings.ToLower(p.Name), needle) {
			out = append(out, p)
		}
	}
	return out
}

// Sort orders records in place. Ties are broken by pid so the order is stable
// between refreshes.
func Sort(records []metrics.Process, key ProcSort, dir SortDirection) {
	if dir == SortDirectionDefault {
		dir = key.defaultDirection()
	}
	slices.SortStableFunc(records, func(a, b metrics.Process) int {
		var c int
		switch key {
		case ProcSortMem:
			c = cmp.Compare(a.MemBytes, b.MemBytes)
		case ProcSortPid:
			c = cmp.Compare(a.Pid, b.Pid)
		case ProcSortName:
			c = cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		default:
			c = cmp.Compare(a.CpuPct, b.CpuPct)
		}
		if dir == SortDirectionDesc {
			c = -c
		}
		if c == 0 {
			c = cmp.Compare(a.Pid, b.Pid)
		}
		return c
	})
}

// FilterSort applies q to records without modifying them.
func FilterSort(records []metrics.Process, q Query) []metrics.Process {
	out := Filter(records, q.Text)
	Sort(out, q.Sort, q.Direction)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
