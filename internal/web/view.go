package web

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jeffypooo/proctop/internal/format"
	"github.com/jeffypooo/proctop/internal/metrics"
	"github.com/jeffypooo/proctop/internal/monitor"
	"github.com/jeffypooo/proctop/internal/registry"
	"github.com/jeffypooo/proctop/internal/system"
)

// View is everything MetricsDisplay renders.
type View struct {
	Status    monitor.Status
	Processes []metrics.Process
	Query     registry.Query
}

var (
	sortKeys       = []registry.ProcSort{registry.ProcSortCpu, registry.ProcSortMem, registry.ProcSortPid, registry.ProcSortName}
	sortDirections = []registry.SortDirection{registry.SortDirectionDefault, registry.SortDirectionAsc, registry.SortDirectionDesc}
)

func directionLabel(d registry.SortDirection) string {
	if d == registry.SortDirectionDefault {
		return "default"
	}
	return string(d)
}

func cpuLabel(st monitor.Status) string {
	return "CPU " + format.Percent(st.Machine.CpuUsage.UsagePct)
}

func cpuDetail(st monitor.Status) string {
	c := st.Machine.CpuUsage
	return fmt.Sprintf(" (avg %s, %d/%d cores) | ", format.Percent(st.AvgCPU), c.PhysicalCores, c.LogicalCores)
}

func ramLabel(st monitor.Status) string {
	return "RAM " + format.Percent(st.Machine.MemUsage.UsagePct)
}

func ramDetail(st monitor.Status) string {
	m := st.Machine.MemUsage
	return fmt.Sprintf(" (%s / %s, avg %s) | ", format.Bytes(m.Used), format.Bytes(m.Total), format.Percent(st.AvgRAM))
}

func hostDetail(st monitor.Status) string {
	m := st.Machine
	return fmt.Sprintf("Disk %s %s | Net %s up, %s down, %d connections | Uptime %s",
		m.DiskUsage.Path, format.Percent(m.DiskUsage.UsedPercent), format.Rate(m.NetUsage.TxRate),
		format.Rate(m.NetUsage.RxRate), m.NetUsage.Connections, format.Duration(m.Uptime))
}

func countsLine(v View) string {
	st := v.Status
	return fmt.Sprintf("%d shown, %d sampled, %d running, %d suspicious | %s every %s | updated %s",
		len(v.Processes), st.Processes, st.Total, st.Suspicious, st.State, st.Interval, format.Timestamp(st.Machine.Timestamp))
}

func rowClass(p metrics.Process) string {
	var cls []string
	if p.IsSuspicious {
		cls = append(cls, "suspicious")
	}
	if p.IsCritical {
		cls = append(cls, "critical")
	}
	if p.IsNew {
		cls = append(cls, "new")
	}
	return strings.Join(cls, " ")
}

func priorityLabel(p metrics.Process) string {
	if p.Priority == system.UnknownPriority {
		return "-"
	}
	if p.PriorityLevel == "" {
		return strconv.Itoa(p.Priority)
	}
	return fmt.Sprintf("%s (%d)", p.PriorityLevel, p.Priority)
}
