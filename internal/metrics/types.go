package metrics

import (
	"time"

	"github.com/jeffypooo/proctop/internal/system"
)

type CpuUsage struct {
	UsagePct      float64 `json:"usage"`
	LogicalCores  int     `json:"logical_cores"`
	PhysicalCores int     `json:"physical_cores"`
}

type MemUsage struct {
	Used     uint64  `json:"used"`
	Free     uint64  `json:"free"`
	Total    uint64  `json:"total"`
	UsagePct float64 `json:"usage"`
}

type NetUsage struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	TxRate      uint64 `json:"tx_rate"` // Bytes/sec
	RxRate      uint64 `json:"rx_rate"` // Bytes/sec
	Connections int    `json:"connections"`
}

type DiskUsage struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
}

// Machine is one machine-wide sample. It is never modified after creation.
type Machine struct {
	Timestamp time.Time     `json:"timestamp"`
	CpuUsage  CpuUsage      `json:"cpu"`
	MemUsage  MemUsage      `json:"mem"`
	NetUsage  NetUsage      `json:"net"`
	DiskUsage DiskUsage     `json:"disk"`
	BootTime  time.Time     `json:"boot_time"`
	Uptime    time.Duration `json:"uptime"`
}

// Process is one process as seen by a single sampling pass. A pid only
// identifies a process within the pass that produced it; CreateTime tells
// reused pids apart across passes.
type Process struct {
	Pid           int32         `json:"pid"`
	Name          string        `json:"name"`
	Status        system.Status `json:"status"`
	CpuPct        float64       `json:"cpu_pct"`
	MemBytes      uint64        `json:"mem_bytes"`
	MemPct        float64       `json:"mem_pct"`
	Threads       int32         `json:"threads"`
	Priority      int           `json:"priority"`
	PriorityLevel system.Level  `json:"priority_level,omitempty"`
	Username      string        `json:"username,omitempty"`
	Exe           string        `json:"exe,omitempty"`
	Cmdline       string        `json:"cmdline,omitempty"`
	CreateTime    int64         `json:"create_time"`

	IsCritical   bool `json:"is_critical"`
	IsSuspicious bool `json:"is_suspicious"`
	IsNew        bool `json:"is_new"`
}

// HasCreateTime reports whether the OS reported a creation time.
func (p Process) HasCreateTime() bool {
	return p.CreateTime > 0
}

// Snapshot is the raw output of one sampling pass.
type Snapshot struct {
	Machine   Machine   `json:"machine"`
	Processes []Process `json:"processes"`
	// Total is the number of live pids before ProcLimit truncation.
	Total int `json:"total"`
	// Skipped counts processes that were enumerated but could not be read.
	Skipped int `json:"skipped"`
}

type SampleParams struct {
	// Detailed fetches owner, priority, threads, executable and command line.
	Detailed bool
	// ProcLimit truncates the enumerated pid list before enrichment; 0 means no limit.
	ProcLimit int
}
