package web

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffypooo/proctop/internal/metrics"
	"github.com/jeffypooo/proctop/internal/monitor"
	"github.com/jeffypooo/proctop/internal/registry"
	"github.com/jeffypooo/proctop/internal/system"
)

func render(t *testing.T, v View) string {
	t.Helper()
	var sb strings.Builder
	require.NoError(t, MetricsDisplay(v).Render(context.Background(), &sb))
	return sb.String()
}

func TestMetricsDisplay(t *testing.T) {
	v := View{
		Status: monitor.Status{CPUAlert: true, State: "running"},
		Processes: []metrics.Process{
			{Pid: 7, Name: "a&b", Status: system.StatusRunning, MemBytes: 1536, IsSuspicious: true, IsNew: true},
			{Pid: 8, Name: "calm", Priority: system.UnknownPriority},
		},
	}

	html := render(t, v)
	assert.Contains(t, html, `<span class="alert">CPU 0.0%</span>`)
	assert.NotContains(t, html, `<span class="alert">RAM`)
	assert.Contains(t, html, `class="suspicious new"><td>7</td><td class="name">a&amp;b</td><td>running</td>`)
	assert.Contains(t, html, "1.5 KiB")
	assert.Contains(t, html, `"><td>8</td><td class="name">calm</td>`)
	assert.NotContains(t, html, "<th>Threads</th>")

	v.Status.Detailed = true
	html = render(t, v)
	assert.Contains(t, html, "<th>Threads</th>")
	assert.Contains(t, html, `<td>-</td><td class="name"></td></tr>`)
}

func TestIndexAdminNotice(t *testing.T) {
	q := registry.Query{Sort: registry.ProcSortPid, Limit: 5}

	var sb strings.Builder
	require.NoError(t, Index(q, false).Render(context.Background(), &sb))
	assert.Contains(t, sb.String(), "Not running as administrator")
	assert.Contains(t, sb.String(), `<option value="pid" selected>pid</option>`)
	assert.Contains(t, sb.String(), `<option value="" selected>default</option>`)

	sb.Reset()
	require.NoError(t, Index(q, true).Render(context.Background(), &sb))
	assert.NotContains(t, sb.String(), "Not running as administrator")
}
