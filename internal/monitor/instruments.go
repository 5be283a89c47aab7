package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jeffypooo/proctop/internal/registry"
	"github.com/jeffypooo/proctop/internal/scheduler"
)

const namespace = "proctop"

type instruments struct {
	sampleDuration prometheus.Histogram
	ticks          *prometheus.CounterVec
	processes      prometheus.Gauge
	suspicious     prometheus.Gauge
	machineCPU     prometheus.Gauge
	machineRAM     prometheus.Gauge
}

func newInstruments(reg prometheus.Registerer) (*instruments, error) {
	in := &instruments{
		sampleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sample_duration_seconds",
			Help:      "Time taken by one sampling pass.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduler ticks by result.",
		}, []string{"result"}),
		processes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processes",
			Help:      "Processes in the latest batch.",
		}),
		suspicious: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "suspicious_processes",
			Help:      "Processes over the CPU or memory threshold in the latest batch.",
		}),
		machineCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "machine_cpu_percent",
			Help:      "Machine-wide CPU usage in the latest batch.",
		}),
		machineRAM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "machine_ram_percent",
			Help:      "Machine-wide memory usage in the latest batch.",
		}),
	}
	if reg == nil {
		return in, nil
	}
	for _, c := range []prometheus.Collector{in.sampleDuration, in.ticks, in.processes, in.suspicious, in.machineCPU, in.machineRAM} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return in, nil
}

func (in *instruments) observeTick(r scheduler.Result, took time.Duration) {
	in.ticks.WithLabelValues(string(r)).Inc()
	if r != scheduler.ResultDropped {
		in.sampleDuration.Observe(took.Seconds())
	}
}

func (in *instruments) observeBatch(b *registry.Batch) {
	m := b.Machine()
	in.processes.Set(float64(b.Len()))
	in.suspicious.Set(float64(len(b.Suspicious())))
	in.machineCPU.Set(m.CpuUsage.UsagePct)
	in.machineRAM.Set(m.MemUsage.UsagePct)
}
