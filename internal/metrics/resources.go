package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

var (
	ProcessMemoryBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "etl_process_memory_bytes",
			Help: "Process memory usage",
		},
		[]string{"type"}, // rss | heap_alloc
	)

	ProcessCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "etl_process_cpu_percent",
		Help: "Process CPU usage percentage",
	})

	Goroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "etl_goroutines",
		Help: "Number of goroutines",
	})
)

// ResourceSampler periodically feeds the process gauges. Only started in
// daemon mode; one-shot runs are too short to be worth sampling.
type ResourceSampler struct {
	interval time.Duration
	logger   *logrus.Logger
}

func NewResourceSampler(interval time.Duration, logger *logrus.Logger) *ResourceSampler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ResourceSampler{interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled.
func (rs *ResourceSampler) Run(ctx context.Context) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		rs.logger.WithError(err).Warn("Resource sampler disabled: cannot open own process")
		return
	}

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.sample(proc)
		}
	}
}

func (rs *ResourceSampler) sample(proc *process.Process) {
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		ProcessMemoryBytes.WithLabelValues("rss").Set(float64(mem.RSS))
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		ProcessCPUPercent.Set(cpu)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	ProcessMemoryBytes.WithLabelValues("heap_alloc").Set(float64(ms.HeapAlloc))
	Goroutines.Set(float64(runtime.NumGoroutine()))
}
