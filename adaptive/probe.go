package adaptive

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/krishna-kudari/limitd/metrics"
)

// SystemProbe is the default HealthProvider: host CPU and memory from
// gopsutil, latency and error rate from the metrics collector, and backend
// reachability from the store.
type SystemProbe struct {
	collector *metrics.Collector
	backendUp func(ctx context.Context) bool
}

var _ HealthProvider = (*SystemProbe)(nil)

// NewSystemProbe creates a probe. backendUp may be nil for local-only
// deployments; the backend is then reported healthy.
func NewSystemProbe(collector *metrics.Collector, backendUp func(ctx context.Context) bool) *SystemProbe {
	return &SystemProbe{collector: collector, backendUp: backendUp}
}

// Health samples the host and the collector.
func (p *SystemProbe) Health(ctx context.Context) (Health, error) {
	h := Health{RedisHealthy: true}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Health{}, err
	}
	if len(percents) > 0 {
		h.CPULoad = percents[0] / 100
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Health{}, err
	}
	h.MemoryUsed = vm.Used
	h.MemoryMax = vm.Total

	if p.collector != nil {
		h.P95LatencyMs = float64(p.collector.P95Latency().Microseconds()) / 1000
		h.ErrorRate = p.collector.ErrorRate()
	}
	if p.backendUp != nil {
		h.RedisHealthy = p.backendUp(ctx)
	}
	return h, nil
}
