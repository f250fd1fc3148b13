package browser

import (
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browsergrid/internal/metrics"
)

// Per-instance resource estimates. A browser process holds a baseline
// footprint plus a per-page cost; CPU is approximated from open page load.
// These feed the resource scoring axis, which only needs relative pressure.
const (
	baseBrowserMB = 150
	perPageMB     = 40
	perPageCPUPct = 5
)

// governorLoop samples process and per-instance resource usage on a fixed
// cadence, feeds the estimates to the recycling engine, and logs alerts
// when an instance crosses its limits.
func (p *Pool) governorLoop() {
	ticker := time.NewTicker(p.opts.GovernorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			log.Debug().Msg("Resource governor stopping")
			return
		case <-ticker.C:
			p.governSample()
		}
	}
}

func (p *Pool) governSample() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.MemoryUsageBytes.Set(float64(m.Alloc))
	metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))

	p.mu.Lock()
	instances := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		instances = append(instances, inst)
	}
	p.mu.Unlock()

	limits := p.opts.Limits
	for _, inst := range instances {
		snap := inst.snapshot(p.clock())
		memMB := float64(baseBrowserMB + perPageMB*snap.PageCount)
		cpuPct := float64(perPageCPUPct * snap.PageCount)
		inst.setResourceSample(memMB, cpuPct)

		if limits.MemoryLimitMB > 0 && memMB > limits.MemoryLimitMB {
			log.Warn().
				Str("instance_id", snap.ID).
				Float64("memory_mb", memMB).
				Float64("limit_mb", limits.MemoryLimitMB).
				Msg("Browser over memory limit")
			inst.flagForRecycle(ReasonMemoryPressure)
		}
		if limits.CPULimitPercent > 0 && cpuPct > limits.CPULimitPercent {
			log.Warn().
				Str("instance_id", snap.ID).
				Float64("cpu_percent", cpuPct).
				Float64("limit_percent", limits.CPULimitPercent).
				Msg("Browser over CPU limit")
			inst.flagForRecycle(ReasonCPUPressure)
		}
	}

	log.Debug().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("sys_mb", m.Sys/1024/1024).
		Int("instances", len(instances)).
		Msg("Resource governor sample")
}
