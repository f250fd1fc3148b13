package browser

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browsergrid/internal/metrics"
)

// unhealthyAfter is the consecutive-failure count that marks an instance
// unhealthy.
const unhealthyAfter = 3

// healthCheckTimeout bounds a single liveness ping.
const healthCheckTimeout = 5 * time.Second

// monitorHealth pings the instance's browser every interval until the
// instance's stop channel or the pool's stop channel closes. The version
// fetch doubles as the liveness probe: it exercises the full protocol
// round-trip without touching any page.
//
// The active session is never preempted; on the third consecutive failure
// the onUnhealthy callback flags the instance so the next release disposes
// it, and disposes it immediately if it sits idle.
func (p *Pool) monitorHealth(inst *Instance) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-inst.stopHealth:
			return
		case <-ticker.C:
			if inst.State() == StateDisposed {
				return
			}
			p.checkInstance(inst)
		}
	}
}

// checkInstance runs one health check and drives the failure counter.
func (p *Pool) checkInstance(inst *Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	start := p.clock()
	_, err := inst.Browser().Version(ctx)
	metrics.HealthCheckDuration.Observe(p.clock().Sub(start).Seconds())

	if err == nil {
		inst.healthCheckPassed()
		return
	}

	metrics.HealthCheckFailures.Inc()
	p.healthFailures.Add(1)
	fails := inst.healthCheckFailed()

	log.Warn().
		Str("instance_id", inst.ID()).
		Int("consecutive_failures", fails).
		Err(err).
		Msg("Browser health check failed")

	if fails >= unhealthyAfter {
		p.onUnhealthy(inst)
	}
}

// onUnhealthy withdraws a failed instance. Idle instances are disposed
// immediately; active ones are flagged and collected on release.
func (p *Pool) onUnhealthy(inst *Instance) {
	p.mu.Lock()
	state := inst.State()
	switch state {
	case StateIdle:
		if err := inst.markUnhealthy(); err != nil {
			p.mu.Unlock()
			return
		}
		p.removeLocked(inst)
		p.mu.Unlock()

		log.Info().Str("instance_id", inst.ID()).Msg("Disposing unhealthy idle browser")
		p.dispose(inst, ReasonHealthDegradation)
		p.backfill()

	case StateActive:
		p.mu.Unlock()
		inst.flagForRecycle(ReasonHealthDegradation)
		log.Info().
			Str("instance_id", inst.ID()).
			Str("session_id", inst.SessionID()).
			Msg("Active browser unhealthy, flagged for disposal on release")

	default:
		p.mu.Unlock()
	}
}
