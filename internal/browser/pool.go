// Package browser owns the pool of running browser processes. Browsers are
// heavy and crash-prone, so the pool lends them to sessions, queues waiters
// under saturation, health-checks every instance, and recycles the ones that
// age out, wear out, or degrade.
//
// Lock ordering: Pool.mu before any Instance.mu. Never hold Pool.mu across
// slow I/O; collect under the lock, act outside it.
package browser

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/browsergrid/internal/breaker"
	"github.com/Rorqualx/browsergrid/internal/config"
	"github.com/Rorqualx/browsergrid/internal/driver"
	"github.com/Rorqualx/browsergrid/internal/errdefs"
	"github.com/Rorqualx/browsergrid/internal/metrics"
)

const (
	launchRetryBackoff = 2 * time.Second
	launchAttemptsProd = 3
	disposeCloseLimit  = 4
	browserCloseGrace  = 10 * time.Second
)

// Options configure the pool.
type Options struct {
	MinSize             int
	MaxSize             int
	MaxPagesPerBrowser  int
	AcquireTimeout      time.Duration
	MaxIdleTime         time.Duration
	MaintenanceInterval time.Duration
	HealthCheckInterval time.Duration
	GovernorInterval    time.Duration

	// Production enables launch retries.
	Production bool

	Launch driver.LaunchOptions

	Limits        Limits
	Weights       Weights
	RecycleCutoff float64

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// OptionsFromConfig maps the application config onto pool options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MinSize:             cfg.PoolMinSize,
		MaxSize:             cfg.PoolMaxSize,
		MaxPagesPerBrowser:  cfg.MaxPagesPerBrowser,
		AcquireTimeout:      cfg.AcquireTimeout,
		MaxIdleTime:         cfg.MaxIdleTime,
		MaintenanceInterval: cfg.MaintenanceInterval,
		HealthCheckInterval: cfg.HealthCheckInterval,
		Production:          cfg.IsProduction(),
		Launch: driver.LaunchOptions{
			Headless:    cfg.Headless,
			BrowserPath: cfg.BrowserPath,
		},
		Limits: Limits{
			MaxLifetime:     cfg.MaxBrowserLifetime,
			MaxIdleTime:     cfg.MaxIdleTime,
			MaxUseCount:     cfg.MaxUseCount,
			MaxPageCount:    cfg.MaxPagesPerBrowser,
			MaxErrorCount:   cfg.MaxErrorCount,
			HealthThreshold: cfg.HealthThreshold,
			MemoryLimitMB:   cfg.MemoryLimitMB,
			CPULimitPercent: cfg.CPULimitPercent,
		},
		Weights:       DefaultWeights(),
		RecycleCutoff: cfg.RecycleScoreCutoff,
	}
}

func (o *Options) applyDefaults() {
	if o.MaxSize <= 0 {
		o.MaxSize = 5
	}
	if o.MinSize < 0 {
		o.MinSize = 0
	}
	if o.MinSize > o.MaxSize {
		o.MinSize = o.MaxSize
	}
	if o.MaxPagesPerBrowser <= 0 {
		o.MaxPagesPerBrowser = 10
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 30 * time.Second
	}
	if o.MaxIdleTime <= 0 {
		o.MaxIdleTime = 10 * time.Minute
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = 30 * time.Second
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = time.Minute
	}
	if o.GovernorInterval <= 0 {
		o.GovernorInterval = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// AcquireRequest asks for a browser on behalf of a session. Higher priority
// waiters are fulfilled first; FIFO within a priority.
type AcquireRequest struct {
	SessionID string
	Priority  int
}

// waiter is a queued acquisition. The fulfiller marks the instance active
// for the waiter's session before sending, so receiving from ch transfers
// ownership.
type waiter struct {
	sessionID string
	priority  int
	enqueued  time.Time
	ch        chan *Instance
}

// Pool maintains between MinSize and MaxSize browser instances.
type Pool struct {
	opts     Options
	driver   driver.Driver
	breakers *breaker.Registry
	recycler *Recycler
	clock    func() time.Time

	mu        sync.Mutex
	instances map[string]*Instance
	waiters   []*waiter
	launching int
	closed    bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	launches       atomic.Int64
	launchFailures atomic.Int64
	closes         atomic.Int64
	recycles       atomic.Int64
	healthFailures atomic.Int64
	acquires       atomic.Int64
	timeouts       atomic.Int64
	waitTotalNS    atomic.Int64
}

// NewPool creates a pool and pre-warms it to MinSize instances. It blocks
// until the warm set is ready; a launch failure during warmup tears the
// pool down and returns the error.
func NewPool(d driver.Driver, breakers *breaker.Registry, opts Options) (*Pool, error) {
	opts.applyDefaults()

	log.Info().
		Int("min_size", opts.MinSize).
		Int("max_size", opts.MaxSize).
		Bool("headless", opts.Launch.Headless).
		Msg("Initializing browser pool")

	p := &Pool{
		opts:      opts,
		driver:    d,
		breakers:  breakers,
		recycler:  NewRecycler(opts.Limits, opts.Weights, opts.RecycleCutoff),
		clock:     opts.Clock,
		instances: make(map[string]*Instance),
		stopCh:    make(chan struct{}),
	}

	for i := 0; i < opts.MinSize; i++ {
		if _, err := p.launch(context.Background()); err != nil {
			log.Error().Err(err).Int("instance_index", i).Msg("Failed to launch browser during pool warmup")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), browserCloseGrace)
			_ = p.Shutdown(shutdownCtx)
			cancel()
			return nil, fmt.Errorf("failed to warm pool instance %d: %w", i, err)
		}
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.maintenanceLoop()
	}()
	go func() {
		defer p.wg.Done()
		p.governorLoop()
	}()

	log.Info().Int("warm_instances", opts.MinSize).Msg("Browser pool initialized")
	return p, nil
}

// Acquire lends a browser instance to the session. It returns an idle
// instance (LRU), launches a new one when under capacity, or queues until
// one frees up. The context deadline bounds the wait; without one the
// configured acquire timeout applies.
func (p *Pool) Acquire(ctx context.Context, req AcquireRequest) (*Instance, error) {
	start := p.clock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.AcquireTimeout)
		defer cancel()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errdefs.ErrPoolClosed
	}

	if inst := p.idleLRULocked(); inst != nil {
		if err := inst.markActive(req.SessionID, p.clock()); err == nil {
			p.updateGaugesLocked()
			p.mu.Unlock()
			p.observeWait(start)
			return inst, nil
		}
	}

	if len(p.instances)+p.launching < p.opts.MaxSize {
		p.launching++
		p.mu.Unlock()

		inst, err := p.launch(ctx)

		p.mu.Lock()
		p.launching--
		if err == nil {
			if aerr := inst.markActive(req.SessionID, p.clock()); aerr != nil {
				err = aerr
			} else {
				p.updateGaugesLocked()
				p.mu.Unlock()
				p.observeWait(start)
				return inst, nil
			}
		}
		// Launch failed: fall through to the queue so the caller still gets
		// a chance at an instance freed by another session.
		if p.closed {
			p.mu.Unlock()
			return nil, errdefs.ErrPoolClosed
		}
	}

	w := &waiter{
		sessionID: req.SessionID,
		priority:  req.Priority,
		enqueued:  start,
		ch:        make(chan *Instance, 1),
	}
	p.enqueueLocked(w)
	p.mu.Unlock()

	select {
	case inst := <-w.ch:
		p.observeWait(start)
		return inst, nil

	case <-p.stopCh:
		if inst := p.abandonWaiter(w); inst != nil {
			p.disposeAbandoned(inst)
		}
		return nil, errdefs.ErrPoolClosed

	case <-ctx.Done():
		if inst := p.abandonWaiter(w); inst != nil {
			// Fulfilled in the race window; hand the instance back.
			p.Release(inst.ID(), req.SessionID)
			p.observeWait(start)
			return nil, ctx.Err()
		}
		p.timeouts.Add(1)
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPoolTimeout, ctx.Err())
	}
}

// abandonWaiter removes w from the queue. When w was already fulfilled it
// returns the instance the fulfiller handed over, nil otherwise.
func (p *Pool) abandonWaiter(w *waiter) *Instance {
	p.mu.Lock()
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			metrics.PoolQueueLength.Set(float64(len(p.waiters)))
			p.mu.Unlock()
			return nil
		}
	}
	p.mu.Unlock()
	// Not in the queue means the fulfiller popped it; the send cannot block
	// on the buffered channel, so the instance is there or imminent.
	return <-w.ch
}

func (p *Pool) disposeAbandoned(inst *Instance) {
	p.mu.Lock()
	p.removeLocked(inst)
	p.mu.Unlock()
	p.dispose(inst, "")
}

// enqueueLocked inserts in priority order, FIFO within equal priority.
func (p *Pool) enqueueLocked(w *waiter) {
	pos := sort.Search(len(p.waiters), func(i int) bool {
		return p.waiters[i].priority < w.priority
	})
	p.waiters = append(p.waiters, nil)
	copy(p.waiters[pos+1:], p.waiters[pos:])
	p.waiters[pos] = w
	metrics.PoolQueueLength.Set(float64(len(p.waiters)))
}

// idleLRULocked picks the idle instance with the oldest lastUsedAt.
func (p *Pool) idleLRULocked() *Instance {
	var best *Instance
	var bestUsed time.Time
	for _, inst := range p.instances {
		inst.mu.Lock()
		idle := inst.state == StateIdle
		used := inst.lastUsedAt
		inst.mu.Unlock()
		if !idle {
			continue
		}
		if best == nil || used.Before(bestUsed) {
			best = inst
			bestUsed = used
		}
	}
	return best
}

// launch starts a browser through the named breaker, verifies it by
// fetching its version, registers it idle, and starts its health monitor.
// In production a failed launch is retried twice with a short backoff.
func (p *Pool) launch(ctx context.Context) (*Instance, error) {
	attempts := 1
	if p.opts.Production {
		attempts = launchAttemptsProd
	}

	br := p.breakers.Get("browser.launch")
	var browser driver.Browser
	var err error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(launchRetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-p.stopCh:
				return nil, errdefs.ErrPoolClosed
			}
		}

		browser, err = breaker.ExecuteWithResult(br, ctx, func(ctx context.Context) (driver.Browser, error) {
			b, lerr := p.driver.Launch(ctx, p.opts.Launch)
			if lerr != nil {
				return nil, lerr
			}
			if _, verr := b.Version(ctx); verr != nil {
				_ = b.Close()
				return nil, fmt.Errorf("browser failed version check after launch: %w", verr)
			}
			return b, nil
		})
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Int("max_attempts", attempts).Msg("Browser launch failed")
	}

	if err != nil {
		p.launchFailures.Add(1)
		metrics.PoolLaunches.WithLabelValues("error").Inc()
		return nil, err
	}

	p.launches.Add(1)
	metrics.PoolLaunches.WithLabelValues("ok").Inc()

	inst := newInstance(browser, p.clock())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = browser.Close()
		return nil, errdefs.ErrPoolClosed
	}
	p.instances[inst.ID()] = inst
	p.wg.Add(1)
	go p.monitorHealth(inst)
	p.updateGaugesLocked()
	p.mu.Unlock()

	log.Debug().Str("instance_id", inst.ID()).Msg("Browser launched and registered")
	return inst, nil
}

// Release returns an instance after use. It goes back to idle unless it was
// flagged unhealthy, flagged for recycling, or the recycling engine's score
// says it is done. A second release of the same instance is logged and
// ignored.
func (p *Pool) Release(instanceID, sessionID string) {
	now := p.clock()

	p.mu.Lock()
	inst, ok := p.instances[instanceID]
	if !ok {
		p.mu.Unlock()
		log.Debug().Str("instance_id", instanceID).Msg("Release of unknown or already disposed instance")
		return
	}
	if inst.State() != StateActive {
		p.mu.Unlock()
		log.Debug().Str("instance_id", instanceID).Msg("Duplicate release ignored")
		return
	}
	if owner := inst.SessionID(); sessionID != "" && owner != sessionID {
		log.Warn().
			Str("instance_id", instanceID).
			Str("owner_session", owner).
			Str("release_session", sessionID).
			Msg("Release by non-owning session")
	}

	if p.closed {
		p.removeLocked(inst)
		p.mu.Unlock()
		p.dispose(inst, "")
		return
	}

	flagged, flagReason := inst.recycleFlag()
	eval := p.recycler.Evaluate(inst.snapshot(now))

	if flagged || eval.ShouldRecycle(p.recycler.Cutoff()) || eval.Lifecycle == LifecycleDegraded {
		reason := flagReason
		if reason == "" {
			reason = eval.PrimaryReason()
		}
		_ = inst.markRecycling(reason)
		p.removeLocked(inst)
		p.updateGaugesLocked()
		p.mu.Unlock()

		log.Info().
			Str("instance_id", instanceID).
			Str("reason", string(reason)).
			Float64("score", eval.Score).
			Msg("Recycling browser on release")
		p.dispose(inst, reason)
		p.backfill()
		return
	}

	if err := inst.markIdle(now); err != nil {
		p.removeLocked(inst)
		p.mu.Unlock()
		p.dispose(inst, "")
		return
	}
	p.fulfillWaitersLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// NewPage opens a page on the instance, refusing at the per-browser cap.
func (p *Pool) NewPage(ctx context.Context, instanceID string) (driver.Page, error) {
	p.mu.Lock()
	inst, ok := p.instances[instanceID]
	p.mu.Unlock()
	if !ok {
		return nil, errdefs.ErrBrowserDisposed
	}

	if !inst.pageOpened(p.opts.MaxPagesPerBrowser) {
		return nil, fmt.Errorf("%w: %d pages open", errdefs.ErrPageLimit, p.opts.MaxPagesPerBrowser)
	}

	br := p.breakers.Get("page.create")
	page, err := breaker.ExecuteWithResult(br, ctx, func(ctx context.Context) (driver.Page, error) {
		return inst.Browser().NewPage(ctx)
	})
	if err != nil {
		inst.pageClosed()
		inst.recordError()
		return nil, err
	}
	return page, nil
}

// PageClosed tells the pool a page on the instance was closed.
func (p *Pool) PageClosed(instanceID string) {
	p.mu.Lock()
	inst, ok := p.instances[instanceID]
	p.mu.Unlock()
	if ok {
		inst.pageClosed()
	}
}

// RecordError attributes a driver failure to the instance for scoring.
func (p *Pool) RecordError(instanceID string) {
	p.mu.Lock()
	inst, ok := p.instances[instanceID]
	p.mu.Unlock()
	if ok {
		inst.recordError()
	}
}

// fulfillWaitersLocked hands idle instances to queued waiters in priority
// order. Caller holds p.mu.
func (p *Pool) fulfillWaitersLocked() {
	now := p.clock()
	for len(p.waiters) > 0 {
		inst := p.idleLRULocked()
		if inst == nil {
			break
		}
		p.handoffLocked(inst, now)
	}
	metrics.PoolQueueLength.Set(float64(len(p.waiters)))
}

// handoffLocked activates inst for the head waiter and delivers it. When
// activation fails the instance was stolen since the scan; the waiter is
// popped only after activation so it keeps its place in the queue. Caller
// holds p.mu.
func (p *Pool) handoffLocked(inst *Instance, now time.Time) bool {
	w := p.waiters[0]
	if err := inst.markActive(w.sessionID, now); err != nil {
		return false
	}
	p.waiters = p.waiters[1:]
	w.ch <- inst
	return true
}

// maintenanceLoop runs eviction, recycling evaluation, waiter fulfillment,
// and min-size rebalancing on a fixed cadence.
func (p *Pool) maintenanceLoop() {
	ticker := time.NewTicker(p.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			log.Debug().Msg("Pool maintenance loop stopping")
			return
		case <-ticker.C:
			p.maintain()
		}
	}
}

type disposal struct {
	inst   *Instance
	reason Reason
}

func (p *Pool) maintain() {
	now := p.clock()

	// Phase one: decide under the lock, collect the victims.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	var victims []disposal
	for _, inst := range p.instances {
		snap := inst.snapshot(now)
		switch snap.State {
		case StateIdle:
			if snap.Idle > p.opts.MaxIdleTime {
				if err := inst.markRecycling(""); err == nil {
					p.removeLocked(inst)
					victims = append(victims, disposal{inst: inst})
				}
				continue
			}
			eval := p.recycler.Evaluate(snap)
			if eval.Lifecycle == LifecycleCritical {
				reason := eval.PrimaryReason()
				if err := inst.markRecycling(reason); err == nil {
					p.removeLocked(inst)
					victims = append(victims, disposal{inst: inst, reason: reason})
				}
			} else if eval.Lifecycle == LifecycleDegraded {
				inst.flagForRecycle(eval.PrimaryReason())
			}

		case StateActive:
			eval := p.recycler.Evaluate(snap)
			if eval.Lifecycle != LifecycleHealthy {
				// Never preempt the session; collect on release.
				inst.flagForRecycle(eval.PrimaryReason())
			}
		}
	}

	p.fulfillWaitersLocked()
	pendingWaiters := len(p.waiters)
	capacityLeft := p.opts.MaxSize - len(p.instances) - p.launching
	if pendingWaiters > 0 && capacityLeft > 0 {
		launches := min(pendingWaiters, capacityLeft)
		p.launching += launches
		for i := 0; i < launches; i++ {
			go p.launchForWaiter()
		}
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	// Phase two: slow disposal outside the lock.
	if len(victims) > 0 {
		eg := new(errgroup.Group)
		eg.SetLimit(disposeCloseLimit)
		for _, v := range victims {
			v := v
			eg.Go(func() error {
				p.dispose(v.inst, v.reason)
				return nil
			})
		}
		_ = eg.Wait()
	}

	p.backfill()
}

// launchForWaiter launches a browser for a queued waiter. The new instance
// registers idle, so the next fulfillment pass hands it over.
func (p *Pool) launchForWaiter() {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.AcquireTimeout)
	defer cancel()

	_, err := p.launch(ctx)

	p.mu.Lock()
	p.launching--
	if err == nil {
		p.fulfillWaitersLocked()
	}
	p.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("Launch for queued waiter failed")
	}
}

// backfill launches instances until the pool is back at MinSize.
func (p *Pool) backfill() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	deficit := p.opts.MinSize - len(p.instances) - p.launching
	if deficit <= 0 {
		p.mu.Unlock()
		return
	}
	p.launching += deficit
	p.mu.Unlock()

	for i := 0; i < deficit; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), p.opts.AcquireTimeout)
			defer cancel()
			_, err := p.launch(ctx)

			p.mu.Lock()
			p.launching--
			if err == nil {
				p.fulfillWaitersLocked()
			}
			p.mu.Unlock()

			if err != nil {
				log.Warn().Err(err).Msg("Pool backfill launch failed")
			}
		}()
	}
}

// dispose closes an instance's browser and stops its monitor. The close
// runs in a goroutine bounded by a grace period so a wedged browser cannot
// stall maintenance.
func (p *Pool) dispose(inst *Instance, reason Reason) {
	inst.stopOnce.Do(func() { close(inst.stopHealth) })
	inst.markDisposed()

	p.closes.Add(1)
	if reason != "" {
		p.recycles.Add(1)
		metrics.PoolRecycles.WithLabelValues(string(reason)).Inc()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := inst.Browser().Close(); err != nil {
			log.Warn().Err(err).Str("instance_id", inst.ID()).Msg("Error closing browser")
		}
	}()

	select {
	case <-done:
	case <-time.After(browserCloseGrace):
		log.Warn().Str("instance_id", inst.ID()).Msg("Browser close timed out")
	}
}

// removeLocked drops the instance from the tracking map. Caller holds p.mu.
func (p *Pool) removeLocked(inst *Instance) {
	delete(p.instances, inst.ID())
}

// updateGaugesLocked refreshes the per-state instance gauges. Caller holds
// p.mu.
func (p *Pool) updateGaugesLocked() {
	counts := map[InstanceState]int{}
	for _, inst := range p.instances {
		counts[inst.State()]++
	}
	for _, state := range []InstanceState{StateIdle, StateActive, StateUnhealthy, StateRecycling} {
		metrics.PoolInstances.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (p *Pool) observeWait(start time.Time) {
	wait := p.clock().Sub(start)
	p.acquires.Add(1)
	p.waitTotalNS.Add(int64(wait))
	metrics.PoolAcquireWait.Observe(wait.Seconds())
}

// Metrics is a point-in-time view of the pool.
type Metrics struct {
	Idle           int     `json:"idle"`
	Active         int     `json:"active"`
	Unhealthy      int     `json:"unhealthy"`
	Recycling      int     `json:"recycling"`
	QueueLength    int     `json:"queue_length"`
	Utilization    float64 `json:"utilization"`
	AvgAcquireWait float64 `json:"avg_acquire_wait_ms"`
	Launches       int64   `json:"launches"`
	LaunchFailures int64   `json:"launch_failures"`
	Closes         int64   `json:"closes"`
	Recycles       int64   `json:"recycles"`
	HealthFailures int64   `json:"health_failures"`
	Timeouts       int64   `json:"timeouts"`
}

// Metrics returns the pool's current counters.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	counts := map[InstanceState]int{}
	for _, inst := range p.instances {
		counts[inst.State()]++
	}
	queue := len(p.waiters)
	p.mu.Unlock()

	m := Metrics{
		Idle:           counts[StateIdle],
		Active:         counts[StateActive],
		Unhealthy:      counts[StateUnhealthy],
		Recycling:      counts[StateRecycling],
		QueueLength:    queue,
		Launches:       p.launches.Load(),
		LaunchFailures: p.launchFailures.Load(),
		Closes:         p.closes.Load(),
		Recycles:       p.recycles.Load(),
		HealthFailures: p.healthFailures.Load(),
		Timeouts:       p.timeouts.Load(),
	}
	if total := m.Idle + m.Active; total > 0 {
		m.Utilization = float64(m.Active) / float64(total)
	}
	if acquires := p.acquires.Load(); acquires > 0 {
		m.AvgAcquireWait = float64(p.waitTotalNS.Load()) / float64(acquires) / float64(time.Millisecond)
	}
	return m
}

// Snapshots returns a copy of every instance's current counters.
func (p *Pool) Snapshots() []Snapshot {
	now := p.clock()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, 0, len(p.instances))
	for _, inst := range p.instances {
		out = append(out, inst.snapshot(now))
	}
	return out
}

// Shutdown stops admitting acquisitions, fails queued waiters, closes idle
// instances immediately, waits for active ones up to the context deadline,
// then force-closes the remainder. Safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	log.Info().Msg("Shutting down browser pool")
	// Queued waiters observe stopCh and remove themselves with ErrPoolClosed.
	close(p.stopCh)

	// Idle instances go immediately.
	p.mu.Lock()
	var idle []*Instance
	for _, inst := range p.instances {
		if inst.State() != StateActive {
			p.removeLocked(inst)
			idle = append(idle, inst)
		}
	}
	p.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(disposeCloseLimit)
	for _, inst := range idle {
		inst := inst
		eg.Go(func() error {
			p.dispose(inst, "")
			return nil
		})
	}
	_ = eg.Wait()

	// Active instances drain through Release until the grace deadline.
	graceExpired := false
	for {
		p.mu.Lock()
		remaining := len(p.instances)
		p.mu.Unlock()
		if remaining == 0 {
			break
		}
		if graceExpired {
			break
		}
		select {
		case <-ctx.Done():
			graceExpired = true
		case <-time.After(100 * time.Millisecond):
		}
	}

	// Force-close whatever is left.
	p.mu.Lock()
	var leftover []*Instance
	for _, inst := range p.instances {
		p.removeLocked(inst)
		leftover = append(leftover, inst)
	}
	p.mu.Unlock()

	if len(leftover) > 0 {
		log.Warn().Int("count", len(leftover)).Msg("Force-closing browsers still active at shutdown deadline")
		eg := new(errgroup.Group)
		eg.SetLimit(disposeCloseLimit)
		for _, inst := range leftover {
			inst := inst
			eg.Go(func() error {
				p.dispose(inst, "")
				return nil
			})
		}
		_ = eg.Wait()
	}

	// Wait for monitors and loops, bounded.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(browserCloseGrace):
		log.Warn().Msg("Timeout waiting for pool background goroutines")
	}

	p.mu.Lock()
	p.updateGaugesLocked()
	p.mu.Unlock()

	log.Info().
		Int64("launches", p.launches.Load()).
		Int64("recycles", p.recycles.Load()).
		Int64("closes", p.closes.Load()).
		Msg("Browser pool closed")
	return nil
}
