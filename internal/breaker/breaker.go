// Package breaker provides per-operation circuit breakers for driver calls.
// A breaker isolates a failing operation (browser launch, page navigation)
// so a crashing browser fleet does not cascade into every request.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browsergrid/internal/errdefs"
	"github.com/Rorqualx/browsergrid/internal/metrics"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Policy decides when a closed breaker trips.
type Policy string

const (
	// PolicyConsecutive trips after FailureThreshold failures in a row.
	PolicyConsecutive Policy = "consecutive"
	// PolicyPercentage trips when the windowed failure rate exceeds
	// FailureRatePercent, given minimum throughput.
	PolicyPercentage Policy = "percentage"
	// PolicyEWMA trips when an exponentially weighted failure average
	// exceeds EWMAThreshold, given minimum throughput.
	PolicyEWMA Policy = "ewma"
)

// EventType tags a breaker event.
type EventType string

const (
	EventStateChange EventType = "state_change"
	EventSuccess     EventType = "success"
	EventFailure     EventType = "failure"
	EventRejection   EventType = "rejection"
	EventTimeout     EventType = "timeout"
)

// Event is emitted on every breaker transition and call outcome.
type Event struct {
	Breaker string
	Type    EventType
	From    State
	To      State
	Err     error
	At      time.Time
}

// Config configures a circuit breaker.
type Config struct {
	// Name identifies the protected operation, e.g. "browser.launch".
	Name string

	// Policy selects the trip condition. Default is PolicyConsecutive.
	Policy Policy

	// FailureThreshold is the consecutive-failure trip count.
	FailureThreshold int

	// FailureRatePercent is the windowed failure rate (0-100) for
	// PolicyPercentage.
	FailureRatePercent float64

	// EWMAAlpha and EWMAThreshold tune PolicyEWMA. The average tracks
	// a 0/1 failure indicator, so the threshold is a rate in [0,1].
	EWMAAlpha     float64
	EWMAThreshold float64

	// SuccessThreshold is the number of half-open successes to close.
	SuccessThreshold int

	// Window bounds the rolling failure/request counts.
	Window time.Duration

	// MinimumThroughput is the windowed request count below which the
	// breaker never opens.
	MinimumThroughput int

	// Timeout is how long the circuit stays open before probing.
	// Repeated open cycles extend it by BackoffFactor up to MaxTimeout.
	Timeout       time.Duration
	MaxTimeout    time.Duration
	BackoffFactor float64

	// Fallback, when set, is invoked for rejected calls.
	Fallback func(ctx context.Context) (any, error)

	// CacheTTL keeps the last successful result available to rejected
	// callers when no fallback is set. Zero disables the cache.
	CacheTTL time.Duration

	// OnStateChange is called on every transition.
	OnStateChange func(from, to State)

	// OnEvent receives all events in order, after the breaker has
	// released its lock; listeners may call back into the breaker.
	OnEvent func(Event)

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Policy == "" {
		c.Policy = PolicyConsecutive
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureRatePercent <= 0 {
		c.FailureRatePercent = 50
	}
	if c.EWMAAlpha <= 0 || c.EWMAAlpha > 1 {
		c.EWMAAlpha = 0.3
	}
	if c.EWMAThreshold <= 0 {
		c.EWMAThreshold = 0.5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxTimeout < c.Timeout {
		c.MaxTimeout = 10 * c.Timeout
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type sample struct {
	at      time.Time
	failure bool
}

// Breaker is a single named circuit breaker.
type Breaker struct {
	config Config

	mu              sync.Mutex
	state           State
	samples         []sample
	consecutiveFail int
	halfOpenSuccess int
	probeInFlight   bool
	ewma            float64
	ewmaPrimed      bool
	currentTimeout  time.Duration
	lastStateChange time.Time
	openedAt        time.Time

	cached   any
	cachedAt time.Time

	// pending buffers events raised while the lock is held; flush
	// delivers them after release.
	pending []Event
}

// New creates a breaker and registers its state gauge.
func New(config Config) *Breaker {
	config.applyDefaults()
	b := &Breaker{
		config:          config,
		state:           StateClosed,
		currentTimeout:  config.Timeout,
		lastStateChange: config.Clock(),
	}
	metrics.BreakerState.WithLabelValues(config.Name).Set(0)
	return b
}

// Name returns the protected operation name.
func (b *Breaker) Name() string {
	return b.config.Name
}

// Execute runs fn with breaker protection.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := ExecuteWithResult(b, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteWithResult runs a value-returning function with breaker protection.
// Rejected calls invoke the fallback if configured, then fall back to the
// cached last success within its TTL.
func ExecuteWithResult[T any](b *Breaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	err := b.admit()
	b.flush()
	if err != nil {
		if b.config.Fallback != nil {
			v, ferr := b.config.Fallback(ctx)
			if ferr != nil {
				return zero, ferr
			}
			typed, ok := v.(T)
			if !ok {
				return zero, err
			}
			return typed, nil
		}
		if cached, ok := b.cachedResult(); ok {
			if typed, ok := cached.(T); ok {
				return typed, nil
			}
		}
		return zero, err
	}

	result, err := fn(ctx)
	b.record(err)
	b.flush()
	if err == nil && b.config.CacheTTL > 0 {
		b.storeCache(result)
	}
	return result, err
}

// admit decides whether a call may proceed, transitioning open → half-open
// when the timeout has elapsed. Half-open admits exactly one probe.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Clock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if now.Sub(b.openedAt) >= b.currentTimeout {
			b.transitionTo(StateHalfOpen, now)
			b.probeInFlight = true
			return nil
		}
		b.reject(now)
		return errdefs.ErrCircuitOpen

	case StateHalfOpen:
		if b.probeInFlight {
			b.reject(now)
			return errdefs.ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

func (b *Breaker) reject(now time.Time) {
	metrics.BreakerRejections.WithLabelValues(b.config.Name).Inc()
	b.emit(Event{Breaker: b.config.Name, Type: EventRejection, From: b.state, To: b.state, At: now})
}

// record folds one call outcome into the windows and drives transitions.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Clock()
	failed := err != nil

	b.samples = append(b.samples, sample{at: now, failure: failed})
	b.prune(now)

	if b.ewmaPrimed {
		indicator := 0.0
		if failed {
			indicator = 1
		}
		b.ewma = b.config.EWMAAlpha*indicator + (1-b.config.EWMAAlpha)*b.ewma
	} else {
		if failed {
			b.ewma = 1
		}
		b.ewmaPrimed = true
	}

	eventType := EventSuccess
	if failed {
		eventType = EventFailure
	}
	b.emit(Event{Breaker: b.config.Name, Type: eventType, From: b.state, To: b.state, Err: err, At: now})

	if failed {
		b.consecutiveFail++
	} else {
		b.consecutiveFail = 0
	}

	switch b.state {
	case StateClosed:
		if failed && b.shouldTrip() {
			b.extendTimeoutLocked(false)
			b.transitionTo(StateOpen, now)
		}

	case StateHalfOpen:
		b.probeInFlight = false
		if failed {
			b.halfOpenSuccess = 0
			b.extendTimeoutLocked(true)
			b.transitionTo(StateOpen, now)
			return
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed, now)
		}
	}
}

// shouldTrip evaluates the configured policy over the rolling window.
// Caller holds the lock.
func (b *Breaker) shouldTrip() bool {
	requests := len(b.samples)
	if requests < b.config.MinimumThroughput {
		return false
	}

	switch b.config.Policy {
	case PolicyPercentage:
		failures := 0
		for _, s := range b.samples {
			if s.failure {
				failures++
			}
		}
		if requests == 0 {
			return false
		}
		return float64(failures)/float64(requests)*100 >= b.config.FailureRatePercent

	case PolicyEWMA:
		return b.ewma >= b.config.EWMAThreshold

	default:
		return b.consecutiveFail >= b.config.FailureThreshold
	}
}

// extendTimeoutLocked applies exponential backoff to the open timeout.
// The first trip from closed uses the base timeout; re-opens extend it.
func (b *Breaker) extendTimeoutLocked(reopen bool) {
	if !reopen {
		b.currentTimeout = b.config.Timeout
		return
	}
	next := time.Duration(float64(b.currentTimeout) * b.config.BackoffFactor)
	if next > b.config.MaxTimeout {
		next = b.config.MaxTimeout
	}
	b.currentTimeout = next
	b.emit(Event{Breaker: b.config.Name, Type: EventTimeout, From: b.state, To: b.state, At: b.config.Clock()})
}

// prune drops samples older than the window. Caller holds the lock.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.config.Window)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
}

// transitionTo changes state. Caller holds the lock.
func (b *Breaker) transitionTo(newState State, now time.Time) {
	if b.state == newState {
		return
	}
	oldState := b.state
	b.state = newState
	b.lastStateChange = now

	switch newState {
	case StateOpen:
		b.openedAt = now
		b.halfOpenSuccess = 0
		b.probeInFlight = false
		metrics.BreakerState.WithLabelValues(b.config.Name).Set(2)
	case StateHalfOpen:
		b.halfOpenSuccess = 0
		metrics.BreakerState.WithLabelValues(b.config.Name).Set(1)
	case StateClosed:
		b.samples = b.samples[:0]
		b.consecutiveFail = 0
		b.halfOpenSuccess = 0
		b.probeInFlight = false
		b.ewma = 0
		b.ewmaPrimed = false
		b.currentTimeout = b.config.Timeout
		metrics.BreakerState.WithLabelValues(b.config.Name).Set(0)
	}

	log.Info().
		Str("breaker", b.config.Name).
		Str("from", oldState.String()).
		Str("to", newState.String()).
		Msg("Circuit breaker state change")

	b.emit(Event{Breaker: b.config.Name, Type: EventStateChange, From: oldState, To: newState, At: now})

	if b.config.OnStateChange != nil {
		// Async so a slow listener cannot block the caller.
		go b.config.OnStateChange(oldState, newState)
	}
}

// emit queues an event for delivery. Caller holds the lock.
func (b *Breaker) emit(e Event) {
	if b.config.OnEvent != nil {
		b.pending = append(b.pending, e)
	}
}

// flush delivers queued events in order, outside the lock, so a listener
// may call back into the breaker.
func (b *Breaker) flush() {
	if b.config.OnEvent == nil {
		return
	}
	b.mu.Lock()
	events := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, e := range events {
		b.config.OnEvent(e)
	}
}

func (b *Breaker) storeCache(v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cached = v
	b.cachedAt = b.config.Clock()
}

func (b *Breaker) cachedResult() (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.config.CacheTTL <= 0 || b.cached == nil {
		return nil, false
	}
	if b.config.Clock().Sub(b.cachedAt) > b.config.CacheTTL {
		return nil, false
	}
	return b.cached, true
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name            string        `json:"name"`
	State           string        `json:"state"`
	Requests        int           `json:"requests"`
	Failures        int           `json:"failures"`
	ConsecutiveFail int           `json:"consecutive_failures"`
	CurrentTimeout  time.Duration `json:"current_timeout"`
	LastStateChange time.Time     `json:"last_state_change"`
}

// Stats returns the breaker's windowed counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(b.config.Clock())
	failures := 0
	for _, s := range b.samples {
		if s.failure {
			failures++
		}
	}
	return Stats{
		Name:            b.config.Name,
		State:           b.state.String(),
		Requests:        len(b.samples),
		Failures:        failures,
		ConsecutiveFail: b.consecutiveFail,
		CurrentTimeout:  b.currentTimeout,
		LastStateChange: b.lastStateChange,
	}
}

// Reset forces the breaker closed and clears its windows.
func (b *Breaker) Reset() {
	b.mu.Lock()
	if b.state == StateClosed {
		b.samples = b.samples[:0]
		b.consecutiveFail = 0
		b.ewma = 0
		b.ewmaPrimed = false
		b.mu.Unlock()
		return
	}
	b.transitionTo(StateClosed, b.config.Clock())
	b.mu.Unlock()
	b.flush()
}
