// Package ratelimit provides fixed-window request limiting over pluggable
// counter backends. Counters live under `rl:{scope}:{key}` with a TTL, so
// shared backends enforce limits fleet-wide.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Rorqualx/browsergrid/internal/errdefs"
	"github.com/Rorqualx/browsergrid/internal/metrics"
)

// Subject identifies who is being limited. The strongest available
// identity wins: API key, then user id, then client IP.
type Subject struct {
	APIKeyID string
	UserID   string
	IP       string
}

// Key returns the counter key component for the subject.
func (s Subject) Key() string {
	switch {
	case s.APIKeyID != "":
		return "key:" + s.APIKeyID
	case s.UserID != "":
		return "user:" + s.UserID
	default:
		return "ip:" + s.IP
	}
}

// Preset is a named limiting policy for a class of endpoints.
type Preset struct {
	Limit  int64
	Window time.Duration
	// SkipSuccessful refunds the hit when the request succeeds, so only
	// failures count. The auth preset keeps this off: successes count.
	SkipSuccessful bool
	// SkipFailed refunds the hit when the request fails.
	SkipFailed bool
	// Costs maps operation names to their cost in units. Operations not
	// listed cost DefaultCost.
	Costs       map[string]int64
	DefaultCost int64
}

func (p Preset) cost(op string) int64 {
	if c, ok := p.Costs[op]; ok {
		return c
	}
	if p.DefaultCost > 0 {
		return p.DefaultCost
	}
	return 1
}

// Built-in presets. Window sizes follow the 15-minute default window.
func DefaultPresets(window time.Duration) map[string]Preset {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return map[string]Preset{
		"auth":   {Limit: 5, Window: window},
		"api":    {Limit: 100, Window: window},
		"static": {Limit: 1000, Window: window},
	}
}

// Result reports the outcome of one hit.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
	// RetryAfter is how long until the window resets; zero when allowed.
	RetryAfter time.Duration
}

// Backend is an atomic fixed-window counter. Incr adds cost to the key's
// counter, starting the window on first touch, and returns the new count
// plus the time remaining in the window. Decr refunds a previous hit.
type Backend interface {
	Incr(ctx context.Context, key string, cost int64, window time.Duration) (int64, time.Duration, error)
	Decr(ctx context.Context, key string, cost int64) error
	Close() error
}

// Limiter applies presets to subjects against a backend.
type Limiter struct {
	backend Backend
	presets map[string]Preset
	clock   func() time.Time
}

// New builds a limiter; presets may be nil to use the defaults.
func New(backend Backend, presets map[string]Preset, clock func() time.Time) *Limiter {
	if presets == nil {
		presets = DefaultPresets(0)
	}
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{backend: backend, presets: presets, clock: clock}
}

// Preset looks up a policy by scope name.
func (l *Limiter) Preset(scope string) (Preset, bool) {
	p, ok := l.presets[scope]
	return p, ok
}

// Allow records one hit for the operation under the scope's preset and
// reports whether it fits the window.
func (l *Limiter) Allow(ctx context.Context, scope, op string, subject Subject) (*Result, error) {
	preset, ok := l.presets[scope]
	if !ok {
		return nil, fmt.Errorf("unknown rate limit scope %q", scope)
	}
	cost := preset.cost(op)
	key := counterKey(scope, subject)

	count, remaining, err := l.backend.Incr(ctx, key, cost, preset.Window)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Limit:   preset.Limit,
		ResetAt: l.clock().Add(remaining),
	}
	if count > preset.Limit {
		res.Allowed = false
		res.Remaining = 0
		res.RetryAfter = remaining
		metrics.RateLimitRejections.WithLabelValues(scope).Inc()
		return res, nil
	}
	res.Allowed = true
	res.Remaining = preset.Limit - count
	return res, nil
}

// Observe refunds the hit when the preset skips this outcome. Call it
// after the request completes with whether it succeeded.
func (l *Limiter) Observe(ctx context.Context, scope, op string, subject Subject, success bool) error {
	preset, ok := l.presets[scope]
	if !ok {
		return fmt.Errorf("unknown rate limit scope %q", scope)
	}
	if (success && preset.SkipSuccessful) || (!success && preset.SkipFailed) {
		return l.backend.Decr(ctx, counterKey(scope, subject), preset.cost(op))
	}
	return nil
}

// Close releases the backend.
func (l *Limiter) Close() error {
	return l.backend.Close()
}

// Err converts a rejected result into the canonical error.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%w: retry after %s", errdefs.ErrRateLimited, r.RetryAfter.Round(time.Second))
}

func counterKey(scope string, subject Subject) string {
	return "rl:" + scope + ":" + subject.Key()
}

// MemoryBackend keeps windows in-process.
type MemoryBackend struct {
	mu      sync.Mutex
	windows map[string]*memWindow
	clock   func() time.Time
}

type memWindow struct {
	count   int64
	resetAt time.Time
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend builds the in-process counter; clock may be nil.
func NewMemoryBackend(clock func() time.Time) *MemoryBackend {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryBackend{windows: make(map[string]*memWindow), clock: clock}
}

func (b *MemoryBackend) Incr(_ context.Context, key string, cost int64, window time.Duration) (int64, time.Duration, error) {
	now := b.clock()
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &memWindow{resetAt: now.Add(window)}
		b.windows[key] = w

		// Expired windows for other keys are dropped opportunistically.
		for k, other := range b.windows {
			if !now.Before(other.resetAt) && k != key {
				delete(b.windows, k)
			}
		}
	}
	w.count += cost
	return w.count, w.resetAt.Sub(now), nil
}

func (b *MemoryBackend) Decr(_ context.Context, key string, cost int64) error {
	now := b.clock()
	b.mu.Lock()
	defer b.mu.Unlock()

	if w, ok := b.windows[key]; ok && now.Before(w.resetAt) {
		w.count -= cost
		if w.count < 0 {
			w.count = 0
		}
	}
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
