package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Rorqualx/browsergrid/internal/errdefs"
)

var errBoom = errors.New("boom")

// fakeClock is a manually advanced clock for deterministic timeout tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testBreaker(clock *fakeClock, overrides func(*Config)) *Breaker {
	config := Config{
		Name:             "test.op",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
		Window:           time.Minute,
		Clock:            clock.Now,
	}
	if overrides != nil {
		overrides(&config)
	}
	return New(config)
}

func fail(b *Breaker) error {
	return b.Execute(context.Background(), func(context.Context) error { return errBoom })
}

func succeed(b *Breaker) error {
	return b.Execute(context.Background(), func(context.Context) error { return nil })
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := testBreaker(clock, nil)

	for i := 0; i < 2; i++ {
		if err := fail(b); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected underlying error, got %v", i, err)
		}
		if b.State() != StateClosed {
			t.Fatalf("call %d: breaker opened early", i)
		}
	}

	fail(b)
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", b.State())
	}

	if err := succeed(b); !errors.Is(err, errdefs.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen while open, got %v", err)
	}
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	clock := newFakeClock()
	b := testBreaker(clock, nil)

	fail(b)
	fail(b)
	succeed(b)
	fail(b)
	fail(b)

	if b.State() != StateClosed {
		t.Fatalf("success should reset the failure streak, got %v", b.State())
	}
}

func TestBreakerMinimumThroughputGate(t *testing.T) {
	clock := newFakeClock()
	b := testBreaker(clock, func(c *Config) {
		c.MinimumThroughput = 10
	})

	for i := 0; i < 5; i++ {
		fail(b)
	}
	if b.State() != StateClosed {
		t.Fatal("breaker must not open below minimum throughput")
	}

	for i := 0; i < 5; i++ {
		fail(b)
	}
	if b.State() != StateOpen {
		t.Fatal("breaker should open once throughput is met")
	}
}

func TestBreakerPercentagePolicy(t *testing.T) {
	clock := newFakeClock()
	b := testBreaker(clock, func(c *Config) {
		c.Policy = PolicyPercentage
		c.FailureRatePercent = 50
		c.MinimumThroughput = 4
	})

	succeed(b)
	succeed(b)
	succeed(b)
	fail(b)
	if b.State() != StateClosed {
		t.Fatal("25% failure rate should not trip a 50% breaker")
	}

	fail(b)
	fail(b)
	if b.State() != StateOpen {
		t.Fatalf("50%% failure rate should trip, got %v", b.State())
	}
}

func TestBreakerEWMAPolicy(t *testing.T) {
	clock := newFakeClock()
	b := testBreaker(clock, func(c *Config) {
		c.Policy = PolicyEWMA
		c.EWMAAlpha = 0.5
		c.EWMAThreshold = 0.6
	})

	succeed(b)
	fail(b) // ewma 0.5
	if b.State() != StateClosed {
		t.Fatal("ewma 0.5 below threshold 0.6 should stay closed")
	}
	fail(b) // ewma 0.75
	if b.State() != StateOpen {
		t.Fatalf("ewma above threshold should trip, got %v", b.State())
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	clock := newFakeClock()
	b := testBreaker(clock, nil)

	for i := 0; i < 3; i++ {
		fail(b)
	}
	clock.Advance(11 * time.Second)

	// First admitted call is the probe; hold it open and check a second
	// concurrent call is rejected.
	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Execute(context.Background(), func(context.Context) error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()
	<-probeStarted

	if err := succeed(b); !errors.Is(err, errdefs.ErrCircuitOpen) {
		t.Fatalf("second half-open call should be rejected, got %v", err)
	}

	close(probeRelease)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("one success below SuccessThreshold should stay half-open, got %v", b.State())
	}

	if err := succeed(b); err != nil {
		t.Fatalf("second probe failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after success threshold, got %v", b.State())
	}
}

func TestBreakerHalfOpenFailureReopensWithBackoff(t *testing.T) {
	clock := newFakeClock()
	b := testBreaker(clock, func(c *Config) {
		c.BackoffFactor = 2
		c.MaxTimeout = time.Minute
	})

	for i := 0; i < 3; i++ {
		fail(b)
	}
	clock.Advance(11 * time.Second)
	fail(b) // probe fails, reopen with doubled timeout

	if b.State() != StateOpen {
		t.Fatalf("expected reopened, got %v", b.State())
	}
	if got := b.Stats().CurrentTimeout; got != 20*time.Second {
		t.Fatalf("expected backed-off timeout 20s, got %v", got)
	}

	// Old timeout has not elapsed against the extended value.
	clock.Advance(11 * time.Second)
	if err := succeed(b); !errors.Is(err, errdefs.ErrCircuitOpen) {
		t.Fatalf("extended timeout must still reject, got %v", err)
	}

	clock.Advance(10 * time.Second)
	succeed(b)
	succeed(b)
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
	if got := b.Stats().CurrentTimeout; got != 10*time.Second {
		t.Fatalf("close should reset timeout to base, got %v", got)
	}
}

func TestBreakerBackoffCap(t *testing.T) {
	clock := newFakeClock()
	b := testBreaker(clock, func(c *Config) {
		c.Timeout = 10 * time.Second
		c.MaxTimeout = 25 * time.Second
		c.BackoffFactor = 2
	})

	for i := 0; i < 3; i++ {
		fail(b)
	}
	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		fail(b) // failed probe, backoff each cycle
	}
	if got := b.Stats().CurrentTimeout; got != 25*time.Second {
		t.Fatalf("timeout should cap at MaxTimeout, got %v", got)
	}
}

func TestBreakerFallback(t *testing.T) {
	clock := newFakeClock()
	b := testBreaker(clock, func(c *Config) {
		c.Fallback = func(context.Context) (any, error) {
			return "fallback-value", nil
		}
	})

	for i := 0; i < 3; i++ {
		fail(b)
	}

	got, err := ExecuteWithResult(b, context.Background(), func(context.Context) (string, error) {
		return "live", nil
	})
	if err != nil {
		t.Fatalf("fallback should mask the rejection, got %v", err)
	}
	if got != "fallback-value" {
		t.Fatalf("expected fallback value, got %q", got)
	}
}

func TestBreakerCachedResult(t *testing.T) {
	clock := newFakeClock()
	b := testBreaker(clock, func(c *Config) {
		c.CacheTTL = 30 * time.Second
	})

	if _, err := ExecuteWithResult(b, context.Background(), func(context.Context) (string, error) {
		return "good", nil
	}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		fail(b)
	}

	got, err := ExecuteWithResult(b, context.Background(), func(context.Context) (string, error) {
		return "live", nil
	})
	if err != nil {
		t.Fatalf("cached result should serve rejected calls, got %v", err)
	}
	if got != "good" {
		t.Fatalf("expected cached value, got %q", got)
	}

	clock.Advance(31 * time.Second)
	// Past the cache TTL but before the open timeout the rejection shows.
	b2 := testBreaker(clock, func(c *Config) {
		c.CacheTTL = 5 * time.Second
		c.Timeout = time.Hour
	})
	ExecuteWithResult(b2, context.Background(), func(context.Context) (string, error) {
		return "stale", nil
	})
	for i := 0; i < 3; i++ {
		fail(b2)
	}
	clock.Advance(6 * time.Second)
	if _, err := ExecuteWithResult(b2, context.Background(), func(context.Context) (string, error) {
		return "live", nil
	}); !errors.Is(err, errdefs.ErrCircuitOpen) {
		t.Fatalf("expired cache must not serve, got %v", err)
	}
}

func TestBreakerEvents(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var events []Event
	b := testBreaker(clock, func(c *Config) {
		c.OnEvent = func(e Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		}
	})

	succeed(b)
	for i := 0; i < 3; i++ {
		fail(b)
	}
	succeed(b) // rejected

	mu.Lock()
	defer mu.Unlock()

	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []EventType{EventSuccess, EventFailure, EventFailure, EventFailure, EventStateChange, EventRejection}
	if len(types) != len(want) {
		t.Fatalf("expected %d events %v, got %v", len(want), want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestBreakerEventListenerMayReenter(t *testing.T) {
	clock := newFakeClock()
	var states []State
	var b *Breaker
	b = testBreaker(clock, func(c *Config) {
		c.OnEvent = func(Event) {
			states = append(states, b.State())
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		succeed(b)
		for i := 0; i < 3; i++ {
			fail(b)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener calling back into the breaker deadlocked")
	}

	if len(states) == 0 {
		t.Fatal("no events delivered")
	}
	if got := states[len(states)-1]; got != StateOpen {
		t.Fatalf("last observed state = %v, want %v", got, StateOpen)
	}
}

func TestRegistry(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		Clock:            clock.Now,
	})

	launch := r.Get("browser.launch")
	if r.Get("browser.launch") != launch {
		t.Fatal("Get must return the same breaker per name")
	}
	navigate := r.Get("page.navigate")
	if navigate == launch {
		t.Fatal("distinct names must get distinct breakers")
	}

	fail(launch)
	fail(launch)
	if launch.State() != StateOpen {
		t.Fatalf("expected registry defaults applied, got %v", launch.State())
	}

	status := r.Status()
	if len(status) != 2 {
		t.Fatalf("expected 2 breakers in status, got %d", len(status))
	}
	if status["browser.launch"].State != "open" {
		t.Fatalf("status mismatch: %+v", status["browser.launch"])
	}

	r.ResetAll()
	if launch.State() != StateClosed {
		t.Fatal("ResetAll should close every breaker")
	}
}

func TestBreakerReset(t *testing.T) {
	clock := newFakeClock()
	b := testBreaker(clock, nil)

	for i := 0; i < 3; i++ {
		fail(b)
	}
	b.Reset()

	if b.State() != StateClosed {
		t.Fatalf("expected closed after reset, got %v", b.State())
	}
	if err := succeed(b); err != nil {
		t.Fatalf("reset breaker should admit calls, got %v", err)
	}
	if got := b.Stats(); got.Failures != 0 || got.ConsecutiveFail != 0 {
		t.Fatalf("reset should clear windows, got %+v", got)
	}
}
