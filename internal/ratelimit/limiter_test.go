package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Rorqualx/browsergrid/internal/errdefs"
)

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

func TestSubjectKeyPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		subject Subject
		want    string
	}{
		{"api key wins", Subject{APIKeyID: "k1", UserID: "u1", IP: "1.2.3.4"}, "key:k1"},
		{"user over ip", Subject{UserID: "u1", IP: "1.2.3.4"}, "user:u1"},
		{"ip fallback", Subject{IP: "1.2.3.4"}, "ip:1.2.3.4"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.subject.Key(); got != tc.want {
				t.Fatalf("key = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLimiterEnforcesWindow(t *testing.T) {
	clock := newFakeClock()
	l := New(NewMemoryBackend(clock.Now), map[string]Preset{
		"auth": {Limit: 3, Window: time.Minute},
	}, clock.Now)
	ctx := context.Background()
	subject := Subject{IP: "1.2.3.4"}

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "auth", "login", subject)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("hit %d rejected", i)
		}
		if res.Remaining != int64(2-i) {
			t.Fatalf("remaining = %d after hit %d", res.Remaining, i)
		}
	}

	res, err := l.Allow(ctx, "auth", "login", subject)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("fourth hit should be rejected")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Fatalf("retryAfter = %v", res.RetryAfter)
	}
	if !errors.Is(res.Err(), errdefs.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", res.Err())
	}

	// A fresh window resets the budget.
	clock.Advance(time.Minute + time.Second)
	res, err = l.Allow(ctx, "auth", "login", subject)
	if err != nil || !res.Allowed {
		t.Fatalf("after reset: %+v, %v", res, err)
	}
}

func TestLimiterIsolatesSubjectsAndScopes(t *testing.T) {
	clock := newFakeClock()
	l := New(NewMemoryBackend(clock.Now), map[string]Preset{
		"auth": {Limit: 1, Window: time.Minute},
		"api":  {Limit: 1, Window: time.Minute},
	}, clock.Now)
	ctx := context.Background()

	if res, _ := l.Allow(ctx, "auth", "login", Subject{IP: "a"}); !res.Allowed {
		t.Fatal("first subject rejected")
	}
	if res, _ := l.Allow(ctx, "auth", "login", Subject{IP: "b"}); !res.Allowed {
		t.Fatal("second subject shares the first's counter")
	}
	// Same subject, other scope.
	if res, _ := l.Allow(ctx, "api", "get", Subject{IP: "a"}); !res.Allowed {
		t.Fatal("scopes share a counter")
	}
	if res, _ := l.Allow(ctx, "auth", "login", Subject{IP: "a"}); res.Allowed {
		t.Fatal("second hit in scope should be rejected")
	}
}

func TestLimiterCostBased(t *testing.T) {
	clock := newFakeClock()
	l := New(NewMemoryBackend(clock.Now), map[string]Preset{
		"actions": {
			Limit:       10,
			Window:      time.Minute,
			Costs:       map[string]int64{"screenshot": 5, "pdf": 5},
			DefaultCost: 1,
		},
	}, clock.Now)
	ctx := context.Background()
	subject := Subject{UserID: "u1"}

	res, err := l.Allow(ctx, "actions", "screenshot", subject)
	if err != nil || !res.Allowed || res.Remaining != 5 {
		t.Fatalf("screenshot: %+v, %v", res, err)
	}
	if res, _ = l.Allow(ctx, "actions", "click", subject); res.Remaining != 4 {
		t.Fatalf("click remaining = %d, want 4", res.Remaining)
	}
	if res, _ = l.Allow(ctx, "actions", "pdf", subject); res.Allowed {
		t.Fatal("pdf should exceed the budget")
	}
}

func TestLimiterObserveRefunds(t *testing.T) {
	clock := newFakeClock()
	l := New(NewMemoryBackend(clock.Now), map[string]Preset{
		"api": {Limit: 2, Window: time.Minute, SkipSuccessful: true},
	}, clock.Now)
	ctx := context.Background()
	subject := Subject{UserID: "u1"}

	// Successful requests are refunded, so the budget never drains.
	for i := 0; i < 5; i++ {
		res, err := l.Allow(ctx, "api", "get", subject)
		if err != nil || !res.Allowed {
			t.Fatalf("hit %d: %+v, %v", i, res, err)
		}
		if err := l.Observe(ctx, "api", "get", subject, true); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}

	// Failures are not refunded under SkipSuccessful.
	for i := 0; i < 2; i++ {
		if res, _ := l.Allow(ctx, "api", "get", subject); !res.Allowed {
			t.Fatalf("failure hit %d rejected", i)
		}
		_ = l.Observe(ctx, "api", "get", subject, false)
	}
	if res, _ := l.Allow(ctx, "api", "get", subject); res.Allowed {
		t.Fatal("budget should be exhausted by failures")
	}
}

func TestLimiterUnknownScope(t *testing.T) {
	l := New(NewMemoryBackend(nil), nil, nil)
	if _, err := l.Allow(context.Background(), "nope", "op", Subject{IP: "a"}); err == nil {
		t.Fatal("expected error for unknown scope")
	}
}

func TestDefaultPresets(t *testing.T) {
	presets := DefaultPresets(15 * time.Minute)
	if presets["auth"].Limit != 5 || presets["api"].Limit != 100 || presets["static"].Limit != 1000 {
		t.Fatalf("presets = %+v", presets)
	}
	// Auth counts successes too.
	if presets["auth"].SkipSuccessful {
		t.Fatal("auth preset must count successful attempts")
	}
}

func TestMemoryBackendConcurrentHits(t *testing.T) {
	b := NewMemoryBackend(nil)
	ctx := context.Background()

	const goroutines = 20
	const perGoroutine = 25
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if _, _, err := b.Incr(ctx, "rl:api:user:u1", 1, time.Minute); err != nil {
					t.Errorf("incr: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	count, _, err := b.Incr(ctx, "rl:api:user:u1", 0, time.Minute)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if count != goroutines*perGoroutine {
		t.Fatalf("count = %d, want %d", count, goroutines*perGoroutine)
	}
}

func newRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	opts, err := goredis.ParseURL("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackend(client), mr
}

func TestRedisBackendWindow(t *testing.T) {
	b, mr := newRedisBackend(t)
	ctx := context.Background()

	count, remaining, err := b.Incr(ctx, "rl:api:ip:1.2.3.4", 1, time.Minute)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if count != 1 || remaining <= 0 {
		t.Fatalf("count = %d, remaining = %v", count, remaining)
	}
	if ttl := mr.TTL("rl:api:ip:1.2.3.4"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}

	count, _, err = b.Incr(ctx, "rl:api:ip:1.2.3.4", 2, time.Minute)
	if err != nil || count != 3 {
		t.Fatalf("count = %d, %v, want 3", count, err)
	}

	// Window expiry resets the counter.
	mr.FastForward(2 * time.Minute)
	count, _, err = b.Incr(ctx, "rl:api:ip:1.2.3.4", 1, time.Minute)
	if err != nil || count != 1 {
		t.Fatalf("count after expiry = %d, %v, want 1", count, err)
	}
}

func TestRedisBackendDecr(t *testing.T) {
	b, _ := newRedisBackend(t)
	ctx := context.Background()

	if _, _, err := b.Incr(ctx, "rl:api:user:u1", 2, time.Minute); err != nil {
		t.Fatalf("incr: %v", err)
	}
	if err := b.Decr(ctx, "rl:api:user:u1", 1); err != nil {
		t.Fatalf("decr: %v", err)
	}
	count, _, err := b.Incr(ctx, "rl:api:user:u1", 0, time.Minute)
	if err != nil || count != 1 {
		t.Fatalf("count = %d, %v, want 1", count, err)
	}
}

func TestLimiterWithRedisBackend(t *testing.T) {
	b, _ := newRedisBackend(t)
	l := New(b, map[string]Preset{"auth": {Limit: 2, Window: time.Minute}}, nil)
	ctx := context.Background()
	subject := Subject{APIKeyID: "k1"}

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "auth", "login", subject)
		if err != nil || !res.Allowed {
			t.Fatalf("hit %d: %+v, %v", i, res, err)
		}
	}
	res, err := l.Allow(ctx, "auth", "login", subject)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("third hit should be rejected")
	}
}
