package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/Rorqualx/browsergrid/internal/errdefs"
)

func newRedisStore(t *testing.T, clock *fakeClock) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), RedisOptions{
		URL:   "redis://" + mr.Addr(),
		Clock: clock.Now,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestRedisCreateAndGet(t *testing.T) {
	clock := newFakeClock()
	r, mr := newRedisStore(t, clock)
	ctx := context.Background()

	if _, err := r.Create(ctx, testSession(clock, "s1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := r.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Principal.UserID != "u1" || got.Metadata["origin"] != "test" {
		t.Fatalf("got = %+v", got)
	}

	// Session key carries a TTL matching the remaining lifetime.
	ttl := mr.TTL("session:s1")
	if ttl <= 0 || ttl > time.Hour {
		t.Fatalf("session ttl = %v", ttl)
	}
	// The per-user index outlives the session by the buffer.
	if setTTL := mr.TTL("user_sessions:u1"); setTTL <= ttl {
		t.Fatalf("user set ttl = %v, want > %v", setTTL, ttl)
	}
}

func TestRedisDuplicateID(t *testing.T) {
	clock := newFakeClock()
	r, _ := newRedisStore(t, clock)
	ctx := context.Background()

	if _, err := r.Create(ctx, testSession(clock, "s1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := r.Create(ctx, testSession(clock, "s1", "u2"))
	if !errors.Is(err, errdefs.ErrSessionAlreadyExists) {
		t.Fatalf("err = %v, want ErrSessionAlreadyExists", err)
	}
}

func TestRedisGetMissing(t *testing.T) {
	clock := newFakeClock()
	r, _ := newRedisStore(t, clock)

	_, err := r.Get(context.Background(), "nope")
	if !errors.Is(err, errdefs.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestRedisUpdateAndTouch(t *testing.T) {
	clock := newFakeClock()
	r, _ := newRedisStore(t, clock)
	ctx := context.Background()

	if _, err := r.Create(ctx, testSession(clock, "s1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(10 * time.Minute)

	updated, err := r.Update(ctx, "s1", Patch{Metadata: map[string]string{"region": "eu"}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Metadata["region"] != "eu" || updated.Revision != 1 {
		t.Fatalf("updated = %+v", updated)
	}

	clock.Advance(10 * time.Minute)
	if err := r.Touch(ctx, "s1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ := r.Get(ctx, "s1")
	if !got.LastAccessedAt.Equal(clock.Now()) {
		t.Fatalf("lastAccessedAt = %v, want %v", got.LastAccessedAt, clock.Now())
	}
	if got.Revision != 2 {
		t.Fatalf("revision = %d, want 2", got.Revision)
	}
}

func TestRedisDelete(t *testing.T) {
	clock := newFakeClock()
	r, mr := newRedisStore(t, clock)
	ctx := context.Background()

	if _, err := r.Create(ctx, testSession(clock, "s1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err := r.Delete(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	if mr.Exists("session:s1") {
		t.Fatal("session key still present")
	}
	members, _ := mr.SMembers("user_sessions:u1")
	if len(members) != 0 {
		t.Fatalf("index members = %v, want empty", members)
	}

	ok, err = r.Delete(ctx, "s1")
	if err != nil || ok {
		t.Fatalf("second delete = %v, %v, want false", ok, err)
	}
}

func TestRedisListByUser(t *testing.T) {
	clock := newFakeClock()
	r, _ := newRedisStore(t, clock)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := r.Create(ctx, testSession(clock, id, "u1")); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := r.Create(ctx, testSession(clock, "c", "u2")); err != nil {
		t.Fatalf("create c: %v", err)
	}

	sessions, err := r.ListByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}

	ids, err := r.ListIDs(ctx)
	if err != nil || len(ids) != 3 {
		t.Fatalf("listIDs = %v, %v", ids, err)
	}
}

func TestRedisExpiryInvisible(t *testing.T) {
	clock := newFakeClock()
	r, _ := newRedisStore(t, clock)
	ctx := context.Background()

	if _, err := r.Create(ctx, testSession(clock, "s1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	// The key physically persists but the session is logically expired.
	clock.Advance(time.Hour + time.Second)
	if _, err := r.Get(ctx, "s1"); !errors.Is(err, errdefs.ErrSessionNotFound) {
		t.Fatalf("get after expiry = %v, want ErrSessionNotFound", err)
	}
}

func TestRedisSweepOrphans(t *testing.T) {
	clock := newFakeClock()
	r, mr := newRedisStore(t, clock)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := r.Create(ctx, testSession(clock, id, "u1")); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	// Expire the session keys but not the user index.
	mr.FastForward(90 * time.Minute)
	if mr.Exists("session:a") {
		t.Fatal("session key should have expired")
	}
	members, _ := mr.SMembers("user_sessions:u1")
	if len(members) != 2 {
		t.Fatalf("index members = %v before sweep", members)
	}

	removed, err := r.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	members, _ = mr.SMembers("user_sessions:u1")
	if len(members) != 0 {
		t.Fatalf("index members = %v after sweep", members)
	}
}

func TestRedisPerUserCap(t *testing.T) {
	clock := newFakeClock()
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), RedisOptions{
		URL:                "redis://" + mr.Addr(),
		Clock:              clock.Now,
		MaxSessionsPerUser: 1,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	ctx := context.Background()

	if _, err := r.Create(ctx, testSession(clock, "a", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = r.Create(ctx, testSession(clock, "b", "u1"))
	if !errors.Is(err, errdefs.ErrTooManySessions) {
		t.Fatalf("err = %v, want ErrTooManySessions", err)
	}
}

func TestRedisClear(t *testing.T) {
	clock := newFakeClock()
	r, mr := newRedisStore(t, clock)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := r.Create(ctx, testSession(clock, id, "u1")); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := r.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if mr.Exists("session:a") || mr.Exists("user_sessions:u1") {
		t.Fatal("keys remain after clear")
	}
}

func TestRedisConnectFailure(t *testing.T) {
	_, err := NewRedis(context.Background(), RedisOptions{
		URL:            "redis://127.0.0.1:1",
		Timeout:        200 * time.Millisecond,
		ConnectRetries: 1,
	})
	if !errors.Is(err, errdefs.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
}
