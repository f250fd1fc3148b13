package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// flakyStore wraps a backend and fails mutations on demand.
type flakyStore struct {
	Store
	failing atomic.Bool
}

var errFlaky = errors.New("replica unavailable")

func (f *flakyStore) Create(ctx context.Context, s *Session) (*Session, error) {
	if f.failing.Load() {
		return nil, errFlaky
	}
	return f.Store.Create(ctx, s)
}

func (f *flakyStore) Delete(ctx context.Context, id string) (bool, error) {
	if f.failing.Load() {
		return false, errFlaky
	}
	return f.Store.Delete(ctx, id)
}

func (f *flakyStore) Clear(ctx context.Context) error {
	if f.failing.Load() {
		return errFlaky
	}
	return f.Store.Clear(ctx)
}

func waitForCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newReplicated(t *testing.T, clock *fakeClock, opts ReplicatorOptions) (*Replicator, *Memory, *Memory) {
	t.Helper()
	primary := NewMemory(MemoryOptions{Clock: clock.Now})
	secondary := NewMemory(MemoryOptions{Clock: clock.Now})
	opts.RetryBase = time.Millisecond
	opts.MaxRetries = 2
	rep := NewReplicator(primary, map[string]Store{"r1": secondary}, opts)
	t.Cleanup(func() {
		_ = rep.Close()
		_ = secondary.Close()
	})
	return rep, primary, secondary
}

func TestReplicatorFansOutMutations(t *testing.T) {
	clock := newFakeClock()
	rep, _, secondary := newReplicated(t, clock, ReplicatorOptions{})
	ctx := context.Background()

	if _, err := rep.Create(ctx, testSession(clock, "s1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitForCond(t, "create to replicate", func() bool {
		_, err := secondary.Get(ctx, "s1")
		return err == nil
	})

	if _, err := rep.Update(ctx, "s1", Patch{Metadata: map[string]string{"region": "eu"}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitForCond(t, "update to replicate", func() bool {
		s, err := secondary.Get(ctx, "s1")
		return err == nil && s.Metadata["region"] == "eu"
	})

	if _, err := rep.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitForCond(t, "delete to replicate", func() bool {
		_, err := secondary.Get(ctx, "s1")
		return err != nil
	})
}

func TestReplicatorFullSyncCopiesMissing(t *testing.T) {
	clock := newFakeClock()
	rep, primary, secondary := newReplicated(t, clock, ReplicatorOptions{})
	ctx := context.Background()

	// Write behind the replicator's back so the replica never saw it.
	if _, err := primary.Create(ctx, testSession(clock, "s1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := rep.FullSync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := secondary.Get(ctx, "s1"); err != nil {
		t.Fatalf("replica missing session after sync: %v", err)
	}
}

func TestReplicatorFullSyncRemovesExtras(t *testing.T) {
	clock := newFakeClock()
	rep, _, secondary := newReplicated(t, clock, ReplicatorOptions{})
	ctx := context.Background()

	if _, err := secondary.Create(ctx, testSession(clock, "ghost", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := rep.FullSync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := secondary.Get(ctx, "ghost"); err == nil {
		t.Fatal("extra session survived sync under last-write-wins")
	}
}

func TestReplicatorManualPolicyReportsConflicts(t *testing.T) {
	clock := newFakeClock()
	var conflicts []Conflict
	rep, _, secondary := newReplicated(t, clock, ReplicatorOptions{
		Policy:     PolicyManual,
		OnConflict: func(c Conflict) { conflicts = append(conflicts, c) },
	})
	ctx := context.Background()

	if _, err := secondary.Create(ctx, testSession(clock, "ghost", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := rep.FullSync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].SessionID != "ghost" {
		t.Fatalf("conflicts = %+v", conflicts)
	}
	// Manual policy leaves both copies alone.
	if _, err := secondary.Get(ctx, "ghost"); err != nil {
		t.Fatalf("manual policy removed the session: %v", err)
	}
}

func TestReplicatorLastWriteWins(t *testing.T) {
	clock := newFakeClock()
	rep, primary, secondary := newReplicated(t, clock, ReplicatorOptions{})
	ctx := context.Background()

	base := testSession(clock, "s1", "u1")
	if _, err := primary.Create(ctx, base); err != nil {
		t.Fatalf("create primary: %v", err)
	}
	// Replica holds a copy with a later write.
	newer := base.Clone()
	newer.Metadata["region"] = "eu"
	newer.LastAccessedAt = clock.Now().Add(10 * time.Minute)
	newer.Revision = 5
	if _, err := secondary.Create(ctx, newer); err != nil {
		t.Fatalf("create replica: %v", err)
	}

	if err := rep.FullSync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	got, err := primary.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata["region"] != "eu" {
		t.Fatal("newer replica write did not win")
	}
}

func TestReplicatorLastWriteWinsPrimaryNewer(t *testing.T) {
	clock := newFakeClock()
	rep, primary, secondary := newReplicated(t, clock, ReplicatorOptions{})
	ctx := context.Background()

	stale := testSession(clock, "s1", "u1")
	if _, err := secondary.Create(ctx, stale); err != nil {
		t.Fatalf("create replica: %v", err)
	}
	newer := stale.Clone()
	newer.Metadata["region"] = "us"
	newer.LastAccessedAt = clock.Now().Add(10 * time.Minute)
	newer.Revision = 3
	if _, err := primary.Create(ctx, newer); err != nil {
		t.Fatalf("create primary: %v", err)
	}

	if err := rep.FullSync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	got, err := secondary.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata["region"] != "us" {
		t.Fatal("primary write did not propagate to replica")
	}
}

func TestReplicatorDegradesAndHeals(t *testing.T) {
	clock := newFakeClock()
	primary := NewMemory(MemoryOptions{Clock: clock.Now})
	flaky := &flakyStore{Store: NewMemory(MemoryOptions{Clock: clock.Now})}
	flaky.failing.Store(true)

	rep := NewReplicator(primary, map[string]Store{"r1": flaky}, ReplicatorOptions{
		RetryBase:         time.Millisecond,
		MaxRetries:        1,
		DegradedThreshold: 2,
	})
	t.Cleanup(func() { _ = rep.Close() })
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := rep.Create(ctx, testSession(clock, id, "u1")); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	waitForCond(t, "replica to degrade and drain", func() bool {
		st := rep.Status()[0]
		return st.Degraded && st.Pending == 0
	})

	// Fanout is suspended while degraded.
	if _, err := rep.Create(ctx, testSession(clock, "d", "u1")); err != nil {
		t.Fatalf("create d: %v", err)
	}
	if pending := rep.Status()[0].Pending; pending != 0 {
		t.Fatalf("pending = %d while degraded, want 0", pending)
	}

	// A clean full sync heals the replica and catches it up.
	flaky.failing.Store(false)
	if err := rep.FullSync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rep.Status()[0].Degraded {
		t.Fatal("replica still degraded after clean sync")
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		if _, err := flaky.Get(ctx, id); err != nil {
			t.Fatalf("replica missing %s after heal: %v", id, err)
		}
	}
}
