package store

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browsergrid/internal/metrics"
)

// ConflictPolicy decides which copy survives when primary and replica
// hold divergent versions of the same session.
type ConflictPolicy string

const (
	// PolicyLastWriteWins keeps the copy with the later LastAccessedAt,
	// falling back to the higher Revision on a timestamp tie.
	PolicyLastWriteWins ConflictPolicy = "last_write_wins"
	// PolicyOldestWins keeps the copy written earliest.
	PolicyOldestWins ConflictPolicy = "oldest_wins"
	// PolicyManual leaves both copies and reports the conflict.
	PolicyManual ConflictPolicy = "manual"
)

// Conflict describes one divergence found during a full sync.
type Conflict struct {
	Replica   string
	SessionID string
	Primary   *Session // nil when the session only exists on the replica
	Secondary *Session
}

type repOpKind int

const (
	repPut repOpKind = iota
	repDelete
	repClear
)

type repOp struct {
	kind    repOpKind
	id      string
	session *Session
}

// ReplicatorOptions tunes the fanout behavior.
type ReplicatorOptions struct {
	// Policy resolves divergences during full sync.
	Policy ConflictPolicy
	// MaxRetries bounds delivery attempts per op before it is dropped.
	MaxRetries int
	// RetryBase is the first backoff; later sleeps use decorrelated jitter.
	RetryBase time.Duration
	// RetryCap bounds a single backoff sleep.
	RetryCap time.Duration
	// DegradedThreshold is how many dropped ops in a row mark a replica
	// degraded. A degraded replica stops receiving fanout until a full
	// sync succeeds against it.
	DegradedThreshold int
	// SyncInterval is how often full syncs run. Zero disables the loop;
	// FullSync can still be called directly.
	SyncInterval time.Duration
	// QueueSize bounds each replica's pending op queue.
	QueueSize int
	// OnConflict is invoked for every conflict the policy cannot resolve.
	OnConflict func(Conflict)
}

func (o *ReplicatorOptions) applyDefaults() {
	if o.Policy == "" {
		o.Policy = PolicyLastWriteWins
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 100 * time.Millisecond
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 5 * time.Second
	}
	if o.DegradedThreshold <= 0 {
		o.DegradedThreshold = 5
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
}

type replica struct {
	name  string
	store Store
	queue chan repOp

	pending    atomic.Int64
	dropped    atomic.Int64
	consecDrop int64
	degraded   atomic.Bool
}

// Replicator is a Store that writes through to a primary and fans out
// mutations asynchronously to replicas. Reads always hit the primary.
type Replicator struct {
	primary  Store
	replicas []*replica
	opts     ReplicatorOptions

	mu       sync.Mutex // guards consecDrop transitions
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Store = (*Replicator)(nil)

// NewReplicator starts one delivery worker per replica plus the periodic
// sync loop when configured.
func NewReplicator(primary Store, replicas map[string]Store, opts ReplicatorOptions) *Replicator {
	opts.applyDefaults()
	r := &Replicator{
		primary: primary,
		opts:    opts,
		stopCh:  make(chan struct{}),
	}
	for name, s := range replicas {
		rep := &replica{
			name:  name,
			store: s,
			queue: make(chan repOp, opts.QueueSize),
		}
		r.replicas = append(r.replicas, rep)
		r.wg.Add(1)
		go r.deliverLoop(rep)
	}
	if opts.SyncInterval > 0 && len(r.replicas) > 0 {
		r.wg.Add(1)
		go r.syncLoop()
	}
	return r
}

func (r *Replicator) Create(ctx context.Context, s *Session) (*Session, error) {
	out, err := r.primary.Create(ctx, s)
	if err != nil {
		return nil, err
	}
	r.fanout(repOp{kind: repPut, id: out.ID, session: out.Clone()})
	return out, nil
}

func (r *Replicator) Get(ctx context.Context, id string) (*Session, error) {
	return r.primary.Get(ctx, id)
}

func (r *Replicator) Update(ctx context.Context, id string, patch Patch) (*Session, error) {
	out, err := r.primary.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	r.fanout(repOp{kind: repPut, id: out.ID, session: out.Clone()})
	return out, nil
}

func (r *Replicator) Touch(ctx context.Context, id string) error {
	if err := r.primary.Touch(ctx, id); err != nil {
		return err
	}
	if s, err := r.primary.Get(ctx, id); err == nil {
		r.fanout(repOp{kind: repPut, id: id, session: s})
	}
	return nil
}

func (r *Replicator) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := r.primary.Delete(ctx, id)
	if err != nil {
		return ok, err
	}
	if ok {
		r.fanout(repOp{kind: repDelete, id: id})
	}
	return ok, nil
}

func (r *Replicator) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	return r.primary.ListByUser(ctx, userID)
}

func (r *Replicator) ListIDs(ctx context.Context) ([]string, error) {
	return r.primary.ListIDs(ctx)
}

func (r *Replicator) Clear(ctx context.Context) error {
	if err := r.primary.Clear(ctx); err != nil {
		return err
	}
	r.fanout(repOp{kind: repClear})
	return nil
}

// Close stops delivery workers. Queued ops that have not been delivered
// are dropped; the next full sync against a restarted replica heals them.
func (r *Replicator) Close() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	for _, rep := range r.replicas {
		if err := rep.store.Close(); err != nil {
			log.Warn().Err(err).Str("replica", rep.name).Msg("Failed to close replica store")
		}
	}
	return r.primary.Close()
}

// ReplicaStatus reports per-replica delivery state.
type ReplicaStatus struct {
	Name     string `json:"name"`
	Pending  int64  `json:"pending"`
	Dropped  int64  `json:"dropped"`
	Degraded bool   `json:"degraded"`
}

// Status returns the current state of every replica.
func (r *Replicator) Status() []ReplicaStatus {
	out := make([]ReplicaStatus, 0, len(r.replicas))
	for _, rep := range r.replicas {
		out = append(out, ReplicaStatus{
			Name:     rep.name,
			Pending:  rep.pending.Load(),
			Dropped:  rep.dropped.Load(),
			Degraded: rep.degraded.Load(),
		})
	}
	return out
}

func (r *Replicator) fanout(op repOp) {
	for _, rep := range r.replicas {
		if rep.degraded.Load() {
			continue
		}
		select {
		case rep.queue <- op:
			rep.pending.Add(1)
			metrics.ReplicationLag.WithLabelValues(rep.name).Set(float64(rep.pending.Load()))
		default:
			r.recordDrop(rep)
			log.Warn().Str("replica", rep.name).Msg("Replication queue full, dropping op")
		}
	}
}

func (r *Replicator) deliverLoop(rep *replica) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case op := <-rep.queue:
			r.deliver(rep, op)
			rep.pending.Add(-1)
			metrics.ReplicationLag.WithLabelValues(rep.name).Set(float64(rep.pending.Load()))
		}
	}
}

func (r *Replicator) deliver(rep *replica, op repOp) {
	sleep := r.opts.RetryBase
	for attempt := 0; attempt < r.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-r.stopCh:
				return
			case <-time.After(sleep):
			}
			// Decorrelated jitter keeps retries from synchronizing
			// across queued ops.
			sleep = r.opts.RetryBase + time.Duration(rand.Int63n(int64(sleep)*3))
			if sleep > r.opts.RetryCap {
				sleep = r.opts.RetryCap
			}
		}
		if err := r.apply(rep.store, op); err != nil {
			log.Debug().Err(err).Str("replica", rep.name).Int("attempt", attempt+1).
				Msg("Replication delivery failed")
			continue
		}
		r.mu.Lock()
		rep.consecDrop = 0
		r.mu.Unlock()
		return
	}
	r.recordDrop(rep)
	log.Error().Str("replica", rep.name).Str("session_id", op.id).
		Msg("Replication op dropped after retries")
}

func (r *Replicator) apply(s Store, op repOp) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch op.kind {
	case repPut:
		return forcePut(ctx, s, op.session)
	case repDelete:
		_, err := s.Delete(ctx, op.id)
		return err
	case repClear:
		return s.Clear(ctx)
	}
	return nil
}

// forcePut upserts regardless of whether the replica already holds the id.
func forcePut(ctx context.Context, s Store, sess *Session) error {
	if _, err := s.Delete(ctx, sess.ID); err != nil {
		return err
	}
	_, err := s.Create(ctx, sess)
	return err
}

func (r *Replicator) recordDrop(rep *replica) {
	rep.dropped.Add(1)
	r.mu.Lock()
	rep.consecDrop++
	degrade := rep.consecDrop >= int64(r.opts.DegradedThreshold) && !rep.degraded.Load()
	r.mu.Unlock()
	if degrade {
		rep.degraded.Store(true)
		log.Error().Str("replica", rep.name).Msg("Replica marked degraded, fanout suspended")
	}
}

func (r *Replicator) syncLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := r.FullSync(ctx); err != nil {
				log.Warn().Err(err).Msg("Replication full sync failed")
			}
			cancel()
		}
	}
}

// FullSync reconciles every replica against the primary: copies sessions
// the replica is missing, removes or reports extras, and resolves
// divergent copies under the configured policy. A degraded replica that
// syncs cleanly is returned to fanout.
func (r *Replicator) FullSync(ctx context.Context) error {
	primaryIDs, err := r.primary.ListIDs(ctx)
	if err != nil {
		return err
	}
	primarySet := make(map[string]struct{}, len(primaryIDs))
	for _, id := range primaryIDs {
		primarySet[id] = struct{}{}
	}

	var firstErr error
	for _, rep := range r.replicas {
		if err := r.syncReplica(ctx, rep, primaryIDs, primarySet); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if rep.degraded.CompareAndSwap(true, false) {
			r.mu.Lock()
			rep.consecDrop = 0
			r.mu.Unlock()
			log.Info().Str("replica", rep.name).Msg("Replica healed, fanout resumed")
		}
	}
	return firstErr
}

func (r *Replicator) syncReplica(ctx context.Context, rep *replica, primaryIDs []string, primarySet map[string]struct{}) error {
	replicaIDs, err := rep.store.ListIDs(ctx)
	if err != nil {
		return err
	}
	replicaSet := make(map[string]struct{}, len(replicaIDs))
	for _, id := range replicaIDs {
		replicaSet[id] = struct{}{}
	}

	for _, id := range primaryIDs {
		ps, err := r.primary.Get(ctx, id)
		if err != nil {
			continue // expired mid-sync
		}
		if _, onReplica := replicaSet[id]; !onReplica {
			if err := forcePut(ctx, rep.store, ps); err != nil {
				return err
			}
			continue
		}
		rs, err := rep.store.Get(ctx, id)
		if err != nil {
			if err := forcePut(ctx, rep.store, ps); err != nil {
				return err
			}
			continue
		}
		if err := r.resolve(ctx, rep, ps, rs); err != nil {
			return err
		}
	}

	// Extras only exist on the replica. The primary is authoritative for
	// deletions, so they go, except under the manual policy.
	for _, id := range replicaIDs {
		if _, onPrimary := primarySet[id]; onPrimary {
			continue
		}
		if r.opts.Policy == PolicyManual {
			r.reportConflict(Conflict{Replica: rep.name, SessionID: id})
			continue
		}
		if _, err := rep.store.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replicator) resolve(ctx context.Context, rep *replica, primary, secondary *Session) error {
	if primary.Revision == secondary.Revision &&
		primary.LastAccessedAt.Equal(secondary.LastAccessedAt) {
		return nil
	}

	switch r.opts.Policy {
	case PolicyManual:
		r.reportConflict(Conflict{
			Replica:   rep.name,
			SessionID: primary.ID,
			Primary:   primary,
			Secondary: secondary,
		})
		return nil
	case PolicyOldestWins:
		if olderWrite(secondary, primary) {
			_, err := r.primary.Update(ctx, secondary.ID, sessionAsPatch(secondary))
			return err
		}
		return forcePut(ctx, rep.store, primary)
	default: // last write wins
		if olderWrite(secondary, primary) {
			return forcePut(ctx, rep.store, primary)
		}
		_, err := r.primary.Update(ctx, secondary.ID, sessionAsPatch(secondary))
		if err != nil {
			return err
		}
		return nil
	}
}

// olderWrite reports whether a was written before b, using revision as
// the tiebreaker on equal timestamps.
func olderWrite(a, b *Session) bool {
	if a.LastAccessedAt.Equal(b.LastAccessedAt) {
		return a.Revision < b.Revision
	}
	return a.LastAccessedAt.Before(b.LastAccessedAt)
}

// sessionAsPatch projects a session's mutable fields for write-back.
func sessionAsPatch(s *Session) Patch {
	exp := s.ExpiresAt
	return Patch{
		Metadata:  s.Metadata,
		ExpiresAt: &exp,
		Roles:     s.Principal.Roles,
	}
}

func (r *Replicator) reportConflict(c Conflict) {
	log.Warn().Str("replica", c.Replica).Str("session_id", c.SessionID).
		Msg("Session replication conflict requires manual resolution")
	if r.opts.OnConflict != nil {
		r.opts.OnConflict(c)
	}
}
