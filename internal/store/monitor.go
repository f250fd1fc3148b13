package store

import (
	"context"
	"sync"
	"time"

	"github.com/Rorqualx/browsergrid/internal/metrics"
)

// Monitored wraps a backend and records latency and failure counts for
// every operation, feeding both Prometheus and the health snapshot.
type Monitored struct {
	inner Store

	mu        sync.Mutex
	ops       int64
	failures  int64
	totalTime time.Duration
	lastErr   error
	lastErrAt time.Time
}

var _ Store = (*Monitored)(nil)

// Monitor wraps a store with operation metrics.
func Monitor(inner Store) *Monitored {
	return &Monitored{inner: inner}
}

// StoreHealth is a point-in-time view of backend behavior.
type StoreHealth struct {
	Operations  int64         `json:"operations"`
	Failures    int64         `json:"failures"`
	AvgLatency  time.Duration `json:"avgLatency"`
	LastError   string        `json:"lastError,omitempty"`
	LastErrorAt time.Time     `json:"lastErrorAt,omitempty"`
}

// Health returns accumulated operation stats.
func (m *Monitored) Health() StoreHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := StoreHealth{Operations: m.ops, Failures: m.failures}
	if m.ops > 0 {
		h.AvgLatency = m.totalTime / time.Duration(m.ops)
	}
	if m.lastErr != nil {
		h.LastError = m.lastErr.Error()
		h.LastErrorAt = m.lastErrAt
	}
	return h
}

func (m *Monitored) record(op string, start time.Time, err error) {
	elapsed := time.Since(start)
	metrics.RecordStoreOp(op, err, elapsed)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	m.totalTime += elapsed
	if err != nil {
		m.failures++
		m.lastErr = err
		m.lastErrAt = time.Now()
	}
}

func (m *Monitored) Create(ctx context.Context, s *Session) (*Session, error) {
	start := time.Now()
	out, err := m.inner.Create(ctx, s)
	m.record("create", start, err)
	return out, err
}

func (m *Monitored) Get(ctx context.Context, id string) (*Session, error) {
	start := time.Now()
	out, err := m.inner.Get(ctx, id)
	m.record("get", start, err)
	return out, err
}

func (m *Monitored) Update(ctx context.Context, id string, patch Patch) (*Session, error) {
	start := time.Now()
	out, err := m.inner.Update(ctx, id, patch)
	m.record("update", start, err)
	return out, err
}

func (m *Monitored) Touch(ctx context.Context, id string) error {
	start := time.Now()
	err := m.inner.Touch(ctx, id)
	m.record("touch", start, err)
	return err
}

func (m *Monitored) Delete(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	ok, err := m.inner.Delete(ctx, id)
	m.record("delete", start, err)
	return ok, err
}

func (m *Monitored) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	start := time.Now()
	out, err := m.inner.ListByUser(ctx, userID)
	m.record("list_by_user", start, err)
	return out, err
}

func (m *Monitored) ListIDs(ctx context.Context) ([]string, error) {
	start := time.Now()
	out, err := m.inner.ListIDs(ctx)
	m.record("list_ids", start, err)
	return out, err
}

func (m *Monitored) Clear(ctx context.Context) error {
	start := time.Now()
	err := m.inner.Clear(ctx)
	m.record("clear", start, err)
	return err
}

func (m *Monitored) Close() error {
	return m.inner.Close()
}
