package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browsergrid/internal/errdefs"
)

// MemoryOptions tunes the in-process backend.
type MemoryOptions struct {
	// SweepInterval is how often expired sessions are physically removed.
	// Zero disables the background sweeper; expiry is still enforced on
	// every read.
	SweepInterval time.Duration
	// MaxSessionsPerUser caps live sessions per user. Zero means no cap.
	MaxSessionsPerUser int
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Memory is the single-node session store.
type Memory struct {
	opts MemoryOptions

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Store = (*Memory)(nil)

// NewMemory builds the store and starts the sweeper when configured.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	m := &Memory{
		opts:     opts,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}
	return m
}

func (m *Memory) Create(_ context.Context, s *Session) (*Session, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	now := m.opts.Clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[s.ID]; ok && !existing.Expired(now) {
		return nil, errdefs.ErrSessionAlreadyExists
	}
	if m.opts.MaxSessionsPerUser > 0 {
		live := 0
		for id := range m.byUser[s.Principal.UserID] {
			if cur, ok := m.sessions[id]; ok && !cur.Expired(now) {
				live++
			}
		}
		if live >= m.opts.MaxSessionsPerUser {
			return nil, errdefs.ErrTooManySessions
		}
	}

	stored := s.Clone()
	m.sessions[stored.ID] = stored
	ids, ok := m.byUser[stored.Principal.UserID]
	if !ok {
		ids = make(map[string]struct{})
		m.byUser[stored.Principal.UserID] = ids
	}
	ids[stored.ID] = struct{}{}
	return stored.Clone(), nil
}

func (m *Memory) Get(_ context.Context, id string) (*Session, error) {
	now := m.opts.Clock()
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok || s.Expired(now) {
		return nil, errdefs.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) Update(_ context.Context, id string, patch Patch) (*Session, error) {
	now := m.opts.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.Expired(now) {
		return nil, errdefs.ErrSessionNotFound
	}
	updated := applyPatch(s, patch, now)
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	m.sessions[id] = updated
	return updated.Clone(), nil
}

func (m *Memory) Touch(_ context.Context, id string) error {
	now := m.opts.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.Expired(now) {
		return errdefs.ErrSessionNotFound
	}
	s.LastAccessedAt = now
	if s.LastAccessedAt.After(s.ExpiresAt) {
		s.LastAccessedAt = s.ExpiresAt
	}
	s.Revision++
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return false, nil
	}
	m.removeLocked(s)
	return true, nil
}

func (m *Memory) ListByUser(_ context.Context, userID string) ([]*Session, error) {
	now := m.opts.Clock()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for id := range m.byUser[userID] {
		if s, ok := m.sessions[id]; ok && !s.Expired(now) {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *Memory) ListIDs(_ context.Context) ([]string, error) {
	now := m.opts.Clock()
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if !s.Expired(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*Session)
	m.byUser = make(map[string]map[string]struct{})
	return nil
}

func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	return nil
}

// removeLocked drops a session and prunes the per-user index.
func (m *Memory) removeLocked(s *Session) {
	delete(m.sessions, s.ID)
	if ids, ok := m.byUser[s.Principal.UserID]; ok {
		delete(ids, s.ID)
		if len(ids) == 0 {
			delete(m.byUser, s.Principal.UserID)
		}
	}
}

func (m *Memory) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				log.Debug().Int("removed", n).Msg("Swept expired sessions")
			}
		}
	}
}

// Sweep physically removes expired sessions and returns how many it dropped.
func (m *Memory) Sweep() int {
	now := m.opts.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, s := range m.sessions {
		if s.Expired(now) {
			m.removeLocked(s)
			removed++
		}
	}
	return removed
}
