// Package pages binds sessions and contexts to browser pages. Each
// session owns at most one pooled browser; each context within it owns
// one page, created lazily and serialized so concurrent handlers never
// interleave driver calls on the same page.
package pages

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browsergrid/internal/browser"
	"github.com/Rorqualx/browsergrid/internal/driver"
	"github.com/Rorqualx/browsergrid/internal/errdefs"
)

// Event types emitted by the manager.
const (
	EventPageCreated   = "page_created"
	EventPageClosed    = "page_closed"
	EventContextClosed = "context_closed"
	EventSessionEnded  = "session_ended"
)

// Event describes one page lifecycle change.
type Event struct {
	Type      string
	SessionID string
	ContextID string
	Time      time.Time
}

// Options configures the manager.
type Options struct {
	// Priority is passed through to pool acquisitions.
	Priority int
	// OnEvent receives lifecycle events; may be nil. Called outside
	// manager locks.
	OnEvent func(Event)
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Manager maps (session, context) pairs to live pages.
type Manager struct {
	pool *browser.Pool
	opts Options

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	id string

	// mu serializes instance acquisition and page creation for this
	// session; it is never held across action execution.
	mu         sync.Mutex
	instanceID string
	contexts   map[string]*pageEntry
	terminated bool
}

type pageEntry struct {
	sessionID string
	contextID string

	// mu serializes all driver calls on this page.
	mu         sync.Mutex
	page       driver.Page
	createdAt  time.Time
	lastUsedAt time.Time
}

// NewManager builds a manager over the pool.
func NewManager(pool *browser.Pool, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		pool:     pool,
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

func (m *Manager) emit(eventType, sessionID, contextID string) {
	if m.opts.OnEvent != nil {
		m.opts.OnEvent(Event{
			Type:      eventType,
			SessionID: sessionID,
			ContextID: contextID,
			Time:      m.opts.Clock(),
		})
	}
}

// WithPage runs fn against the context's page, creating the session's
// browser binding and the page itself on first use. Driver calls on one
// page never interleave: the entry lock is held for the whole fn.
func (m *Manager) WithPage(ctx context.Context, sessionID, contextID string, fn func(driver.Page) error) error {
	entry, err := m.getOrCreate(ctx, sessionID, contextID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.page == nil {
		return errdefs.ErrContextTerminated
	}
	entry.lastUsedAt = m.opts.Clock()

	if err := fn(entry.page); err != nil {
		m.recordInstanceError(sessionID)
		return err
	}
	return nil
}

func (m *Manager) getOrCreate(ctx context.Context, sessionID, contextID string) (*pageEntry, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errdefs.ErrPoolClosed
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = &session{id: sessionID, contexts: make(map[string]*pageEntry)}
		m.sessions[sessionID] = sess
	}
	m.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.terminated {
		return nil, errdefs.ErrSessionNotFound
	}

	if entry, ok := sess.contexts[contextID]; ok {
		return entry, nil
	}

	if sess.instanceID == "" {
		inst, err := m.pool.Acquire(ctx, browser.AcquireRequest{
			SessionID: sessionID,
			Priority:  m.opts.Priority,
		})
		if err != nil {
			return nil, err
		}
		sess.instanceID = inst.ID()
	}

	page, err := m.pool.NewPage(ctx, sess.instanceID)
	if err != nil {
		// A session with no pages holds no browser.
		if len(sess.contexts) == 0 {
			m.pool.Release(sess.instanceID, sessionID)
			sess.instanceID = ""
		}
		return nil, err
	}

	now := m.opts.Clock()
	entry := &pageEntry{
		sessionID:  sessionID,
		contextID:  contextID,
		page:       page,
		createdAt:  now,
		lastUsedAt: now,
	}
	sess.contexts[contextID] = entry
	m.emit(EventPageCreated, sessionID, contextID)
	return entry, nil
}

// CloseContext closes one context's page. The session keeps its browser
// while other contexts remain.
func (m *Manager) CloseContext(sessionID, contextID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return errdefs.ErrSessionNotFound
	}

	sess.mu.Lock()
	entry, ok := sess.contexts[contextID]
	if !ok {
		sess.mu.Unlock()
		return errdefs.ErrContextNotFound
	}
	delete(sess.contexts, contextID)
	releaseInstance := len(sess.contexts) == 0 && sess.instanceID != ""
	instanceID := sess.instanceID
	if releaseInstance {
		sess.instanceID = ""
	}
	sess.mu.Unlock()

	m.closeEntry(entry, instanceID)
	m.emit(EventContextClosed, sessionID, contextID)

	if releaseInstance {
		m.pool.Release(instanceID, sessionID)
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
	}
	return nil
}

// EndSession closes every page of the session and returns its browser to
// the pool.
func (m *Manager) EndSession(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return errdefs.ErrSessionNotFound
	}

	sess.mu.Lock()
	sess.terminated = true
	entries := make([]*pageEntry, 0, len(sess.contexts))
	for _, entry := range sess.contexts {
		entries = append(entries, entry)
	}
	sess.contexts = make(map[string]*pageEntry)
	instanceID := sess.instanceID
	sess.instanceID = ""
	sess.mu.Unlock()

	for _, entry := range entries {
		m.closeEntry(entry, instanceID)
		m.emit(EventPageClosed, sessionID, entry.contextID)
	}
	if instanceID != "" {
		m.pool.Release(instanceID, sessionID)
	}
	m.emit(EventSessionEnded, sessionID, "")
	return nil
}

// closeEntry closes the driver page and informs the pool. Waits for any
// in-flight action on the page to finish first.
func (m *Manager) closeEntry(entry *pageEntry, instanceID string) {
	entry.mu.Lock()
	page := entry.page
	entry.page = nil
	entry.mu.Unlock()
	if page == nil {
		return
	}
	if err := page.Close(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("session_id", entry.sessionID).Str("context_id", entry.contextID).
			Msg("Failed to close page")
	}
	if instanceID != "" {
		m.pool.PageClosed(instanceID)
	}
}

func (m *Manager) recordInstanceError(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	instanceID := sess.instanceID
	sess.mu.Unlock()
	if instanceID != "" {
		m.pool.RecordError(instanceID)
	}
}

// ContextCount reports how many live contexts a session has.
func (m *Manager) ContextCount(sessionID string) int {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return len(sess.contexts)
}

// Shutdown ends every session. New WithPage calls fail afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.EndSession(id); err != nil && !errors.Is(err, errdefs.ErrSessionNotFound) {
			log.Warn().Err(err).Str("session_id", id).Msg("Failed to end session during shutdown")
		}
	}
}
