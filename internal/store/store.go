// Package store holds session state behind a pluggable backend. Sessions
// anchor identity across long-running connections; the in-memory backend
// serves single-node deployments, the Redis backend shared ones.
package store

import (
	"context"
	"time"

	"github.com/Rorqualx/browsergrid/internal/errdefs"
)

// Principal identifies the authenticated user a session belongs to.
type Principal struct {
	UserID   string   `json:"userId"`
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
}

// Session is the identity anchor. Invariants: LastAccessedAt <= ExpiresAt
// and ExpiresAt > CreatedAt. Identity fields never change after creation.
type Session struct {
	ID             string            `json:"id"`
	Principal      Principal         `json:"principal"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastAccessedAt time.Time         `json:"lastAccessedAt"`
	ExpiresAt      time.Time         `json:"expiresAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// Revision increments on every mutation. Replication conflict
	// resolution uses it as the tiebreaker when timestamps collide.
	Revision int64 `json:"revision"`
}

// Validate checks the session invariants.
func (s *Session) Validate() error {
	if s.ID == "" {
		return errdefs.New(errdefs.KindValidation, "SESSION_MISSING_ID", "session id is required", nil)
	}
	if s.Principal.UserID == "" {
		return errdefs.New(errdefs.KindValidation, "SESSION_MISSING_USER", "session user id is required", nil)
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		return errdefs.New(errdefs.KindValidation, "SESSION_BAD_EXPIRY", "session expiry must be after creation", nil)
	}
	if s.LastAccessedAt.After(s.ExpiresAt) {
		return errdefs.New(errdefs.KindValidation, "SESSION_BAD_ACCESS_TIME", "session last access must not exceed expiry", nil)
	}
	return nil
}

// Expired reports whether the session is past its hard expiration.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s *Session) Clone() *Session {
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.Principal.Roles != nil {
		out.Principal.Roles = append([]string(nil), s.Principal.Roles...)
	}
	return &out
}

// SanitizedView is the log-safe projection of a session. No metadata, no
// roles.
type SanitizedView struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Username       string    `json:"username"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Sanitized returns the view safe for logs and status endpoints.
func (s *Session) Sanitized() SanitizedView {
	return SanitizedView{
		ID:             s.ID,
		UserID:         s.Principal.UserID,
		Username:       s.Principal.Username,
		CreatedAt:      s.CreatedAt,
		LastAccessedAt: s.LastAccessedAt,
		ExpiresAt:      s.ExpiresAt,
	}
}

// Patch carries the updatable session fields. Identity is never patched.
type Patch struct {
	// Metadata entries are merged key-by-key; an empty value deletes the key.
	Metadata map[string]string
	// ExpiresAt extends or shortens the session lifetime when non-nil.
	ExpiresAt *time.Time
	// Roles replaces the role set when non-nil.
	Roles []string
}

// Store is the abstract session store. Get never returns an expired
// session even if the backend still physically holds it.
type Store interface {
	// Create persists a new session. Fails with ErrSessionAlreadyExists
	// on id collision.
	Create(ctx context.Context, s *Session) (*Session, error)

	// Get returns a snapshot, or ErrSessionNotFound for missing and
	// expired sessions alike.
	Get(ctx context.Context, id string) (*Session, error)

	// Update merges the patch and bumps the revision.
	Update(ctx context.Context, id string, patch Patch) (*Session, error)

	// Touch refreshes LastAccessedAt.
	Touch(ctx context.Context, id string) error

	// Delete removes the session, reporting whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// ListByUser returns all live sessions of one user.
	ListByUser(ctx context.Context, userID string) ([]*Session, error)

	// ListIDs returns every live session id. Replication full-sync uses it.
	ListIDs(ctx context.Context) ([]string, error)

	// Clear drops everything.
	Clear(ctx context.Context) error

	Close() error
}

// applyPatch merges a patch into a session copy and bumps the revision.
func applyPatch(s *Session, patch Patch, now time.Time) *Session {
	out := s.Clone()
	if patch.Metadata != nil {
		if out.Metadata == nil {
			out.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			if v == "" {
				delete(out.Metadata, k)
			} else {
				out.Metadata[k] = v
			}
		}
	}
	if patch.ExpiresAt != nil {
		out.ExpiresAt = *patch.ExpiresAt
	}
	if patch.Roles != nil {
		out.Principal.Roles = append([]string(nil), patch.Roles...)
	}
	out.LastAccessedAt = now
	if out.LastAccessedAt.After(out.ExpiresAt) {
		out.LastAccessedAt = out.ExpiresAt
	}
	out.Revision++
	return out
}
