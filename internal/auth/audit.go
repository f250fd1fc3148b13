// Package auth issues and verifies access/refresh tokens and API keys,
// and records security events to the audit sink.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browsergrid/internal/metrics"
)

// Audit event types.
const (
	EventLoginSuccess      = "LOGIN_SUCCESS"
	EventLoginFailure      = "LOGIN_FAILURE"
	EventTokenRefreshed    = "TOKEN_REFRESHED"
	EventTokenRejected     = "TOKEN_REJECTED"
	EventAPIKeyCreated     = "API_KEY_CREATED"
	EventAPIKeyRevoked     = "API_KEY_REVOKED"
	EventAPIKeyRejected    = "API_KEY_REJECTED"
	EventRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	EventAnomaly           = "ANOMALY"
)

// AuditEvent is one security-relevant occurrence. Detail values must be
// pre-sanitized; the sink writes them verbatim.
type AuditEvent struct {
	Time        time.Time         `json:"time"`
	Type        string            `json:"type"`
	UserID      string            `json:"userId,omitempty"`
	SessionID   string            `json:"sessionId,omitempty"`
	RemoteIP    string            `json:"remoteIp,omitempty"`
	Detail      map[string]string `json:"detail,omitempty"`
	ShouldAlert bool              `json:"shouldAlert,omitempty"`
}

// Auditor receives security events.
type Auditor interface {
	Record(ev AuditEvent)
	Close() error
}

// NopAuditor drops events. Used when AUDIT_LOG_ENABLED is off; the
// prometheus counter still ticks.
type NopAuditor struct{}

func (NopAuditor) Record(ev AuditEvent) { metrics.AuthEvents.WithLabelValues(ev.Type).Inc() }
func (NopAuditor) Close() error         { return nil }

// FileAuditor appends one JSON line per event.
type FileAuditor struct {
	mu sync.Mutex
	f  *os.File
}

var (
	_ Auditor = (*FileAuditor)(nil)
	_ Auditor = NopAuditor{}
)

// NewFileAuditor opens (or creates) the audit log for appending.
func NewFileAuditor(path string) (*FileAuditor, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditor{f: f}, nil
}

func (a *FileAuditor) Record(ev AuditEvent) {
	metrics.AuthEvents.WithLabelValues(ev.Type).Inc()
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("event", ev.Type).Msg("Failed to encode audit event")
		return
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.f.Write(line); err != nil {
		log.Error().Err(err).Str("event", ev.Type).Msg("Failed to write audit event")
	}
}

func (a *FileAuditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.f.Close()
}
