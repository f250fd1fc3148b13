package store

import (
	"encoding/json"
	"fmt"

	"github.com/Rorqualx/browsergrid/internal/errdefs"
)

// schemaVersion guards the on-wire session format. Readers reject any
// other version so a rolling upgrade cannot silently misparse state.
const schemaVersion = 1

type envelope struct {
	Schema  int      `json:"schema"`
	Session *Session `json:"session"`
}

// encodeSession wraps the session in the versioned envelope.
func encodeSession(s *Session) ([]byte, error) {
	data, err := json.Marshal(envelope{Schema: schemaVersion, Session: s})
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return data, nil
}

// decodeSession parses and validates an envelope. Malformed payloads and
// schema mismatches are rejected, never half-applied.
func decodeSession(data []byte) (*Session, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errdefs.New(errdefs.KindSystem, "SESSION_DECODE", "stored session payload is malformed", err)
	}
	if env.Schema != schemaVersion {
		return nil, fmt.Errorf("session schema %d: %w", env.Schema, errdefs.ErrStaleSchema)
	}
	if env.Session == nil {
		return nil, errdefs.New(errdefs.KindSystem, "SESSION_DECODE", "stored session payload is empty", nil)
	}
	if err := env.Session.Validate(); err != nil {
		return nil, err
	}
	return env.Session, nil
}
