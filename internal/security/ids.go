package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
)

// Identifier constraints. 16 hex characters give 64 bits of entropy which is
// enough collision resistance for session-scoped ids.
const (
	MinIDLength = 16
	MaxIDLength = 64
)

// ID validation errors.
var (
	ErrIDTooShort  = errors.New("identifier too short")
	ErrIDTooLong   = errors.New("identifier too long")
	ErrIDMalformed = errors.New("identifier contains invalid characters")
	ErrIDBlocked   = errors.New("identifier contains a blocked pattern")
)

// validIDPattern allows alphanumeric, hyphens, and underscores.
var validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// blockedIDPatterns are substrings never allowed in externally supplied ids.
var blockedIDPatterns = []string{
	"../",
	"..\\",
	"<script",
	"javascript:",
	"__proto__",
	"constructor",
}

// NewID creates a cryptographically secure random identifier.
// Uses 24 bytes (192 bits) for strong uniqueness.
func NewID() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// ValidateID checks an externally supplied session or context identifier.
func ValidateID(id string) error {
	if len(id) < MinIDLength {
		return ErrIDTooShort
	}
	if len(id) > MaxIDLength {
		return ErrIDTooLong
	}
	if !validIDPattern.MatchString(id) {
		return ErrIDMalformed
	}
	lower := strings.ToLower(id)
	for _, pattern := range blockedIDPatterns {
		if strings.Contains(lower, pattern) {
			return ErrIDBlocked
		}
	}
	return nil
}
