package security

import (
	"errors"
	"regexp"
	"strings"
)

// Selector sanitization errors.
var (
	ErrEmptySelector     = errors.New("selector is empty")
	ErrSelectorTooLong   = errors.New("selector exceeds maximum length")
	ErrSelectorInjection = errors.New("selector contains script injection")
)

// MaxSelectorLength bounds selector size; CSS selectors in the wild rarely
// exceed a few hundred characters.
const MaxSelectorLength = 1024

// scriptSequences are substrings that indicate an attempt to smuggle script
// through a selector. Matching is case-insensitive.
var scriptSequences = []string{
	"<script",
	"</script",
	"javascript:",
	"onerror=",
	"onload=",
	"eval(",
	"expression(",
}

// controlChars strips ASCII control characters from selectors.
var controlChars = regexp.MustCompile(`[\x00-\x1f\x7f]`)

// SanitizeSelector validates and normalizes a CSS selector. The transform is
// idempotent: sanitizing an already-sanitized selector returns it unchanged.
// HTML attribute syntax ([data-id="x"]) is permitted; script sequences and
// closing tags are rejected.
func SanitizeSelector(selector string) (string, error) {
	cleaned := strings.TrimSpace(controlChars.ReplaceAllString(selector, ""))
	if cleaned == "" {
		return "", ErrEmptySelector
	}
	if len(cleaned) > MaxSelectorLength {
		return "", ErrSelectorTooLong
	}

	lower := strings.ToLower(cleaned)
	for _, seq := range scriptSequences {
		if strings.Contains(lower, seq) {
			return "", ErrSelectorInjection
		}
	}

	return cleaned, nil
}
