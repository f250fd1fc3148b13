// Package security provides input validation, sanitization, and redaction
// utilities shared across the core.
package security

import (
	"net/url"
	"strings"
)

// sensitiveParamPatterns are query parameter names that likely contain secrets.
var sensitiveParamPatterns = []string{
	"password",
	"passwd",
	"pwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"api-key",
	"auth",
	"authorization",
	"bearer",
	"credential",
	"key",
	"access_token",
	"refresh_token",
	"session",
	"sessionid",
	"sid",
	"private",
}

// RedactURL removes sensitive information from a URL for safe logging.
// It redacts user credentials (user:pass@host) and query parameters whose
// names look like secrets.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		// If we can't parse it, redact aggressively
		return "[invalid-url]"
	}

	if parsed.User != nil {
		parsed.User = url.User("[REDACTED]")
	}

	if parsed.RawQuery != "" {
		parsed.RawQuery = redactQueryParams(parsed.Query()).Encode()
	}

	return parsed.String()
}

func redactQueryParams(params url.Values) url.Values {
	redacted := make(url.Values)

	for key, values := range params {
		keyLower := strings.ToLower(key)
		shouldRedact := false

		for _, pattern := range sensitiveParamPatterns {
			if strings.Contains(keyLower, pattern) {
				shouldRedact = true
				break
			}
		}

		if shouldRedact {
			redacted[key] = []string{"[REDACTED]"}
		} else {
			redacted[key] = values
		}
	}

	return redacted
}

// RedactText replaces all but the first n characters of a secret with a
// fixed mask. Used when logging API key prefixes and similar identifiers.
func RedactText(s string, keep int) string {
	if s == "" {
		return ""
	}
	if keep < 0 {
		keep = 0
	}
	if len(s) <= keep {
		return "[REDACTED]"
	}
	return s[:keep] + "..."
}
