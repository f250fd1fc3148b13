// Package errdefs provides the shared error taxonomy for the application.
// Every error that crosses a component boundary is either a sentinel from this
// package or an *Error carrying a code, category, severity, and recovery
// suggestions. Protocol frontends project an *Error into their own status
// codes via the mapping helpers.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// Kind categorizes an error for propagation policy and protocol mapping.
type Kind string

// Error kinds.
const (
	KindValidation      Kind = "validation"
	KindAuthentication  Kind = "authentication"
	KindAuthorization   Kind = "authorization"
	KindSession         Kind = "session"
	KindRateLimit       Kind = "rate_limit"
	KindResource        Kind = "resource"
	KindNetwork         Kind = "network"
	KindBrowser         Kind = "browser"
	KindConfiguration   Kind = "configuration"
	KindSecurity        Kind = "security"
	KindExternalService Kind = "external_service"
	KindSystem          Kind = "system"
	KindBusinessLogic   Kind = "business_logic"
)

// Severity indicates operational impact. RateLimit errors are always
// non-operational regardless of severity (they never page).
type Severity string

// Severity levels.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Recovery suggestions attached to errors for client guidance.
type Recovery string

// Recovery suggestion constants.
const (
	RecoveryRetry            Recovery = "retry"
	RecoveryRetryWithBackoff Recovery = "retry_with_backoff"
	RecoveryRefreshToken     Recovery = "refresh_token"
	RecoveryLoginAgain       Recovery = "login_again"
	RecoveryCheckPermissions Recovery = "check_permissions"
	RecoveryValidateInput    Recovery = "validate_input"
	RecoveryWaitAndRetry     Recovery = "wait_and_retry"
	RecoveryCheckNetwork     Recovery = "check_network"
	RecoveryCheckResource    Recovery = "check_resource"
	RecoveryContactSupport   Recovery = "contact_support"
)

// Sentinel errors checked with errors.Is across the application.
var (
	// Pool errors
	ErrPoolClosed      = errors.New("browser pool is closed")
	ErrPoolTimeout     = errors.New("timeout waiting for browser from pool")
	ErrPoolExhausted   = errors.New("browser pool exhausted: no browsers available")
	ErrPageLimit       = errors.New("browser page limit reached")
	ErrBrowserUnhealthy = errors.New("browser is unhealthy")
	ErrBrowserDisposed = errors.New("browser instance is disposed")

	// Session errors
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionExpired       = errors.New("session has expired")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrTooManySessions      = errors.New("maximum number of sessions reached")

	// Context / page errors
	ErrContextNotFound   = errors.New("browser context not found")
	ErrContextTerminated = errors.New("browser context is terminated")
	ErrPageNotFound      = errors.New("page not found")

	// Auth errors
	ErrInvalidToken      = errors.New("invalid or malformed token")
	ErrTokenExpired      = errors.New("token has expired")
	ErrWrongTokenKind    = errors.New("wrong token kind for this operation")
	ErrRefreshTokenUsed  = errors.New("refresh token has already been redeemed")
	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrAPIKeyExpired     = errors.New("API key has expired")
	ErrAPIKeyInactive    = errors.New("API key is inactive")

	// Breaker errors
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// Rate limit errors
	ErrRateLimited = errors.New("rate limit exceeded")

	// Store errors
	ErrStoreUnavailable = errors.New("session store unavailable")
	ErrStaleSchema      = errors.New("serialized session has a stale schema")

	// Generic
	ErrCanceled = errors.New("operation canceled")
)

// Error is the tagged error value carrying the full context from the
// taxonomy. It wraps an underlying cause for errors.Is/As support.
type Error struct {
	Code        string         // stable string constant, e.g. "POOL_TIMEOUT"
	Kind        Kind           // taxonomy category
	Severity    Severity       // operational impact
	Message     string         // safe for display to end users
	Details     string         // sanitized technical details
	RequestID   string         // correlating request id, if known
	SessionID   string         // owning session, if known
	UserID      string         // owning user, if known
	Recovery    []Recovery     // ordered recovery suggestions
	DocsURL     string         // optional documentation link
	Retryable   bool           // whether a plain retry may succeed
	ShouldAlert bool           // security events set this
	ResetAt     time.Time      // rate limit window reset, if applicable
	Err         error          // underlying cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithRequest attaches request correlation ids and returns the error.
func (e *Error) WithRequest(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// WithSession attaches session/user ids and returns the error.
func (e *Error) WithSession(sessionID, userID string) *Error {
	e.SessionID = sessionID
	e.UserID = userID
	return e
}

// New builds an *Error for the given kind with sensible defaults for
// severity, retryability, and recovery suggestions.
func New(kind Kind, code, message string, cause error) *Error {
	e := &Error{
		Code:     code,
		Kind:     kind,
		Message:  message,
		Severity: defaultSeverity(kind),
		Err:      cause,
	}
	e.Recovery = defaultRecovery(kind)
	switch kind {
	case KindNetwork, KindBrowser, KindExternalService:
		e.Retryable = true
	case KindSecurity:
		e.ShouldAlert = true
	}
	return e
}

func defaultSeverity(kind Kind) Severity {
	switch kind {
	case KindValidation, KindRateLimit:
		return SeverityLow
	case KindSession, KindAuthentication, KindAuthorization, KindResource:
		return SeverityMedium
	case KindBrowser, KindNetwork, KindExternalService, KindBusinessLogic:
		return SeverityHigh
	case KindSecurity, KindSystem, KindConfiguration:
		return SeverityCritical
	}
	return SeverityMedium
}

func defaultRecovery(kind Kind) []Recovery {
	switch kind {
	case KindValidation:
		return []Recovery{RecoveryValidateInput}
	case KindAuthentication:
		return []Recovery{RecoveryRefreshToken, RecoveryLoginAgain}
	case KindAuthorization:
		return []Recovery{RecoveryCheckPermissions}
	case KindSession:
		return []Recovery{RecoveryLoginAgain}
	case KindRateLimit:
		return []Recovery{RecoveryWaitAndRetry}
	case KindResource:
		return []Recovery{RecoveryCheckResource}
	case KindNetwork:
		return []Recovery{RecoveryRetryWithBackoff, RecoveryCheckNetwork}
	case KindBrowser, KindExternalService:
		return []Recovery{RecoveryRetryWithBackoff}
	case KindSystem:
		return []Recovery{RecoveryContactSupport}
	}
	return nil
}

// AsError converts any error into an *Error. Known sentinels are mapped to
// their taxonomy entries; unknown errors become a generic system error with a
// safe user message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, ErrPoolTimeout), errors.Is(err, ErrPoolExhausted):
		return New(KindResource, "POOL_TIMEOUT", "No browser became available in time.", err)
	case errors.Is(err, ErrPoolClosed):
		return New(KindSystem, "POOL_UNAVAILABLE", "The service is shutting down.", err)
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionExpired):
		return New(KindSession, "SESSION_INVALID", "Your session is no longer valid.", err)
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrRefreshTokenUsed), errors.Is(err, ErrWrongTokenKind):
		return New(KindAuthentication, "TOKEN_INVALID", "Authentication failed.", err)
	case errors.Is(err, ErrInvalidAPIKey), errors.Is(err, ErrAPIKeyExpired), errors.Is(err, ErrAPIKeyInactive):
		return New(KindAuthentication, "API_KEY_INVALID", "Authentication failed.", err)
	case errors.Is(err, ErrRateLimited):
		return New(KindRateLimit, "RATE_LIMITED", "Too many requests.", err)
	case errors.Is(err, ErrCircuitOpen):
		return New(KindExternalService, "CIRCUIT_OPEN", "The operation is temporarily unavailable.", err)
	case errors.Is(err, ErrCanceled):
		return New(KindSystem, "CANCELED", "The operation was canceled.", err)
	}
	return New(KindSystem, "INTERNAL", "An unexpected error occurred.", err)
}
