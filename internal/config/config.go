// Package config provides application configuration management.
// Configuration is loaded from environment variables at startup, optionally
// overlaid from a YAML file, and validated against the bounds below.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Profiles switch logging format, TLS enforcement, and launch retry behavior.
const (
	ProfileDevelopment = "development"
	ProfileProduction  = "production"
	ProfileTest        = "test"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxPoolSizeBound      = 50
	maxPagesPerBrowserCap = 50
	maxMaxSessions        = 10000
	maxTimeoutBound       = 10 * time.Minute
	maxRateLimitRequests  = 100000
	minSecretLength       = 32
)

// Config holds all application configuration.
type Config struct {
	// Profile selects development or production behavior.
	Profile string

	// Server settings
	Host     string
	Port     int
	GRPCHost string
	GRPCPort int
	WSPath   string

	// TLS
	TLSEnabled  bool
	TLSCertPath string
	TLSKeyPath  string

	// Browser settings
	Headless    bool
	BrowserPath string

	// Pool sizing
	PoolMinSize        int
	PoolMaxSize        int
	MaxPagesPerBrowser int
	AcquireTimeout     time.Duration
	MaxIdleTime        time.Duration
	MaintenanceInterval time.Duration

	// Health monitoring
	HealthCheckInterval time.Duration

	// Recycling
	MaxBrowserLifetime time.Duration
	MaxUseCount        int64
	MaxErrorCount      int64
	RecycleScoreCutoff float64
	HealthThreshold    float64
	MemoryLimitMB      float64
	CPULimitPercent    float64

	// Timeouts
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// Sessions
	SessionTTL             time.Duration
	SessionSweepInterval   time.Duration
	MaxSessions            int
	SessionStoreType       string // memory, redis, auto
	SessionSecret          string

	// Redis
	RedisURL        string
	RedisMaxRetries int
	RedisRetryDelay time.Duration

	// Session replication
	SessionReplicaURLs       []string
	SessionReplicationPolicy string // last_write_wins, oldest_wins, manual
	SessionSyncInterval      time.Duration

	// Tokens
	JWTSecret           string
	JWTAlgorithm        string
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration

	// Rate limiting
	RateLimitWindow          time.Duration
	RateLimitMaxRequests     int
	RateLimitSkipSuccessful  bool
	RateLimitSkipFailed      bool

	// CORS (consumed by the HTTP frontend)
	CORSOrigin         []string
	CORSCredentials    bool
	CORSMaxAge         int
	CORSAllowedMethods []string
	CORSAllowedHeaders []string

	// Audit
	AuditLogEnabled bool
	AuditLogPath    string

	// MCP adapter
	MCPTransport string

	// Action validation
	StrictURLValidation bool

	// Logging
	LogLevel string

	// Metrics
	MetricsEnabled bool
	MetricsPort    int
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		Profile: getEnvString("NODE_ENV", getEnvString("ENVIRONMENT", ProfileDevelopment)),

		// Server - default to localhost for security (prevents accidental exposure).
		// Set HOST=0.0.0.0 explicitly to bind to all interfaces.
		Host:     getEnvString("HOST", "127.0.0.1"),
		Port:     getEnvInt("PORT", 8190),
		GRPCHost: getEnvString("GRPC_HOST", "127.0.0.1"),
		GRPCPort: getEnvInt("GRPC_PORT", 8191),
		WSPath:   getEnvString("WS_PATH", "/ws"),

		TLSEnabled:  getEnvBool("TLS_ENABLED", false),
		TLSCertPath: getEnvString("TLS_CERT_PATH", ""),
		TLSKeyPath:  getEnvString("TLS_KEY_PATH", ""),

		Headless:    getEnvBool("HEADLESS", true),
		BrowserPath: getEnvString("BROWSER_PATH", ""),

		// Pool sizing tuned for memory efficiency: each browser costs
		// 150-250MB, so the defaults stay small.
		PoolMinSize:         getEnvInt("BROWSER_POOL_MIN_SIZE", 1),
		PoolMaxSize:         getEnvInt("BROWSER_POOL_MAX_SIZE", 5),
		MaxPagesPerBrowser:  getEnvInt("BROWSER_POOL_MAX_PAGES_PER_BROWSER", 10),
		AcquireTimeout:      getEnvDuration("BROWSER_POOL_ACQUIRE_TIMEOUT", 30*time.Second),
		MaxIdleTime:         getEnvDuration("BROWSER_POOL_IDLE_TIMEOUT", 10*time.Minute),
		MaintenanceInterval: getEnvDuration("BROWSER_POOL_MAINTENANCE_INTERVAL", 30*time.Second),

		HealthCheckInterval: getEnvDuration("BROWSER_POOL_HEALTH_CHECK_INTERVAL", 1*time.Minute),

		MaxBrowserLifetime: getEnvDuration("BROWSER_MAX_LIFETIME", 30*time.Minute),
		MaxUseCount:        int64(getEnvInt("BROWSER_MAX_USE_COUNT", 100)),
		MaxErrorCount:      int64(getEnvInt("BROWSER_MAX_ERROR_COUNT", 5)),
		RecycleScoreCutoff: getEnvFloat("BROWSER_RECYCLE_SCORE_CUTOFF", 90),
		HealthThreshold:    getEnvFloat("BROWSER_HEALTH_THRESHOLD", 30),
		MemoryLimitMB:      getEnvFloat("BROWSER_MEMORY_LIMIT_MB", 1024),
		CPULimitPercent:    getEnvFloat("BROWSER_CPU_LIMIT_PERCENT", 80),

		DefaultTimeout: getEnvDuration("DEFAULT_TIMEOUT", 30*time.Second),
		MaxTimeout:     getEnvDuration("MAX_TIMEOUT", 300*time.Second),

		SessionTTL:           getEnvDuration("SESSION_TTL", 30*time.Minute),
		SessionSweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 1*time.Minute),
		MaxSessions:          getEnvInt("MAX_SESSIONS", 1000),
		SessionStoreType:     getEnvString("SESSION_STORE_TYPE", "auto"),
		SessionSecret:        getEnvString("SESSION_SECRET", ""),

		RedisURL:        getEnvString("REDIS_URL", ""),
		RedisMaxRetries: getEnvInt("REDIS_MAX_RETRIES", 3),
		RedisRetryDelay: getEnvDuration("REDIS_RETRY_DELAY", 500*time.Millisecond),

		SessionReplicaURLs:       getEnvStringSlice("SESSION_REPLICA_URLS", nil),
		SessionReplicationPolicy: getEnvString("SESSION_REPLICATION_POLICY", "last_write_wins"),
		SessionSyncInterval:      getEnvDuration("SESSION_SYNC_INTERVAL", 5*time.Minute),

		JWTSecret:       getEnvString("JWT_SECRET", ""),
		JWTAlgorithm:    getEnvString("JWT_ALGORITHM", "HS256"),
		AccessTokenTTL:  getEnvDuration("JWT_EXPIRES_IN", 15*time.Minute),
		RefreshTokenTTL: getEnvDuration("JWT_REFRESH_EXPIRES_IN", 7*24*time.Hour),

		RateLimitWindow:         getEnvDuration("RATE_LIMIT_WINDOW", 15*time.Minute),
		RateLimitMaxRequests:    getEnvInt("RATE_LIMIT_MAX_REQUESTS", 100),
		RateLimitSkipSuccessful: getEnvBool("RATE_LIMIT_SKIP_SUCCESSFUL_REQUESTS", false),
		RateLimitSkipFailed:     getEnvBool("RATE_LIMIT_SKIP_FAILED_REQUESTS", false),

		CORSOrigin:         getEnvStringSlice("CORS_ORIGIN", nil),
		CORSCredentials:    getEnvBool("CORS_CREDENTIALS", false),
		CORSMaxAge:         getEnvInt("CORS_MAX_AGE", 86400),
		CORSAllowedMethods: getEnvStringSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders: getEnvStringSlice("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-Request-ID"}),

		AuditLogEnabled: getEnvBool("AUDIT_LOG_ENABLED", false),
		AuditLogPath:    getEnvString("AUDIT_LOG_PATH", "audit.log"),

		MCPTransport: getEnvString("MCP_TRANSPORT", "stdio"),

		StrictURLValidation: getEnvBool("STRICT_URL_VALIDATION", false),

		LogLevel: getEnvString("LOG_LEVEL", "info"),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		MetricsPort:    getEnvInt("METRICS_PORT", 9090),
	}
}

// IsProduction returns true when the production profile is active.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Profile, ProfileProduction)
}

// Issue is a configuration problem found during validation. Fatal issues
// prevent startup; warnings are logged and corrected.
type Issue struct {
	Field   string
	Message string
	Fatal   bool
}

// Validate checks configuration values, corrects recoverable problems to
// sensible defaults, and returns all issues found. Fatal issues are returned
// for the caller to act on (exit code 2 from the CLI).
func (c *Config) Validate() []Issue {
	var issues []Issue

	warn := func(field, msg string) {
		issues = append(issues, Issue{Field: field, Message: msg})
		log.Warn().Str("field", field).Msg(msg)
	}
	fatal := func(field, msg string) {
		issues = append(issues, Issue{Field: field, Message: msg, Fatal: true})
		log.Error().Str("field", field).Msg(msg)
	}

	if c.Port < 0 || c.Port > 65535 {
		warn("PORT", "invalid port, using default 8190")
		c.Port = 8190
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		warn("GRPC_PORT", "invalid port, using default 8191")
		c.GRPCPort = 8191
	}

	// BrowserPath validation - prevent path traversal.
	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		warn("BROWSER_PATH", "path contains traversal sequence, ignoring")
		c.BrowserPath = ""
	}

	if c.PoolMaxSize < 1 {
		warn("BROWSER_POOL_MAX_SIZE", "invalid pool size, using default 5")
		c.PoolMaxSize = 5
	} else if c.PoolMaxSize > maxPoolSizeBound {
		warn("BROWSER_POOL_MAX_SIZE", "pool size too large, capping to maximum")
		c.PoolMaxSize = maxPoolSizeBound
	}
	if c.PoolMinSize < 0 {
		warn("BROWSER_POOL_MIN_SIZE", "negative min size, using 0")
		c.PoolMinSize = 0
	}
	if c.PoolMinSize > c.PoolMaxSize {
		warn("BROWSER_POOL_MIN_SIZE", "min size exceeds max size, clamping")
		c.PoolMinSize = c.PoolMaxSize
	}
	if c.MaxPagesPerBrowser < 1 {
		warn("BROWSER_POOL_MAX_PAGES_PER_BROWSER", "invalid page limit, using 10")
		c.MaxPagesPerBrowser = 10
	} else if c.MaxPagesPerBrowser > maxPagesPerBrowserCap {
		warn("BROWSER_POOL_MAX_PAGES_PER_BROWSER", "page limit too large, capping")
		c.MaxPagesPerBrowser = maxPagesPerBrowserCap
	}

	// Timeout ordering: validate MaxTimeout first so DefaultTimeout can be
	// clamped against the corrected value.
	if c.MaxTimeout < time.Second {
		warn("MAX_TIMEOUT", "max timeout too short, using 300s")
		c.MaxTimeout = 300 * time.Second
	} else if c.MaxTimeout > maxTimeoutBound {
		warn("MAX_TIMEOUT", "max timeout too high, capping to maximum")
		c.MaxTimeout = maxTimeoutBound
	}
	if c.DefaultTimeout < time.Second {
		warn("DEFAULT_TIMEOUT", "default timeout too short, using 30s")
		c.DefaultTimeout = 30 * time.Second
	}
	if c.DefaultTimeout > c.MaxTimeout {
		warn("DEFAULT_TIMEOUT", "default timeout exceeds max timeout, adjusting to max")
		c.DefaultTimeout = c.MaxTimeout
	}

	if c.MaxSessions < 1 {
		warn("MAX_SESSIONS", "invalid max sessions, using 1000")
		c.MaxSessions = 1000
	} else if c.MaxSessions > maxMaxSessions {
		warn("MAX_SESSIONS", "max sessions too high, capping to maximum")
		c.MaxSessions = maxMaxSessions
	}

	const minSessionTTL = 1 * time.Minute
	const maxSessionTTL = 24 * time.Hour
	if c.SessionTTL < minSessionTTL {
		warn("SESSION_TTL", "session TTL too short, using minimum")
		c.SessionTTL = minSessionTTL
	} else if c.SessionTTL > maxSessionTTL {
		warn("SESSION_TTL", "session TTL too long, using maximum")
		c.SessionTTL = maxSessionTTL
	}
	if c.SessionSweepInterval >= c.SessionTTL {
		warn("SESSION_SWEEP_INTERVAL", "sweep interval should be less than session TTL for timely cleanup")
	}

	switch c.SessionStoreType {
	case "memory", "redis", "auto":
	default:
		warn("SESSION_STORE_TYPE", "unknown store type, using auto")
		c.SessionStoreType = "auto"
	}
	if c.SessionStoreType == "redis" && c.RedisURL == "" {
		fatal("REDIS_URL", "redis store selected but REDIS_URL is empty")
	}

	switch c.SessionReplicationPolicy {
	case "last_write_wins", "oldest_wins", "manual":
	default:
		warn("SESSION_REPLICATION_POLICY", "unknown policy, using last_write_wins")
		c.SessionReplicationPolicy = "last_write_wins"
	}

	if c.RateLimitMaxRequests < 1 {
		warn("RATE_LIMIT_MAX_REQUESTS", "invalid limit, using 100")
		c.RateLimitMaxRequests = 100
	} else if c.RateLimitMaxRequests > maxRateLimitRequests {
		warn("RATE_LIMIT_MAX_REQUESTS", "limit too high, capping to maximum")
		c.RateLimitMaxRequests = maxRateLimitRequests
	}
	if c.RateLimitWindow < time.Second {
		warn("RATE_LIMIT_WINDOW", "window too short, using 15m")
		c.RateLimitWindow = 15 * time.Minute
	}

	switch strings.ToUpper(c.JWTAlgorithm) {
	case "HS256", "HS384", "HS512":
		c.JWTAlgorithm = strings.ToUpper(c.JWTAlgorithm)
	default:
		warn("JWT_ALGORITHM", "unsupported algorithm, using HS256")
		c.JWTAlgorithm = "HS256"
	}

	if c.AccessTokenTTL < time.Minute {
		warn("JWT_EXPIRES_IN", "access token TTL too short, using 15m")
		c.AccessTokenTTL = 15 * time.Minute
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		warn("JWT_REFRESH_EXPIRES_IN", "refresh TTL must exceed access TTL, using 7d")
		c.RefreshTokenTTL = 7 * 24 * time.Hour
	}

	// Production hardening: TLS and real secrets are mandatory.
	if c.IsProduction() {
		if !c.TLSEnabled {
			fatal("TLS_ENABLED", "TLS must be enabled in production")
		}
		if c.TLSEnabled && (c.TLSCertPath == "" || c.TLSKeyPath == "") {
			fatal("TLS_CERT_PATH", "TLS enabled but certificate or key path is empty")
		}
		if len(c.JWTSecret) < minSecretLength {
			fatal("JWT_SECRET", "JWT secret must be at least 32 characters in production")
		}
		if len(c.SessionSecret) < minSecretLength {
			fatal("SESSION_SECRET", "session secret must be at least 32 characters in production")
		}
	} else {
		if c.JWTSecret == "" {
			warn("JWT_SECRET", "empty JWT secret, using insecure development default")
			c.JWTSecret = "insecure-development-secret-do-not-use"
		}
	}

	return issues
}

// HasFatal reports whether any issue in the slice is fatal.
func HasFatal(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Fatal {
			return true
		}
	}
	return false
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as an int or a default.
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid integer in environment, using default")
		return defaultValue
	}
	return parsed
}

// getEnvFloat returns the environment variable as a float64 or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid float in environment, using default")
		return defaultValue
	}
	return parsed
}

// getEnvBool returns the environment variable as a bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid boolean in environment, using default")
		return defaultValue
	}
	return parsed
}

// getEnvDuration returns the environment variable as a duration or a default.
// Plain integers are interpreted as seconds for compatibility with
// second-denominated deployment configs.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid duration in environment, using default")
		return defaultValue
	}
	return parsed
}

// getEnvStringSlice returns a comma-separated environment variable as a slice.
func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
