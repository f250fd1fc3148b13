// Package main provides the browsergrid entry point.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Rorqualx/browsergrid/internal/actions"
	"github.com/Rorqualx/browsergrid/internal/auth"
	"github.com/Rorqualx/browsergrid/internal/breaker"
	"github.com/Rorqualx/browsergrid/internal/browser"
	"github.com/Rorqualx/browsergrid/internal/config"
	"github.com/Rorqualx/browsergrid/internal/driver"
	"github.com/Rorqualx/browsergrid/internal/metrics"
	"github.com/Rorqualx/browsergrid/internal/pages"
	"github.com/Rorqualx/browsergrid/internal/ratelimit"
	"github.com/Rorqualx/browsergrid/internal/store"
	"github.com/Rorqualx/browsergrid/pkg/version"
)

// Exit codes: 0 success, 1 runtime failure, 2 invalid configuration.
const (
	exitOK            = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

const shutdownGrace = 30 * time.Second

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "browsergrid",
		Short:         "Multi-tenant headless browser automation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")

	start := &cobra.Command{
		Use:   "start",
		Short: "Start the service (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}

	var initFlag, validateFlag bool
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Generate or validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case initFlag:
				return runConfigInit()
			case validateFlag:
				return runConfigValidate()
			}
			return cmd.Help()
		},
	}
	configCmd.Flags().BoolVar(&initFlag, "init", false, "write a commented default configuration file")
	configCmd.Flags().BoolVar(&validateFlag, "validate", false, "validate the effective configuration")

	testConn := &cobra.Command{
		Use:   "test-connection",
		Short: "Probe the Redis connection and the browser launch path",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTestConnection()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("browsergrid %s (%s)\n", version.Full(), version.GoVersion())
		},
	}

	root.AddCommand(start, configCmd, testConn, versionCmd)

	if err := root.Execute(); err != nil {
		if ec, ok := err.(exitCodeError); ok {
			os.Exit(int(ec))
		}
		log.Error().Err(err).Msg("Command failed")
		os.Exit(exitRuntimeError)
	}
	os.Exit(exitOK)
}

// exitCodeError carries a specific process exit code through cobra.
type exitCodeError int

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", int(e))
}

func loadConfig() (*config.Config, []config.Issue, error) {
	cfg := config.Load()
	if configPath != "" {
		overrides, err := config.LoadFile(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load %s: %w", configPath, err)
		}
		overrides.Apply(cfg)
	}
	setupLogging(cfg)
	issues := cfg.Validate()
	return cfg, issues, nil
}

func runStart() error {
	cfg, issues, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("Configuration load failed")
		return exitCodeError(exitInvalidConfig)
	}
	if config.HasFatal(issues) {
		for _, issue := range issues {
			if issue.Fatal {
				log.Error().Str("field", issue.Field).Msg(issue.Message)
			}
		}
		return exitCodeError(exitInvalidConfig)
	}

	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Str("profile", cfg.Profile).
		Msg("Starting browsergrid")

	app, err := buildApp(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Startup failed")
		return exitCodeError(exitRuntimeError)
	}

	// Hot reload of the YAML overlay while running.
	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath, cfg, func(next *config.Config) {
			zerolog.SetGlobalLevel(parseLevel(next.LogLevel))
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config hot reload unavailable")
		}
	}

	log.Info().
		Int("pool_max_size", cfg.PoolMaxSize).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("browsergrid is ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	if watcher != nil {
		watcher.Close()
	}
	app.shutdown()
	log.Info().Msg("Shutdown complete")
	return nil
}

// app holds the wired service components for the lifetime of the process.
type app struct {
	cfg      *config.Config
	pool     *browser.Pool
	pages    *pages.Manager
	executor *actions.Executor
	auth     *auth.Service
	limiter  *ratelimit.Limiter
	sessions *store.Monitored
	auditor  auth.Auditor
	redis    *goredis.Client

	metricsServer *http.Server
	stopCh        chan struct{}
}

// buildApp wires config → metrics → store → pool → page manager →
// executor → auth → rate limiter.
func buildApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, stopCh: make(chan struct{})}

	if cfg.MetricsEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartMemoryCollector(10*time.Second, a.stopCh)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		a.metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Int("port", cfg.MetricsPort).Msg("Metrics server started")
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	if cfg.RedisURL != "" {
		redisOpts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		a.redis = goredis.NewClient(redisOpts)
	}

	sessions, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	a.sessions = store.Monitor(sessions)

	registry := breaker.NewRegistry(breaker.Config{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		Window:            time.Minute,
		MinimumThroughput: 5,
		Timeout:           30 * time.Second,
		MaxTimeout:        5 * time.Minute,
		BackoffFactor:     2,
	})

	pool, err := browser.NewPool(driver.NewRodDriver(), registry, browser.OptionsFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("browser pool: %w", err)
	}
	a.pool = pool

	a.pages = pages.NewManager(pool, pages.Options{})
	a.executor = actions.NewExecutor(actions.ExecutorOptions{
		Pages:      a.pages,
		Breakers:   registry,
		MaxTimeout: cfg.MaxTimeout,
	})

	if a.auth, a.auditor, err = buildAuth(cfg, a.sessions, a.redis); err != nil {
		return nil, err
	}
	a.limiter = buildLimiter(cfg, a.redis)

	go a.statsLoop()

	return a, nil
}

// statsLoop logs a runtime snapshot once a minute.
func (a *app) statsLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			pm := a.pool.Metrics()
			sh := a.sessions.Health()
			log.Info().
				Int("pool_idle", pm.Idle).
				Int("pool_active", pm.Active).
				Int("queue_length", pm.QueueLength).
				Int64("recycles", pm.Recycles).
				Int64("store_ops", sh.Operations).
				Int64("store_failures", sh.Failures).
				Msg("Runtime stats")
		}
	}
}

func buildStore(cfg *config.Config) (store.Store, error) {
	primary, err := buildPrimaryStore(cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.SessionReplicaURLs) == 0 {
		return primary, nil
	}

	replicas := make(map[string]store.Store, len(cfg.SessionReplicaURLs))
	for i, url := range cfg.SessionReplicaURLs {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		rs, err := store.NewRedis(ctx, store.RedisOptions{
			URL:                url,
			ConnectRetries:     cfg.RedisMaxRetries,
			SweepInterval:      cfg.SessionSweepInterval,
			MaxSessionsPerUser: cfg.MaxSessions,
		})
		cancel()
		if err != nil {
			for _, r := range replicas {
				_ = r.Close()
			}
			_ = primary.Close()
			return nil, fmt.Errorf("replica store %d: %w", i, err)
		}
		replicas[fmt.Sprintf("replica-%d", i)] = rs
	}

	log.Info().
		Int("replicas", len(replicas)).
		Str("policy", cfg.SessionReplicationPolicy).
		Msg("Session replication enabled")
	return store.NewReplicator(primary, replicas, store.ReplicatorOptions{
		Policy:       store.ConflictPolicy(cfg.SessionReplicationPolicy),
		SyncInterval: cfg.SessionSyncInterval,
	}), nil
}

func buildPrimaryStore(cfg *config.Config) (store.Store, error) {
	storeType := cfg.SessionStoreType
	if storeType == "auto" {
		if cfg.RedisURL != "" {
			storeType = "redis"
		} else {
			storeType = "memory"
		}
	}
	switch storeType {
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("session store type is redis but REDIS_URL is empty")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s, err := store.NewRedis(ctx, store.RedisOptions{
			URL:                cfg.RedisURL,
			ConnectRetries:     cfg.RedisMaxRetries,
			SweepInterval:      cfg.SessionSweepInterval,
			MaxSessionsPerUser: cfg.MaxSessions,
		})
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		log.Info().Msg("Using Redis session store")
		return s, nil
	case "memory":
		log.Info().Msg("Using in-memory session store")
		return store.NewMemory(store.MemoryOptions{
			SweepInterval:      cfg.SessionSweepInterval,
			MaxSessionsPerUser: cfg.MaxSessions,
		}), nil
	}
	return nil, fmt.Errorf("unknown session store type %q", cfg.SessionStoreType)
}

func buildAuth(cfg *config.Config, sessions store.Store, redis *goredis.Client) (*auth.Service, auth.Auditor, error) {
	secret := cfg.JWTSecret
	if secret == "" {
		// Development convenience: tokens die with the process.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("generate ephemeral secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
		log.Warn().Msg("JWT_SECRET not set; using an ephemeral secret, tokens will not survive restarts")
	}

	tokens, err := auth.NewTokenService(auth.TokenOptions{
		Secret:     secret,
		Algorithm:  cfg.JWTAlgorithm,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("token service: %w", err)
	}

	var (
		keyStore auth.KeyStore = auth.NewMemoryKeyStore()
		replay   auth.ReplayGuard
	)
	if redis != nil {
		keyStore = auth.NewRedisKeyStore(redis)
		replay = auth.NewRedisReplayGuard(redis)
	}

	var auditor auth.Auditor = auth.NopAuditor{}
	if cfg.AuditLogEnabled {
		auditor, err = auth.NewFileAuditor(cfg.AuditLogPath)
		if err != nil {
			return nil, nil, fmt.Errorf("audit log: %w", err)
		}
		log.Info().Str("path", cfg.AuditLogPath).Msg("Audit log enabled")
	}

	svc, err := auth.NewService(auth.ServiceOptions{
		Sessions:    sessions,
		Tokens:      tokens,
		Keys:        auth.NewKeyManager(keyStore, nil),
		Credentials: auth.NewStaticCredentials(),
		Replay:      replay,
		Audit:       auditor,
		SessionTTL:  cfg.SessionTTL,
	})
	if err != nil {
		return nil, nil, err
	}
	return svc, auditor, nil
}

func buildLimiter(cfg *config.Config, redis *goredis.Client) *ratelimit.Limiter {
	presets := ratelimit.DefaultPresets(cfg.RateLimitWindow)
	api := presets["api"]
	api.Limit = int64(cfg.RateLimitMaxRequests)
	api.SkipSuccessful = cfg.RateLimitSkipSuccessful
	api.SkipFailed = cfg.RateLimitSkipFailed
	presets["api"] = api

	var backend ratelimit.Backend
	if redis != nil {
		backend = ratelimit.NewRedisBackend(redis)
	} else {
		backend = ratelimit.NewMemoryBackend(nil)
	}
	return ratelimit.New(backend, presets, nil)
}

// shutdown runs the graceful sequence: stop admitting, drain the pool,
// flush sessions, close remote connections, flush telemetry.
func (a *app) shutdown() {
	close(a.stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}

	// Waits for in-flight actions, then closes every page and browser.
	a.pages.Shutdown()
	if err := a.pool.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Browser pool shutdown error")
	}

	if err := a.sessions.Close(); err != nil {
		log.Error().Err(err).Msg("Session store close error")
	}
	if a.auditor != nil {
		if err := a.auditor.Close(); err != nil {
			log.Error().Err(err).Msg("Audit log close error")
		}
	}
	if a.limiter != nil {
		if err := a.limiter.Close(); err != nil {
			log.Error().Err(err).Msg("Rate limiter close error")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Error().Err(err).Msg("Redis close error")
		}
	}
}

func runConfigInit() error {
	path := configPath
	if path == "" {
		path = "browsergrid.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}
	if err := config.WriteDefaultFile(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func runConfigValidate() error {
	_, issues, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("Configuration load failed")
		return exitCodeError(exitInvalidConfig)
	}
	fatal := false
	for _, issue := range issues {
		if issue.Fatal {
			fatal = true
			fmt.Printf("ERROR   %s: %s\n", issue.Field, issue.Message)
		} else {
			fmt.Printf("WARNING %s: %s\n", issue.Field, issue.Message)
		}
	}
	if fatal {
		return exitCodeError(exitInvalidConfig)
	}
	fmt.Println("Configuration OK")
	return nil
}

func runTestConnection() error {
	cfg, _, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("Configuration load failed")
		return exitCodeError(exitInvalidConfig)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis ping: %w", err)
		}
		_ = client.Close()
		fmt.Println("Redis: OK")
	} else {
		fmt.Println("Redis: skipped (REDIS_URL not set)")
	}

	d := driver.NewRodDriver()
	b, err := d.Launch(ctx, driver.LaunchOptions{
		Headless:    cfg.Headless,
		BrowserPath: cfg.BrowserPath,
	})
	if err != nil {
		return fmt.Errorf("browser launch: %w", err)
	}
	ver, err := b.Version(ctx)
	if cerr := b.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("Browser close error")
	}
	if err != nil {
		return fmt.Errorf("browser version: %w", err)
	}
	fmt.Printf("Browser: OK (%s)\n", ver)
	return nil
}

func setupLogging(cfg *config.Config) {
	if cfg.IsProduction() {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}
	zerolog.SetGlobalLevel(parseLevel(cfg.LogLevel))
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}
