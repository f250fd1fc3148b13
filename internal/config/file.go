package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// FileOverrides is the subset of configuration that may be supplied via a
// YAML file. File values win over environment values when present; the
// zero value means "not set" so only explicit entries are applied.
type FileOverrides struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	LogLevel string `yaml:"log_level,omitempty"`

	Pool struct {
		MinSize             int           `yaml:"min_size,omitempty"`
		MaxSize             int           `yaml:"max_size,omitempty"`
		MaxPagesPerBrowser  int           `yaml:"max_pages_per_browser,omitempty"`
		IdleTimeout         time.Duration `yaml:"idle_timeout,omitempty"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval,omitempty"`
	} `yaml:"pool,omitempty"`

	Session struct {
		TTL         time.Duration `yaml:"ttl,omitempty"`
		StoreType   string        `yaml:"store_type,omitempty"`
		RedisURL    string        `yaml:"redis_url,omitempty"`
		ReplicaURLs []string      `yaml:"replica_urls,omitempty"`
	} `yaml:"session,omitempty"`

	RateLimit struct {
		Window      time.Duration `yaml:"window,omitempty"`
		MaxRequests int           `yaml:"max_requests,omitempty"`
	} `yaml:"rate_limit,omitempty"`
}

// defaultConfigYAML is written by `config --init`.
const defaultConfigYAML = `# browsergrid configuration file.
# Values here override environment variables. Remove entries to fall back
# to the environment (and its defaults).

host: 127.0.0.1
port: 8190
log_level: info

pool:
  min_size: 1
  max_size: 5
  max_pages_per_browser: 10
  idle_timeout: 10m
  health_check_interval: 1m

session:
  ttl: 30m
  store_type: auto
  # redis_url: redis://localhost:6379/0
  # replica_urls:
  #   - redis://replica-1:6379/0

rate_limit:
  window: 15m
  max_requests: 100
`

// WriteDefaultFile writes the commented default configuration to path.
// Fails if the file already exists to avoid clobbering a live config.
func WriteDefaultFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o600)
}

// LoadFile parses a YAML overrides file.
func LoadFile(path string) (*FileOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var overrides FileOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &overrides, nil
}

// Apply overlays file values onto a loaded Config. Only non-zero entries
// are applied.
func (o *FileOverrides) Apply(c *Config) {
	if o.Host != "" {
		c.Host = o.Host
	}
	if o.Port != 0 {
		c.Port = o.Port
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.Pool.MinSize != 0 {
		c.PoolMinSize = o.Pool.MinSize
	}
	if o.Pool.MaxSize != 0 {
		c.PoolMaxSize = o.Pool.MaxSize
	}
	if o.Pool.MaxPagesPerBrowser != 0 {
		c.MaxPagesPerBrowser = o.Pool.MaxPagesPerBrowser
	}
	if o.Pool.IdleTimeout != 0 {
		c.MaxIdleTime = o.Pool.IdleTimeout
	}
	if o.Pool.HealthCheckInterval != 0 {
		c.HealthCheckInterval = o.Pool.HealthCheckInterval
	}
	if o.Session.TTL != 0 {
		c.SessionTTL = o.Session.TTL
	}
	if o.Session.StoreType != "" {
		c.SessionStoreType = o.Session.StoreType
	}
	if o.Session.RedisURL != "" {
		c.RedisURL = o.Session.RedisURL
	}
	if len(o.Session.ReplicaURLs) > 0 {
		c.SessionReplicaURLs = o.Session.ReplicaURLs
	}
	if o.RateLimit.Window != 0 {
		c.RateLimitWindow = o.RateLimit.Window
	}
	if o.RateLimit.MaxRequests != 0 {
		c.RateLimitMaxRequests = o.RateLimit.MaxRequests
	}
}

// Watcher reloads the overrides file on change and re-applies it to a copy
// of the base config, delivering the result through OnReload.
type Watcher struct {
	path     string
	base     Config
	onReload func(*Config)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewWatcher starts watching path for writes. onReload receives the merged
// configuration after each successful reload.
func NewWatcher(path string, base *Config, onReload func(*Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(path); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	w := &Watcher{
		path:     path,
		base:     *base,
		onReload: onReload,
		watcher:  fsWatcher,
		stopCh:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.watchFile()
	return w, nil
}

// watchFile debounces rapid write events and triggers reloads.
func (w *Watcher) watchFile() {
	defer w.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer
	var debouncing bool

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Debug().Str("file", event.Name).Msg("Config file changed")

			if debouncing {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(debounceDelay)
			} else {
				debouncing = true
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					w.reload()
					debouncing = false
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config file watcher error")

		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	overrides, err := LoadFile(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Config hot-reload failed, keeping previous configuration")
		return
	}
	merged := w.base
	overrides.Apply(&merged)
	if issues := merged.Validate(); HasFatal(issues) {
		log.Warn().Str("path", w.path).Msg("Reloaded config has fatal issues, keeping previous configuration")
		return
	}
	log.Info().Str("path", w.path).Msg("Configuration reloaded")
	w.onReload(&merged)
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
		w.wg.Wait()
	})
}
