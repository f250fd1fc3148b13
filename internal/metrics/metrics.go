// Package metrics provides Prometheus metrics for monitoring browsergrid.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActionsTotal counts executed actions by type and status.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsergrid_actions_total",
			Help: "Total number of browser actions executed",
		},
		[]string{"action", "status"},
	)

	// ActionDuration tracks action duration by type.
	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "browsergrid_action_duration_seconds",
			Help:    "Action duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
		},
		[]string{"action"},
	)

	// PoolInstances shows pool instances by state.
	PoolInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browsergrid_pool_instances",
			Help: "Browser instances in the pool by state",
		},
		[]string{"state"},
	)

	// PoolQueueLength shows queued acquisition waiters.
	PoolQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_pool_queue_length",
			Help: "Number of queued browser acquisition requests",
		},
	)

	// PoolAcquireWait tracks time spent waiting for a browser.
	PoolAcquireWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "browsergrid_pool_acquire_wait_seconds",
			Help:    "Time spent waiting to acquire a browser",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~262s
		},
	)

	// PoolLaunches counts browser launches by outcome.
	PoolLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsergrid_pool_launches_total",
			Help: "Total browser launches by outcome",
		},
		[]string{"outcome"},
	)

	// PoolRecycles counts recycled browsers by reason.
	PoolRecycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsergrid_pool_recycles_total",
			Help: "Total browsers recycled by reason",
		},
		[]string{"reason"},
	)

	// HealthCheckDuration tracks browser health check duration.
	HealthCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "browsergrid_health_check_duration_seconds",
			Help:    "Browser health check duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HealthCheckFailures counts failed health checks.
	HealthCheckFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browsergrid_health_check_failures_total",
			Help: "Total failed browser health checks",
		},
	)

	// BreakerState shows circuit breaker state by operation (0=closed, 1=half-open, 2=open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browsergrid_breaker_state",
			Help: "Circuit breaker state by operation (0=closed, 1=half-open, 2=open)",
		},
		[]string{"operation"},
	)

	// BreakerRejections counts calls rejected by an open breaker.
	BreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsergrid_breaker_rejections_total",
			Help: "Total calls rejected by an open circuit breaker",
		},
		[]string{"operation"},
	)

	// ActiveSessions shows current active sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// StoreOperations counts session store operations by op and status.
	StoreOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsergrid_store_operations_total",
			Help: "Session store operations by operation and status",
		},
		[]string{"op", "status"},
	)

	// StoreLatency tracks session store operation latency.
	StoreLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "browsergrid_store_latency_seconds",
			Help:    "Session store operation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"op"},
	)

	// ReplicationLag counts pending replication operations per replica.
	ReplicationLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browsergrid_replication_pending_ops",
			Help: "Pending replication operations per replica",
		},
		[]string{"replica"},
	)

	// RateLimitRejections counts rate-limited requests by scope.
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsergrid_rate_limit_rejections_total",
			Help: "Total rate-limited requests by scope",
		},
		[]string{"scope"},
	)

	// AuthEvents counts authentication events by type.
	AuthEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsergrid_auth_events_total",
			Help: "Authentication events by type",
		},
		[]string{"event"},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browsergrid_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		ActionsTotal,
		ActionDuration,
		PoolInstances,
		PoolQueueLength,
		PoolAcquireWait,
		PoolLaunches,
		PoolRecycles,
		HealthCheckDuration,
		HealthCheckFailures,
		BreakerState,
		BreakerRejections,
		ActiveSessions,
		StoreOperations,
		StoreLatency,
		ReplicationLag,
		RateLimitRejections,
		AuthEvents,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordAction records metrics for a completed action.
func RecordAction(action, status string, duration time.Duration) {
	ActionsTotal.WithLabelValues(action, status).Inc()
	ActionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordStoreOp records a session store operation.
func RecordStoreOp(op string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreOperations.WithLabelValues(op, status).Inc()
	StoreLatency.WithLabelValues(op).Observe(duration.Seconds())
}
