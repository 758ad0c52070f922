// Package metrics provides Prometheus instrumentation for the Muse backend.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "muse",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "muse",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Leadership ---

	// LeaderRole is 1 while this instance holds leadership, 0 otherwise.
	LeaderRole = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "muse",
		Name:      "leader_role",
		Help:      "1 when this instance is the leader, 0 when follower.",
	})

	// LeaderTakeoversTotal counts forced takeovers of a stale leader.
	LeaderTakeoversTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "muse",
		Name:      "leader_takeovers_total",
		Help:      "Total forced takeovers of a stale leader.",
	})

	// --- Ingestion queue ---

	// QueueDepth tracks the number of events waiting in the queue.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "muse",
		Name:      "queue_depth",
		Help:      "Number of events currently waiting in the ingestion queue.",
	})

	// QueueDroppedTotal counts events dropped because the queue was full.
	QueueDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "muse",
		Name:      "queue_dropped_total",
		Help:      "Total events dropped due to queue overflow.",
	})

	// QueueDispatchTotal counts dispatch outcomes by event kind and result.
	QueueDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "muse",
			Name:      "queue_dispatch_total",
			Help:      "Dispatch outcomes by event kind and result.",
		},
		[]string{"kind", "result"},
	)

	// --- Jobs ---

	// JobTransitionsTotal counts job state transitions by target status.
	JobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "muse",
			Name:      "job_transitions_total",
			Help:      "Job state transitions by target status.",
		},
		[]string{"status"},
	)

	// DeliveriesTotal counts delivery attempts by result.
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "muse",
			Name:      "deliveries_total",
			Help:      "Result deliveries by outcome (delivered, failed, lease_lost).",
		},
		[]string{"result"},
	)

	// StaleJobsSweptTotal counts jobs failed by the stale sweep.
	StaleJobsSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "muse",
		Name:      "stale_jobs_swept_total",
		Help:      "Total running jobs failed by the stale-job sweep.",
	})

	// HoldsReconciledTotal counts orphaned holds settled by the sweeper.
	HoldsReconciledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "muse",
		Name:      "holds_reconciled_total",
		Help:      "Total open holds settled against a terminal job by reconciliation.",
	})

	// --- Wallet ---

	// WalletMovementsTotal counts applied ledger movements by kind.
	WalletMovementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "muse",
			Name:      "wallet_movements_total",
			Help:      "Applied wallet movements by kind.",
		},
		[]string{"kind"},
	)

	// WalletDuplicateRefsTotal counts idempotent replays observed.
	WalletDuplicateRefsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "muse",
		Name:      "wallet_duplicate_refs_total",
		Help:      "Wallet operations replayed with an already-applied ref.",
	})

	// ActiveStreamClients tracks connected job-stream WebSocket clients.
	ActiveStreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "muse",
		Name:      "active_stream_clients",
		Help:      "Number of currently connected job-stream clients.",
	})

	// --- Database pool ---

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "muse", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "muse", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "muse", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "muse", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "muse", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "muse", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LeaderRole,
		LeaderTakeoversTotal,
		QueueDepth,
		QueueDroppedTotal,
		QueueDispatchTotal,
		JobTransitionsTotal,
		DeliveriesTotal,
		StaleJobsSweptTotal,
		HoldsReconciledTotal,
		WalletMovementsTotal,
		WalletDuplicateRefsTotal,
		ActiveStreamClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
