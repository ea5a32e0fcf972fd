// Package metrics provides Prometheus instrumentation for the paylink coordinator.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylink",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paylink",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ReconcileTotal counts reconciliations by resulting classification.
	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylink",
			Name:      "reconcile_total",
			Help:      "Total invoice reconciliations by classification.",
		},
		[]string{"classification"},
	)

	// KeyMismatchTotal counts reconciliations that found a stale stored key.
	KeyMismatchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paylink",
		Name:      "key_mismatch_total",
		Help:      "Reconciliations where the stored invoice key differed from the derived key.",
	})

	// TransitionsTotal counts fund/release/direct-transfer attempts by outcome.
	// Failed outcomes are labelled with the error kind.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylink",
			Name:      "transitions_total",
			Help:      "Total invoice transitions by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// RepairsTotal counts recovery operations that changed a record.
	RepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylink",
			Name:      "repairs_total",
			Help:      "Total recovery operations applied by kind.",
		},
		[]string{"kind"},
	)

	// BackgroundTaskFailures counts failed or panicked background tasks.
	BackgroundTaskFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylink",
			Name:      "background_task_failures_total",
			Help:      "Background tasks that returned an error or panicked.",
		},
		[]string{"task"},
	)

	// ApprovalWaitDuration observes how long token approvals took to confirm.
	ApprovalWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paylink",
		Name:      "approval_wait_seconds",
		Help:      "Time spent waiting for token approval receipts.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	// CriticalPersistFailures counts on-chain transfers whose off-chain
	// update could not be written.
	CriticalPersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paylink",
		Name:      "critical_persist_failures_total",
		Help:      "On-chain transfers whose invoice record could not be updated.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "paylink",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ReconcileTotal,
		KeyMismatchTotal,
		TransitionsTotal,
		RepairsTotal,
		BackgroundTaskFailures,
		ApprovalWaitDuration,
		CriticalPersistFailures,
		ActiveWebSocketClients,
	)
}

// RegisterDB exports the pool statistics of db as paylink_db_* series.
// Registering the same pool twice is not an error.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, "paylink"))
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

// Middleware records request count and latency per route pattern. Requests
// that matched no route share the "unmatched" label.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "5xx"
	}
	return strconv.Itoa(code/100) + "xx"
}
