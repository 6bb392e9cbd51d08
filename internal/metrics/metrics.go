// Package metrics provides Prometheus instrumentation for the escrow service.
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
			Namespace: "kopa",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kopa",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsInitializedTotal counts escrow transactions by initialization outcome.
	TransactionsInitializedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kopa",
			Name:      "transactions_initialized_total",
			Help:      "Total escrow transactions initialized by result.",
		},
		[]string{"result"},
	)

	// StateTransitionsTotal counts committed state machine transitions.
	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kopa",
			Name:      "state_transitions_total",
			Help:      "Total transaction state transitions by from-state and to-state.",
		},
		[]string{"from", "to"},
	)

	// VerdictsTotal counts verification verdicts by outcome.
	VerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kopa",
			Name:      "verdicts_total",
			Help:      "Total delivery proof verdicts by outcome.",
		},
		[]string{"outcome"},
	)

	// FraudScore observes the fraud score of every verdict.
	FraudScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kopa",
		Name:      "fraud_score",
		Help:      "Distribution of delivery proof fraud scores.",
		Buckets:   []float64{0, 10, 30, 50, 70, 80, 90, 100},
	})

	// ExternalCallsTotal counts calls into external collaborators by operation and result.
	ExternalCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kopa",
			Name:      "external_calls_total",
			Help:      "Total resilient external calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// ExternalCallDuration observes the total duration of a resilient call, retries included.
	ExternalCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kopa",
			Name:      "external_call_duration_seconds",
			Help:      "Duration of resilient external calls in seconds, retries included.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"op"},
	)

	// TransactionDuration observes time from creation to a terminal state.
	TransactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kopa",
			Name:      "transaction_duration_seconds",
			Help:      "Time from transaction creation to a terminal state in seconds.",
			Buckets:   []float64{1, 10, 60, 300, 3600, 86400, 604800},
		},
		[]string{"state"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kopa",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kopa", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kopa", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kopa", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kopa", Name: "rate_limited_requests_total",
		Help: "Total requests rejected with 429.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kopa", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsInitializedTotal,
		StateTransitionsTotal,
		VerdictsTotal,
		FraudScore,
		ExternalCallsTotal,
		ExternalCallDuration,
		TransactionDuration,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		RateLimitedTotal,
		GoroutineCount,
	)
}

// ObserveVerdict records the outcome and fraud score of a verdict.
func ObserveVerdict(approved bool, score int) {
	outcome := "rejected"
	if approved {
		outcome = "approved"
	}
	VerdictsTotal.WithLabelValues(outcome).Inc()
	FraudScore.Observe(float64(score))
}

// ObserveCall records one resilient call. It returns the function to invoke
// with the call's final error once the call has finished.
func ObserveCall(op string) func(err error) {
	start := time.Now()
	return func(err error) {
		ExternalCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		result := "success"
		if err != nil {
			result = "failure"
		}
		ExternalCallsTotal.WithLabelValues(op, result).Inc()
	}
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
			DBInUseConnections.Set(float64(stats.InUse))
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
