package handler

import (
	"strconv"
	"time"

	"github.com/aaron031291/grace-2-sub022/internal/anomaly"
	"github.com/aaron031291/grace-2-sub022/internal/healing"
	"github.com/aaron031291/grace-2-sub022/internal/trustledger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	trustRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	trustRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trust_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	trustLedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_ledger_entries_total",
		Help: "Total ledger entries appended by event type.",
	}, []string{"event_type"})

	trustChainChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_chain_checks_total",
		Help: "Total chain integrity checks by result.",
	}, []string{"result"})

	trustChainCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trust_chain_check_duration_seconds",
		Help:    "Duration of full chain verification passes.",
		Buckets: prometheus.DefBuckets,
	})

	trustAnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_anomalies_total",
		Help: "Total anomalies opened by type and severity.",
	}, []string{"type", "severity"})

	trustHealingAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_healing_attempts_total",
		Help: "Total completed healing attempts by action and outcome.",
	}, []string{"action", "outcome"})

	trustGovernanceDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_governance_deliveries_total",
		Help: "Total governance webhook deliveries by success status.",
	}, []string{"status"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		trustRequestsTotal.WithLabelValues(method, path, status).Inc()
		trustRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordLedgerAppend records an appended ledger entry.
func RecordLedgerAppend(e *trustledger.LogEntry) {
	trustLedgerEntriesTotal.WithLabelValues(e.EventType).Inc()
}

// RecordChainCheck records a chain verification pass.
func RecordChainCheck(intact bool, d time.Duration) {
	if intact {
		trustChainChecksTotal.WithLabelValues("intact").Inc()
	} else {
		trustChainChecksTotal.WithLabelValues("broken").Inc()
	}
	trustChainCheckDuration.Observe(d.Seconds())
}

// RecordAnomaly records a newly opened anomaly.
func RecordAnomaly(a *anomaly.Anomaly) {
	trustAnomaliesTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
}

// RecordHealingAttempt records a completed healing attempt.
func RecordHealingAttempt(a *healing.Attempt) {
	trustHealingAttemptsTotal.WithLabelValues(string(a.ActionTaken), string(a.Outcome)).Inc()
}

// RecordGovernanceDelivery records a governance webhook delivery attempt.
func RecordGovernanceDelivery(success bool) {
	if success {
		trustGovernanceDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		trustGovernanceDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
