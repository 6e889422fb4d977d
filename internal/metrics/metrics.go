// Package metrics provides Prometheus instrumentation for the pool engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StakesTotal counts stake attempts, partitioned by result
	// ("ok" or the error class).
	StakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolbet_stakes_total",
		Help: "Total number of stake attempts",
	}, []string{"result"})

	// CoinsStaked tracks cumulative coins moved from balances into pools.
	CoinsStaked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolbet_coins_staked_total",
		Help: "Cumulative coins staked",
	})

	StakeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "poolbet_stake_latency_seconds",
		Help:    "Stake transaction latency in seconds, retries included",
		Buckets: prometheus.DefBuckets,
	})

	// ResolutionsTotal counts resolved markets by settlement kind
	// (payout, refund, empty).
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolbet_resolutions_total",
		Help: "Total number of markets resolved",
	}, []string{"kind"})

	// CoinsPaidOut tracks cumulative coins credited back by resolutions.
	CoinsPaidOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolbet_coins_paid_out_total",
		Help: "Cumulative coins credited by market resolution",
	})

	// PendingResolutions tracks markets awaiting moderator approval as of the
	// last listing.
	PendingResolutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolbet_pending_resolutions",
		Help: "Markets with a resolution awaiting moderation",
	})

	// TxRetries counts transactions retried after a transient store error.
	TxRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolbet_tx_retries_total",
		Help: "Transactions retried after transient store errors",
	}, []string{"op"})

	// LedgerDrift is the sum of |correct - current| over all users at the
	// last reconciliation.
	LedgerDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolbet_ledger_drift_coins",
		Help: "Total absolute balance drift at last reconciliation",
	})

	// DriftingUsers is the number of users whose balance disagreed with the
	// ledger at the last reconciliation.
	DriftingUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolbet_drifting_users",
		Help: "Users with a non-zero correction at last reconciliation",
	})

	// CorrectionsApplied counts balances overwritten by reconciliation.
	CorrectionsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolbet_corrections_applied_total",
		Help: "Balances overwritten by reconciliation",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolbet_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poolbet_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// RateLimited counts requests rejected by the per-actor limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolbet_rate_limited_total",
		Help: "Requests rejected by the per-actor rate limiter",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
