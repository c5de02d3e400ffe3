package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "doublezero_distributor_build_info",
			Help: "Build information of the distributor",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doublezero_distributor_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "doublezero_distributor_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "doublezero_distributor_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Claim metrics
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doublezero_distributor_claims_total",
			Help: "Total number of claim attempts by result code",
		},
		[]string{"code"},
	)

	ClaimDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "doublezero_distributor_claim_duration_seconds",
			Help:    "Duration of claim processing in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
	)

	AmountClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doublezero_distributor_amount_claimed_total",
			Help: "Total unlocked amount transferred to claimants",
		},
		[]string{"distribution"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Route pattern keeps label cardinality bounded.
		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = rctx.RoutePattern()
		}
		if path == "" {
			path = "unmatched"
		}

		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordClaim records the outcome of one claim attempt.
func RecordClaim(code string, duration time.Duration) {
	ClaimsTotal.WithLabelValues(code).Inc()
	ClaimDuration.Observe(duration.Seconds())
}

func RecordAmountClaimed(distribution string, amount uint64) {
	AmountClaimedTotal.WithLabelValues(distribution).Add(float64(amount))
}
