package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/points-ledger/points"
)

// =============================================================================
// LEDGER METRICS
// =============================================================================

var EntriesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "points",
	Subsystem: "ledger",
	Name:      "entries_written_total",
	Help:      "Ledger entries written, by transaction type.",
}, []string{"type"})

var PointsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "points",
	Subsystem: "ledger",
	Name:      "points_applied_total",
	Help:      "Absolute points applied to balances, by category.",
}, []string{"category"})

var CapTruncations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "points",
	Subsystem: "ledger",
	Name:      "cap_truncations_total",
	Help:      "Earn credits reduced by the daily cap.",
}, []string{"type"})

var ConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "points",
	Subsystem: "ledger",
	Name:      "conflict_retries_total",
	Help:      "Writes retried after a version conflict.",
})

var LevelChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "points",
	Subsystem: "ledger",
	Name:      "level_changes_total",
	Help:      "Level transitions, by direction.",
}, []string{"direction"})

var PromotionFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "points",
	Subsystem: "ledger",
	Name:      "promotion_failures_total",
	Help:      "Promotion hook calls that returned an error.",
})

// =============================================================================
// RECONCILIATION METRICS
// =============================================================================

var ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "points",
	Subsystem: "reconcile",
	Name:      "runs_total",
	Help:      "Reconciliation runs, by status.",
}, []string{"status"})

var ReconcileDrift = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "points",
	Subsystem: "reconcile",
	Name:      "drift_total",
	Help:      "Users found drifted, by outcome.",
}, []string{"outcome"})

// =============================================================================
// HTTP METRICS
// =============================================================================

var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "points",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "HTTP requests, by route and status code.",
}, []string{"method", "route", "code"})

var HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "points",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency.",
	Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
}, []string{"method", "route"})

// =============================================================================
// OBSERVER
// =============================================================================

// Metrics feeds ledger events into the Prometheus counters above.
type Metrics struct{}

var _ points.Observer = Metrics{}

func (Metrics) EntryWritten(e points.Entry) {
	EntriesWritten.WithLabelValues(string(e.Type)).Inc()
	amount := e.Points
	if amount < 0 {
		amount = -amount
	}
	PointsApplied.WithLabelValues(string(e.Type.Category())).Add(float64(amount))
}

func (Metrics) CapTruncated(e points.Entry) {
	CapTruncations.WithLabelValues(string(e.Type)).Inc()
}

func (Metrics) ConflictRetried(points.UserID) {
	ConflictRetries.Inc()
}

func (Metrics) LevelChanged(c points.LevelChange) {
	direction := "down"
	if c.Promoted() {
		direction = "up"
	}
	LevelChanges.WithLabelValues(direction).Inc()
}

func (Metrics) PromotionFailed(points.LevelChange, error) {
	PromotionFailures.Inc()
}

// instrument records request counts and latency by chi route pattern, so
// user ids in paths do not explode label cardinality.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
