package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service passes its readiness checks.",
	})
)

// Wallet / domain metrics.
var (
	ledgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger operations by action tag.",
		},
		[]string{"action"},
	)

	insufficientFundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_insufficient_funds_total",
		Help: "Transfers rejected for insufficient funds.",
	})

	auctionSweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auction_sweeps_total",
		Help: "Completed auction close sweeps.",
	})

	notifyEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_events_total",
			Help: "Post-commit notification events by kind.",
		},
		[]string{"kind"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
		ledgerOpsTotal, insufficientFundsTotal, auctionSweepsTotal, notifyEventsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady reflects readiness probe results in the service_ready gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// RecordLedgerOp counts a completed ledger operation.
func RecordLedgerOp(action string) {
	ledgerOpsTotal.WithLabelValues(action).Inc()
}

// RecordInsufficientFunds counts a rejected transfer.
func RecordInsufficientFunds() {
	insufficientFundsTotal.Inc()
}

// RecordSweep counts one auction sweep pass.
func RecordSweep() {
	auctionSweepsTotal.Inc()
}

// RecordNotifyEvent counts one published outbox event.
func RecordNotifyEvent(kind string) {
	notifyEventsTotal.WithLabelValues(kind).Inc()
}

// CanonicalPath collapses resource identifiers so metric labels stay
// low-cardinality: /v1/accounts/<id>/entries -> /v1/accounts/:id/entries.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	// /v1/affiliates/commissions/<id>[/<action>]
	if len(parts) >= 5 && parts[1] == "v1" && parts[2] == "affiliates" && parts[3] == "commissions" && parts[4] != "" {
		switch {
		case len(parts) == 5:
			parts[4] = ":id"
		case len(parts) == 6 && isResourceAction(parts[5]):
			parts[4] = ":id"
		default:
			return path
		}
		return strings.Join(parts, "/")
	}
	// static sub-collections (/v1/webhooks/payments, /v1/affiliates/codes)
	if len(parts) == 4 && parts[1] == "v1" && (parts[2] == "webhooks" || parts[2] == "affiliates") {
		return path
	}
	// /v1/<collection>/<id>[/<action>]
	if len(parts) >= 4 && parts[1] == "v1" && parts[3] != "" {
		switch {
		case len(parts) == 4:
			parts[3] = ":id"
		case len(parts) == 5 && isResourceAction(parts[4]):
			parts[3] = ":id"
		default:
			return path
		}
		return strings.Join(parts, "/")
	}
	return path
}

func isResourceAction(s string) bool {
	switch s {
	case "balance", "entries", "unlock", "join", "decline", "end",
		"transition", "bids", "buy-now", "close", "invites", "responses", "checkin":
		return true
	}
	return false
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
