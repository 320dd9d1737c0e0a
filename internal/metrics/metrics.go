// Package metrics provides Prometheus instrumentation for the exchange.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts accepted order placements, partitioned by side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_placed_total",
		Help: "Total number of orders accepted",
	}, []string{"side"})

	// OrdersCanceled counts successful cancellations.
	OrdersCanceled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_orders_canceled_total",
		Help: "Total number of orders canceled",
	})

	// TradesExecuted counts trades settled by the matching engine.
	TradesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_trades_total",
		Help: "Total number of trades executed",
	})

	// TradedVolume accumulates executed share quantity per symbol.
	TradedVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_traded_volume_total",
		Help: "Cumulative traded volume in shares",
	}, []string{"symbol"})

	// ReservationRejections counts placements rejected at the escrow
	// step, partitioned by reason (insufficient_balance,
	// insufficient_shares, no_such_holding).
	ReservationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_reservation_rejections_total",
		Help: "Order placements rejected while escrowing funds or shares",
	}, []string{"reason"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
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

		path := r.URL.Path
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
