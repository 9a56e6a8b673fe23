package observability

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/stockledger/internal/stock"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	ledger          *LedgerMetrics
}

// NewMetrics menginisialisasi registry, metrik HTTP dan metrik ledger.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockledger_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	registry.MustRegister(requests, duration)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		ledger:          NewLedgerMetrics(registry),
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Ledger mengembalikan metrik ledger yang terdaftar pada registry ini.
func (m *Metrics) Ledger() *LedgerMetrics {
	if m == nil {
		return nil
	}
	return m.ledger
}

// LedgerMetrics records stock mutations. It satisfies stock.Recorder.
type LedgerMetrics struct {
	adjustments *prometheus.CounterVec
	clamps      *prometheus.CounterVec
	unfulfilled *prometheus.CounterVec
	retries     *prometheus.CounterVec
}

var _ stock.Recorder = (*LedgerMetrics)(nil)

// NewLedgerMetrics registers ledger collectors against registerer.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &LedgerMetrics{
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_adjustments_total",
			Help: "Committed stock mutations by backend mode and entry kind.",
		}, []string{"mode", "kind"}),
		clamps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_oversell_clamped_total",
			Help: "Decreases that exceeded the available stock and were floored at zero.",
		}, []string{"mode"}),
		unfulfilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_oversell_units_total",
			Help: "Units requested beyond the available stock on clamped decreases.",
		}, []string{"mode"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_tx_retries_total",
			Help: "Durable transaction retries grouped by cause.",
		}, []string{"cause"}),
	}
	registerer.MustRegister(m.adjustments, m.clamps, m.unfulfilled, m.retries)
	return m
}

// ObserveAdjustment implements stock.Recorder.
func (m *LedgerMetrics) ObserveAdjustment(mode, kind string) {
	if m == nil {
		return
	}
	m.adjustments.WithLabelValues(mode, kind).Inc()
}

// ObserveClamp implements stock.Recorder.
func (m *LedgerMetrics) ObserveClamp(mode string, lost int64) {
	if m == nil {
		return
	}
	m.clamps.WithLabelValues(mode).Inc()
	if lost > 0 {
		m.unfulfilled.WithLabelValues(mode).Add(float64(lost))
	}
}

// ObserveRetry counts a durable transaction retry. It fits stock.RepositoryConfig.OnRetry.
func (m *LedgerMetrics) ObserveRetry(err error) {
	if m == nil {
		return
	}
	cause := "other"
	switch {
	case errors.Is(err, stock.ErrConcurrentModification):
		cause = "conflict"
	case errors.Is(err, stock.ErrPersistenceUnavailable):
		cause = "unavailable"
	}
	m.retries.WithLabelValues(cause).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
