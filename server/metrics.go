package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the control plane and the
// session runtime.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	turnsTotal     prometheus.Counter
	handoffsTotal  *prometheus.CounterVec
	fanOutsTotal   prometheus.Counter
	wsClients      prometheus.Gauge
}

// NewMetrics registers the flowmesh instruments with reg. Passing nil uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flowmesh",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "flowmesh",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowmesh",
			Name:      "sessions_active",
			Help:      "Number of live sessions in the registry",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		}),
		turnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "turns_total",
			Help:      "Total number of user turns posted",
		}),
		handoffsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flowmesh",
				Name:      "handoffs_total",
				Help:      "Total number of node handoffs",
			},
			[]string{"kind"},
		),
		fanOutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "fan_outs_total",
			Help:      "Total number of parallel fan-out requests",
		}),
		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowmesh",
			Name:      "ws_clients",
			Help:      "Number of connected websocket event subscribers",
		}),
	}
}

// instrument wraps a handler with request counting and latency observation.
// The path label uses the chi route pattern, not the raw URL, to keep
// cardinality bounded.
func (m *Metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		m.requestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
