package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iudanet/benchkeeper/internal/models"
)

// Delivery outcomes recorded by ObserveDelivery
const (
	DeliveryAcknowledged = "acknowledged"
	DeliveryDuplicate    = "duplicate"
	DeliveryConflicted   = "conflicted"
	DeliveryTransient    = "transient"
)

// Metrics provides Prometheus metrics for the agent on a private registry
type Metrics struct {
	reqTotal      *prometheus.CounterVec
	reqLatency    *prometheus.HistogramVec
	probeLatency  *prometheus.HistogramVec
	probeFailures *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	conflicts     prometheus.Gauge
	role          *prometheus.GaugeVec
	registry      *prometheus.Registry
}

// New creates a new Metrics instance with a private Prometheus registry
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		reqTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "benchkeeper_http_requests_total",
				Help: "Total HTTP requests to the agent API",
			},
			[]string{"method", "path", "status"},
		),
		reqLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "benchkeeper_http_request_duration_seconds",
				Help:    "Agent API request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		probeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "benchkeeper_probe_duration_seconds",
				Help:    "Endpoint health probe round trip in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		probeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "benchkeeper_probe_failures_total",
				Help: "Failed endpoint health probes",
			},
			[]string{"endpoint"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "benchkeeper_deliveries_total",
				Help: "Delivery attempts of queued operations by outcome",
			},
			[]string{"result"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "benchkeeper_role_transitions_total",
				Help: "Failover role transitions",
			},
			[]string{"from", "to"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "benchkeeper_queue_depth",
			Help: "QUEUED and IN_FLIGHT operations in the local queue",
		}),
		conflicts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "benchkeeper_conflicts",
			Help: "Conflicted operations awaiting review",
		}),
		role: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "benchkeeper_role",
				Help: "Currently selected role, 1 for the active one",
			},
			[]string{"role"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.reqTotal, m.reqLatency,
		m.probeLatency, m.probeFailures,
		m.deliveries, m.transitions,
		m.queueDepth, m.conflicts, m.role,
	)

	return m
}

// ObserveProbe records the outcome of one health probe
func (m *Metrics) ObserveProbe(endpoint string, latency time.Duration, reachable bool) {
	if m == nil {
		return
	}
	if !reachable {
		m.probeFailures.WithLabelValues(endpoint).Inc()
		return
	}
	m.probeLatency.WithLabelValues(endpoint).Observe(latency.Seconds())
}

// ObserveDelivery records a delivery outcome
func (m *Metrics) ObserveDelivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

// ObserveTransition records a role change and updates the role gauge
func (m *Metrics) ObserveTransition(from, to models.Role) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
	for _, r := range []models.Role{models.RolePrimary, models.RoleReplica, models.RoleLocalOnly} {
		v := 0.0
		if r == to {
			v = 1
		}
		m.role.WithLabelValues(string(r)).Set(v)
	}
}

// SetQueue updates queue gauges
func (m *Metrics) SetQueue(depth, conflicts int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
	m.conflicts.Set(float64(conflicts))
}

// Middleware returns a Chi middleware that collects metrics
func (m *Metrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rw, r)

			// Шаблон маршрута chi вместо сырого пути, чтобы не плодить метки
			path := r.URL.Path
			if chiCtx := chi.RouteContext(r.Context()); chiCtx != nil {
				if pattern := chiCtx.RoutePattern(); pattern != "" {
					path = pattern
				}
			}

			status := http.StatusText(rw.code)
			m.reqTotal.WithLabelValues(r.Method, path, status).Inc()
			m.reqLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler returns an http.Handler that serves Prometheus metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the HTTP status code for metrics
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps Server-Sent Events streaming through the recorder
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
