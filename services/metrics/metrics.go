package metricsvc

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "denim"

// session load outcomes
const (
	LoadHit          = "hit"
	LoadMiss         = "miss"
	LoadDecodeError  = "decode_error"
	LoadBackendError = "backend_error"
)

// import admission outcomes
const (
	AdmissionAdmitted = "admitted"
	AdmissionConflict = "conflict"
)

// Metrics owns its registry, so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	sessionLoads      *prometheus.CounterVec
	sessionsSwept     prometheus.Counter
	denials           *prometheus.CounterVec
	importAdmissions  *prometheus.CounterVec
	hubDrops          prometheus.Counter
	requests          *prometheus.CounterVec
	requestsDurations *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_loads_total",
			Help:      "Session loads by outcome.",
		}, []string{"outcome"}),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_swept_total",
			Help:      "Expired sessions deleted by the sweeper.",
		}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_denials_total",
			Help:      "Requests refused for lack of a capability.",
		}, []string{"needed"}),
		importAdmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_admissions_total",
			Help:      "Import requests by admission outcome.",
		}, []string{"outcome"}),
		hubDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_dropped_events_total",
			Help:      "Live events dropped for slow subscribers.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		requestsDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionLoads,
		m.sessionsSwept,
		m.denials,
		m.importAdmissions,
		m.hubDrops,
		m.requests,
		m.requestsDurations,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionLoad(outcome string) { m.sessionLoads.WithLabelValues(outcome).Inc() }

func (m *Metrics) SessionsSwept(n int64) { m.sessionsSwept.Add(float64(n)) }

func (m *Metrics) Denied(needed string) { m.denials.WithLabelValues(needed).Inc() }

func (m *Metrics) ImportAdmission(outcome string) { m.importAdmissions.WithLabelValues(outcome).Inc() }

func (m *Metrics) HubDrop() { m.hubDrops.Inc() }

// Middleware records every request under its route pattern.
// Errors are handed to the echo error handler here, so the recorded status is the one sent.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			if err := next(ctx); err != nil {
				ctx.Error(err)
			}

			route := ctx.Path()
			if route == "" {
				route = "unmatched"
			}
			status := strconv.Itoa(ctx.Response().Status)
			m.requests.WithLabelValues(ctx.Request().Method, route, status).Inc()
			m.requestsDurations.WithLabelValues(ctx.Request().Method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}
