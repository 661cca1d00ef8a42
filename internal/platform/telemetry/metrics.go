// Package telemetry exposes Prometheus metrics for the HTTP server and the
// booking engine.
package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carepath/scheduler/internal/availability"
)

const namespace = "scheduler"

// Soft fallback stages.
const (
	StageUrgency    = "urgency"
	StagePreference = "preference"
)

// Metrics owns a private registry so tests and multiple servers never collide
// on the global one.
type Metrics struct {
	registry *prometheus.Registry

	BookingsTotal      *prometheus.CounterVec
	SoftFallbacksTotal *prometheus.CounterVec
	CandidateSlots     prometheus.Histogram

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
	DBPoolConns     *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_total",
			Help:      "Booking engine outcomes by status.",
		}, []string{"status"}),
		SoftFallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "soft_fallbacks_total",
			Help:      "Filter stages that matched nothing and fell back to their input.",
		}, []string{"stage"}),
		CandidateSlots: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "candidate_slots",
			Help:      "Slots generated over the horizon per request.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "HTTP requests currently being served.",
		}),
		DBPoolConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_connections",
			Help:      "Database pool connections by state.",
		}, []string{"state"}),
	}
	m.registry.MustRegister(
		m.BookingsTotal,
		m.SoftFallbacksTotal,
		m.CandidateSlots,
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.DBPoolConns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObservePlan records one engine run.
func (m *Metrics) ObservePlan(plan availability.Plan) {
	m.BookingsTotal.WithLabelValues(string(plan.Result.Status)).Inc()
	if plan.Result.Status == availability.StatusInvalidSchedule {
		return
	}
	m.CandidateSlots.Observe(float64(len(plan.Candidates)))
	if plan.UrgencyFallback {
		m.SoftFallbacksTotal.WithLabelValues(StageUrgency).Inc()
	}
	if plan.PreferenceFallback {
		m.SoftFallbacksTotal.WithLabelValues(StagePreference).Inc()
	}
}

// ObservePool copies the pool counters into the connection gauges.
func (m *Metrics) ObservePool(pool *pgxpool.Pool) {
	stat := pool.Stat()
	m.DBPoolConns.WithLabelValues("total").Set(float64(stat.TotalConns()))
	m.DBPoolConns.WithLabelValues("idle").Set(float64(stat.IdleConns()))
	m.DBPoolConns.WithLabelValues("acquired").Set(float64(stat.AcquiredConns()))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request count, latency and in-flight requests.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.ActiveRequests.Inc()
			defer m.ActiveRequests.Dec()

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := strconv.Itoa(responseStatus(c, err))
			m.RequestsTotal.WithLabelValues(c.Request().Method, route, status).Inc()
			m.RequestDuration.WithLabelValues(c.Request().Method, route, status).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// responseStatus is the status the error handler will write for err. The
// error itself is left to the outer middleware so its cause gets logged.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
