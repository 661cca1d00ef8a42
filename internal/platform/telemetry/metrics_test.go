package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/carepath/scheduler/internal/availability"
)

func TestObservePlan(t *testing.T) {
	m := New()

	m.ObservePlan(availability.Plan{
		Candidates:         make([]availability.TimeSlot, 12),
		UrgencyFallback:    true,
		PreferenceFallback: true,
		Result:             availability.Result{Status: availability.StatusConfirmed},
	})
	m.ObservePlan(availability.Plan{
		Result: availability.Result{Status: availability.StatusNoAvailability},
	})
	m.ObservePlan(availability.Plan{
		Result: availability.Result{Status: availability.StatusInvalidSchedule},
	})

	for status, want := range map[availability.Status]float64{
		availability.StatusConfirmed:       1,
		availability.StatusNoAvailability:  1,
		availability.StatusInvalidSchedule: 1,
	} {
		if got := testutil.ToFloat64(m.BookingsTotal.WithLabelValues(string(status))); got != want {
			t.Errorf("bookings_total{status=%q} = %v, want %v", status, got, want)
		}
	}
	if got := testutil.ToFloat64(m.SoftFallbacksTotal.WithLabelValues(StageUrgency)); got != 1 {
		t.Errorf("urgency fallbacks = %v", got)
	}
	if got := testutil.ToFloat64(m.SoftFallbacksTotal.WithLabelValues(StagePreference)); got != 1 {
		t.Errorf("preference fallbacks = %v", got)
	}

	// invalid schedules generate no candidates and are not observed
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "scheduler_candidate_slots_count 2") {
		t.Errorf("expected two candidate observations:\n%s", rec.Body.String())
	}
}

func TestMiddleware(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/bookings/:id", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/fail", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTeapot, errors.New("nope"))
	})

	for _, path := range []string{"/bookings/1", "/bookings/2", "/fail"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "/bookings/:id", "200")); got != 2 {
		t.Errorf("requests for route = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "/fail", "418")); got != 1 {
		t.Errorf("failed requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveRequests); got != 0 {
		t.Errorf("active requests = %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObservePlan(availability.Plan{Result: availability.Result{Status: availability.StatusConfirmed}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`scheduler_bookings_total{status="confirmed"} 1`, "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestMiddleware_ReturnsHandlerError(t *testing.T) {
	m := New()
	e := echo.New()
	cause := errors.New("connection refused")
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/bookings", nil), httptest.NewRecorder())
	c.SetPath("/bookings")

	err := m.Middleware()(func(c echo.Context) error { return cause })(c)
	if !errors.Is(err, cause) {
		t.Fatalf("error = %v, want the handler's error", err)
	}
	if c.Response().Committed {
		t.Error("middleware must leave the response to the error handler")
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "/bookings", "500")); got != 1 {
		t.Errorf("server errors = %v, want 1", got)
	}
}
