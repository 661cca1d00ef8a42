package booking

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carepath/scheduler/internal/availability"
	"github.com/carepath/scheduler/internal/platform/auth"
	"github.com/carepath/scheduler/pkg/pagination"
)

// IdempotencyHeader carries the client's submission key on POST /bookings.
const IdempotencyHeader = "Idempotency-Key"

// maxAlternatives bounds the numbered list returned by a preview.
const maxAlternatives = 10

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Patients book for themselves; front-desk schedulers book for anyone.
	bookGroup := api.Group("", auth.RequireRole("scheduler", "patient"))
	bookGroup.POST("/bookings", h.CreateBooking)
	bookGroup.POST("/bookings/preview", h.PreviewBooking)
	bookGroup.GET("/bookings/:id", h.GetBooking)
	bookGroup.POST("/schedules/validate", h.ValidateSchedule)

	staffGroup := api.Group("", auth.RequireRole("scheduler"))
	staffGroup.GET("/bookings", h.ListBookings)
}

type bookingResponse struct {
	Booking *Booking            `json:"booking,omitempty"`
	Result  availability.Result `json:"result"`
	Error   string              `json:"error,omitempty"`
}

func (h *Handler) CreateBooking(c echo.Context) error {
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	b, res, err := h.svc.Book(c.Request().Context(), in, c.Request().Header.Get(IdempotencyHeader))
	var perr *availability.ScheduleParseError
	switch {
	case errors.As(err, &perr):
		return c.JSON(http.StatusUnprocessableEntity, bookingResponse{Result: res, Error: err.Error()})
	case err != nil:
		return httpError(err)
	case b == nil:
		return c.JSON(http.StatusOK, bookingResponse{Result: res})
	case b.Replayed:
		return c.JSON(http.StatusOK, bookingResponse{Booking: b, Result: res})
	}
	return c.JSON(http.StatusCreated, bookingResponse{Booking: b, Result: res})
}

// Alternative is one numbered entry of a preview.
type Alternative struct {
	Number int                   `json:"number"`
	Slot   availability.TimeSlot `json:"slot"`
}

type previewResponse struct {
	Result             availability.Result `json:"result"`
	Alternatives       []Alternative       `json:"alternatives"`
	UrgencyFallback    bool                `json:"urgency_fallback"`
	PreferenceFallback bool                `json:"preference_fallback"`
	CandidateCount     int                 `json:"candidate_count"`
	Rules              []availability.Rule `json:"rules"`
	Messages           []string            `json:"messages"`
	Error              string              `json:"error,omitempty"`
}

func numbered(slots []availability.TimeSlot, limit int) []Alternative {
	if len(slots) > limit {
		slots = slots[:limit]
	}
	out := make([]Alternative, 0, len(slots))
	for i, s := range slots {
		out = append(out, Alternative{Number: i + 1, Slot: s})
	}
	return out
}

func (h *Handler) PreviewBooking(c echo.Context) error {
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	plan, err := h.svc.Preview(c.Request().Context(), in)
	var perr *availability.ScheduleParseError
	if err != nil && !errors.As(err, &perr) {
		return httpError(err)
	}

	resp := previewResponse{
		Result:             plan.Result,
		Alternatives:       numbered(plan.PreferenceFiltered, maxAlternatives),
		UrgencyFallback:    plan.UrgencyFallback,
		PreferenceFallback: plan.PreferenceFallback,
		CandidateCount:     len(plan.Candidates),
		Rules:              plan.Rules,
		Messages:           plan.Messages,
	}
	if perr != nil {
		resp.Error = perr.Error()
		return c.JSON(http.StatusUnprocessableEntity, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetBooking(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	b, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBookings(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(c.Request().Context(), c.QueryParam("patient_email"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Booking{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type validateRequest struct {
	Availability string `json:"availability"`
}

type validateResponse struct {
	Valid      bool                `json:"valid"`
	Normalized string              `json:"normalized,omitempty"`
	Rules      []availability.Rule `json:"rules"`
	Error      string              `json:"error,omitempty"`
}

func (h *Handler) ValidateSchedule(c echo.Context) error {
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sched, err := availability.ParseSchedule(req.Availability)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, validateResponse{Rules: []availability.Rule{}, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, validateResponse{
		Valid:      true,
		Normalized: sched.String(),
		Rules:      sched.Rules(),
	})
}

func httpError(err error) error {
	var (
		prefErr *availability.InvalidPreferenceError
		cfgErr  *availability.ConfigurationError
	)
	switch {
	case errors.Is(err, ErrBookingNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "booking not found")
	case errors.Is(err, ErrSubmissionInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidInput), errors.As(err, &prefErr):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &cfgErr):
		return echo.NewHTTPError(http.StatusInternalServerError, "scheduler is misconfigured")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}
