package booking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carepath/scheduler/internal/availability"
	"github.com/carepath/scheduler/internal/platform/auth"
)

// Metrics receives every computed plan.
type Metrics interface {
	ObservePlan(plan availability.Plan)
}

type Service struct {
	repo     Repository
	notifier Notifier
	idem     IdempotencyStore
	metrics  Metrics
	engine   availability.Config
	loc      *time.Location
	now      func() time.Time
	logger   zerolog.Logger
}

// Option customises a Service.
type Option func(*Service)

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithIdempotency(st IdempotencyStore) Option { return func(s *Service) { s.idem = st } }

func WithMetrics(m Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithLocation sets the location slots are generated in.
func WithLocation(loc *time.Location) Option { return func(s *Service) { s.loc = loc } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(repo Repository, engine availability.Config, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		engine: engine,
		loc:    time.UTC,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) request(in Input, pref availability.TimePreference) availability.Request {
	return availability.Request{
		ScheduleDescription: in.Availability,
		Urgent:              in.IsUrgent,
		Preference:          pref,
		Now:                 s.now().In(s.loc),
		Config:              s.engine,
		Patient:             in.patient(),
		Specialist:          in.specialist(),
	}
}

func (s *Service) plan(in *Input) (availability.Plan, availability.TimePreference, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return availability.Plan{}, "", err
	}
	pref, err := availability.ParsePreference(in.TimePreference)
	if err != nil {
		return availability.Plan{}, "", err
	}

	plan, err := availability.BuildPlan(s.request(*in, pref))
	var perr *availability.ScheduleParseError
	if err == nil || errors.As(err, &perr) {
		if s.metrics != nil {
			s.metrics.ObservePlan(plan)
		}
	}
	return plan, pref, err
}

// Preview computes the would-be booking and its alternatives without
// persisting or notifying anyone.
func (s *Service) Preview(ctx context.Context, in Input) (availability.Plan, error) {
	plan, _, err := s.plan(&in)
	return plan, err
}

// Book computes the earliest acceptable slot and persists it when one is
// found. A no_availability outcome returns a nil booking and a nil error.
//
// A non-empty idempotency key is scoped to the caller and the submitted
// input: repeating the same submission returns the booking created for it
// the first time, and a repeat that arrives while the first is still running
// gets ErrSubmissionInProgress.
func (s *Service) Book(ctx context.Context, in Input, idempotencyKey string) (*Booking, availability.Result, error) {
	in.normalize()
	key := s.submissionKey(ctx, in, idempotencyKey)
	if key != "" {
		id, pending := s.idem.Reserve(ctx, key)
		switch {
		case pending:
			return nil, availability.Result{}, ErrSubmissionInProgress
		case id != uuid.Nil:
			if b, ok := s.replay(ctx, id); ok {
				res, err := b.Result(s.loc)
				return b, res, err
			}
			// The remembered booking is gone; book without the key.
			key = ""
		}
	}

	plan, pref, err := s.plan(&in)
	if err != nil {
		s.release(ctx, key)
		s.logger.Info().Err(err).
			Str("patient_email", in.PatientEmail).
			Msg("booking rejected")
		return nil, plan.Result, err
	}

	res := plan.Result
	logPlan := func(ev *zerolog.Event) *zerolog.Event {
		return ev.Str("status", string(res.Status)).
			Bool("urgent", in.IsUrgent).
			Str("preference", string(pref)).
			Bool("urgency_fallback", plan.UrgencyFallback).
			Bool("preference_fallback", plan.PreferenceFallback).
			Int("candidates", len(plan.Candidates))
	}
	if res.Status != availability.StatusConfirmed {
		s.release(ctx, key)
		logPlan(s.logger.Info()).Msg("no availability")
		return nil, res, nil
	}

	b := newBooking(in, pref, res)
	if err := s.repo.Create(ctx, b); err != nil {
		s.release(ctx, key)
		return nil, res, fmt.Errorf("persist booking: %w", err)
	}
	if key != "" {
		s.idem.Complete(context.WithoutCancel(ctx), key, b.ID)
	}

	b.NotificationStatus = s.notify(ctx, b)
	if err := s.repo.UpdateNotificationStatus(ctx, b.ID, b.NotificationStatus); err != nil {
		s.logger.Error().Err(err).Str("booking_id", b.ID.String()).Msg("record notification status")
	}

	logPlan(s.logger.Info()).
		Str("booking_id", b.ID.String()).
		Str("slot", res.Slot.String()).
		Str("notification_status", b.NotificationStatus).
		Msg("booking confirmed")
	return b, res, nil
}

// submissionKey binds a client key to the authenticated caller and to the
// normalized input, so one caller's key can never replay another's booking.
func (s *Service) submissionKey(ctx context.Context, in Input, clientKey string) string {
	if s.idem == nil || clientKey == "" {
		return ""
	}
	subject := auth.UserIDFromContext(ctx)
	if subject == "" {
		subject = "anonymous"
	}

	h := sha256.New()
	for _, field := range []string{
		clientKey,
		in.PatientName, in.PatientEmail,
		in.SpecialistName, in.SpecialistEmail,
		in.Symptoms, in.PatientNotes,
		strconv.FormatBool(in.IsUrgent),
		strings.ToLower(strings.TrimSpace(in.TimePreference)),
		in.Availability,
	} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return subject + ":" + hex.EncodeToString(h.Sum(nil))
}

func (s *Service) release(ctx context.Context, key string) {
	if key != "" {
		s.idem.Release(context.WithoutCancel(ctx), key)
	}
}

func (s *Service) replay(ctx context.Context, id uuid.UUID) (*Booking, bool) {
	b, err := s.repo.GetByID(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("booking_id", id.String()).Msg("idempotency key points at missing booking")
		return nil, false
	}
	b.Replayed = true
	return b, true
}

// notify never fails the booking; delivery problems are only recorded.
func (s *Service) notify(ctx context.Context, b *Booking) string {
	if s.notifier == nil {
		return NotificationSkipped
	}
	if err := s.notifier.NotifyConfirmed(ctx, b); err != nil {
		s.logger.Warn().Err(err).Str("booking_id", b.ID.String()).Msg("confirmation delivery failed")
		return NotificationFailed
	}
	return NotificationSent
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, email string, limit, offset int) ([]*Booking, int, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, 0, ErrMissingPatientEmail
	}
	return s.repo.ListByPatientEmail(ctx, email, limit, offset)
}
