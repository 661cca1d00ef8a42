package booking

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carepath/scheduler/internal/availability"
)

var (
	ErrInvalidInput           = errors.New("invalid booking input")
	ErrBookingNotFound        = errors.New("booking not found")
	ErrMissingPatientName     = fmt.Errorf("%w: patient_name is required", ErrInvalidInput)
	ErrMissingPatientEmail    = fmt.Errorf("%w: patient_email is required", ErrInvalidInput)
	ErrMissingSpecialistEmail = fmt.Errorf("%w: specialist_email is required", ErrInvalidInput)
	ErrInvalidEmail           = fmt.Errorf("%w: malformed email address", ErrInvalidInput)

	// ErrSubmissionInProgress is returned while another request with the
	// same idempotency key is still being booked.
	ErrSubmissionInProgress = errors.New("a booking for this idempotency key is in progress")
)

// Notification delivery states recorded on a booking.
const (
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
	NotificationSkipped = "skipped"
	NotificationPending = "pending"
)

// Booking is a persisted, confirmed appointment.
type Booking struct {
	ID                  uuid.UUID `json:"id"`
	Status              string    `json:"status"`
	PatientName         string    `json:"patient_name"`
	PatientEmail        string    `json:"patient_email"`
	SpecialistName      string    `json:"specialist_name"`
	SpecialistEmail     string    `json:"specialist_email"`
	Symptoms            string    `json:"symptoms,omitempty"`
	PatientNotes        string    `json:"patient_notes,omitempty"`
	IsUrgent            bool      `json:"is_urgent"`
	TimePreference      string    `json:"time_preference"`
	ScheduleDescription string    `json:"availability"`
	SelectedDate        string    `json:"selected_date"`
	SelectedStart       string    `json:"selected_start_time"`
	SelectedEnd         string    `json:"selected_end_time"`
	NotificationStatus  string    `json:"notification_status"`
	CreatedAt           time.Time `json:"created_at"`

	// Replayed is set when the booking was returned for a repeated
	// idempotency key instead of being created.
	Replayed bool `json:"-"`
}

// Input is a booking or preview request as submitted by a client.
type Input struct {
	PatientName     string `json:"patient_name" yaml:"patient_name"`
	PatientEmail    string `json:"patient_email" yaml:"patient_email"`
	SpecialistName  string `json:"specialist_name" yaml:"specialist_name"`
	SpecialistEmail string `json:"specialist_email" yaml:"specialist_email"`
	Symptoms        string `json:"symptoms" yaml:"symptoms"`
	PatientNotes    string `json:"patient_notes" yaml:"patient_notes"`
	IsUrgent        bool   `json:"is_urgent" yaml:"is_urgent"`
	TimePreference  string `json:"time_preference" yaml:"time_preference"`
	Availability    string `json:"availability" yaml:"availability"`
}

func (in *Input) normalize() {
	in.PatientName = strings.TrimSpace(in.PatientName)
	in.PatientEmail = strings.ToLower(strings.TrimSpace(in.PatientEmail))
	in.SpecialistName = strings.TrimSpace(in.SpecialistName)
	in.SpecialistEmail = strings.ToLower(strings.TrimSpace(in.SpecialistEmail))
	in.Symptoms = strings.TrimSpace(in.Symptoms)
	in.PatientNotes = strings.TrimSpace(in.PatientNotes)
}

// Validate checks the party fields. The schedule and preference are checked
// by the engine.
func (in Input) Validate() error {
	if in.PatientName == "" {
		return ErrMissingPatientName
	}
	if in.PatientEmail == "" {
		return ErrMissingPatientEmail
	}
	if in.SpecialistEmail == "" {
		return ErrMissingSpecialistEmail
	}
	for _, addr := range []string{in.PatientEmail, in.SpecialistEmail} {
		parsed, err := mail.ParseAddress(addr)
		if err != nil || parsed.Address != addr {
			return fmt.Errorf("%w: %q", ErrInvalidEmail, addr)
		}
	}
	return nil
}

func (in Input) patient() availability.Identity {
	return availability.Identity{Name: in.PatientName, Contact: in.PatientEmail}
}

func (in Input) specialist() availability.Identity {
	return availability.Identity{Name: in.SpecialistName, Contact: in.SpecialistEmail}
}

func newBooking(in Input, pref availability.TimePreference, res availability.Result) *Booking {
	return &Booking{
		ID:                  uuid.New(),
		Status:              string(res.Status),
		PatientName:         in.PatientName,
		PatientEmail:        in.PatientEmail,
		SpecialistName:      in.SpecialistName,
		SpecialistEmail:     in.SpecialistEmail,
		Symptoms:            in.Symptoms,
		PatientNotes:        in.PatientNotes,
		IsUrgent:            in.IsUrgent,
		TimePreference:      string(pref),
		ScheduleDescription: in.Availability,
		SelectedDate:        res.Slot.Date.Format(availability.DateLayout),
		SelectedStart:       res.Slot.Start.String(),
		SelectedEnd:         res.Slot.End.String(),
		NotificationStatus:  NotificationPending,
		CreatedAt:           res.CreatedAt,
	}
}

// Result rebuilds the engine outcome recorded in the booking.
func (b *Booking) Result(loc *time.Location) (availability.Result, error) {
	date, err := time.ParseInLocation(availability.DateLayout, b.SelectedDate, loc)
	if err != nil {
		return availability.Result{}, fmt.Errorf("selected_date %q: %w", b.SelectedDate, err)
	}
	start, err := availability.ParseClock(b.SelectedStart, false)
	if err != nil {
		return availability.Result{}, err
	}
	end, err := availability.ParseClock(b.SelectedEnd, true)
	if err != nil {
		return availability.Result{}, err
	}
	slot := availability.TimeSlot{Date: date, Start: start, End: end}
	return availability.Assemble(slot, true,
		availability.Identity{Name: b.PatientName, Contact: b.PatientEmail},
		availability.Identity{Name: b.SpecialistName, Contact: b.SpecialistEmail},
		b.CreatedAt), nil
}
