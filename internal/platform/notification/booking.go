package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carepath/scheduler/internal/availability"
	"github.com/carepath/scheduler/internal/domain/booking"
)

// BookingNotifier sends the confirmation of a booking to both parties.
type BookingNotifier struct {
	mgr *Manager
}

func NewBookingNotifier(mgr *Manager) *BookingNotifier {
	return &BookingNotifier{mgr: mgr}
}

// NotifyConfirmed attempts both deliveries and reports every failure.
func (n *BookingNotifier) NotifyConfirmed(ctx context.Context, b *booking.Booking) error {
	data := bookingData(b)
	var errs []error
	for _, msg := range []struct{ template, to string }{
		{TemplateBookingPatient, b.PatientEmail},
		{TemplateBookingSpecialist, b.SpecialistEmail},
	} {
		if _, err := n.mgr.SendFromTemplate(ctx, msg.template, msg.to, b.ID, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", msg.template, err))
		}
	}
	return errors.Join(errs...)
}

func bookingData(b *booking.Booking) map[string]string {
	urgency := "routine"
	if b.IsUrgent {
		urgency = "urgent"
	}
	weekday := ""
	if d, err := time.Parse(availability.DateLayout, b.SelectedDate); err == nil {
		weekday = d.Weekday().String()
	}
	orNone := func(s string) string {
		if s == "" {
			return "none given"
		}
		return s
	}
	return map[string]string{
		"booking_id":      b.ID.String(),
		"patient_name":    b.PatientName,
		"patient_email":   b.PatientEmail,
		"specialist_name": b.SpecialistName,
		"date":            b.SelectedDate,
		"weekday":         weekday,
		"start_time":      b.SelectedStart,
		"end_time":        b.SelectedEnd,
		"symptoms":        orNone(b.Symptoms),
		"patient_notes":   orNone(b.PatientNotes),
		"urgency":         urgency,
	}
}
