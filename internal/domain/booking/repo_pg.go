package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carepath/scheduler/internal/platform/db"
)

type bookingRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &bookingRepoPG{pool: pool} }

func (r *bookingRepoPG) conn(ctx context.Context) db.Querier {
	if q := db.QuerierFromContext(ctx); q != nil {
		return q
	}
	return r.pool
}

const bookingCols = `id, status, patient_name, patient_email, specialist_name, specialist_email,
	symptoms, patient_notes, is_urgent, time_preference, schedule_description,
	selected_date::text, selected_start, selected_end, notification_status, created_at`

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	err := row.Scan(&b.ID, &b.Status, &b.PatientName, &b.PatientEmail, &b.SpecialistName, &b.SpecialistEmail,
		&b.Symptoms, &b.PatientNotes, &b.IsUrgent, &b.TimePreference, &b.ScheduleDescription,
		&b.SelectedDate, &b.SelectedStart, &b.SelectedEnd, &b.NotificationStatus, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *bookingRepoPG) Create(ctx context.Context, b *Booking) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bookings (id, status, patient_name, patient_email, specialist_name, specialist_email,
			symptoms, patient_notes, is_urgent, time_preference, schedule_description,
			selected_date, selected_start, selected_end, notification_status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::date,$13,$14,$15,$16)`,
		b.ID, b.Status, b.PatientName, b.PatientEmail, b.SpecialistName, b.SpecialistEmail,
		b.Symptoms, b.PatientNotes, b.IsUrgent, b.TimePreference, b.ScheduleDescription,
		b.SelectedDate, b.SelectedStart, b.SelectedEnd, b.NotificationStatus, b.CreatedAt)
	return err
}

func (r *bookingRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return scanBooking(r.conn(ctx).QueryRow(ctx, `SELECT `+bookingCols+` FROM bookings WHERE id = $1`, id))
}

func (r *bookingRepoPG) ListByPatientEmail(ctx context.Context, email string, limit, offset int) ([]*Booking, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM bookings WHERE patient_email = $1`, email).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bookingCols+` FROM bookings
		WHERE patient_email = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, email, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, rows.Err()
}

func (r *bookingRepoPG) UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE bookings SET notification_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update notification status of %s: %w", id, ErrBookingNotFound)
	}
	return nil
}
