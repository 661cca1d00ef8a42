package notification

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG stores delivery records in the notifications table.
func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

const notificationCols = `id, booking_id, channel, recipient, template_id, subject, body,
	status, retry_count, max_retries, last_error, created_at, sent_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	var bookingID *uuid.UUID
	err := row.Scan(&n.ID, &bookingID, &n.Channel, &n.Recipient, &n.TemplateID, &n.Subject, &n.Body,
		&n.Status, &n.RetryCount, &n.MaxRetries, &n.LastError, &n.CreatedAt, &n.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if bookingID != nil {
		n.BookingID = *bookingID
	}
	return &n, nil
}

func (s *storePG) Save(ctx context.Context, n *Notification) error {
	var bookingID *uuid.UUID
	if n.BookingID != uuid.Nil {
		bookingID = &n.BookingID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, booking_id, channel, recipient, template_id, subject, body,
			status, retry_count, max_retries, last_error, created_at, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, retry_count = EXCLUDED.retry_count,
			last_error = EXCLUDED.last_error, sent_at = EXCLUDED.sent_at`,
		n.ID, bookingID, n.Channel, n.Recipient, n.TemplateID, n.Subject, n.Body,
		n.Status, n.RetryCount, n.MaxRetries, n.LastError, n.CreatedAt, n.SentAt)
	return err
}

func (s *storePG) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return scanNotification(s.pool.QueryRow(ctx, `SELECT `+notificationCols+` FROM notifications WHERE id = $1`, id))
}

func (s *storePG) ListByRecipient(ctx context.Context, recipient string, limit int) ([]*Notification, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+notificationCols+` FROM notifications
		WHERE recipient = $1 ORDER BY created_at DESC LIMIT $2`, recipient, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *storePG) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM notifications GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}
