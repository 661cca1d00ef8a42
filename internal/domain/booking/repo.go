package booking

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, b *Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	ListByPatientEmail(ctx context.Context, email string, limit, offset int) ([]*Booking, int, error)
	UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status string) error
}

// Notifier delivers the confirmation for a freshly persisted booking.
type Notifier interface {
	NotifyConfirmed(ctx context.Context, b *Booking) error
}

// IdempotencyStore claims submission keys so that a repeated submission
// returns the booking created for it. Implementations degrade to granting
// every claim rather than fail a booking.
type IdempotencyStore interface {
	// Reserve returns the booking id for a completed key, or pending when
	// another submission holds the key. Otherwise the caller owns the claim.
	Reserve(ctx context.Context, key string) (id uuid.UUID, pending bool)
	Complete(ctx context.Context, key string, id uuid.UUID)
	Release(ctx context.Context, key string)
}
