// Package notification renders and delivers booking confirmations, keeps a
// delivery record per message and retries failed deliveries on request.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("notification not found")
	ErrNotRetryable     = errors.New("notification is not in failed status")
	ErrRetriesExhausted = errors.New("notification retry limit reached")
	ErrTemplateNotFound = errors.New("template not found")
	ErrMissingRecipient = errors.New("recipient is required")
)

// Delivery states.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// ChannelEmail is the only delivery channel.
const ChannelEmail = "email"

// DefaultMaxRetries bounds manual retries of a failed notification.
const DefaultMaxRetries = 3

// Notification is a single outbound message and its delivery record.
type Notification struct {
	ID         uuid.UUID  `json:"id"`
	BookingID  uuid.UUID  `json:"booking_id,omitempty"`
	Channel    string     `json:"channel"`
	Recipient  string     `json:"recipient"`
	TemplateID string     `json:"template_id"`
	Subject    string     `json:"subject"`
	Body       string     `json:"body"`
	Status     string     `json:"status"`
	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`
	LastError  string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
}

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Store persists delivery records.
type Store interface {
	Save(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id uuid.UUID) (*Notification, error)
	ListByRecipient(ctx context.Context, recipient string, limit int) ([]*Notification, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

// Template defines a reusable message with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

const (
	TemplateBookingPatient    = "booking-confirmed-patient"
	TemplateBookingSpecialist = "booking-confirmed-specialist"
)

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine creates a TemplateEngine with the booking templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	e.RegisterTemplate(Template{
		ID:      TemplateBookingPatient,
		Name:    "Booking Confirmed (patient)",
		Subject: "Your appointment with {{specialist_name}} on {{date}}",
		Body: "Dear {{patient_name}},\n\n" +
			"your appointment with {{specialist_name}} is confirmed for {{weekday}} {{date}}, {{start_time}}-{{end_time}}.\n\n" +
			"Reference: {{booking_id}}\n",
	})
	e.RegisterTemplate(Template{
		ID:      TemplateBookingSpecialist,
		Name:    "Booking Confirmed (specialist)",
		Subject: "New {{urgency}} appointment: {{patient_name}} on {{date}} {{start_time}}",
		Body: "Dear {{specialist_name}},\n\n" +
			"{{patient_name}} ({{patient_email}}) booked {{weekday}} {{date}}, {{start_time}}-{{end_time}}.\n\n" +
			"Symptoms: {{symptoms}}\n" +
			"Patient notes: {{patient_notes}}\n\n" +
			"Reference: {{booking_id}}\n",
	})
	return e
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrTemplateNotFound, templateID)
	}

	pairs := make([]string, 0, 2*len(data))
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Subject), r.Replace(t.Body), nil
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager renders, sends and records notifications.
type Manager struct {
	email     EmailSender
	templates *TemplateEngine
	store     Store
	now       func() time.Time
}

func NewManager(email EmailSender, tpl *TemplateEngine, store Store) *Manager {
	return &Manager{email: email, templates: tpl, store: store, now: time.Now}
}

// SendFromTemplate renders a template and delivers it. The delivery record is
// stored even when sending fails, and the send error is returned.
func (m *Manager) SendFromTemplate(ctx context.Context, templateID, recipient string, bookingID uuid.UUID, data map[string]string) (*Notification, error) {
	if recipient == "" {
		return nil, ErrMissingRecipient
	}
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, err
	}

	n := &Notification{
		ID:         uuid.New(),
		BookingID:  bookingID,
		Channel:    ChannelEmail,
		Recipient:  recipient,
		TemplateID: templateID,
		Subject:    subject,
		Body:       body,
		Status:     StatusPending,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  m.now().UTC(),
	}
	sendErr := m.deliver(ctx, n)
	if err := m.store.Save(ctx, n); err != nil {
		return n, fmt.Errorf("save notification: %w", err)
	}
	return n, sendErr
}

func (m *Manager) deliver(ctx context.Context, n *Notification) error {
	err := m.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
	if err != nil {
		n.Status = StatusFailed
		n.LastError = err.Error()
		return err
	}
	sentAt := m.now().UTC()
	n.Status = StatusSent
	n.SentAt = &sentAt
	n.LastError = ""
	return nil
}

// Get retrieves a notification by ID.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return m.store.Get(ctx, id)
}

// ListByRecipient returns the most recent notifications for a recipient.
func (m *Manager) ListByRecipient(ctx context.Context, recipient string, limit int) ([]*Notification, error) {
	return m.store.ListByRecipient(ctx, recipient, limit)
}

// Retry re-sends a failed notification.
func (m *Manager) Retry(ctx context.Context, id uuid.UUID) (*Notification, error) {
	n, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusFailed {
		return n, fmt.Errorf("%w (current: %s)", ErrNotRetryable, n.Status)
	}
	if n.RetryCount >= n.MaxRetries {
		return n, ErrRetriesExhausted
	}

	n.RetryCount++
	sendErr := m.deliver(ctx, n)
	if err := m.store.Save(ctx, n); err != nil {
		return n, fmt.Errorf("save notification: %w", err)
	}
	return n, sendErr
}

// Stats returns counts of notifications grouped by status.
func (m *Manager) Stats(ctx context.Context) (map[string]int, error) {
	return m.store.CountByStatus(ctx)
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

// MemoryStore keeps delivery records in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]Notification
	order []uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[uuid.UUID]Notification)}
}

func (s *MemoryStore) Save(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[n.ID]; !ok {
		s.order = append(s.order, n.ID)
	}
	s.items[n.ID] = *n
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

func (s *MemoryStore) ListByRecipient(_ context.Context, recipient string, limit int) ([]*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Notification
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		n := s.items[s.order[i]]
		if n.Recipient == recipient {
			out = append(out, &n)
		}
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[string]int)
	for _, n := range s.items {
		stats[n.Status]++
	}
	return stats, nil
}
