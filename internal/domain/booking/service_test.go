package booking

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/carepath/scheduler/internal/availability"
	"github.com/carepath/scheduler/internal/platform/auth"
)

// -- Mocks --

type mockRepo struct {
	mu        sync.Mutex
	bookings  map[uuid.UUID]*Booking
	createErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{bookings: make(map[uuid.UUID]*Booking)}
}

func (m *mockRepo) Create(_ context.Context, b *Booking) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *mockRepo) ListByPatientEmail(_ context.Context, email string, limit, offset int) ([]*Booking, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Booking
	for _, b := range m.bookings {
		if b.PatientEmail == email {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	total := len(result)
	if offset > len(result) {
		offset = len(result)
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result, total, nil
}

func (m *mockRepo) UpdateNotificationStatus(_ context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return ErrBookingNotFound
	}
	b.NotificationStatus = status
	return nil
}

type mockNotifier struct {
	mu    sync.Mutex
	calls []*Booking
	err   error
}

func (m *mockNotifier) NotifyConfirmed(_ context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, b)
	return m.err
}

// mockIdempotency stores uuid.Nil for a claim that is still pending.
type mockIdempotency struct {
	mu   sync.Mutex
	keys map[string]uuid.UUID
}

func newMockIdempotency() *mockIdempotency {
	return &mockIdempotency{keys: make(map[string]uuid.UUID)}
}

func (m *mockIdempotency) Reserve(_ context.Context, key string) (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.keys[key]
	if !ok {
		m.keys[key] = uuid.Nil
		return uuid.Nil, false
	}
	return id, id == uuid.Nil
}

func (m *mockIdempotency) Complete(_ context.Context, key string, id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = id
}

func (m *mockIdempotency) Release(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] == uuid.Nil {
		delete(m.keys, key)
	}
}

type mockMetrics struct {
	mu    sync.Mutex
	plans []availability.Plan
}

func (m *mockMetrics) ObservePlan(p availability.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans = append(m.plans, p)
}

// fixedNow is Monday 2024-01-15 08:00 UTC.
var fixedNow = time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

type testDeps struct {
	repo     *mockRepo
	notifier *mockNotifier
	idem     *mockIdempotency
	metrics  *mockMetrics
}

func newTestService() (*Service, *testDeps) {
	d := &testDeps{
		repo:     newMockRepo(),
		notifier: &mockNotifier{},
		idem:     newMockIdempotency(),
		metrics:  &mockMetrics{},
	}
	svc := NewService(d.repo, availability.DefaultConfig(),
		WithNotifier(d.notifier),
		WithIdempotency(d.idem),
		WithMetrics(d.metrics),
		WithClock(func() time.Time { return fixedNow }),
	)
	return svc, d
}

func validInput() Input {
	return Input{
		PatientName:     "Ada Lovelace",
		PatientEmail:    "ada@example.com",
		SpecialistName:  "Dr. Grace Hopper",
		SpecialistEmail: "grace@clinic.example.com",
		Symptoms:        "persistent cough",
		TimePreference:  "morning",
		Availability:    "Mon-Fri 09:00-17:00",
	}
}

// -- Book --

func TestBook_Confirmed(t *testing.T) {
	svc, d := newTestService()

	b, res, err := svc.Book(context.Background(), validInput(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != availability.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", res.Status)
	}
	if b == nil {
		t.Fatal("expected a booking")
	}
	if b.SelectedDate != "2024-01-18" || b.SelectedStart != "09:00" || b.SelectedEnd != "09:30" {
		t.Errorf("selected %s %s-%s, want 2024-01-18 09:00-09:30", b.SelectedDate, b.SelectedStart, b.SelectedEnd)
	}
	if b.NotificationStatus != NotificationSent {
		t.Errorf("notification status = %s, want sent", b.NotificationStatus)
	}
	stored, err := d.repo.GetByID(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("booking not persisted: %v", err)
	}
	if stored.NotificationStatus != NotificationSent {
		t.Errorf("stored notification status = %s, want sent", stored.NotificationStatus)
	}
	if len(d.notifier.calls) != 1 {
		t.Errorf("expected 1 notification, got %d", len(d.notifier.calls))
	}
	if len(d.metrics.plans) != 1 {
		t.Errorf("expected 1 observed plan, got %d", len(d.metrics.plans))
	}
	if !b.CreatedAt.Equal(fixedNow) {
		t.Errorf("created_at = %v, want %v", b.CreatedAt, fixedNow)
	}
}

func TestBook_NoAvailabilityIsNotPersisted(t *testing.T) {
	svc, d := newTestService()
	in := validInput()
	in.Availability = ""

	b, res, err := svc.Book(context.Background(), in, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b != nil {
		t.Error("expected no booking")
	}
	if res.Status != availability.StatusNoAvailability {
		t.Errorf("status = %s, want no_availability", res.Status)
	}
	if len(d.repo.bookings) != 0 || len(d.notifier.calls) != 0 {
		t.Error("no_availability must not persist or notify")
	}
}

func TestBook_InvalidSchedule(t *testing.T) {
	svc, d := newTestService()
	in := validInput()
	in.Availability = "Mon-Zzz 09:00-17:00"

	b, res, err := svc.Book(context.Background(), in, "")
	var perr *availability.ScheduleParseError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ScheduleParseError", err)
	}
	if b != nil {
		t.Error("expected no booking")
	}
	if res.Status != availability.StatusInvalidSchedule {
		t.Errorf("status = %s, want invalid_schedule", res.Status)
	}
	if len(d.metrics.plans) != 1 {
		t.Errorf("invalid schedules are still observed, got %d plans", len(d.metrics.plans))
	}
}

func TestBook_InputValidation(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Input)
		want error
	}{
		{"missing patient name", func(in *Input) { in.PatientName = "  " }, ErrMissingPatientName},
		{"missing patient email", func(in *Input) { in.PatientEmail = "" }, ErrMissingPatientEmail},
		{"missing specialist email", func(in *Input) { in.SpecialistEmail = "" }, ErrMissingSpecialistEmail},
		{"malformed patient email", func(in *Input) { in.PatientEmail = "not-an-email" }, ErrInvalidEmail},
		{"display name in email", func(in *Input) { in.SpecialistEmail = "Grace <grace@example.com>" }, ErrInvalidEmail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, d := newTestService()
			in := validInput()
			tt.mod(&in)
			_, _, err := svc.Book(context.Background(), in, "")
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("error %v should wrap ErrInvalidInput", err)
			}
			if len(d.metrics.plans) != 0 {
				t.Error("rejected input must not reach the engine")
			}
		})
	}
}

func TestBook_InvalidPreference(t *testing.T) {
	svc, _ := newTestService()
	in := validInput()
	in.TimePreference = "night"

	_, _, err := svc.Book(context.Background(), in, "")
	var perr *availability.InvalidPreferenceError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *InvalidPreferenceError", err)
	}
}

func TestBook_NormalizesInput(t *testing.T) {
	svc, _ := newTestService()
	in := validInput()
	in.PatientEmail = "  Ada@Example.COM "
	in.TimePreference = "Morning"

	b, _, err := svc.Book(context.Background(), in, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.PatientEmail != "ada@example.com" {
		t.Errorf("patient email = %q, want lower-cased", b.PatientEmail)
	}
	if b.TimePreference != "morning" {
		t.Errorf("time preference = %q, want morning", b.TimePreference)
	}
}

func TestBook_NotificationFailureDoesNotFailBooking(t *testing.T) {
	svc, d := newTestService()
	d.notifier.err = errors.New("smtp: connection refused")

	b, _, err := svc.Book(context.Background(), validInput(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.NotificationStatus != NotificationFailed {
		t.Errorf("notification status = %s, want failed", b.NotificationStatus)
	}
}

func TestBook_WithoutNotifier(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, availability.DefaultConfig(), WithClock(func() time.Time { return fixedNow }))

	b, _, err := svc.Book(context.Background(), validInput(), "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.NotificationStatus != NotificationSkipped {
		t.Errorf("notification status = %s, want skipped", b.NotificationStatus)
	}
}

func TestBook_PersistFailure(t *testing.T) {
	svc, d := newTestService()
	d.repo.createErr = errors.New("connection reset")

	_, _, err := svc.Book(context.Background(), validInput(), "key-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(d.notifier.calls) != 0 {
		t.Error("must not notify when persistence fails")
	}
	if len(d.idem.keys) != 0 {
		t.Error("must release the key when persistence fails")
	}
}

func TestBook_IdempotentReplay(t *testing.T) {
	svc, d := newTestService()

	first, _, err := svc.Book(context.Background(), validInput(), "submit-42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, res, err := svc.Book(context.Background(), validInput(), "submit-42")
	if err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("replay returned %s, want %s", second.ID, first.ID)
	}
	if !second.Replayed {
		t.Error("expected Replayed to be set")
	}
	if res.Slot == nil || res.Slot.String() != "2024-01-18 09:00-09:30" {
		t.Errorf("replayed result slot = %v", res.Slot)
	}
	if len(d.repo.bookings) != 1 {
		t.Errorf("expected 1 stored booking, got %d", len(d.repo.bookings))
	}
	if len(d.notifier.calls) != 1 {
		t.Errorf("expected 1 notification, got %d", len(d.notifier.calls))
	}
}

func TestBook_IdempotencyKeyIsScopedToCaller(t *testing.T) {
	svc, d := newTestService()
	adaCtx := auth.WithIdentity(context.Background(), "ada", []string{auth.RolePatient})
	malloryCtx := auth.WithIdentity(context.Background(), "mallory", []string{auth.RolePatient})

	first, _, err := svc.Book(adaCtx, validInput(), "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	in := validInput()
	in.PatientName = "Mallory"
	in.PatientEmail = "mallory@example.com"
	second, _, err := svc.Book(malloryCtx, in, "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID == first.ID || second.Replayed {
		t.Fatal("another caller's key must not replay the first booking")
	}
	if second.PatientEmail != "mallory@example.com" || second.Symptoms != in.Symptoms {
		t.Errorf("second booking = %s <%s>", second.PatientName, second.PatientEmail)
	}
	if len(d.repo.bookings) != 2 {
		t.Errorf("expected 2 stored bookings, got %d", len(d.repo.bookings))
	}
}

func TestBook_IdempotencyKeyIsScopedToInput(t *testing.T) {
	svc, d := newTestService()
	ctx := auth.WithIdentity(context.Background(), "front-desk", []string{auth.RoleScheduler})

	if _, _, err := svc.Book(ctx, validInput(), "form-7"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	in := validInput()
	in.PatientEmail = "other@example.com"
	b, _, err := svc.Book(ctx, in, "form-7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Replayed || b.PatientEmail != "other@example.com" {
		t.Errorf("different input with the same key replayed %s", b.PatientEmail)
	}
	if len(d.repo.bookings) != 2 {
		t.Errorf("expected 2 stored bookings, got %d", len(d.repo.bookings))
	}
}

func TestBook_ConcurrentDuplicateSubmissions(t *testing.T) {
	svc, d := newTestService()
	ctx := auth.WithIdentity(context.Background(), "ada", []string{auth.RolePatient})

	const attempts = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		rejected int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, _, err := svc.Book(ctx, validInput(), "double-click")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrSubmissionInProgress):
				rejected++
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			case !b.Replayed:
				created++
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("created %d bookings, want 1 (%d in progress)", created, rejected)
	}
	if len(d.repo.bookings) != 1 {
		t.Errorf("expected 1 stored booking, got %d", len(d.repo.bookings))
	}
	if len(d.notifier.calls) != 1 {
		t.Errorf("expected 1 notification, got %d", len(d.notifier.calls))
	}
}

func TestBook_InProgressSubmission(t *testing.T) {
	svc, d := newTestService()
	key := svc.submissionKey(context.Background(), normalized(validInput()), "form-9")
	d.idem.keys[key] = uuid.Nil

	_, _, err := svc.Book(context.Background(), validInput(), "form-9")
	if !errors.Is(err, ErrSubmissionInProgress) {
		t.Fatalf("error = %v, want ErrSubmissionInProgress", err)
	}
	if len(d.repo.bookings) != 0 {
		t.Error("must not book while the first submission is running")
	}
}

func TestBook_ReleasesKeyWithoutBooking(t *testing.T) {
	svc, d := newTestService()
	in := validInput()
	in.Availability = ""

	if _, _, err := svc.Book(context.Background(), in, "form-3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	in.Availability = "Mon-Zzz 09:00-17:00"
	if _, _, err := svc.Book(context.Background(), in, "form-3"); err == nil {
		t.Fatal("expected schedule error")
	}
	if len(d.idem.keys) != 0 {
		t.Errorf("expected released keys, got %v", d.idem.keys)
	}
}

func normalized(in Input) Input {
	in.normalize()
	return in
}

func TestBook_UsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	// 2024-01-14 22:00 UTC is Monday 08:00 in UTC+10.
	now := time.Date(2024, 1, 14, 22, 0, 0, 0, time.UTC)
	svc := NewService(newMockRepo(), availability.DefaultConfig(),
		WithLocation(loc), WithClock(func() time.Time { return now }))

	in := validInput()
	in.IsUrgent = true
	in.TimePreference = ""
	b, _, err := svc.Book(context.Background(), in, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.SelectedDate != "2024-01-15" || b.SelectedStart != "09:00" {
		t.Errorf("selected %s %s, want Monday 2024-01-15 09:00 local", b.SelectedDate, b.SelectedStart)
	}
}

// -- Preview --

func TestPreview_DoesNotPersist(t *testing.T) {
	svc, d := newTestService()
	in := validInput()
	in.IsUrgent = true
	in.TimePreference = "evening"
	in.Availability = "Sat 10:00-14:00"

	plan, err := svc.Preview(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !plan.UrgencyFallback || !plan.PreferenceFallback {
		t.Errorf("expected both fallbacks, got urgency=%v preference=%v", plan.UrgencyFallback, plan.PreferenceFallback)
	}
	if got := plan.Result.Slot.String(); got != "2024-01-20 10:00-10:30" {
		t.Errorf("selected %s, want 2024-01-20 10:00-10:30", got)
	}
	if len(d.repo.bookings) != 0 || len(d.notifier.calls) != 0 {
		t.Error("preview must not persist or notify")
	}
}

// -- Get / List --

func TestGet_NotFound(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Get(context.Background(), uuid.New()); !errors.Is(err, ErrBookingNotFound) {
		t.Errorf("error = %v, want ErrBookingNotFound", err)
	}
}

func TestListByPatient(t *testing.T) {
	svc, _ := newTestService()
	for i := 0; i < 3; i++ {
		if _, _, err := svc.Book(context.Background(), validInput(), ""); err != nil {
			t.Fatalf("book %d: %v", i, err)
		}
	}
	other := validInput()
	other.PatientEmail = "bob@example.com"
	if _, _, err := svc.Book(context.Background(), other, ""); err != nil {
		t.Fatalf("book other: %v", err)
	}

	items, total, err := svc.ListByPatient(context.Background(), " ADA@example.com", 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 items on the page, got %d", len(items))
	}
}

func TestListByPatient_RequiresEmail(t *testing.T) {
	svc, _ := newTestService()
	if _, _, err := svc.ListByPatient(context.Background(), "", 10, 0); !errors.Is(err, ErrMissingPatientEmail) {
		t.Errorf("error = %v, want ErrMissingPatientEmail", err)
	}
}

func TestBooking_ResultRoundTrip(t *testing.T) {
	b := &Booking{
		PatientName:     "Ada",
		PatientEmail:    "ada@example.com",
		SpecialistName:  "Grace",
		SpecialistEmail: "grace@example.com",
		SelectedDate:    "2024-01-18",
		SelectedStart:   "23:30",
		SelectedEnd:     "24:00",
		CreatedAt:       fixedNow,
	}
	res, err := b.Result(time.UTC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != availability.StatusConfirmed || res.Slot.String() != "2024-01-18 23:30-24:00" {
		t.Errorf("result = %s %v", res.Status, res.Slot)
	}
	if res.Patient.Contact != "ada@example.com" {
		t.Errorf("patient identity = %+v", res.Patient)
	}
}
