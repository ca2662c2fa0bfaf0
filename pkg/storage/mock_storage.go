package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taskhive/taskhive/pkg/models"
)

// mockStore implements Store with in-memory maps. It is safe for
// concurrent use so races exercised in tests hit the same
// compare-and-swap semantics the Postgres store enforces.
type mockStore struct {
	mu       *sync.Mutex
	tasks    map[uuid.UUID]models.Task
	bookings map[uuid.UUID]models.Booking
	payments map[uuid.UUID]models.Payment
	ledger   []models.LedgerEntry
	disputes map[uuid.UUID]models.Dispute
	evidence []models.Evidence
	reviews  []models.Review
}

func NewMockStore() Store {
	return &mockStore{
		mu:       &sync.Mutex{},
		tasks:    make(map[uuid.UUID]models.Task),
		bookings: make(map[uuid.UUID]models.Booking),
		payments: make(map[uuid.UUID]models.Payment),
		disputes: make(map[uuid.UUID]models.Dispute),
	}
}

// Begin returns the store itself: the mock applies every mutation under
// one mutex, which is enough isolation for the CAS-based transitions the
// services rely on.
func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveTask(t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *mockStore) GetTask(id uuid.UUID) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *mockStore) ListTasks() ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) ListTasksInState(states ...models.TaskState) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		for _, s := range states {
			if t.State == s {
				out = append(out, t)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) UpdateTaskState(id uuid.UUID, expected, next models.TaskState, prior *models.TaskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.State != expected {
		return ErrConflict
	}
	t.State = next
	t.PriorState = prior
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return nil
}

func (m *mockStore) SetTaskPosting(id uuid.UUID, mode models.BidMode, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.BidMode = mode
	t.ExpiresAt = &expiresAt
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return nil
}

func (m *mockStore) SaveBooking(b models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// The one-active-booking invariant is enforced here the way the
	// partial unique index does it in Postgres.
	if !b.Status.Terminal() {
		for _, other := range m.bookings {
			if other.TaskID == b.TaskID && other.ID != b.ID && !other.Status.Terminal() {
				return ErrConflict
			}
		}
	}
	m.bookings[b.ID] = b
	return nil
}

func (m *mockStore) GetBooking(id uuid.UUID) (models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return models.Booking{}, ErrNotFound
	}
	return b, nil
}

func (m *mockStore) GetActiveBooking(taskID uuid.UUID) (models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bookings {
		if b.TaskID == taskID && !b.Status.Terminal() {
			return b, nil
		}
	}
	return models.Booking{}, ErrNotFound
}

func (m *mockStore) GetLatestBooking(taskID uuid.UUID) (models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Booking
	for _, b := range m.bookings {
		b := b
		if b.TaskID != taskID {
			continue
		}
		if found == nil || b.CreatedAt.After(found.CreatedAt) {
			found = &b
		}
	}
	if found == nil {
		return models.Booking{}, ErrNotFound
	}
	return *found, nil
}

func (m *mockStore) ListBookingsInStatus(statuses ...models.BookingStatus) ([]models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Booking
	for _, b := range m.bookings {
		for _, s := range statuses {
			if b.Status == s {
				out = append(out, b)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) UpdateBookingStatus(id uuid.UUID, expected, next models.BookingStatus, prior *models.BookingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status != expected {
		return ErrConflict
	}
	b.Status = next
	b.PriorStatus = prior
	now := time.Now()
	if next == models.BookingConfirmed {
		b.ConfirmedAt = &now
	}
	if next.Terminal() {
		b.ResolvedAt = &now
	}
	b.UpdatedAt = now
	m.bookings[id] = b
	return nil
}

func (m *mockStore) SetBookingAgreedRate(id uuid.UUID, rate decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return ErrNotFound
	}
	b.AgreedRate = rate
	b.UpdatedAt = time.Now()
	m.bookings[id] = b
	return nil
}

func (m *mockStore) SavePayment(p models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = p
	return nil
}

func (m *mockStore) GetPayment(id uuid.UUID) (models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return models.Payment{}, ErrNotFound
	}
	return p, nil
}

func (m *mockStore) GetPaymentForBooking(bookingID uuid.UUID) (models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Payment
	for _, p := range m.payments {
		p := p
		if p.BookingID != bookingID {
			continue
		}
		if found == nil || p.CreatedAt.After(found.CreatedAt) {
			found = &p
		}
	}
	if found == nil {
		return models.Payment{}, ErrNotFound
	}
	return *found, nil
}

func (m *mockStore) UpdatePaymentStatus(id uuid.UUID, expected, next models.PaymentStatus, gatewayRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != expected {
		return ErrConflict
	}
	p.Status = next
	if gatewayRef != "" {
		p.GatewayRef = gatewayRef
	}
	now := time.Now()
	if next == models.PaymentCaptured {
		p.CapturedAt = &now
	}
	p.UpdatedAt = now
	m.payments[id] = p
	return nil
}

func (m *mockStore) AppendLedgerEntry(e models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger = append(m.ledger, e)
	return nil
}

func (m *mockStore) ListLedgerEntries(paymentID uuid.UUID) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range m.ledger {
		if e.PaymentID == paymentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) SaveDispute(d models.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.disputes {
		if other.BookingID == d.BookingID && other.ID != d.ID && other.Status != models.DisputeResolved {
			return ErrConflict
		}
	}
	m.disputes[d.ID] = d
	return nil
}

func (m *mockStore) GetDispute(id uuid.UUID) (models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return models.Dispute{}, ErrNotFound
	}
	return d, nil
}

func (m *mockStore) GetOpenDispute(bookingID uuid.UUID) (models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.disputes {
		if d.BookingID == bookingID && d.Status != models.DisputeResolved {
			return d, nil
		}
	}
	return models.Dispute{}, ErrNotFound
}

func (m *mockStore) UpdateDisputeStatus(id uuid.UUID, expected, next models.DisputeStatus, resolution *DisputeResolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != expected {
		return ErrConflict
	}
	d.Status = next
	now := time.Now()
	if resolution != nil {
		d.ResolvedBy = &resolution.ResolvedBy
		d.ResolutionText = resolution.ResolutionText
		d.RefundAmount = resolution.RefundAmount
		d.ResolvedAt = &now
	}
	d.UpdatedAt = now
	m.disputes[id] = d
	return nil
}

func (m *mockStore) SaveEvidence(e models.Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evidence = append(m.evidence, e)
	return nil
}

func (m *mockStore) ListEvidence(disputeID uuid.UUID) ([]models.Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Evidence
	for _, e := range m.evidence {
		if e.DisputeID == disputeID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) SaveReview(r models.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.reviews {
		if other.TaskID == r.TaskID && other.AuthorID == r.AuthorID {
			return ErrConflict
		}
	}
	m.reviews = append(m.reviews, r)
	return nil
}

func (m *mockStore) ListReviews(taskID uuid.UUID) ([]models.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Review
	for _, r := range m.reviews {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out, nil
}
