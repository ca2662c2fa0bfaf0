package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/storage"
)

type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

// harness wires the full engine against the in-memory store.
type harness struct {
	store     storage.Store
	directory *InMemoryDirectory
	emitter   *RecordingEmitter
	cfg       Config
	tasks     *TaskService
	bookings  *BookingService
	ledger    *Ledger
	disputes  *DisputeService

	client models.Actor
	tasker models.Actor
	admin  models.Actor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, storage.NewMockStore())
}

// newHarnessWith wires the engine over a caller-supplied store, so tests
// can interpose failure-injecting wrappers.
func newHarnessWith(t *testing.T, store storage.Store) *harness {
	t.Helper()
	h := &harness{
		store:   store,
		emitter: &RecordingEmitter{},
		cfg:     DefaultConfig(),
		client:  models.Actor{ID: uuid.New(), Role: models.RoleClient},
		tasker:  models.Actor{ID: uuid.New(), Role: models.RoleTasker},
		admin:   models.Actor{ID: uuid.New(), Role: models.RoleAdmin},
	}
	h.directory = NewInMemoryDirectory(models.TaskerProfile{
		TaskerID:        h.tasker.ID,
		Categories:      []string{"cleaning"},
		Status:          models.TaskerActive,
		Lat:             52.52,
		Lng:             13.41,
		ServiceRadiusKm: 25,
		Rating:          4.8,
		AcceptanceRate:  0.9,
		CompletionRate:  0.95,
		LastActiveAt:    time.Now(),
		CreatedAt:       time.Now().Add(-90 * 24 * time.Hour),
	})
	logger := testLogger{}
	matcher := NewMatcher(h.directory, h.cfg, logger)
	h.ledger = NewLedger(h.store, ApprovingGateway{}, h.emitter, h.cfg, logger)
	h.tasks = NewTaskService(h.store, matcher, h.emitter, h.cfg, logger)
	h.bookings = NewBookingService(h.store, matcher, h.ledger, h.emitter, h.cfg, logger)
	h.disputes = NewDisputeService(h.store, h.ledger, h.emitter, h.cfg, logger)
	return h
}

func (h *harness) createTask(t *testing.T) models.Task {
	t.Helper()
	task, err := h.tasks.Create(h.client, CreateTaskInput{
		Category:    "cleaning",
		Description: "deep clean apartment",
		Location:    models.Location{Address: "1 Main St", City: "Berlin", Lat: 52.52, Lng: 13.405},
		Schedule:    models.Schedule{StartsAt: time.Now().Add(time.Minute), FlexibilityMinutes: 30},
		PriceMin:    decimal.RequireFromString("40"),
		PriceMax:    decimal.RequireFromString("60"),
		Currency:    "EUR",
	})
	require.NoError(t, err)
	return task
}

func (h *harness) postTask(t *testing.T, mode models.BidMode) models.Task {
	t.Helper()
	task := h.createTask(t)
	task, err := h.tasks.Post(context.Background(), h.client, task.ID, mode)
	require.NoError(t, err)
	// Posting kicks off matching in the background; wait for it to settle
	// so tests observe a stable state.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := h.tasks.Get(task.ID)
		require.NoError(t, err)
		if got.State != models.TaskPosted || time.Now().After(deadline) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// acceptedBooking drives an open-bid task to an accepted booking.
func (h *harness) acceptedBooking(t *testing.T) (models.Task, models.Booking) {
	t.Helper()
	task := h.postTask(t, models.BidModeOpen)
	booking, err := h.bookings.SelfAccept(context.Background(), h.tasker, task.ID, decimal.RequireFromString("55"))
	require.NoError(t, err)
	task, err = h.tasks.Get(task.ID)
	require.NoError(t, err)
	return task, booking
}

// confirmedBooking drives on to client confirmation.
func (h *harness) confirmedBooking(t *testing.T) (models.Task, models.Booking) {
	t.Helper()
	task, booking := h.acceptedBooking(t)
	booking, err := h.bookings.Confirm(context.Background(), h.client, booking.ID)
	require.NoError(t, err)
	task, err = h.tasks.Get(task.ID)
	require.NoError(t, err)
	return task, booking
}

// inProgressBooking authorizes payment and starts the work.
func (h *harness) inProgressBooking(t *testing.T) (models.Task, models.Booking, models.Payment) {
	t.Helper()
	task, booking := h.confirmedBooking(t)
	payment := h.authorize(t, booking.ID)
	booking, err := h.bookings.Start(context.Background(), h.tasker, booking.ID)
	require.NoError(t, err)
	task, err = h.tasks.Get(task.ID)
	require.NoError(t, err)
	return task, booking, payment
}

// completedBooking captures and settles.
func (h *harness) completedBooking(t *testing.T) (models.Task, models.Booking, models.Payment) {
	t.Helper()
	task, booking, payment := h.inProgressBooking(t)
	booking, err := h.bookings.Complete(context.Background(), h.tasker, booking.ID)
	require.NoError(t, err)
	task, err = h.tasks.Get(task.ID)
	require.NoError(t, err)
	payment, err = h.ledger.Get(payment.ID)
	require.NoError(t, err)
	return task, booking, payment
}

func (h *harness) authorize(t *testing.T, bookingID uuid.UUID) models.Payment {
	t.Helper()
	payment, err := h.ledger.Authorize(context.Background(), bookingID,
		decimal.RequireFromString("100"), "EUR", "card", models.Breakdown{
			TaskerRate:  decimal.RequireFromString("80"),
			PlatformFee: decimal.RequireFromString("15"),
			Tip:         decimal.RequireFromString("5"),
		})
	require.NoError(t, err)
	return payment
}
