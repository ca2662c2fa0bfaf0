package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taskhive/taskhive/pkg/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by the compare-and-swap update methods when
	// the row exists but its current state no longer matches the expected
	// one. The caller lost a race and must re-fetch before retrying.
	ErrConflict = errors.New("state conflict")
)

// Store defines the persistence operations for TaskHive. Begin returns a
// Store scoped to a transaction; state transitions must go through the
// Update*State methods, which apply an expected-current-state check.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Task operations
	SaveTask(t models.Task) error
	GetTask(id uuid.UUID) (models.Task, error)
	ListTasks() ([]models.Task, error)
	ListTasksInState(states ...models.TaskState) ([]models.Task, error)
	// UpdateTaskState moves a task from expected to next atomically.
	// prior, when non-nil, is stored as the state to restore after a
	// dispute; passing nil clears it.
	UpdateTaskState(id uuid.UUID, expected, next models.TaskState, prior *models.TaskState) error
	SetTaskPosting(id uuid.UUID, mode models.BidMode, expiresAt time.Time) error

	// Booking operations
	SaveBooking(b models.Booking) error
	GetBooking(id uuid.UUID) (models.Booking, error)
	// GetActiveBooking returns the single non-terminal booking for a task,
	// or ErrNotFound when none exists.
	GetActiveBooking(taskID uuid.UUID) (models.Booking, error)
	// GetLatestBooking returns the most recent booking for a task
	// regardless of status.
	GetLatestBooking(taskID uuid.UUID) (models.Booking, error)
	ListBookingsInStatus(statuses ...models.BookingStatus) ([]models.Booking, error)
	UpdateBookingStatus(id uuid.UUID, expected, next models.BookingStatus, prior *models.BookingStatus) error
	SetBookingAgreedRate(id uuid.UUID, rate decimal.Decimal) error

	// Payment and ledger operations
	SavePayment(p models.Payment) error
	GetPayment(id uuid.UUID) (models.Payment, error)
	// GetPaymentForBooking returns the most recent payment for a booking.
	GetPaymentForBooking(bookingID uuid.UUID) (models.Payment, error)
	UpdatePaymentStatus(id uuid.UUID, expected, next models.PaymentStatus, gatewayRef string) error
	AppendLedgerEntry(e models.LedgerEntry) error
	ListLedgerEntries(paymentID uuid.UUID) ([]models.LedgerEntry, error)

	// Dispute operations
	SaveDispute(d models.Dispute) error
	GetDispute(id uuid.UUID) (models.Dispute, error)
	// GetOpenDispute returns the non-resolved dispute on a booking, or
	// ErrNotFound when settlement is not frozen.
	GetOpenDispute(bookingID uuid.UUID) (models.Dispute, error)
	UpdateDisputeStatus(id uuid.UUID, expected, next models.DisputeStatus, resolution *DisputeResolution) error
	SaveEvidence(e models.Evidence) error
	ListEvidence(disputeID uuid.UUID) ([]models.Evidence, error)

	// Review operations
	SaveReview(r models.Review) error
	ListReviews(taskID uuid.UUID) ([]models.Review, error)
}

// DisputeResolution carries the fields written together with the
// transition to resolved.
type DisputeResolution struct {
	ResolvedBy     uuid.UUID
	ResolutionText string
	RefundAmount   decimal.Decimal
}
