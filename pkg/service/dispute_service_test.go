package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/storage"
)

// resolutionFailingStore fails the transition to resolved a set number
// of times before letting it through.
type resolutionFailingStore struct {
	storage.Store
	failures int
}

func (s *resolutionFailingStore) Begin() (storage.Store, error) { return s, nil }

func (s *resolutionFailingStore) UpdateDisputeStatus(id uuid.UUID, expected, next models.DisputeStatus, resolution *storage.DisputeResolution) error {
	if s.failures > 0 && next == models.DisputeResolved {
		s.failures--
		return errors.New("dispute write failed")
	}
	return s.Store.UpdateDisputeStatus(id, expected, next, resolution)
}

func TestOpenDispute(t *testing.T) {
	t.Run("RequiresReason", func(t *testing.T) {
		h := newHarness(t)
		_, booking := h.acceptedBooking(t)
		_, err := h.disputes.Open(context.Background(), h.client, booking.ID, "", decimal.Zero)
		assert.True(t, IsValidation(err))
	})

	t.Run("OnlyParties", func(t *testing.T) {
		h := newHarness(t)
		_, booking := h.acceptedBooking(t)
		stranger := models.Actor{ID: uuid.New(), Role: models.RoleClient}
		_, err := h.disputes.Open(context.Background(), stranger, booking.ID, "bad work", decimal.Zero)
		assert.True(t, IsValidation(err))
	})

	t.Run("NotBeforeAcceptance", func(t *testing.T) {
		h := newHarness(t)
		task := h.postTask(t, models.BidModeInviteOnly)
		booking, err := h.bookings.Offer(context.Background(), h.client, task.ID, h.tasker.ID, decimal.Zero)
		require.NoError(t, err)
		_, err = h.disputes.Open(context.Background(), h.client, booking.ID, "bad work", decimal.Zero)
		assert.True(t, IsInvalidState(err))
	})

	t.Run("ParksBookingAndTask", func(t *testing.T) {
		h := newHarness(t)
		task, booking, _ := h.inProgressBooking(t)
		dispute, err := h.disputes.Open(context.Background(), h.tasker, booking.ID, "client unreachable", decimal.RequireFromString("20"))
		require.NoError(t, err)
		assert.Equal(t, models.DisputeOpen, dispute.Status)

		booking, err = h.bookings.Get(booking.ID)
		require.NoError(t, err)
		assert.Equal(t, models.BookingDisputed, booking.Status)
		require.NotNil(t, booking.PriorStatus)
		assert.Equal(t, models.BookingInProgress, *booking.PriorStatus)

		task, err = h.tasks.Get(task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskDisputed, task.State)
		require.NotNil(t, task.PriorState)
		assert.Equal(t, models.TaskInProgress, *task.PriorState)
	})

	t.Run("OneOpenDisputePerBooking", func(t *testing.T) {
		h := newHarness(t)
		_, booking := h.confirmedBooking(t)
		_, err := h.disputes.Open(context.Background(), h.client, booking.ID, "no show", decimal.Zero)
		require.NoError(t, err)
		_, err = h.disputes.Open(context.Background(), h.tasker, booking.ID, "counter claim", decimal.Zero)
		assert.True(t, IsConflict(err))
	})

	t.Run("WindowClosesAfterReview", func(t *testing.T) {
		h := newHarness(t)
		task, booking, _ := h.completedBooking(t)
		_, err := h.tasks.SubmitReview(h.client, task.ID, 5, "great")
		require.NoError(t, err)
		_, err = h.tasks.SubmitReview(h.tasker, task.ID, 5, "great client")
		require.NoError(t, err)
		_, err = h.disputes.Open(context.Background(), h.client, booking.ID, "too late", decimal.Zero)
		assert.True(t, IsInvalidState(err))
	})
}

func TestInvestigate(t *testing.T) {
	h := newHarness(t)
	_, booking := h.confirmedBooking(t)
	dispute, err := h.disputes.Open(context.Background(), h.client, booking.ID, "no show", decimal.Zero)
	require.NoError(t, err)

	_, err = h.disputes.Investigate(context.Background(), h.client, dispute.ID)
	assert.True(t, IsValidation(err), "only admins investigate")

	dispute, err = h.disputes.Investigate(context.Background(), h.admin, dispute.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeInvestigating, dispute.Status)

	_, err = h.disputes.Investigate(context.Background(), h.admin, dispute.ID)
	assert.True(t, IsInvalidState(err))
}

func TestAddEvidence(t *testing.T) {
	h := newHarness(t)
	_, booking := h.confirmedBooking(t)
	dispute, err := h.disputes.Open(context.Background(), h.client, booking.ID, "no show", decimal.Zero)
	require.NoError(t, err)

	_, err = h.disputes.AddEvidence(context.Background(), h.client, dispute.ID, "")
	assert.True(t, IsValidation(err))

	stranger := models.Actor{ID: uuid.New(), Role: models.RoleTasker}
	_, err = h.disputes.AddEvidence(context.Background(), stranger, dispute.ID, "photo of site")
	assert.True(t, IsValidation(err))

	_, err = h.disputes.AddEvidence(context.Background(), h.client, dispute.ID, "photo of unfinished work")
	require.NoError(t, err)
	_, err = h.disputes.AddEvidence(context.Background(), h.tasker, dispute.ID, "chat transcript")
	require.NoError(t, err)

	evidence, err := h.disputes.Evidence(dispute.ID)
	require.NoError(t, err)
	assert.Len(t, evidence, 2)

	_, err = h.disputes.Resolve(context.Background(), h.admin, dispute.ID, decimal.Zero, "no fault found")
	require.NoError(t, err)
	_, err = h.disputes.AddEvidence(context.Background(), h.client, dispute.ID, "one more thing")
	assert.True(t, IsInvalidState(err))
}

func TestResolve(t *testing.T) {
	t.Run("AdminOnlyWithText", func(t *testing.T) {
		h := newHarness(t)
		_, booking := h.confirmedBooking(t)
		dispute, err := h.disputes.Open(context.Background(), h.client, booking.ID, "no show", decimal.Zero)
		require.NoError(t, err)

		_, err = h.disputes.Resolve(context.Background(), h.client, dispute.ID, decimal.Zero, "done")
		assert.True(t, IsValidation(err))
		_, err = h.disputes.Resolve(context.Background(), h.admin, dispute.ID, decimal.Zero, "")
		assert.True(t, IsValidation(err))
	})

	t.Run("RefundCancelsEngagement", func(t *testing.T) {
		h := newHarness(t)
		task, booking, payment := h.completedBooking(t)
		dispute, err := h.disputes.Open(context.Background(), h.client, booking.ID, "half the work missing", decimal.RequireFromString("50"))
		require.NoError(t, err)

		dispute, err = h.disputes.Resolve(context.Background(), h.admin, dispute.ID, decimal.RequireFromString("50"), "partial refund granted")
		require.NoError(t, err)
		assert.Equal(t, models.DisputeResolved, dispute.Status)
		require.NotNil(t, dispute.ResolvedBy)
		assert.Equal(t, h.admin.ID, *dispute.ResolvedBy)
		assert.True(t, dispute.RefundAmount.Equal(decimal.RequireFromString("50")))

		booking, err = h.bookings.Get(booking.ID)
		require.NoError(t, err)
		assert.Equal(t, models.BookingCanceled, booking.Status)

		task, err = h.tasks.Get(task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskCanceledByClient, task.State)

		// The freeze is exempt for the resolution refund itself.
		entries, err := h.ledger.Entries(payment.ID)
		require.NoError(t, err)
		var refund *models.LedgerEntry
		for i := range entries {
			if entries[i].Type == models.EntryRefund {
				refund = &entries[i]
			}
		}
		require.NotNil(t, refund)
		assert.True(t, refund.Amount.Equal(decimal.RequireFromString("-50")))
	})

	t.Run("RefundRidesResolutionTransaction", func(t *testing.T) {
		fs := &resolutionFailingStore{Store: storage.NewMockStore(), failures: 1}
		h := newHarnessWith(t, fs)
		_, booking, payment := h.completedBooking(t)
		dispute, err := h.disputes.Open(context.Background(), h.client, booking.ID, "half the work missing", decimal.RequireFromString("50"))
		require.NoError(t, err)

		// The resolution write fails: no refund entry may survive it.
		_, err = h.disputes.Resolve(context.Background(), h.admin, dispute.ID, decimal.RequireFromString("50"), "partial refund granted")
		require.Error(t, err)

		got, err := h.disputes.Get(dispute.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DisputeOpen, got.Status)
		entries, err := h.ledger.Entries(payment.ID)
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotEqual(t, models.EntryRefund, e.Type, "no refund without a resolved dispute")
		}

		// The retry succeeds and refunds exactly the awarded amount once.
		_, err = h.disputes.Resolve(context.Background(), h.admin, dispute.ID, decimal.RequireFromString("50"), "partial refund granted")
		require.NoError(t, err)
		entries, err = h.ledger.Entries(payment.ID)
		require.NoError(t, err)
		refunded := decimal.Zero
		for _, e := range entries {
			if e.Type == models.EntryRefund {
				refunded = refunded.Add(e.Amount.Neg())
			}
		}
		assert.True(t, refunded.Equal(decimal.RequireFromString("50")), "refunded %s", refunded)
	})

	t.Run("RefundNeedsCapturedPayment", func(t *testing.T) {
		h := newHarness(t)
		_, booking := h.confirmedBooking(t)
		dispute, err := h.disputes.Open(context.Background(), h.client, booking.ID, "no show", decimal.Zero)
		require.NoError(t, err)

		_, err = h.disputes.Resolve(context.Background(), h.admin, dispute.ID, decimal.RequireFromString("10"), "refund")
		assert.True(t, IsValidation(err))

		// The failed resolution leaves the dispute open and the freeze on.
		dispute, err = h.disputes.Get(dispute.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DisputeOpen, dispute.Status)
	})

	t.Run("NoRefundRestoresPriorStates", func(t *testing.T) {
		h := newHarness(t)
		task, booking, _ := h.inProgressBooking(t)
		dispute, err := h.disputes.Open(context.Background(), h.tasker, booking.ID, "client unreachable", decimal.Zero)
		require.NoError(t, err)

		_, err = h.disputes.Resolve(context.Background(), h.admin, dispute.ID, decimal.Zero, "parties reconciled")
		require.NoError(t, err)

		booking, err = h.bookings.Get(booking.ID)
		require.NoError(t, err)
		assert.Equal(t, models.BookingInProgress, booking.Status)

		task, err = h.tasks.Get(task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskInProgress, task.State)

		// Work continues to completion afterwards.
		_, err = h.bookings.Complete(context.Background(), h.tasker, booking.ID)
		assert.NoError(t, err)
	})
}
