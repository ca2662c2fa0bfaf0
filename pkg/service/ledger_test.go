package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/pkg/models"
)

// decliningGateway refuses every authorization.
type decliningGateway struct{}

func (decliningGateway) AuthorizeFunds(ctx context.Context, method string, amount decimal.Decimal) (AuthorizationResult, error) {
	return AuthorizationResult{Success: false}, nil
}

func (decliningGateway) CaptureFunds(ctx context.Context, reference string) (CaptureResult, error) {
	return CaptureResult{Success: false}, nil
}

func TestAuthorize(t *testing.T) {
	t.Run("BreakdownMustSumToAmount", func(t *testing.T) {
		h := newHarness(t)
		_, booking := h.confirmedBooking(t)
		_, err := h.ledger.Authorize(context.Background(), booking.ID,
			decimal.RequireFromString("100"), "EUR", "card", models.Breakdown{
				TaskerRate:  decimal.RequireFromString("80"),
				PlatformFee: decimal.RequireFromString("15"),
			})
		assert.True(t, IsLedgerIntegrity(err))
	})

	t.Run("DeclinePersistsFailedPayment", func(t *testing.T) {
		h := newHarness(t)
		_, booking := h.confirmedBooking(t)
		h.ledger.gateway = decliningGateway{}

		payment, err := h.ledger.Authorize(context.Background(), booking.ID,
			decimal.RequireFromString("100"), "EUR", "card", models.Breakdown{
				TaskerRate:  decimal.RequireFromString("85"),
				PlatformFee: decimal.RequireFromString("15"),
			})
		assert.True(t, IsExternalFailure(err))
		assert.Equal(t, models.PaymentFailed, payment.Status)

		// A failed attempt does not block a retry.
		h.ledger.gateway = ApprovingGateway{}
		retried := h.authorize(t, booking.ID)
		assert.Equal(t, models.PaymentAuthorized, retried.Status)
	})

	t.Run("SecondAuthorizationConflicts", func(t *testing.T) {
		h := newHarness(t)
		_, booking := h.confirmedBooking(t)
		h.authorize(t, booking.ID)
		_, err := h.ledger.Authorize(context.Background(), booking.ID,
			decimal.RequireFromString("50"), "EUR", "card", models.Breakdown{
				TaskerRate: decimal.RequireFromString("50"),
			})
		assert.True(t, IsConflict(err))
	})
}

func TestCapture(t *testing.T) {
	t.Run("WritesDoubleEntryBreakdown", func(t *testing.T) {
		h := newHarness(t)
		_, _, p := h.completedBooking(t)
		entries, err := h.ledger.Entries(p.ID)
		require.NoError(t, err)
		require.Len(t, entries, 3)

		total := decimal.Zero
		byType := map[models.LedgerEntryType]decimal.Decimal{}
		for _, e := range entries {
			total = total.Add(e.Amount)
			byType[e.Type] = e.Amount
		}
		assert.True(t, total.Equal(p.Amount), "entries sum to %s, amount %s", total, p.Amount)
		assert.True(t, byType[models.EntryTaskerPayout].Equal(decimal.RequireFromString("80")))
		assert.True(t, byType[models.EntryPlatformFee].Equal(decimal.RequireFromString("15")))
		assert.True(t, byType[models.EntryTip].Equal(decimal.RequireFromString("5")))
		assert.NotNil(t, p.CapturedAt)
	})

	t.Run("Idempotent", func(t *testing.T) {
		h := newHarness(t)
		_, _, payment := h.completedBooking(t)

		again, err := h.ledger.Capture(context.Background(), payment.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentCaptured, again.Status)

		entries, err := h.ledger.Entries(payment.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 3)
	})

	t.Run("OnlyAuthorizedPayments", func(t *testing.T) {
		h := newHarness(t)
		_, booking := h.confirmedBooking(t)
		h.ledger.gateway = decliningGateway{}
		payment, _ := h.ledger.Authorize(context.Background(), booking.ID,
			decimal.RequireFromString("100"), "EUR", "card", models.Breakdown{
				TaskerRate: decimal.RequireFromString("100"),
			})
		h.ledger.gateway = ApprovingGateway{}
		_, err := h.ledger.Capture(context.Background(), payment.ID)
		assert.True(t, IsInvalidState(err))
	})
}

func TestRefund(t *testing.T) {
	t.Run("PartialRefundCompensates", func(t *testing.T) {
		h := newHarness(t)
		_, _, payment := h.completedBooking(t)

		refunded, err := h.ledger.Refund(context.Background(), payment.ID, decimal.RequireFromString("30"))
		require.NoError(t, err)
		assert.Equal(t, models.PaymentCaptured, refunded.Status)
		assert.True(t, refunded.Amount.Equal(payment.Amount), "captured amount is never mutated")

		entries, err := h.ledger.Entries(payment.ID)
		require.NoError(t, err)
		require.Len(t, entries, 4)
		last := entries[len(entries)-1]
		assert.Equal(t, models.EntryRefund, last.Type)
		assert.True(t, last.Amount.Equal(decimal.RequireFromString("-30")))
	})

	t.Run("CannotExceedRemaining", func(t *testing.T) {
		h := newHarness(t)
		_, _, payment := h.completedBooking(t)

		_, err := h.ledger.Refund(context.Background(), payment.ID, decimal.RequireFromString("80"))
		require.NoError(t, err)
		_, err = h.ledger.Refund(context.Background(), payment.ID, decimal.RequireFromString("30"))
		assert.True(t, IsValidation(err))

		// Exactly the remainder is fine.
		_, err = h.ledger.Refund(context.Background(), payment.ID, decimal.RequireFromString("20"))
		assert.NoError(t, err)
	})

	t.Run("OnlyCapturedPayments", func(t *testing.T) {
		h := newHarness(t)
		_, booking := h.confirmedBooking(t)
		payment := h.authorize(t, booking.ID)
		_, err := h.ledger.Refund(context.Background(), payment.ID, decimal.RequireFromString("10"))
		assert.True(t, IsInvalidState(err))
	})
}

func TestDisputeFreezesLedger(t *testing.T) {
	h := newHarness(t)
	_, booking, payment := h.completedBooking(t)

	_, err := h.disputes.Open(context.Background(), h.client, booking.ID,
		"work not finished", decimal.RequireFromString("50"))
	require.NoError(t, err)

	_, err = h.ledger.Refund(context.Background(), payment.ID, decimal.RequireFromString("10"))
	assert.True(t, IsInvalidState(err))
	_, err = h.ledger.Capture(context.Background(), payment.ID)
	assert.NoError(t, err, "idempotent capture of an already-captured payment short-circuits")
	_, err = h.ledger.Authorize(context.Background(), booking.ID,
		decimal.RequireFromString("10"), "EUR", "card", models.Breakdown{TaskerRate: decimal.RequireFromString("10")})
	assert.True(t, IsInvalidState(err))
}

func TestAssessCancellationFee(t *testing.T) {
	t.Run("InsideFreeWindow", func(t *testing.T) {
		h := newHarness(t)
		_, booking := h.confirmedBooking(t)
		fee, err := h.ledger.AssessCancellationFee(booking)
		require.NoError(t, err)
		assert.True(t, fee.IsZero())
	})

	t.Run("BeforeConfirmation", func(t *testing.T) {
		h := newHarness(t)
		_, booking := h.acceptedBooking(t)
		fee, err := h.ledger.AssessCancellationFee(booking)
		require.NoError(t, err)
		assert.True(t, fee.IsZero())
	})

	t.Run("OutsideFreeWindow", func(t *testing.T) {
		h := newHarness(t)
		_, booking := h.confirmedBooking(t)
		h.ledger.now = func() time.Time { return time.Now().Add(h.cfg.FreeCancelWindow + time.Minute) }
		fee, err := h.ledger.AssessCancellationFee(booking)
		require.NoError(t, err)
		// 10% of the agreed rate of 55, rounded to cents.
		assert.True(t, fee.Equal(decimal.RequireFromString("5.5")), "got %s", fee)
	})
}
