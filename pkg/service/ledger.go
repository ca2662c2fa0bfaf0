package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/storage"
)

// Ledger authorizes, captures and refunds funds for bookings with
// double-entry integrity: every capture records the tasker payout owed
// and the platform fee as separate entries summing to the captured
// amount. A captured payment is never mutated; refunds are compensating
// entries. While a dispute on the booking is open, capture and refund
// are refused here, not in the callers.
type Ledger struct {
	store   storage.Store
	gateway PaymentGateway
	emitter Emitter
	cfg     Config
	logger  Logger
	now     func() time.Time
}

func NewLedger(store storage.Store, gateway PaymentGateway, emitter Emitter, cfg Config, logger Logger) *Ledger {
	return &Ledger{
		store:   store,
		gateway: gateway,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Authorize places a hold for a booking. The breakdown must sum to the
// amount before anything is persisted; a mismatch is a ledger-integrity
// failure. A gateway decline persists a failed payment and is reported
// as recoverable so the user can retry with another method.
func (l *Ledger) Authorize(ctx context.Context, bookingID uuid.UUID, amount decimal.Decimal, currency, method string, breakdown models.Breakdown) (models.Payment, error) {
	if !amount.IsPositive() {
		return models.Payment{}, validationf("amount must be positive")
	}
	if currency == "" {
		return models.Payment{}, validationf("currency is required")
	}
	if !breakdown.Sum().Equal(amount) {
		return models.Payment{}, &LedgerIntegrityError{Msg: fmt.Sprintf(
			"breakdown sums to %s, amount is %s", breakdown.Sum(), amount)}
	}
	if _, err := l.store.GetBooking(bookingID); err != nil {
		return models.Payment{}, mapStoreErr(err, "booking", bookingID)
	}
	if err := l.ensureNotFrozen(bookingID); err != nil {
		return models.Payment{}, err
	}
	if existing, err := l.store.GetPaymentForBooking(bookingID); err == nil {
		if existing.Status != models.PaymentFailed && existing.Status != models.PaymentCanceled {
			return models.Payment{}, conflictf("booking %s already has payment %s in %s", bookingID, existing.ID, existing.Status)
		}
	}

	now := l.now()
	payment := models.Payment{
		ID:        uuid.New(),
		BookingID: bookingID,
		Amount:    amount,
		Currency:  currency,
		Breakdown: breakdown,
		Method:    method,
		Status:    models.PaymentRequiresAction,
		CreatedAt: now,
		UpdatedAt: now,
	}

	result, err := l.gateway.AuthorizeFunds(ctx, method, amount)
	if err != nil {
		return models.Payment{}, &ExternalFailure{Op: "authorize funds", Err: err}
	}
	if !result.Success {
		payment.Status = models.PaymentFailed
		if saveErr := l.store.SavePayment(payment); saveErr != nil {
			return models.Payment{}, errors.Wrap(saveErr, "failed to save declined payment")
		}
		l.logger.Infof("Authorization declined for booking %s via %s", bookingID, method)
		return payment, &ExternalFailure{Op: "authorize funds", Err: errors.New("payment method declined")}
	}

	payment.Status = models.PaymentAuthorized
	payment.GatewayRef = result.Reference
	if err := l.store.SavePayment(payment); err != nil {
		return models.Payment{}, errors.Wrap(err, "failed to save payment")
	}

	l.emitter.Emit(EventPaymentAuthorized, payment.ID, map[string]interface{}{
		"booking_id": bookingID, "amount": amount.String(), "currency": currency,
	})
	l.logger.Infof("Authorized %s %s for booking %s (payment %s)", amount, currency, bookingID, payment.ID)
	return payment, nil
}

// Capture settles an authorized payment. It is idempotent: capturing an
// already-captured payment returns the existing record without a second
// charge or duplicate ledger entries.
func (l *Ledger) Capture(ctx context.Context, paymentID uuid.UUID) (payment models.Payment, err error) {
	payment, err = l.store.GetPayment(paymentID)
	if err != nil {
		return models.Payment{}, mapStoreErr(err, "payment", paymentID)
	}
	if payment.Status == models.PaymentCaptured {
		return payment, nil
	}
	if payment.Status != models.PaymentAuthorized {
		return models.Payment{}, invalidTransition("payment", string(payment.Status), string(models.PaymentCaptured))
	}
	if err = l.ensureNotFrozen(payment.BookingID); err != nil {
		return models.Payment{}, err
	}
	if !payment.Breakdown.Sum().Equal(payment.Amount) {
		return models.Payment{}, &LedgerIntegrityError{Msg: fmt.Sprintf(
			"payment %s breakdown sums to %s, amount is %s", paymentID, payment.Breakdown.Sum(), payment.Amount)}
	}

	result, err := l.gateway.CaptureFunds(ctx, payment.GatewayRef)
	if err != nil {
		return models.Payment{}, &ExternalFailure{Op: "capture funds", Err: err}
	}
	if !result.Success {
		if updateErr := l.store.UpdatePaymentStatus(paymentID, models.PaymentAuthorized, models.PaymentFailed, ""); updateErr != nil {
			l.logger.Errorf("Failed to mark payment %s failed after capture decline: %v", paymentID, updateErr)
		}
		return models.Payment{}, &ExternalFailure{Op: "capture funds", Err: errors.New("capture declined by gateway")}
	}

	err = inTx(l.store, l.logger, func(txStore storage.Store) error {
		if err := txStore.UpdatePaymentStatus(paymentID, models.PaymentAuthorized, models.PaymentCaptured, ""); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return err
			}
			return mapStoreErr(err, "payment", paymentID)
		}
		return l.writeCaptureEntries(txStore, payment)
	})
	if err != nil {
		// A concurrent capture won; return what it committed.
		if errors.Is(err, storage.ErrConflict) {
			return l.Get(paymentID)
		}
		return models.Payment{}, err
	}

	l.emitter.Emit(EventPaymentCaptured, paymentID, map[string]interface{}{
		"booking_id": payment.BookingID, "amount": payment.Amount.String(),
	})
	l.logger.Infof("Captured payment %s (%s %s) for booking %s", paymentID, payment.Amount, payment.Currency, payment.BookingID)
	return l.Get(paymentID)
}

func (l *Ledger) writeCaptureEntries(st storage.Store, payment models.Payment) error {
	now := l.now()
	entries := []models.LedgerEntry{
		{Type: models.EntryTaskerPayout, Amount: payment.Breakdown.TaskerRate, Memo: "payout owed to tasker"},
		{Type: models.EntryPlatformFee, Amount: payment.Breakdown.PlatformFee, Memo: "platform fee"},
	}
	if payment.Breakdown.Tip.IsPositive() {
		entries = append(entries, models.LedgerEntry{Type: models.EntryTip, Amount: payment.Breakdown.Tip, Memo: "tip owed to tasker"})
	}
	total := decimal.Zero
	for i := range entries {
		entries[i].ID = uuid.New()
		entries[i].PaymentID = payment.ID
		entries[i].BookingID = payment.BookingID
		entries[i].CreatedAt = now
		total = total.Add(entries[i].Amount)
	}
	if !total.Equal(payment.Amount) {
		return &LedgerIntegrityError{Msg: fmt.Sprintf(
			"capture entries for payment %s sum to %s, amount is %s", payment.ID, total, payment.Amount)}
	}
	for _, e := range entries {
		if err := st.AppendLedgerEntry(e); err != nil {
			return errors.Wrap(err, "failed to append ledger entry")
		}
	}
	return nil
}

// Refund issues a partial or full refund against a captured payment by
// writing a compensating entry. The original captured amount is never
// mutated.
func (l *Ledger) Refund(ctx context.Context, paymentID uuid.UUID, amount decimal.Decimal) (models.Payment, error) {
	payment, err := l.store.GetPayment(paymentID)
	if err != nil {
		return models.Payment{}, mapStoreErr(err, "payment", paymentID)
	}
	if err := l.ensureNotFrozen(payment.BookingID); err != nil {
		return models.Payment{}, err
	}
	if _, err := l.refund(l.store, payment, amount, "refund"); err != nil {
		return models.Payment{}, err
	}

	l.emitter.Emit(EventPaymentRefunded, payment.ID, map[string]interface{}{
		"booking_id": payment.BookingID, "amount": amount.String(),
	})
	l.logger.Infof("Refunded %s on payment %s", amount, payment.ID)
	return l.Get(payment.ID)
}

// refund is the freeze-exempt path shared with dispute resolution. It
// validates and writes the compensating entry through st, which may be
// transaction-scoped; the caller emits once the write has committed.
func (l *Ledger) refund(st storage.Store, payment models.Payment, amount decimal.Decimal, memo string) (models.LedgerEntry, error) {
	if payment.Status != models.PaymentCaptured {
		return models.LedgerEntry{}, invalidStatef("payment %s is %s, only captured payments can be refunded", payment.ID, payment.Status)
	}
	if !amount.IsPositive() {
		return models.LedgerEntry{}, validationf("refund amount must be positive")
	}
	refunded, err := l.refundedTotal(st, payment.ID)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	if amount.GreaterThan(payment.Amount.Sub(refunded)) {
		return models.LedgerEntry{}, validationf("refund %s exceeds remaining captured amount %s", amount, payment.Amount.Sub(refunded))
	}

	entry := models.LedgerEntry{
		ID:        uuid.New(),
		PaymentID: payment.ID,
		BookingID: payment.BookingID,
		Type:      models.EntryRefund,
		Amount:    amount.Neg(),
		Memo:      memo,
		CreatedAt: l.now(),
	}
	if err := st.AppendLedgerEntry(entry); err != nil {
		return models.LedgerEntry{}, errors.Wrap(err, "failed to append refund entry")
	}
	return entry, nil
}

// AssessCancellationFee writes a cancellation-fee entry when a confirmed
// engagement is canceled outside the free window. Returns the fee, zero
// when the cancellation is free.
func (l *Ledger) AssessCancellationFee(booking models.Booking) (decimal.Decimal, error) {
	if booking.ConfirmedAt == nil {
		return decimal.Zero, nil
	}
	if l.now().Sub(*booking.ConfirmedAt) <= l.cfg.FreeCancelWindow {
		return decimal.Zero, nil
	}
	fee := booking.AgreedRate.Mul(l.cfg.CancellationFeeRate).Round(2)
	if !fee.IsPositive() {
		return decimal.Zero, nil
	}

	entry := models.LedgerEntry{
		ID:        uuid.New(),
		BookingID: booking.ID,
		Type:      models.EntryCancellationFee,
		Amount:    fee,
		Memo:      "late cancellation fee",
		CreatedAt: l.now(),
	}
	if payment, err := l.store.GetPaymentForBooking(booking.ID); err == nil {
		entry.PaymentID = payment.ID
	}
	if err := l.store.AppendLedgerEntry(entry); err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to append cancellation fee entry")
	}
	l.logger.Infof("Assessed cancellation fee %s on booking %s", fee, booking.ID)
	return fee, nil
}

// Get fetches a payment by id.
func (l *Ledger) Get(paymentID uuid.UUID) (models.Payment, error) {
	payment, err := l.store.GetPayment(paymentID)
	if err != nil {
		return models.Payment{}, mapStoreErr(err, "payment", paymentID)
	}
	return payment, nil
}

// Entries returns the ledger lines recorded for a payment.
func (l *Ledger) Entries(paymentID uuid.UUID) ([]models.LedgerEntry, error) {
	return l.store.ListLedgerEntries(paymentID)
}

func (l *Ledger) refundedTotal(st storage.Store, paymentID uuid.UUID) (decimal.Decimal, error) {
	entries, err := st.ListLedgerEntries(paymentID)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to list ledger entries")
	}
	total := decimal.Zero
	for _, e := range entries {
		if e.Type == models.EntryRefund {
			total = total.Add(e.Amount.Neg())
		}
	}
	return total, nil
}

// ensureNotFrozen rejects ledger mutation while a dispute on the booking
// is open or investigating.
func (l *Ledger) ensureNotFrozen(bookingID uuid.UUID) error {
	dispute, err := l.store.GetOpenDispute(bookingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return errors.Wrap(err, "failed to check dispute freeze")
	}
	return invalidStatef("booking %s is frozen by dispute %s (%s)", bookingID, dispute.ID, dispute.Status)
}

