package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentRequiresAction PaymentStatus = "requires_action"
	PaymentAuthorized     PaymentStatus = "authorized"
	PaymentCaptured       PaymentStatus = "captured"
	PaymentFailed         PaymentStatus = "failed"
	PaymentCanceled       PaymentStatus = "canceled"
)

// Breakdown splits a payment amount into its components. The ledger
// rejects any payment whose components do not sum to the total.
type Breakdown struct {
	TaskerRate  decimal.Decimal `json:"tasker_rate" db:"tasker_rate"`
	PlatformFee decimal.Decimal `json:"platform_fee" db:"platform_fee"`
	Tip         decimal.Decimal `json:"tip" db:"tip"`
}

// Sum returns tasker rate + platform fee + tip.
func (b Breakdown) Sum() decimal.Decimal {
	return b.TaskerRate.Add(b.PlatformFee).Add(b.Tip)
}

// Payment is the charge for a single booking. A captured payment is
// immutable; refunds are compensating ledger entries, never mutations.
type Payment struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	BookingID  uuid.UUID       `json:"booking_id" db:"booking_id"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Currency   string          `json:"currency" db:"currency"`
	Status     PaymentStatus   `json:"status" db:"status"`
	Breakdown  Breakdown       `json:"breakdown"`
	Method     string          `json:"method" db:"method"`
	GatewayRef string          `json:"gateway_ref,omitempty" db:"gateway_ref"`
	CapturedAt *time.Time      `json:"captured_at,omitempty" db:"captured_at"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

type LedgerEntryType string

const (
	EntryTaskerPayout    LedgerEntryType = "tasker_payout"
	EntryPlatformFee     LedgerEntryType = "platform_fee"
	EntryTip             LedgerEntryType = "tip"
	EntryRefund          LedgerEntryType = "refund"
	EntryCancellationFee LedgerEntryType = "cancellation_fee"
)

// LedgerEntry is one immutable line in the double-entry ledger. A capture
// writes the payout-owed, platform-fee and tip lines summing to the
// captured amount; a refund writes a compensating line against them.
type LedgerEntry struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	PaymentID uuid.UUID       `json:"payment_id" db:"payment_id"`
	BookingID uuid.UUID       `json:"booking_id" db:"booking_id"`
	Type      LedgerEntryType `json:"type" db:"entry_type"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Memo      string          `json:"memo,omitempty" db:"memo"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
