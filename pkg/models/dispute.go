package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DisputeStatus string

const (
	DisputeOpen          DisputeStatus = "open"
	DisputeInvestigating DisputeStatus = "investigating"
	DisputeResolved      DisputeStatus = "resolved"
)

// Dispute suspends settlement on a booking until an admin resolves it.
// While a dispute is non-resolved the ledger refuses capture and refund
// on the booking, except the refund issued by the resolution itself.
type Dispute struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	BookingID        uuid.UUID       `json:"booking_id" db:"booking_id"`
	OpenedBy         uuid.UUID       `json:"opened_by" db:"opened_by"`
	Reason           string          `json:"reason" db:"reason"`
	Status           DisputeStatus   `json:"status" db:"status"`
	AmountInQuestion decimal.Decimal `json:"amount_in_question" db:"amount_in_question"`
	ResolutionText   string          `json:"resolution_text,omitempty" db:"resolution_text"`
	RefundAmount     decimal.Decimal `json:"refund_amount" db:"refund_amount"`
	ResolvedBy       *uuid.UUID      `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Evidence is a free-form submission attached to an open dispute.
type Evidence struct {
	ID        uuid.UUID `json:"id" db:"id"`
	DisputeID uuid.UUID `json:"dispute_id" db:"dispute_id"`
	AuthorID  uuid.UUID `json:"author_id" db:"author_id"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
