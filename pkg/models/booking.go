package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BookingStatus string

const (
	BookingOffered    BookingStatus = "offered"
	BookingAccepted   BookingStatus = "accepted"
	BookingConfirmed  BookingStatus = "confirmed"
	BookingInProgress BookingStatus = "in_progress"
	BookingCompleted  BookingStatus = "completed"
	BookingCanceled   BookingStatus = "canceled"
	BookingDisputed   BookingStatus = "disputed"
)

// Terminal reports whether the booking can no longer change status.
// BookingDisputed is not terminal: resolution restores or cancels it.
func (s BookingStatus) Terminal() bool {
	return s == BookingCompleted || s == BookingCanceled
}

// Booking is one engagement between a task and a chosen tasker. A task
// has at most one booking in a non-terminal status at any time.
type Booking struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	TaskID       uuid.UUID       `json:"task_id" db:"task_id"`
	ClientID     uuid.UUID       `json:"client_id" db:"client_id"`
	TaskerID     uuid.UUID       `json:"tasker_id" db:"tasker_id"`
	Status       BookingStatus   `json:"status" db:"status"`
	ProposedRate decimal.Decimal `json:"proposed_rate" db:"proposed_rate"`
	AgreedRate   decimal.Decimal `json:"agreed_rate" db:"agreed_rate"`
	// PriorStatus remembers where the booking was when a dispute froze it.
	PriorStatus *BookingStatus `json:"prior_status,omitempty" db:"prior_status"`
	ConfirmedAt *time.Time     `json:"confirmed_at,omitempty" db:"confirmed_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}
