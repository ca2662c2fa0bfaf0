package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TaskState string

const (
	TaskDraft            TaskState = "draft"
	TaskPosted           TaskState = "posted"
	TaskMatching         TaskState = "matching"
	TaskAccepted         TaskState = "accepted"
	TaskConfirmed        TaskState = "confirmed"
	TaskInProgress       TaskState = "in_progress"
	TaskCompleted        TaskState = "completed"
	TaskSettled          TaskState = "settled"
	TaskReviewed         TaskState = "reviewed"
	TaskExpired          TaskState = "expired"
	TaskCanceledByClient TaskState = "canceled_by_client"
	TaskCanceledByTasker TaskState = "canceled_by_tasker"
	TaskDisputed         TaskState = "disputed"
)

// Terminal reports whether no further transitions are allowed from s.
// TaskDisputed is not terminal: resolution may restore the prior state.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskReviewed, TaskExpired, TaskCanceledByClient, TaskCanceledByTasker:
		return true
	}
	return false
}

type BidMode string

const (
	BidModeOpen       BidMode = "open_for_bids"
	BidModeInviteOnly BidMode = "invite_only"
)

// Location is the place where a task is performed. Coordinates are
// required before a task can be created; District is optional.
type Location struct {
	Address  string  `json:"address" db:"address"`
	City     string  `json:"city" db:"city"`
	District string  `json:"district,omitempty" db:"district"`
	Lat      float64 `json:"lat" db:"lat"`
	Lng      float64 `json:"lng" db:"lng"`
}

// Schedule is the requested start time plus the client's tolerance around it.
type Schedule struct {
	StartsAt           time.Time `json:"starts_at" db:"starts_at"`
	FlexibilityMinutes int       `json:"flexibility_minutes" db:"flexibility_minutes"`
}

// Task represents a unit of work posted by a client.
type Task struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	ClientID    uuid.UUID       `json:"client_id" db:"client_id"`
	Category    string          `json:"category" db:"category"`
	Description string          `json:"description" db:"description"`
	Location    Location        `json:"location"`
	Schedule    Schedule        `json:"schedule"`
	BidMode     BidMode         `json:"bid_mode,omitempty" db:"bid_mode"`
	PriceMin    decimal.Decimal `json:"price_min" db:"price_min"`
	PriceMax    decimal.Decimal `json:"price_max" db:"price_max"`
	Currency    string          `json:"currency" db:"currency"`
	State       TaskState       `json:"state" db:"state"`
	// PriorState remembers where the task was when a dispute moved it to
	// TaskDisputed, so resolution can restore it.
	PriorState *TaskState `json:"prior_state,omitempty" db:"prior_state"`
	// ExpiresAt is the deadline for a booking to form while the task sits
	// in posted/matching. Set when the task is posted.
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}
