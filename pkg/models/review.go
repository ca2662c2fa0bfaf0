package models

import (
	"time"

	"github.com/google/uuid"
)

// Review is left by either party once a task is settled. When both sides
// have reviewed, or the review window elapses, the task moves to reviewed.
type Review struct {
	ID        uuid.UUID `json:"id" db:"id"`
	TaskID    uuid.UUID `json:"task_id" db:"task_id"`
	AuthorID  uuid.UUID `json:"author_id" db:"author_id"`
	Rating    int       `json:"rating" db:"rating"`
	Comment   string    `json:"comment,omitempty" db:"comment"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
