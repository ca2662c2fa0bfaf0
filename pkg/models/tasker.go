package models

import (
	"time"

	"github.com/google/uuid"
)

type TaskerStatus string

const (
	TaskerActive    TaskerStatus = "active"
	TaskerSuspended TaskerStatus = "suspended"
	TaskerInactive  TaskerStatus = "inactive"
)

// TaskerProfile is the read-only snapshot of a tasker that the matching
// engine scores against. The directory that serves these is an external
// collaborator; the engine never writes back to it.
type TaskerProfile struct {
	TaskerID        uuid.UUID    `json:"tasker_id"`
	Categories      []string     `json:"categories"`
	Status          TaskerStatus `json:"status"`
	Lat             float64      `json:"lat"`
	Lng             float64      `json:"lng"`
	ServiceRadiusKm float64      `json:"service_radius_km"`
	Rating          float64      `json:"rating"`
	AcceptanceRate  float64      `json:"acceptance_rate"`
	CompletionRate  float64      `json:"completion_rate"`
	LastActiveAt    time.Time    `json:"last_active_at"`
	CreatedAt       time.Time    `json:"created_at"`
}

// HasCategory reports whether the tasker has declared the given category.
func (p TaskerProfile) HasCategory(category string) bool {
	for _, c := range p.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Candidate is one ranked matching result for a task.
type Candidate struct {
	TaskerID    uuid.UUID `json:"tasker_id"`
	Score       float64   `json:"score"`
	Explanation string    `json:"explanation"`
	DistanceKm  float64   `json:"distance_km"`
}
