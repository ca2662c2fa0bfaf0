package models

import "github.com/google/uuid"

type Role string

const (
	RoleClient Role = "client"
	RoleTasker Role = "tasker"
	RoleAdmin  Role = "admin"
)

// Actor is the authenticated caller supplied per request by the identity
// provider. The engine performs authorization against it, never
// authentication.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}
