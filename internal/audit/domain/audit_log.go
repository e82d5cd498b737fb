package domain

import "time"

// Log types.
const (
	TypeCreate = "create"
	TypeUpdate = "update"
	TypeDelete = "delete"
)

// NameUserAuthorization is recorded when a user opens a real-time session.
const NameUserAuthorization = "user_authorization"

// AuditLog represents an audit event. UserID, RoomID and SessionID are optional.
type AuditLog struct {
	ID        string
	Type      string
	Name      string
	UserID    string
	RoomID    string
	SessionID string
	Details   map[string]any
	CreatedAt time.Time
}
