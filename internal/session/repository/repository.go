package repository

import (
	"context"
	"time"

	"itfits/backend/internal/session/domain"
)

// Repository defines persistence for real-time sessions.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	Create(ctx context.Context, s *domain.Session) error
	// UpdateState overwrites the stored state document for id.
	UpdateState(ctx context.Context, id string, state domain.State) error
	// Finalize sets end_at for id if it is still null. Returns false when the session was already terminated or missing.
	Finalize(ctx context.Context, id string, at time.Time) (bool, error)
	// ListActiveUserIDsByRoom returns distinct user ids of non-terminated sessions whose state.room_id equals roomID.
	ListActiveUserIDsByRoom(ctx context.Context, roomID string) ([]string, error)
}
