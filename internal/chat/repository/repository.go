package repository

import (
	"context"

	"itfits/backend/internal/chat/domain"
)

// Repository defines persistence for chat messages.
type Repository interface {
	CreateMessage(ctx context.Context, m *domain.Message) error
}
