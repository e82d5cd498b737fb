package repository

import (
	"context"

	"itfits/backend/internal/user/domain"
)

// Repository defines read access to users.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
}
