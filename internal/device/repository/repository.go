package repository

import (
	"context"

	"itfits/backend/internal/device/domain"
)

// Repository defines read access to user fingerprints.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Fingerprint, error)
	// LatestByUser returns the most recently updated fingerprint for userID, or nil if the user has none.
	LatestByUser(ctx context.Context, userID string) (*domain.Fingerprint, error)
}
