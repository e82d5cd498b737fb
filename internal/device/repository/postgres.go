package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"itfits/backend/internal/device/domain"
)

// Querier is the subset of pgxpool.Pool the repository needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresRepository struct {
	db Querier
}

// NewPostgresRepository returns a fingerprint repository that uses the given pool for persistence.
func NewPostgresRepository(db Querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectFingerprint = `SELECT id::text, user_id::text, fingerprint_data, created_at, updated_at FROM user_fingerprint`

// GetByID returns the fingerprint for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Fingerprint, error) {
	return r.one(ctx, selectFingerprint+` WHERE id = $1::uuid`, id)
}

// LatestByUser returns the user's fingerprint with the newest updated_at, or nil if none exists.
func (r *PostgresRepository) LatestByUser(ctx context.Context, userID string) (*domain.Fingerprint, error) {
	return r.one(ctx, selectFingerprint+` WHERE user_id = $1::uuid ORDER BY updated_at DESC LIMIT 1`, userID)
}

func (r *PostgresRepository) one(ctx context.Context, sql string, arg string) (*domain.Fingerprint, error) {
	var (
		fp  domain.Fingerprint
		raw []byte
	)
	err := r.db.QueryRow(ctx, sql, arg).Scan(&fp.ID, &fp.UserID, &raw, &fp.CreatedAt, &fp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fp.Data); err != nil {
			return nil, fmt.Errorf("fingerprint %s: decode data: %w", fp.ID, err)
		}
	}
	return &fp, nil
}
