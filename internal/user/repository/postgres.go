package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"itfits/backend/internal/user/domain"
)

// Querier is the subset of pgxpool.Pool the repository needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresRepository struct {
	db Querier
}

// NewPostgresRepository returns a user repository that uses the given pool for persistence.
func NewPostgresRepository(db Querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	err := r.db.QueryRow(ctx,
		`SELECT id::text, email, coalesce(first_name, ''), coalesce(last_name, ''), created_at FROM users WHERE id = $1::uuid`,
		id,
	).Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}
