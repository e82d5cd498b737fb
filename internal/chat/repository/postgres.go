package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"

	"itfits/backend/internal/chat/domain"
)

// Execer is the subset of pgxpool.Pool the repository needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresRepository struct {
	db Execer
}

// NewPostgresRepository returns a chat repository that uses the given pool for persistence.
func NewPostgresRepository(db Execer) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateMessage inserts m. The message must have ID set.
func (r *PostgresRepository) CreateMessage(ctx context.Context, m *domain.Message) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO messages (id, author_id, chat_id, content, created_at) VALUES ($1::uuid, $2::uuid, $3::uuid, $4, $5)`,
		m.ID, m.AuthorID, m.ChatID, m.Content, m.CreatedAt,
	)
	return err
}
