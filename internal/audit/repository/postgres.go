package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"itfits/backend/internal/audit/domain"
)

// DBTX is the subset of pgxpool.Pool the repository needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresRepository struct {
	db DBTX
}

// NewPostgresRepository returns an audit log repository that uses the given pool for persistence.
func NewPostgresRepository(db DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the audit log for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.AuditLog, error) {
	var (
		a                      domain.AuditLog
		userID, roomID, sessID *string
		details                []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT id::text, type, name, user_id::text, room_id::text, session_id::text, details, created_at FROM logs WHERE id = $1::uuid`,
		id,
	).Scan(&a.ID, &a.Type, &a.Name, &userID, &roomID, &sessID, &details, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.UserID, a.RoomID, a.SessionID = deref(userID), deref(roomID), deref(sessID)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &a.Details); err != nil {
			return nil, fmt.Errorf("audit log %s: decode details: %w", a.ID, err)
		}
	}
	return &a, nil
}

// Create persists the audit log. The audit log must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	var details []byte
	if a.Details != nil {
		b, err := json.Marshal(a.Details)
		if err != nil {
			return fmt.Errorf("audit log %s: encode details: %w", a.ID, err)
		}
		details = b
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO logs (id, type, name, user_id, room_id, session_id, details, created_at)
		 VALUES ($1::uuid, $2, $3, $4::uuid, $5::uuid, $6::uuid, $7, $8)`,
		a.ID, a.Type, a.Name, nullable(a.UserID), nullable(a.RoomID), nullable(a.SessionID), details, a.CreatedAt,
	)
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
