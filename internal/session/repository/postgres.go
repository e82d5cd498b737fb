package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"itfits/backend/internal/session/domain"
)

// DBTX is the subset of pgxpool.Pool (or pgx.Tx) the repository needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresRepository struct {
	db DBTX
}

// NewPostgresRepository returns a session repository that uses the given pool for persistence.
func NewPostgresRepository(db DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectSession = `SELECT id::text, user_id::text, fingerprint_id::text, ip, COALESCE(location, ''), start_at, end_at, state
FROM user_session`

// GetByID returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	s, err := scanSession(r.db.QueryRow(ctx, selectSession+` WHERE id = $1::uuid`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// Create persists the session. The session must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	state, err := encodeState(s.State)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO user_session (id, user_id, fingerprint_id, ip, location, start_at, end_at, state)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4, NULLIF($5, ''), $6, $7, $8)`,
		s.ID, s.UserID, s.FingerprintID, s.IP, s.Location, s.StartAt, s.EndAt, state)
	return err
}

// UpdateState overwrites the state column for id. Returns an error if the update fails.
func (r *PostgresRepository) UpdateState(ctx context.Context, id string, state domain.State) error {
	raw, err := encodeState(state)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `UPDATE user_session SET state = $2 WHERE id = $1::uuid`, id, raw)
	return err
}

// Finalize sets end_at only when it is still null, so a session is terminated at most once.
func (r *PostgresRepository) Finalize(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `UPDATE user_session SET end_at = $2 WHERE id = $1::uuid AND end_at IS NULL`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListActiveUserIDsByRoom returns distinct user ids of open sessions in roomID. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListActiveUserIDsByRoom(ctx context.Context, roomID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT user_id::text FROM user_session WHERE end_at IS NULL AND state ->> 'room_id' = $1`, roomID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		s     domain.Session
		endAt *time.Time
		raw   []byte
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.FingerprintID, &s.IP, &s.Location, &s.StartAt, &endAt, &raw); err != nil {
		return nil, err
	}
	s.EndAt = endAt
	state, err := decodeState(raw)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", s.ID, err)
	}
	s.State = state
	return &s, nil
}

func encodeState(state domain.State) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return raw, nil
}

func decodeState(raw []byte) (domain.State, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var state domain.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}
