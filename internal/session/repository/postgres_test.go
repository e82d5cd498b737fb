package repository

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"itfits/backend/internal/db"
	"itfits/backend/internal/db/migrate"
	"itfits/backend/internal/session/domain"
)

func TestEncodeDecodeState(t *testing.T) {
	raw, err := encodeState(domain.State{"room_id": "r1", "n": 2})
	if err != nil {
		t.Fatalf("encodeState: %v", err)
	}
	got, err := decodeState(raw)
	if err != nil {
		t.Fatalf("decodeState: %v", err)
	}
	want := domain.State{"room_id": "r1", "n": float64(2)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("state = %v, want %v", got, want)
	}
}

func TestEncodeState_Nil(t *testing.T) {
	raw, err := encodeState(nil)
	if err != nil {
		t.Fatalf("encodeState: %v", err)
	}
	if raw != nil {
		t.Errorf("raw = %q, want nil so the column stays NULL", raw)
	}
}

func TestDecodeState_NullAndEmpty(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte("null")} {
		got, err := decodeState(raw)
		if err != nil {
			t.Fatalf("decodeState(%q): %v", raw, err)
		}
		if got != nil {
			t.Errorf("decodeState(%q) = %v, want nil", raw, got)
		}
	}
}

func TestDecodeState_NotAnObject(t *testing.T) {
	if _, err := decodeState([]byte(`[1,2]`)); err == nil {
		t.Error("decodeState of an array should fail")
	}
}

// openTestDB migrates and opens the database at DATABASE_URL, skipping when it is unset or unreachable.
func openTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	if err := migrate.Run(dsn, migrate.Up, 0); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Skipf("Migrations failed (expected in test environment): %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := db.Open(ctx, dsn, 2)
	if err != nil {
		t.Skipf("Database connection failed (expected in test environment): %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// seedUser inserts a user with one fingerprint and removes both, with their sessions, when the test ends.
func seedUser(t *testing.T, pool *pgxpool.Pool) (userID, fingerprintID string) {
	t.Helper()
	ctx := context.Background()
	userID, fingerprintID = uuid.NewString(), uuid.NewString()
	if _, err := pool.Exec(ctx, `INSERT INTO users (id, email) VALUES ($1::uuid, $2)`, userID, userID+"@example.test"); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO user_fingerprint (id, user_id) VALUES ($1::uuid, $2::uuid)`, fingerprintID, userID); err != nil {
		t.Fatalf("insert fingerprint: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, `DELETE FROM user_session WHERE user_id = $1::uuid`, userID)
		pool.Exec(ctx, `DELETE FROM user_fingerprint WHERE user_id = $1::uuid`, userID)
		pool.Exec(ctx, `DELETE FROM users WHERE id = $1::uuid`, userID)
	})
	return userID, fingerprintID
}

func createSession(t *testing.T, repo *PostgresRepository, userID, fingerprintID string, state domain.State) string {
	t.Helper()
	s := &domain.Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		FingerprintID: fingerprintID,
		IP:            "203.0.113.7",
		StartAt:       time.Now().UTC(),
		State:         state,
	}
	if err := repo.Create(context.Background(), s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s.ID
}

func TestPostgres_GetByIDMissing(t *testing.T) {
	repo := NewPostgresRepository(openTestDB(t))
	s, err := repo.GetByID(context.Background(), uuid.NewString())
	if err != nil || s != nil {
		t.Errorf("GetByID = %v, %v; want nil, nil", s, err)
	}
}

func TestPostgres_FinalizeOnlyOnce(t *testing.T) {
	pool := openTestDB(t)
	repo := NewPostgresRepository(pool)
	ctx := context.Background()
	userID, fpID := seedUser(t, pool)
	id := createSession(t, repo, userID, fpID, domain.State{})

	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ok, err := repo.Finalize(ctx, id, first)
	if err != nil || !ok {
		t.Fatalf("first Finalize = %v, %v; want true, nil", ok, err)
	}
	ok, err = repo.Finalize(ctx, id, first.Add(time.Hour))
	if err != nil || ok {
		t.Fatalf("second Finalize = %v, %v; want false, nil", ok, err)
	}

	s, err := repo.GetByID(ctx, id)
	if err != nil || s == nil {
		t.Fatalf("GetByID = %v, %v", s, err)
	}
	if s.EndAt == nil || !s.EndAt.Equal(first) {
		t.Errorf("EndAt = %v, want %v", s.EndAt, first)
	}
}

func TestPostgres_ListActiveUserIDsByRoom(t *testing.T) {
	pool := openTestDB(t)
	repo := NewPostgresRepository(pool)
	ctx := context.Background()
	room, otherRoom := "room-"+uuid.NewString(), "room-"+uuid.NewString()

	active, activeFP := seedUser(t, pool)
	createSession(t, repo, active, activeFP, domain.State{"room_id": room})
	createSession(t, repo, active, activeFP, domain.State{"room_id": room, "doc": "d1"})

	ended, endedFP := seedUser(t, pool)
	endedID := createSession(t, repo, ended, endedFP, domain.State{"room_id": room})
	if _, err := repo.Finalize(ctx, endedID, time.Now().UTC()); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	elsewhere, elsewhereFP := seedUser(t, pool)
	createSession(t, repo, elsewhere, elsewhereFP, domain.State{"room_id": otherRoom})

	got, err := repo.ListActiveUserIDsByRoom(ctx, room)
	if err != nil {
		t.Fatalf("ListActiveUserIDsByRoom: %v", err)
	}
	if !reflect.DeepEqual(got, []string{active}) {
		t.Errorf("members = %v, want [%s]", got, active)
	}
}

func TestPostgres_NumericRoomMatchesStateRoomID(t *testing.T) {
	pool := openTestDB(t)
	repo := NewPostgresRepository(pool)
	ctx := context.Background()
	userID, fpID := seedUser(t, pool)
	id := createSession(t, repo, userID, fpID, domain.State{})

	var state domain.State
	if err := json.Unmarshal([]byte(`{"room_id":987654321}`), &state); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if err := repo.UpdateState(ctx, id, state); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	s, err := repo.GetByID(ctx, id)
	if err != nil || s == nil {
		t.Fatalf("GetByID = %v, %v", s, err)
	}

	got, err := repo.ListActiveUserIDsByRoom(ctx, s.State.RoomID())
	if err != nil {
		t.Fatalf("ListActiveUserIDsByRoom: %v", err)
	}
	if !reflect.DeepEqual(got, []string{userID}) {
		t.Errorf("members of %q = %v, want [%s]", s.State.RoomID(), got, userID)
	}
}
