package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"itfits/backend/internal/audit/domain"
	auditrepo "itfits/backend/internal/audit/repository"
)

// Event is a single audit entry to record. Empty IDs are stored as NULL.
type Event struct {
	Type      string
	Name      string
	UserID    string
	RoomID    string
	SessionID string
	Details   map[string]any
}

// AuditLogger writes audit events. Used by the real-time session lifecycle.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, e Event)
}

// Logger implements AuditLogger using the audit repository.
type Logger struct {
	repo auditrepo.Repository
	log  *zap.Logger
	now  func() time.Time
}

// NewLogger returns an AuditLogger that persists to repo. log may be nil.
func NewLogger(repo auditrepo.Repository, log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{repo: repo, log: log, now: time.Now}
}

// LogEvent writes one audit log entry. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, e Event) {
	if l == nil || l.repo == nil {
		return
	}
	entry := &domain.AuditLog{
		ID:        uuid.New().String(),
		Type:      e.Type,
		Name:      e.Name,
		UserID:    e.UserID,
		RoomID:    e.RoomID,
		SessionID: e.SessionID,
		Details:   e.Details,
		CreatedAt: l.now().UTC(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		l.log.Warn("audit: failed to log event",
			zap.String("type", e.Type),
			zap.String("name", e.Name),
			zap.String("session_id", e.SessionID),
			zap.Error(err),
		)
	}
}
