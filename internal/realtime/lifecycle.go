package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"itfits/backend/internal/audit"
	auditdomain "itfits/backend/internal/audit/domain"
	devicedomain "itfits/backend/internal/device/domain"
	"itfits/backend/internal/geo"
	sessiondomain "itfits/backend/internal/session/domain"
	"itfits/backend/internal/telemetry"
	telemetrydomain "itfits/backend/internal/telemetry/domain"
)

// finalizeTimeout bounds the end_at write, which runs on a fresh context so shutdown can still persist it.
const finalizeTimeout = 5 * time.Second

// SessionRepo is the minimal session repository needed by the lifecycle.
type SessionRepo interface {
	Create(ctx context.Context, s *sessiondomain.Session) error
	Finalize(ctx context.Context, id string, at time.Time) (bool, error)
}

// FingerprintRepo is the minimal fingerprint repository needed by the handshake.
type FingerprintRepo interface {
	LatestByUser(ctx context.Context, userID string) (*devicedomain.Fingerprint, error)
}

// LifecycleDeps are the collaborators of a Lifecycle. Locator, Audit and Events are optional.
type LifecycleDeps struct {
	Registry     *Registry
	Dispatcher   *Dispatcher
	Sessions     SessionRepo
	Users        UserRepo
	Fingerprints FingerprintRepo
	Locator      geo.Locator
	Audit        audit.AuditLogger
	Events       telemetry.EventEmitter
	Logger       *zap.Logger
}

// Lifecycle opens and terminates connections: it creates the durable session at connect, registers the
// connection, finalizes the session exactly once at termination and drains everything on shutdown.
type Lifecycle struct {
	registry     *Registry
	dispatcher   *Dispatcher
	sessions     SessionRepo
	users        UserRepo
	fingerprints FingerprintRepo
	locator      geo.Locator
	audit        audit.AuditLogger
	events       telemetry.EventEmitter
	log          *zap.Logger
	inst         *instruments
	now          func() time.Time

	mu      sync.Mutex
	closing bool
	loops   sync.WaitGroup
}

// NewLifecycle returns a Lifecycle wired to deps.
func NewLifecycle(deps LifecycleDeps) *Lifecycle {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Lifecycle{
		registry:     deps.Registry,
		dispatcher:   deps.Dispatcher,
		sessions:     deps.Sessions,
		users:        deps.Users,
		fingerprints: deps.Fingerprints,
		locator:      deps.Locator,
		audit:        deps.Audit,
		events:       deps.Events,
		log:          log.Named("lifecycle"),
		inst:         newInstruments(),
		now:          time.Now,
	}
}

// Connect performs the handshake for userID arriving from ip over t: it checks the user and their newest
// device fingerprint, creates and persists the session, records an audit entry and registers the
// connection, closing any previous connection of the same user. userID is canonicalized to the lowercase
// UUID form before any lookup, so every spelling of one id maps to one registry entry. On a handshake
// error nothing is registered and t is left open for the caller to close. When shutdown begins during the
// handshake the new session is finalized and t is closed before ErrShuttingDown is returned.
// The caller must run Serve on the returned connection.
func (l *Lifecycle) Connect(ctx context.Context, userID, ip string, t Transport) (*Connection, error) {
	if l.isClosing() {
		return nil, ErrShuttingDown
	}
	parsed, err := uuid.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	userID = parsed.String()
	user, err := l.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	fp, err := l.fingerprints.LatestByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load fingerprint: %w", err)
	}
	if fp == nil {
		return nil, fmt.Errorf("%w: %s", ErrFingerprintNotFound, userID)
	}

	sess := &sessiondomain.Session{
		ID:            uuid.New().String(),
		UserID:        userID,
		FingerprintID: fp.ID,
		IP:            ip,
		Location:      l.locate(ctx, ip),
		StartAt:       fp.UpdatedAt,
		State:         sessiondomain.State{},
	}
	if err := l.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	if l.audit != nil {
		var browser any
		if v := fp.BrowserVersion(); v != "" {
			browser = v
		}
		l.audit.LogEvent(ctx, audit.Event{
			Type:      auditdomain.TypeCreate,
			Name:      auditdomain.NameUserAuthorization,
			UserID:    userID,
			SessionID: sess.ID,
			Details:   map[string]any{"ip": ip, "browser_version": browser},
		})
	}

	c := &Connection{
		userID:    userID,
		sessionID: sess.ID,
		transport: t,
		lc:        l,
		log:       l.log.With(zap.String("user_id", userID), zap.String("session_id", sess.ID)),
		done:      make(chan struct{}),
	}
	l.inst.connectionOpened(ctx)

	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		c.Terminate(ReasonShutdown)
		return nil, ErrShuttingDown
	}
	l.loops.Add(1)
	prev := l.registry.Register(userID, c)
	l.mu.Unlock()

	if prev != nil {
		c.log.Info("replacing previous connection", zap.String("previous_session_id", prev.SessionID()))
		prev.Terminate(ReasonReplaced)
		l.emit(telemetrydomain.EventSessionReplaced, prev.userID, prev.sessionID, nil)
	}
	c.log.Info("connected", zap.String("ip", ip), zap.String("location", sess.Location))
	l.emit(telemetrydomain.EventSessionConnected, userID, sess.ID, map[string]any{"ip": ip, "location": sess.Location})
	return c, nil
}

// Shutdown terminates every registered connection, clears the registry and waits for all receive loops
// to exit or ctx to end. Connect fails with ErrShuttingDown afterwards.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()

	conns := l.registry.Snapshot()
	l.log.Info("draining connections", zap.Int("count", len(conns)))
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Terminate(ReasonShutdown)
		}(c)
	}
	wg.Wait()
	l.registry.Clear()

	done := make(chan struct{})
	go func() {
		l.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for receive loops: %w", ctx.Err())
	}
}

// Registry returns the registry this lifecycle registers connections in.
func (l *Lifecycle) Registry() *Registry { return l.registry }

func (l *Lifecycle) isClosing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closing
}

// locate resolves ip best-effort; failures are logged and yield "".
func (l *Lifecycle) locate(ctx context.Context, ip string) string {
	if l.locator == nil {
		return ""
	}
	loc, err := l.locator.Locate(ctx, ip)
	if err != nil {
		l.log.Warn("location lookup failed", zap.String("ip", ip), zap.Error(err))
		return ""
	}
	return loc
}

// finalize is the body of Connection.Terminate.
func (l *Lifecycle) finalize(c *Connection, reason Reason) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if _, err := l.sessions.Finalize(ctx, c.sessionID, l.now().UTC()); err != nil {
		c.log.Error("finalize session", zap.Error(err))
	}
	l.registry.Release(c.userID, c)
	if err := c.transport.Close(reason.Code, reason.Text); err != nil {
		c.log.Debug("close transport", zap.Error(err))
	}
	l.inst.connectionClosed(ctx, reason.Name)
	c.log.Info("terminated", zap.String("reason", reason.Name))
	l.emit(telemetrydomain.EventSessionTerminated, c.userID, c.sessionID, map[string]any{"reason": reason.Name})
}

func (l *Lifecycle) emit(eventType, userID, sessionID string, meta map[string]any) {
	if l.events == nil {
		return
	}
	telemetry.EmitAsync(l.events, telemetrydomain.NewEvent(eventType, userID, sessionID, meta), l.log)
}
