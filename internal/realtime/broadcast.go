package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	userdomain "itfits/backend/internal/user/domain"
)

// ErrUnknownEvent is returned by Broadcast for a nil or foreign Event.
var ErrUnknownEvent = errors.New("unknown broadcast event")

// Event is the closed set of broadcast kinds. Each kind adds its own fields to the outbound payload.
type Event interface {
	eventName() string
}

// ChatEvent announces a chat message sent by SenderID.
type ChatEvent struct {
	SenderID string
	ChatID   string
}

// DocumentEvent announces a change to a shared document.
type DocumentEvent struct {
	DocumentID string
}

// NewChatEvent announces a chat created by CreatorID.
type NewChatEvent struct {
	ChatID    string
	CreatorID string
}

func (ChatEvent) eventName() string     { return "chat" }
func (DocumentEvent) eventName() string { return "document" }
func (NewChatEvent) eventName() string  { return "new_chat" }

// Broadcast is one room-scoped notification.
type Broadcast struct {
	Message string
	RoomID  string
	Event   Event
}

// Report summarizes a fan-out.
type Report struct {
	Targets   int
	Delivered int
	Failed    int
}

// SessionRoomRepo is the minimal session repository needed to resolve room members.
type SessionRoomRepo interface {
	ListActiveUserIDsByRoom(ctx context.Context, roomID string) ([]string, error)
}

// UserRepo is the minimal user repository needed for handshakes and payload enrichment.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
}

// Router fans broadcasts out to the live connections of a room.
type Router struct {
	registry *Registry
	sessions SessionRoomRepo
	users    UserRepo
	log      *zap.Logger
	inst     *instruments
	now      func() time.Time
}

// NewRouter returns a router over registry. log may be nil.
func NewRouter(registry *Registry, sessions SessionRoomRepo, users UserRepo, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		registry: registry,
		sessions: sessions,
		users:    users,
		log:      log.Named("broadcast"),
		inst:     newInstruments(),
		now:      time.Now,
	}
}

// Broadcast sends b to every user that has an open session in b.RoomID and a live connection here.
// An empty room or an empty member set is a no-op. A failed send is logged and counted; it never stops
// delivery to the other targets.
func (r *Router) Broadcast(ctx context.Context, b Broadcast) (Report, error) {
	if b.Event == nil {
		return Report{}, ErrUnknownEvent
	}
	event := b.Event.eventName()
	ctx, span := r.inst.tracer.Start(ctx, "realtime.broadcast", trace.WithAttributes(
		attribute.String("room_id", b.RoomID),
		attribute.String("event", event),
	))
	defer span.End()

	if b.RoomID == "" {
		return Report{}, nil
	}

	targets, err := r.members(ctx, b.RoomID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve members")
		return Report{}, err
	}
	if len(targets) == 0 {
		return Report{}, nil
	}

	payload := map[string]any{
		"timestamp": r.now().UTC().Format(time.RFC3339Nano),
		"message":   b.Message,
		"room_id":   b.RoomID,
		"event":     event,
	}
	if err := r.enrich(ctx, b.Event, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enrich")
		return Report{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Report{}, fmt.Errorf("encode broadcast: %w", err)
	}

	rep := Report{Targets: len(targets)}
	for _, c := range targets {
		if err := c.Send(raw); err != nil {
			rep.Failed++
			r.log.Warn("send failed",
				zap.String("room_id", b.RoomID),
				zap.String("user_id", c.UserID()),
				zap.String("event", event),
				zap.Error(err),
			)
			continue
		}
		rep.Delivered++
	}
	span.SetAttributes(
		attribute.Int("targets", rep.Targets),
		attribute.Int("failed", rep.Failed),
	)
	r.inst.broadcastResult(ctx, event, rep)
	return rep, nil
}

// members intersects the room's open sessions with a registry snapshot, ordered by user id.
func (r *Router) members(ctx context.Context, roomID string) ([]*Connection, error) {
	ids, err := r.sessions.ListActiveUserIDsByRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list room members: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	live := r.registry.Snapshot()
	seen := make(map[string]struct{}, len(ids))
	out := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if c, ok := live[id]; ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID() < out[j].UserID() })
	return out, nil
}

func (r *Router) enrich(ctx context.Context, ev Event, payload map[string]any) error {
	switch e := ev.(type) {
	case ChatEvent:
		u, err := r.user(ctx, e.SenderID)
		if err != nil {
			return err
		}
		payload["user_name"] = u.DisplayName()
		payload["email"] = u.Email
		payload["chat_id"] = e.ChatID
	case DocumentEvent:
		payload["document_id"] = e.DocumentID
	case NewChatEvent:
		u, err := r.user(ctx, e.CreatorID)
		if err != nil {
			return err
		}
		payload["chat_id"] = e.ChatID
		payload["user_name"] = u.DisplayName()
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	return nil
}

// user resolves id for enrichment. A missing user yields an empty user so the broadcast still goes out.
func (r *Router) user(ctx context.Context, id string) (*userdomain.User, error) {
	u, err := r.users.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}
	if u == nil {
		r.log.Warn("broadcast sender not found", zap.String("user_id", id))
		return &userdomain.User{ID: id}, nil
	}
	return u, nil
}
