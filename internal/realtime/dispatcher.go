package realtime

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	chatdomain "itfits/backend/internal/chat/domain"
	sessiondomain "itfits/backend/internal/session/domain"
	"itfits/backend/internal/telemetry"
	telemetrydomain "itfits/backend/internal/telemetry/domain"
)

// Peer identifies the sender of an inbound frame.
type Peer struct {
	UserID    string
	SessionID string
}

// SessionStateRepo is the minimal session repository needed to apply state messages.
type SessionStateRepo interface {
	GetByID(ctx context.Context, id string) (*sessiondomain.Session, error)
	UpdateState(ctx context.Context, id string, state sessiondomain.State) error
}

// ChatRepo is the minimal chat repository needed by chat-send.
type ChatRepo interface {
	CreateMessage(ctx context.Context, m *chatdomain.Message) error
}

// Broadcaster is implemented by Router.
type Broadcaster interface {
	Broadcast(ctx context.Context, b Broadcast) (Report, error)
}

// Dispatcher decodes inbound frames and applies them to the sender's session.
type Dispatcher struct {
	sessions SessionStateRepo
	chats    ChatRepo
	router   Broadcaster
	events   telemetry.EventEmitter
	log      *zap.Logger
	inst     *instruments
}

// NewDispatcher returns a dispatcher. events and log may be nil.
func NewDispatcher(sessions SessionStateRepo, chats ChatRepo, router Broadcaster, events telemetry.EventEmitter, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		sessions: sessions,
		chats:    chats,
		router:   router,
		events:   events,
		log:      log.Named("dispatch"),
		inst:     newInstruments(),
	}
}

// Dispatch handles one frame from peer. Unknown message types are logged and ignored (nil error).
// Errors wrapping ErrMalformedEnvelope or ErrInvalidPayload are protocol errors; any other error is a
// persistence failure. Both end the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, peer Peer, raw []byte) error {
	env, err := DecodeEnvelope(raw)
	if errors.Is(err, ErrUnknownType) {
		d.log.Debug("ignoring message", zap.String("type", string(env.Type)), zap.String("session_id", peer.SessionID))
		return nil
	}
	if err != nil {
		return err
	}
	d.inst.messageReceived(ctx, env.Type)

	ctx, span := d.inst.tracer.Start(ctx, "realtime.dispatch", trace.WithAttributes(
		attribute.String("message.type", string(env.Type)),
		attribute.String("session_id", peer.SessionID),
	))
	defer span.End()

	switch env.Type {
	case TypeInit:
		err = d.initState(ctx, peer, env)
	case TypeUpdate:
		err = d.updateState(ctx, peer, env)
	case TypeChat:
		err = d.sendChat(ctx, peer, env)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(env.Type))
	}
	return err
}

func (d *Dispatcher) initState(ctx context.Context, peer Peer, env *Envelope) error {
	data, err := decodeState(env.Data)
	if err != nil {
		return err
	}
	if _, err := d.reload(ctx, peer); err != nil {
		return err
	}
	if err := d.sessions.UpdateState(ctx, peer.SessionID, data); err != nil {
		return fmt.Errorf("init state: %w", err)
	}
	return nil
}

// updateState merges data into the reloaded state. Concurrent writers to the same session are not
// serialized: the last write wins.
func (d *Dispatcher) updateState(ctx context.Context, peer Peer, env *Envelope) error {
	data, err := decodeState(env.Data)
	if err != nil {
		return err
	}
	sess, err := d.reload(ctx, peer)
	if err != nil {
		return err
	}
	if err := d.sessions.UpdateState(ctx, peer.SessionID, sess.State.Merge(data)); err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	return nil
}

func (d *Dispatcher) sendChat(ctx context.Context, peer Peer, env *Envelope) error {
	data, err := chatdomain.ParseSendData(env.Data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	sess, err := d.reload(ctx, peer)
	if err != nil {
		return err
	}
	if err := d.chats.CreateMessage(ctx, chatdomain.NewMessage(peer.UserID, data)); err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	room := sess.State.RoomID()
	if room == "" {
		room = data.RoomID
	}
	if d.events != nil {
		ev := telemetrydomain.NewEvent(telemetrydomain.EventChatSent, peer.UserID, peer.SessionID, map[string]any{"chat_id": data.ChatID})
		ev.RoomID = room
		telemetry.EmitAsync(d.events, ev, d.log)
	}
	if room == "" {
		return nil
	}

	rep, err := d.router.Broadcast(ctx, Broadcast{
		Message: data.Message,
		RoomID:  room,
		Event:   ChatEvent{SenderID: peer.UserID, ChatID: data.ChatID},
	})
	if err != nil {
		// The message is already stored; a failed fan-out does not end the sender's connection.
		d.log.Warn("chat broadcast failed", zap.String("room_id", room), zap.Error(err))
		return nil
	}
	d.log.Debug("chat broadcast",
		zap.String("room_id", room),
		zap.Int("targets", rep.Targets),
		zap.Int("failed", rep.Failed),
	)
	return nil
}

func (d *Dispatcher) reload(ctx context.Context, peer Peer) (*sessiondomain.Session, error) {
	sess, err := d.sessions.GetByID(ctx, peer.SessionID)
	if err != nil {
		return nil, fmt.Errorf("reload session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, peer.SessionID)
	}
	return sess, nil
}
