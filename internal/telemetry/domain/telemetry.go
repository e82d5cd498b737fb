package domain

import (
	"encoding/json"
	"time"
)

// Event types emitted by the real-time subsystem.
const (
	EventSessionConnected  = "session_connected"
	EventSessionTerminated = "session_terminated"
	EventSessionReplaced   = "session_replaced"
	EventChatSent          = "chat_sent"
	EventBroadcast         = "broadcast"
)

// SourceRealtime is the Source of every event produced by the websocket server.
const SourceRealtime = "realtime"

// Event is a telemetry event about a real-time session. The JSON form is what goes to Kafka and Loki.
type Event struct {
	UserID    string          `json:"userId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
	EventType string          `json:"eventType"`
	Source    string          `json:"source,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewEvent returns an event of the given type stamped with the current UTC time.
// meta is marshaled to JSON; a marshal failure leaves Metadata empty.
func NewEvent(eventType, userID, sessionID string, meta map[string]any) *Event {
	e := &Event{
		UserID:    userID,
		SessionID: sessionID,
		EventType: eventType,
		Source:    SourceRealtime,
		CreatedAt: time.Now().UTC(),
	}
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			e.Metadata = b
		}
	}
	return e
}
