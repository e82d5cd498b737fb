package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidMessage is returned when a chat-send payload fails validation.
var ErrInvalidMessage = errors.New("invalid chat message")

// Message is a persisted chat message. Immutable once created.
type Message struct {
	ID        string
	ChatID    string
	AuthorID  string
	Content   string
	CreatedAt time.Time
}

// SendData is the validated payload of a chat-send message.
type SendData struct {
	ChatID    string
	Message   string
	CreatedAt time.Time
	// RoomID is optional; the sender's session room takes precedence.
	RoomID string
}

type sendDataWire struct {
	ChatID    *string `json:"chat_id"`
	Message   *string `json:"message"`
	CreatedAt *string `json:"created_at"`
	RoomID    any     `json:"room_id"`
}

// ParseSendData decodes and validates raw. chat_id must be a UUID, message a string and created_at an RFC 3339 timestamp.
// Every failure wraps ErrInvalidMessage.
func ParseSendData(raw json.RawMessage) (*SendData, error) {
	var w sendDataWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.ChatID == nil {
		return nil, fmt.Errorf("%w: chat_id is required", ErrInvalidMessage)
	}
	chatID, err := uuid.Parse(strings.TrimSpace(*w.ChatID))
	if err != nil {
		return nil, fmt.Errorf("%w: chat_id: %v", ErrInvalidMessage, err)
	}
	if w.Message == nil {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidMessage)
	}
	if w.CreatedAt == nil {
		return nil, fmt.Errorf("%w: created_at is required", ErrInvalidMessage)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, *w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: created_at: %v", ErrInvalidMessage, err)
	}
	d := &SendData{
		ChatID:    chatID.String(),
		Message:   *w.Message,
		CreatedAt: createdAt,
	}
	switch v := w.RoomID.(type) {
	case nil:
	case string:
		d.RoomID = v
	default:
		d.RoomID = fmt.Sprint(v)
	}
	return d, nil
}

// NewMessage builds the message authored by authorID from validated send data.
func NewMessage(authorID string, d *SendData) *Message {
	return &Message{
		ID:        uuid.New().String(),
		ChatID:    d.ChatID,
		AuthorID:  authorID,
		Content:   d.Message,
		CreatedAt: d.CreatedAt,
	}
}
