// Package realtime is the live-session core: a registry of open connections, the durable session
// lifecycle around each one, the typed message protocol spoken over it and room-scoped broadcast.
package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	sessiondomain "itfits/backend/internal/session/domain"
)

var (
	// ErrMalformedEnvelope is returned for frames that are not a JSON object with a string type and an object data.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrInvalidPayload is returned when data does not match the schema of its message type.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrUnknownType is returned by DecodeEnvelope for a well-formed frame whose type is not recognized.
	ErrUnknownType = errors.New("unknown message type")

	ErrUserNotFound        = errors.New("user not found")
	ErrFingerprintNotFound = errors.New("user has no device fingerprint")
	ErrSessionNotFound     = errors.New("session not found")
	ErrShuttingDown        = errors.New("server shutting down")
)

// MessageType names an inbound protocol message.
type MessageType string

const (
	// TypeInit replaces the session state with data.
	TypeInit MessageType = "init"
	// TypeUpdate shallow-merges data into the session state.
	TypeUpdate MessageType = "update"
	// TypeChat persists a chat message and broadcasts it to the sender's room.
	TypeChat MessageType = "chat"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeInit, TypeUpdate, TypeChat:
		return true
	default:
		return false
	}
}

// Envelope is one decoded inbound frame.
type Envelope struct {
	Type MessageType
	Data json.RawMessage
}

type envelopeWire struct {
	Type *string         `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeEnvelope parses raw. A frame with an unrecognized type decodes to ErrUnknownType together with the
// envelope so the caller can log it; data is only checked for known types.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedEnvelope)
	}
	var w envelopeWire
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	env := &Envelope{Type: MessageType(*w.Type), Data: w.Data}
	if !env.Type.Valid() {
		return env, fmt.Errorf("%w: %q", ErrUnknownType, *w.Type)
	}
	data := bytes.TrimSpace(w.Data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("%w: data must be an object", ErrMalformedEnvelope)
	}
	env.Data = data
	return env, nil
}

// decodeState parses an object payload into a session state document.
func decodeState(data json.RawMessage) (sessiondomain.State, error) {
	var st sessiondomain.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if st == nil {
		st = sessiondomain.State{}
	}
	return st, nil
}
