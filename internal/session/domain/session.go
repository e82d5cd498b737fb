package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Session is the durable record of one real-time connection.
// EndAt is nil while the connection is active and set exactly once when it terminates.
type Session struct {
	ID            string
	UserID        string
	FingerprintID string
	IP            string
	Location      string // resolved at connect; never updated
	StartAt       time.Time
	EndAt         *time.Time
	State         State
}

// Active reports whether the session has not been terminated.
func (s *Session) Active() bool {
	return s != nil && s.EndAt == nil
}

// State is the open-ended document a session accumulates through protocol messages.
type State map[string]any

// RoomKey is the state key read by room-scoped broadcasts.
const RoomKey = "room_id"

// Clone returns a shallow copy. Nested values are shared.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns a copy of s with every top-level key of patch overwriting the same key in s.
// Keys only present in s are kept. Nested objects are replaced, not merged.
func (s State) Merge(patch State) State {
	out := s.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// RoomID returns state.room_id rendered the way Postgres renders `state ->> 'room_id'`, or "" when
// absent or null. The value is not validated. Numbers use plain decimal notation, never an exponent.
func (s State) RoomID() string {
	v, ok := s[RoomKey]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}
