package models

import (
	"encoding/json"
	"time"
)

// SessionEvent is one archived event-log row in session_events, written by
// the end-of-class flush. (session_id, seq) is the primary key; seq values
// for a session form a contiguous run starting at 1.
type SessionEvent struct {
	SessionID  string          `json:"session_id"`
	Seq        uint64          `json:"seq"`
	SenderID   string          `json:"sender_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}
