package live

import (
	"encoding/json"
	"time"
)

// EventType identifies a state-changing event in a classroom.
type EventType string

const (
	EventChat             EventType = "chat"
	EventWhiteboardStroke EventType = "whiteboard_stroke"
	EventWhiteboardClear  EventType = "whiteboard_clear"
	EventMediaToggle      EventType = "media_toggle"
	EventHandRaise        EventType = "hand_raise"
	EventScreenShare      EventType = "screen_share"
	EventJoin             EventType = "join"
	EventLeave            EventType = "leave"
	EventSessionStart     EventType = "session_start"
	EventSessionEnd       EventType = "session_end"
)

// Event is one immutable entry in a room's append-only log. IDs are
// assigned per room, strictly increasing with no gaps.
type Event struct {
	ID        uint64          `json:"id"`
	RoomID    string          `json:"room_id"`
	SenderID  string          `json:"sender_id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ChatPayload is the payload of a chat event.
type ChatPayload struct {
	Content     string          `json:"content"`
	ContentType string          `json:"content_type"` // "text", "emoji", "file"
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Point is a single whiteboard coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// StrokePayload is the payload of a whiteboard_stroke event.
type StrokePayload struct {
	Points    []Point `json:"points"`
	Color     string  `json:"color"`
	Thickness float64 `json:"thickness"`
}

// MediaTogglePayload is the payload of a media_toggle event. UserID is the
// participant whose device state changed (not necessarily the sender).
type MediaTogglePayload struct {
	UserID  string `json:"user_id"`
	Kind    string `json:"kind"` // "audio" or "video"
	Enabled bool   `json:"enabled"`
}

// HandRaisePayload is the payload of a hand_raise event.
type HandRaisePayload struct {
	UserID string `json:"user_id"`
	Raised bool   `json:"raised"`
}

// ScreenSharePayload is the payload of a screen_share event.
type ScreenSharePayload struct {
	UserID string `json:"user_id"`
	Active bool   `json:"active"`
}

// PresencePayload is the payload of join and leave events.
type PresencePayload struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
	Reason string `json:"reason,omitempty"` // leave only: "disconnect", "replaced", "timeout", "class_ended"
}

const (
	MediaKindAudio = "audio"
	MediaKindVideo = "video"
)

// Leave reasons recorded in the event log.
const (
	LeaveReasonDisconnect = "disconnect"
	LeaveReasonReplaced   = "replaced"
	LeaveReasonTimeout    = "timeout"
	LeaveReasonClassEnded = "class_ended"
)

// Outbound event names pushed to connected clients.
const (
	OutUserJoined         = "user_joined"
	OutUserLeft           = "user_left"
	OutNewMessage         = "new_message"
	OutHandRaised         = "hand_raised"
	OutAudioStateChanged  = "audio_state_changed"
	OutVideoStateChanged  = "video_state_changed"
	OutScreenShareStarted = "screen_share_started"
	OutScreenShareStopped = "screen_share_stopped"
	OutWhiteboardUpdate   = "whiteboard_update"
	OutClassStarted       = "class_started"
	OutClassEnded         = "class_ended"
	OutRoomState          = "room_state"
	OutError              = "error"
)

// outboundName maps a log event to the client-facing event name.
func outboundName(ev *Event) string {
	switch ev.Type {
	case EventChat:
		return OutNewMessage
	case EventWhiteboardStroke, EventWhiteboardClear:
		return OutWhiteboardUpdate
	case EventHandRaise:
		return OutHandRaised
	case EventMediaToggle:
		var p MediaTogglePayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil && p.Kind == MediaKindVideo {
			return OutVideoStateChanged
		}
		return OutAudioStateChanged
	case EventScreenShare:
		var p ScreenSharePayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil && !p.Active {
			return OutScreenShareStopped
		}
		return OutScreenShareStarted
	case EventJoin:
		return OutUserJoined
	case EventLeave:
		return OutUserLeft
	case EventSessionStart:
		return OutClassStarted
	case EventSessionEnd:
		return OutClassEnded
	}
	return string(ev.Type)
}

// Message is the envelope pushed to clients over the WebSocket.
type Message struct {
	Event string          `json:"event"`
	Seq   uint64          `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// messageFor wraps a log event into its outbound envelope.
func messageFor(ev *Event) Message {
	data, _ := json.Marshal(ev)
	return Message{Event: outboundName(ev), Seq: ev.ID, Data: data}
}
