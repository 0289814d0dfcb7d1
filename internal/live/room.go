package live

import (
	"encoding/json"
	"sync"
	"time"
)

// Status is the lifecycle state of a classroom. Transitions are monotonic:
// Scheduled -> Live -> Ended, no skips, no regression.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
	StatusEnded     Status = "ended"
)

// Role of a participant within a room, derived once at join time from the
// room's host ID and immutable thereafter.
type Role string

const (
	RoleHost     Role = "host"
	RoleAttendee Role = "attendee"
)

// Participant is the transient state of one connected user in a room. A user
// has at most one entry per room; reconnection replaces the old entry.
type Participant struct {
	UserID         string    `json:"user_id"`
	Role           Role      `json:"role"`
	ConnectionID   string    `json:"connection_id"`
	IsAudioEnabled bool      `json:"is_audio_enabled"`
	IsVideoEnabled bool      `json:"is_video_enabled"`
	IsScreenShare  bool      `json:"is_screen_sharing"`
	HandRaised     bool      `json:"hand_raised"`
	JoinedAt       time.Time `json:"joined_at"`
}

// Room is the in-memory state of one live class session. All mutation goes
// through Service methods holding mu; the log append and the state change it
// records are a single critical section, and no network I/O happens under mu.
type Room struct {
	ID     string
	HostID string

	mu           sync.Mutex
	status       Status
	participants map[string]*Participant
	joinOrder    []string
	log          []*Event
	nextSeq      uint64
	strokes      []StrokePayload // materialized whiteboard state
	sinks        map[string]Sink // connectionID -> outbound queue
	lastActivity time.Time
	flushStarted bool
	flushDone    bool
}

func newRoom(sessionID, hostID string) *Room {
	return &Room{
		ID:           sessionID,
		HostID:       hostID,
		status:       StatusScheduled,
		participants: make(map[string]*Participant),
		sinks:        make(map[string]Sink),
		lastActivity: time.Now(),
	}
}

// Status returns the room's current lifecycle state.
func (r *Room) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Participant returns a copy of the participant entry for userID, if present.
func (r *Room) Participant(userID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[userID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Roster returns participants in join order.
func (r *Room) Roster() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked()
}

func (r *Room) rosterLocked() []Participant {
	out := make([]Participant, 0, len(r.participants))
	for _, uid := range r.joinOrder {
		if p, ok := r.participants[uid]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// Replay returns an ordered copy of all events with ID greater than since.
// Pass 0 for the full log. The same arguments yield the same prefix as long
// as no concurrent append happened.
func (r *Room) Replay(since uint64) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replayLocked(since)
}

func (r *Room) replayLocked(since uint64) []*Event {
	if since >= r.nextSeq {
		return nil
	}
	// IDs are contiguous from 1, so the suffix starts at index since.
	idx := int(since)
	if idx > len(r.log) {
		idx = len(r.log)
	}
	out := make([]*Event, len(r.log)-idx)
	copy(out, r.log[idx:])
	return out
}

// Whiteboard returns a copy of the materialized stroke list. Folding the
// whiteboard events of Replay(0) in order yields the same list.
func (r *Room) Whiteboard() []StrokePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StrokePayload, len(r.strokes))
	copy(out, r.strokes)
	return out
}

// EventCount returns the number of appended events.
func (r *Room) EventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.log)
}

// appendLocked assigns the next sequence ID and appends the event in one
// step. Whiteboard events also update the materialized stroke list so a
// joining client gets a snapshot without refolding the full log.
func (r *Room) appendLocked(senderID string, t EventType, payload interface{}) *Event {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	r.nextSeq++
	ev := &Event{
		ID:        r.nextSeq,
		RoomID:    r.ID,
		SenderID:  senderID,
		Type:      t,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
	r.log = append(r.log, ev)
	r.lastActivity = time.Now()

	switch t {
	case EventWhiteboardStroke:
		if sp, ok := payload.(StrokePayload); ok {
			r.strokes = append(r.strokes, sp)
		}
	case EventWhiteboardClear:
		r.strokes = nil
	}
	return ev
}

// janitorView exposes what the registry janitor needs to decide eviction.
func (r *Room) janitorView() (empty, flushed bool, last time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sinks) == 0, r.flushDone, r.lastActivity
}

// FoldWhiteboard rebuilds the stroke list by replaying whiteboard events in
// order. The event log is the sole source of truth for whiteboard state.
func FoldWhiteboard(events []*Event) []StrokePayload {
	var strokes []StrokePayload
	for _, ev := range events {
		switch ev.Type {
		case EventWhiteboardStroke:
			var sp StrokePayload
			if err := json.Unmarshal(ev.Payload, &sp); err == nil {
				strokes = append(strokes, sp)
			}
		case EventWhiteboardClear:
			strokes = nil
		}
	}
	return strokes
}

// RoomState is the snapshot sent to a client when it joins (or rejoins) a
// room, before any further events are delivered.
type RoomState struct {
	RoomID       string          `json:"room_id"`
	HostID       string          `json:"host_id"`
	Status       Status          `json:"status"`
	Participants []Participant   `json:"participants"`
	Whiteboard   []StrokePayload `json:"whiteboard"`
	Events       []*Event        `json:"events"`
	LastSeq      uint64          `json:"last_seq"`
}

func (r *Room) snapshotLocked(since uint64) *RoomState {
	wb := make([]StrokePayload, len(r.strokes))
	copy(wb, r.strokes)
	return &RoomState{
		RoomID:       r.ID,
		HostID:       r.HostID,
		Status:       r.status,
		Participants: r.rosterLocked(),
		Whiteboard:   wb,
		Events:       r.replayLocked(since),
		LastSeq:      r.nextSeq,
	}
}
