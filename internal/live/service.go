package live

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Flusher is the persistence collaborator. Flush receives the full ordered
// event log of an ended class and is invoked once per session.
type Flusher interface {
	Flush(ctx context.Context, sessionID string, events []*Event) error
}

// Presence mirrors the live roster to a shared store so other instances can
// answer roster reads. Calls happen off the room lock; errors are logged by
// the implementation and never surfaced to clients.
type Presence interface {
	SetJoined(ctx context.Context, sessionID string, p Participant)
	SetLeft(ctx context.Context, sessionID, userID string)
	Clear(ctx context.Context, sessionID string)
}

// Exporter enqueues post-class work (transcript export to object storage)
// after a successful flush.
type Exporter interface {
	EnqueueTranscriptExport(ctx context.Context, sessionID string) error
}

// StatusRecorder mirrors lifecycle transitions to the class row so REST reads
// agree with the live room. Best-effort; the in-memory status is
// authoritative for gate checks.
type StatusRecorder interface {
	UpdateStatus(ctx context.Context, id, status string) error
}

// ServiceOptions tune lifecycle behavior.
type ServiceOptions struct {
	// FlushAttempts is how many times the end-of-class flush is tried before
	// the failure is surfaced as an operator alert.
	FlushAttempts int
	// FlushBackoff is the initial delay between flush retries; doubled each
	// attempt.
	FlushBackoff time.Duration
}

func (o *ServiceOptions) withDefaults() {
	if o.FlushAttempts <= 0 {
		o.FlushAttempts = 3
	}
	if o.FlushBackoff <= 0 {
		o.FlushBackoff = 2 * time.Second
	}
}

// Service coordinates every mutating operation on live rooms: joins, leaves,
// flag toggles, chat, whiteboard, and the class lifecycle. Each operation
// authorizes the sender, applies the state change and log append atomically
// under the room mutex, and fans the event out before returning.
type Service struct {
	registry *Registry
	flusher  Flusher
	presence Presence
	exporter Exporter
	status   StatusRecorder
	opts     ServiceOptions
	log      *zap.Logger
}

// NewService creates the live classroom service. presence and exporter may
// be nil when the deployment runs without Redis or object storage.
func NewService(registry *Registry, flusher Flusher, presence Presence, exporter Exporter, opts ServiceOptions, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.withDefaults()
	return &Service{
		registry: registry,
		flusher:  flusher,
		presence: presence,
		exporter: exporter,
		opts:     opts,
		log:      logger,
	}
}

// Registry exposes the room registry for read-side handlers.
func (s *Service) Registry() *Registry { return s.registry }

// SetStatusRecorder wires the optional class-row status mirror.
func (s *Service) SetStatusRecorder(rec StatusRecorder) { s.status = rec }

func (s *Service) recordStatus(sessionID string, status Status) {
	if s.status == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.status.UpdateStatus(ctx, sessionID, string(status)); err != nil {
			s.log.Warn("status mirror update failed",
				zap.String("session_id", sessionID),
				zap.String("status", string(status)),
				zap.Error(err))
		}
	}()
}

// Join registers a connection in the room and returns the snapshot the
// client must receive before it is considered caught up. If the user already
// has a participant entry (page refresh, stale connection) the old entry is
// replaced: observers see leave-then-join, never two entries for one user.
// Transient flags reset on rejoin. since is a client-supplied replay
// watermark; 0 requests the full log.
func (s *Service) Join(ctx context.Context, r *Room, userID string, sink Sink, since uint64) (*RoomState, error) {
	connID := sink.ConnectionID()

	r.mu.Lock()
	if r.status == StatusEnded {
		r.mu.Unlock()
		return nil, ErrInvalidState
	}

	var staleSink Sink
	if old, ok := r.participants[userID]; ok {
		staleSink = r.sinks[old.ConnectionID]
		delete(r.sinks, old.ConnectionID)
		delete(r.participants, userID)
		s.appendAndBroadcastLocked(r, userID, EventLeave, PresencePayload{
			UserID: userID, Role: old.Role, Reason: LeaveReasonReplaced,
		}, connID)
	} else {
		r.joinOrder = append(r.joinOrder, userID)
	}

	role := RoleAttendee
	if userID == r.HostID {
		role = RoleHost
	}
	p := &Participant{
		UserID:       userID,
		Role:         role,
		ConnectionID: connID,
		JoinedAt:     time.Now().UTC(),
	}
	r.participants[userID] = p

	// Register the sink before appending the join event so the snapshot and
	// all subsequent events share one FIFO queue: the client can never see
	// an event that precedes its snapshot.
	r.sinks[connID] = sink
	s.appendAndBroadcastLocked(r, userID, EventJoin, PresencePayload{UserID: userID, Role: role}, connID)
	state := r.snapshotLocked(since)
	// The snapshot goes through the sink's own queue so the client can never
	// receive an event appended after the snapshot before the snapshot itself.
	if data, err := json.Marshal(state); err == nil {
		sink.Enqueue(Message{Event: OutRoomState, Data: data})
	}
	part := *p
	r.mu.Unlock()

	if staleSink != nil {
		staleSink.Close()
	}
	if s.presence != nil {
		s.presence.SetJoined(ctx, r.ID, part)
	}
	s.log.Info("participant joined",
		zap.String("session_id", r.ID),
		zap.String("user_id", userID),
		zap.String("role", string(role)),
		zap.String("connection_id", connID))
	return state, nil
}

// Leave removes the participant owning connID. A mismatched connID means the
// signal belongs to an already-replaced connection and is silently ignored,
// so out-of-order disconnect signals can never evict a fresh connection.
// reason is recorded in the leave event.
func (s *Service) Leave(ctx context.Context, r *Room, userID, connID, reason string) error {
	r.mu.Lock()
	p, ok := r.participants[userID]
	if !ok || p.ConnectionID != connID {
		delete(r.sinks, connID) // superseded queue may still be registered
		r.mu.Unlock()
		return ErrStaleConnection
	}
	delete(r.participants, userID)
	delete(r.sinks, connID)
	for i, uid := range r.joinOrder {
		if uid == userID {
			r.joinOrder = append(r.joinOrder[:i], r.joinOrder[i+1:]...)
			break
		}
	}
	s.appendAndBroadcastLocked(r, userID, EventLeave, PresencePayload{
		UserID: userID, Role: p.Role, Reason: reason,
	}, connID)
	r.mu.Unlock()

	if s.presence != nil {
		s.presence.SetLeft(ctx, r.ID, userID)
	}
	s.log.Info("participant left",
		zap.String("session_id", r.ID),
		zap.String("user_id", userID),
		zap.String("reason", reason))
	return nil
}

// SendChat appends and broadcasts a chat message from senderID.
func (s *Service) SendChat(r *Room, senderID string, msg ChatPayload) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := s.checkOpenLocked(r); err != nil {
		return nil, err
	}
	if err := authorizeLocked(r, senderID, ActionChat, ""); err != nil {
		return nil, err
	}
	return s.appendAndBroadcastLocked(r, senderID, EventChat, msg, ""), nil
}

// RaiseHand toggles the sender's hand-raise flag.
func (s *Service) RaiseHand(r *Room, senderID string, raised bool) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := s.checkOpenLocked(r); err != nil {
		return nil, err
	}
	if err := authorizeLocked(r, senderID, ActionHandRaise, ""); err != nil {
		return nil, err
	}
	r.participants[senderID].HandRaised = raised
	return s.appendAndBroadcastLocked(r, senderID, EventHandRaise, HandRaisePayload{
		UserID: senderID, Raised: raised,
	}, ""), nil
}

// ToggleMedia sets targetID's audio or video flag. Self-toggles are always
// allowed; toggling another participant is host-only and limited to forcing
// the flag off (mute), never on.
func (s *Service) ToggleMedia(r *Room, senderID, targetID, kind string, enabled bool) (*Event, error) {
	if targetID == "" {
		targetID = senderID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := s.checkOpenLocked(r); err != nil {
		return nil, err
	}
	if err := authorizeLocked(r, senderID, ActionMediaToggle, targetID); err != nil {
		return nil, err
	}
	target, ok := r.participants[targetID]
	if !ok {
		return nil, ErrNotFound
	}
	if targetID != senderID && enabled {
		// Host may mute others but never force a device on.
		return nil, ErrUnauthorized
	}
	switch kind {
	case MediaKindAudio:
		target.IsAudioEnabled = enabled
	case MediaKindVideo:
		target.IsVideoEnabled = enabled
	default:
		return nil, ErrInvalidArgument
	}
	return s.appendAndBroadcastLocked(r, senderID, EventMediaToggle, MediaTogglePayload{
		UserID: targetID, Kind: kind, Enabled: enabled,
	}, ""), nil
}

// SetScreenShare starts or stops the sender's screen share.
func (s *Service) SetScreenShare(r *Room, senderID string, active bool) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := s.checkOpenLocked(r); err != nil {
		return nil, err
	}
	if err := authorizeLocked(r, senderID, ActionScreenShare, ""); err != nil {
		return nil, err
	}
	r.participants[senderID].IsScreenShare = active
	return s.appendAndBroadcastLocked(r, senderID, EventScreenShare, ScreenSharePayload{
		UserID: senderID, Active: active,
	}, ""), nil
}

// WhiteboardStroke appends a stroke to the shared whiteboard.
func (s *Service) WhiteboardStroke(r *Room, senderID string, stroke StrokePayload) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := s.checkOpenLocked(r); err != nil {
		return nil, err
	}
	if err := authorizeLocked(r, senderID, ActionWhiteboard, ""); err != nil {
		return nil, err
	}
	return s.appendAndBroadcastLocked(r, senderID, EventWhiteboardStroke, stroke, ""), nil
}

// WhiteboardClear wipes the shared whiteboard.
func (s *Service) WhiteboardClear(r *Room, senderID string) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := s.checkOpenLocked(r); err != nil {
		return nil, err
	}
	if err := authorizeLocked(r, senderID, ActionWhiteboard, ""); err != nil {
		return nil, err
	}
	return s.appendAndBroadcastLocked(r, senderID, EventWhiteboardClear, nil, ""), nil
}

// checkOpenLocked rejects actions on an ended room. Chat and whiteboard are
// allowed while Scheduled (pre-class lobby) and Live.
func (s *Service) checkOpenLocked(r *Room) error {
	if r.status == StatusEnded {
		return ErrInvalidState
	}
	return nil
}
