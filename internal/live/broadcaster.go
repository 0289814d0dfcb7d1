package live

import "go.uber.org/zap"

// Sink is one client's outbound queue. Enqueue must not block: it reports
// false when the message could not be accepted (buffer full or connection
// closing), and the caller treats that as a per-connection delivery failure.
// A client that misses events recovers via log replay on reconnect.
type Sink interface {
	ConnectionID() string
	Enqueue(msg Message) bool
	// Close terminates the connection after draining queued messages.
	Close()
}

// broadcastLocked delivers a log event to every subscribed connection in the
// room except excludeConn, in append order. Per-room FIFO holds because this
// runs under the room mutex and each sink's queue preserves order. Failed
// delivery to one sink is logged and never aborts delivery to the rest.
func (s *Service) broadcastLocked(r *Room, ev *Event, excludeConn string) {
	msg := messageFor(ev)
	for connID, sink := range r.sinks {
		if connID == excludeConn {
			continue
		}
		if !sink.Enqueue(msg) {
			s.log.Warn("dropped event for slow connection",
				zap.String("room_id", r.ID),
				zap.String("connection_id", connID),
				zap.Uint64("seq", ev.ID),
				zap.String("event", msg.Event))
		}
	}
}

// appendAndBroadcastLocked is the single path pairing a state change with its
// event: assign sequence ID, append, fan out. No state change without an
// event, no event without the state change that produced it.
func (s *Service) appendAndBroadcastLocked(r *Room, senderID string, t EventType, payload interface{}, excludeConn string) *Event {
	ev := r.appendLocked(senderID, t, payload)
	s.broadcastLocked(r, ev, excludeConn)
	return ev
}
