package live

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartClass transitions the room from Scheduled to Live. Host-only. The
// session_start event is appended and broadcast as part of the transition.
func (s *Service) StartClass(r *Room, requesterID string) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := authorizeLocked(r, requesterID, ActionStartClass, ""); err != nil {
		return nil, err
	}
	if r.status != StatusScheduled {
		return nil, ErrInvalidState
	}
	r.status = StatusLive
	ev := s.appendAndBroadcastLocked(r, requesterID, EventSessionStart, nil, "")
	s.recordStatus(r.ID, StatusLive)
	s.log.Info("class started",
		zap.String("session_id", r.ID),
		zap.String("host_id", r.HostID))
	return ev, nil
}

// EndClass transitions the room from Live to Ended. Host-only. On success it
// appends and broadcasts session_end, force-terminates every connection
// (each sink drains its queue, so clients receive the event first), then
// flushes the event log to the persistence collaborator in the background.
// The Ended transition is authoritative: it is not rolled back if the flush
// is still retrying. A second call fails with ErrInvalidState and never
// re-flushes.
func (s *Service) EndClass(ctx context.Context, r *Room, requesterID string) (*Event, error) {
	r.mu.Lock()
	if err := authorizeLocked(r, requesterID, ActionEndClass, ""); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if r.status != StatusLive || r.flushStarted {
		r.mu.Unlock()
		return nil, ErrInvalidState
	}
	r.status = StatusEnded
	r.flushStarted = true

	ev := s.appendAndBroadcastLocked(r, requesterID, EventSessionEnd, nil, "")

	sinks := make([]Sink, 0, len(r.sinks))
	for _, sink := range r.sinks {
		sinks = append(sinks, sink)
	}
	r.sinks = make(map[string]Sink)
	r.participants = make(map[string]*Participant)
	r.joinOrder = nil
	events := r.replayLocked(0)
	r.mu.Unlock()

	for _, sink := range sinks {
		sink.Close()
	}
	if s.presence != nil {
		s.presence.Clear(ctx, r.ID)
	}
	s.recordStatus(r.ID, StatusEnded)
	s.log.Info("class ended",
		zap.String("session_id", r.ID),
		zap.Int("events", len(events)))

	go s.flushWithRetry(r, events)
	return ev, nil
}

// flushWithRetry persists the ended class's event log, retrying with
// exponential backoff. Exhausted retries are surfaced as an error log for
// operators; the room stays Ended either way. On success the transcript
// export job is enqueued and the room is removed from the registry.
func (s *Service) flushWithRetry(r *Room, events []*Event) {
	backoff := s.opts.FlushBackoff
	var lastErr error
	for attempt := 1; attempt <= s.opts.FlushAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		lastErr = s.flusher.Flush(ctx, r.ID, events)
		cancel()
		if lastErr == nil {
			r.mu.Lock()
			r.flushDone = true
			r.mu.Unlock()
			if s.exporter != nil {
				if err := s.exporter.EnqueueTranscriptExport(context.Background(), r.ID); err != nil {
					s.log.Warn("transcript export enqueue failed",
						zap.String("session_id", r.ID), zap.Error(err))
				}
			}
			s.registry.Remove(r.ID)
			s.log.Info("event log flushed",
				zap.String("session_id", r.ID),
				zap.Int("events", len(events)),
				zap.Int("attempt", attempt))
			return
		}
		s.log.Warn("event log flush failed",
			zap.String("session_id", r.ID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt < s.opts.FlushAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	s.log.Error("event log flush exhausted retries, events not persisted",
		zap.String("session_id", r.ID),
		zap.Int("events", len(events)),
		zap.Error(lastErr))
}
