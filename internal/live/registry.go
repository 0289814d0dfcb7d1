package live

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ClassInfo is what the booking/session-metadata collaborator supplies for a
// class at room creation time. Status is the persisted lifecycle status; an
// ended class must never come back as a fresh room.
type ClassInfo struct {
	SessionID      string
	HostID         string
	Title          string
	Status         Status
	ScheduledStart time.Time
	ScheduledEnd   *time.Time
}

// Metadata looks up class metadata when a room is first created. Implemented
// by the sessions repository; a missing class means no room is created.
type Metadata interface {
	ClassInfo(ctx context.Context, sessionID string) (*ClassInfo, error)
}

// Registry owns the process-wide sessionID -> Room map. Rooms are created
// lazily on first connection attempt. Creation is single-winner per key:
// concurrent GetOrCreate calls for an unseen key share one metadata fetch
// and one Room; calls for distinct keys do not contend.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*roomEntry
	meta  Metadata
	log   *zap.Logger
}

// roomEntry is either a ready room or a creation in flight. Waiters block on
// done rather than on the registry lock, so a slow metadata fetch for one
// key never stalls lookups for other keys.
type roomEntry struct {
	room *Room
	err  error
	done chan struct{}
}

// NewRegistry creates a room registry backed by the given metadata source.
func NewRegistry(meta Metadata, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms: make(map[string]*roomEntry),
		meta:  meta,
		log:   logger,
	}
}

// GetOrCreate returns the live room for sessionID, creating it if absent.
// Idempotent per key: concurrent callers for the same unseen key observe
// exactly one Room instance.
func (g *Registry) GetOrCreate(ctx context.Context, sessionID string) (*Room, error) {
	g.mu.Lock()
	if e, ok := g.rooms[sessionID]; ok {
		g.mu.Unlock()
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.room, nil
	}
	e := &roomEntry{done: make(chan struct{})}
	g.rooms[sessionID] = e
	g.mu.Unlock()

	info, err := g.meta.ClassInfo(ctx, sessionID)
	if err == nil && info == nil {
		err = ErrNotFound
	}
	if err == nil && info.Status == StatusEnded {
		// Ended is terminal: a late connect must not resurrect the session as
		// a fresh room and trigger a second flush of the same sessionID.
		err = ErrInvalidState
	}
	if err != nil {
		e.err = err
		close(e.done)
		g.mu.Lock()
		delete(g.rooms, sessionID) // failed creation must not poison the key
		g.mu.Unlock()
		return nil, err
	}

	e.room = newRoom(info.SessionID, info.HostID)
	if info.Status == StatusLive {
		// Process restart mid-class: the room resumes Live so the host does
		// not have to start it again.
		e.room.status = StatusLive
	}
	close(e.done)
	g.log.Info("room created",
		zap.String("session_id", sessionID),
		zap.String("host_id", info.HostID))
	return e.room, nil
}

// Get returns the room for sessionID or ErrNotFound. It never resurrects a
// removed room.
func (g *Registry) Get(sessionID string) (*Room, error) {
	g.mu.Lock()
	e, ok := g.rooms[sessionID]
	g.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	select {
	case <-e.done:
	default:
		return nil, ErrNotFound // still being created
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.room, nil
}

// Remove evicts a room. Called by the lifecycle after the ended room's log
// has been flushed, and by the janitor for idle rooms.
func (g *Registry) Remove(sessionID string) {
	g.mu.Lock()
	_, ok := g.rooms[sessionID]
	if ok {
		delete(g.rooms, sessionID)
	}
	g.mu.Unlock()
	if ok {
		g.log.Info("room removed", zap.String("session_id", sessionID))
	}
}

// Len returns the number of registered rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// RunJanitor evicts rooms that have been idle (no connections) longer than
// idleTimeout, and ended rooms whose flush completed. Blocks until ctx is
// done.
func (g *Registry) RunJanitor(ctx context.Context, idleTimeout, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep(idleTimeout)
		}
	}
}

func (g *Registry) sweep(idleTimeout time.Duration) {
	g.mu.Lock()
	candidates := make(map[string]*roomEntry, len(g.rooms))
	for id, e := range g.rooms {
		candidates[id] = e
	}
	g.mu.Unlock()

	now := time.Now()
	for id, e := range candidates {
		select {
		case <-e.done:
		default:
			continue
		}
		if e.room == nil {
			continue
		}
		empty, flushed, last := e.room.janitorView()
		if flushed || (empty && now.Sub(last) > idleTimeout) {
			g.Remove(id)
			g.log.Info("room evicted",
				zap.String("session_id", id),
				zap.Bool("flushed", flushed))
		}
	}
}
