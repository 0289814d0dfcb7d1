// Package presence mirrors live rosters to Redis so REST instances that do
// not own a room can still answer roster reads.
package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tutorlink/backend/internal/live"
)

const (
	keyPrefix = "presence:class:"
	rosterTTL = 6 * time.Hour
	opTimeout = 2 * time.Second
)

// Store keeps one Redis hash per class: userID -> participant JSON. Writes
// are best-effort; the in-memory room remains the source of truth.
type Store struct {
	client *redis.Client
	logger *zap.Logger
}

// NewStore creates a Redis-backed presence mirror.
func NewStore(client *redis.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, logger: logger}
}

func key(sessionID string) string { return keyPrefix + sessionID }

// SetJoined implements live.Presence.
func (s *Store) SetJoined(ctx context.Context, sessionID string, p live.Participant) {
	body, err := json.Marshal(p)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(sessionID), p.UserID, body)
	pipe.Expire(ctx, key(sessionID), rosterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("presence set failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// SetLeft implements live.Presence.
func (s *Store) SetLeft(ctx context.Context, sessionID, userID string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.client.HDel(ctx, key(sessionID), userID).Err(); err != nil {
		s.logger.Warn("presence del failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Clear implements live.Presence. Called when a class ends.
func (s *Store) Clear(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.client.Del(ctx, key(sessionID)).Err(); err != nil {
		s.logger.Warn("presence clear failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Roster reads the mirrored roster for a class. Used by REST handlers when
// the room lives on another instance.
func (s *Store) Roster(ctx context.Context, sessionID string) ([]live.Participant, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	entries, err := s.client.HGetAll(ctx, key(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]live.Participant, 0, len(entries))
	for _, raw := range entries {
		var p live.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
