package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutorlink/backend/internal/live"
	"github.com/tutorlink/backend/internal/models"
)

// Repository is the persistence collaborator for ended classes: it receives
// the full ordered event log exactly once per session.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session event archive repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Flush implements live.Flusher: batch-inserts the ordered event log. The
// insert is idempotent on (session_id, seq) so a retry after a partial
// failure cannot duplicate rows.
func (r *Repository) Flush(ctx context.Context, sessionID string, events []*live.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	const q = `INSERT INTO session_events (session_id, seq, sender_id, type, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, seq) DO NOTHING`
	for _, ev := range events {
		batch.Queue(q, sessionID, ev.ID, ev.SenderID, string(ev.Type), ev.Payload, ev.Timestamp)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("archive flush %s: %w", sessionID, err)
		}
	}
	return nil
}

// ListBySession returns the archived log in sequence order.
func (r *Repository) ListBySession(ctx context.Context, sessionID string) ([]models.SessionEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, seq, sender_id, type, payload, occurred_at
		 FROM session_events WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.SessionEvent
	for rows.Next() {
		var ev models.SessionEvent
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &ev.SenderID, &ev.Type, &ev.Payload, &ev.OccurredAt); err != nil {
			return nil, err
		}
		list = append(list, ev)
	}
	return list, rows.Err()
}
