package sessions

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutorlink/backend/internal/live"
	"github.com/tutorlink/backend/internal/models"
)

// Repository handles live_classes persistence. It doubles as the
// booking/session-metadata collaborator for the room registry.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a live classes repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ClassInfo implements live.Metadata: host, schedule and persisted status for
// a class at room creation time. Returns (nil, nil) when the class does not
// exist.
func (r *Repository) ClassInfo(ctx context.Context, sessionID string) (*live.ClassInfo, error) {
	const q = `SELECT id, host_id, title, status, scheduled_start, scheduled_end FROM live_classes WHERE id = $1`
	var info live.ClassInfo
	var status string
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(&info.SessionID, &info.HostID, &info.Title, &status, &info.ScheduledStart, &info.ScheduledEnd)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	info.Status = live.Status(status)
	return &info, nil
}

// Create inserts a scheduled class. In production the booking service writes
// this row; the endpoint exists for operability and tests.
func (r *Repository) Create(ctx context.Context, id, hostID, title string, start time.Time, end *time.Time) (*models.LiveClass, error) {
	const q = `INSERT INTO live_classes (id, host_id, title, scheduled_start, scheduled_end, status)
		VALUES ($1, $2, $3, $4, $5, 'scheduled')
		RETURNING id, host_id, title, scheduled_start, scheduled_end, status, transcript_key, created_at, updated_at`
	var c models.LiveClass
	err := r.pool.QueryRow(ctx, q, id, hostID, title, start, end).
		Scan(&c.ID, &c.HostID, &c.Title, &c.ScheduledStart, &c.ScheduledEnd, &c.Status, &c.TranscriptKey, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByID returns one class or nil when absent.
func (r *Repository) GetByID(ctx context.Context, id string) (*models.LiveClass, error) {
	const q = `SELECT id, host_id, title, scheduled_start, scheduled_end, status, transcript_key, created_at, updated_at
		FROM live_classes WHERE id = $1`
	var c models.LiveClass
	err := r.pool.QueryRow(ctx, q, id).
		Scan(&c.ID, &c.HostID, &c.Title, &c.ScheduledStart, &c.ScheduledEnd, &c.Status, &c.TranscriptKey, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// List returns classes ordered by scheduled start, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]models.LiveClass, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, host_id, title, scheduled_start, scheduled_end, status, transcript_key, created_at, updated_at
		 FROM live_classes ORDER BY scheduled_start DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.LiveClass
	for rows.Next() {
		var c models.LiveClass
		if err := rows.Scan(&c.ID, &c.HostID, &c.Title, &c.ScheduledStart, &c.ScheduledEnd, &c.Status, &c.TranscriptKey, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// UpdateStatus sets the persisted lifecycle status.
func (r *Repository) UpdateStatus(ctx context.Context, id, status string) error {
	const q = `UPDATE live_classes SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, status, id)
	return err
}

// UpdateTranscriptKey records the S3 key of the exported transcript.
func (r *Repository) UpdateTranscriptKey(ctx context.Context, id, key string) error {
	const q = `UPDATE live_classes SET transcript_key = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, key, id)
	return err
}
