package models

import "time"

// Class lifecycle status values persisted in live_classes.status.
const (
	ClassStatusScheduled = "scheduled"
	ClassStatusLive      = "live"
	ClassStatusEnded     = "ended"
)

// LiveClass is the booking-system record for one scheduled live session.
// The booking service writes these rows; the signaling core reads host and
// schedule at room creation and updates status/transcript on end.
type LiveClass struct {
	ID             string     `json:"id"`
	HostID         string     `json:"host_id"`
	Title          string     `json:"title"`
	ScheduledStart time.Time  `json:"scheduled_start"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`
	Status         string     `json:"status"`
	TranscriptKey  *string    `json:"transcript_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
