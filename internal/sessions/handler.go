package sessions

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tutorlink/backend/internal/archive"
	"github.com/tutorlink/backend/internal/live"
	"github.com/tutorlink/backend/internal/presence"
	"github.com/tutorlink/backend/pkg/response"
)

// Handler exposes the REST surface around live classes: metadata, roster and
// archived transcripts. The real-time surface lives on /ws.
type Handler struct {
	repo     *Repository
	archive  *archive.Repository
	registry *live.Registry
	presence *presence.Store
	logger   *zap.Logger
}

// NewHandler creates a live classes handler. presence may be nil.
func NewHandler(repo *Repository, archiveRepo *archive.Repository, registry *live.Registry, pres *presence.Store, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, archive: archiveRepo, registry: registry, presence: pres, logger: logger}
}

type createRequest struct {
	ID             string     `json:"id" binding:"required"`
	HostID         string     `json:"host_id" binding:"required"`
	Title          string     `json:"title" binding:"required"`
	ScheduledStart time.Time  `json:"scheduled_start" binding:"required"`
	ScheduledEnd   *time.Time `json:"scheduled_end"`
}

// Create schedules a class. POST /classes (admin/tutor).
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	class, err := h.repo.Create(c.Request.Context(), req.ID, req.HostID, req.Title, req.ScheduledStart, req.ScheduledEnd)
	if err != nil {
		h.logger.Error("create class", zap.Error(err))
		response.Internal(c, "could not create class")
		return
	}
	response.Created(c, class)
}

// List returns recent classes. GET /classes
func (h *Handler) List(c *gin.Context) {
	list, err := h.repo.List(c.Request.Context(), 50)
	if err != nil {
		response.Internal(c, "could not list classes")
		return
	}
	response.OK(c, list)
}

// GetByID returns one class. GET /classes/:id
func (h *Handler) GetByID(c *gin.Context) {
	class, err := h.repo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Internal(c, "could not load class")
		return
	}
	if class == nil {
		response.NotFound(c, "class not found")
		return
	}
	response.OK(c, class)
}

// Roster returns the live participant list. Served from the local room when
// this instance owns it, falling back to the Redis presence mirror.
// GET /classes/:id/roster
func (h *Handler) Roster(c *gin.Context) {
	id := c.Param("id")
	if room, err := h.registry.Get(id); err == nil {
		response.OK(c, gin.H{"status": room.Status(), "participants": room.Roster()})
		return
	}
	if h.presence != nil {
		roster, err := h.presence.Roster(c.Request.Context(), id)
		if err == nil && len(roster) > 0 {
			response.OK(c, gin.H{"participants": roster})
			return
		}
	}
	response.NotFound(c, "no live room for class")
}

// Events returns the archived event log of an ended class.
// GET /classes/:id/events
func (h *Handler) Events(c *gin.Context) {
	events, err := h.archive.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Internal(c, "could not load events")
		return
	}
	if len(events) == 0 {
		response.NotFound(c, "no archived events for class")
		return
	}
	response.OK(c, events)
}
