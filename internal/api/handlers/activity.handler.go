package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/causeway/internal/models"
	"github.com/platformbuilds/causeway/pkg/logger"
)

const defaultEventLimit = 250

// ActivityStore reads back the sliding activity log.
type ActivityStore interface {
	GetEvents(ctx context.Context, since time.Time, limit int, eventType, service string) ([]models.ActivityEvent, error)
	GetRecentEvents(ctx context.Context, limit int) ([]models.ActivityEvent, error)
}

type ActivityHandler struct {
	store  ActivityStore
	logger logger.Logger
}

func NewActivityHandler(store ActivityStore, log logger.Logger) *ActivityHandler {
	return &ActivityHandler{store: store, logger: log}
}

// GET /activity/events?since=&limit=&event_type=&service=
func (h *ActivityHandler) GetEvents(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since timestamp, use RFC 3339"})
			return
		}
		since = parsed
	}

	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	events, err := h.store.GetEvents(c.Request.Context(), since, limit, c.Query("event_type"), c.Query("service"))
	if err != nil {
		h.logger.Error("Failed to get activity events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get events"})
		return
	}
	if events == nil {
		events = []models.ActivityEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GET /activity/events/recent?limit=
func (h *ActivityHandler) GetRecentEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	events, err := h.store.GetRecentEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to get recent events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get recent events"})
		return
	}
	if events == nil {
		events = []models.ActivityEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
