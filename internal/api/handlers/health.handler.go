package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/causeway/pkg/logger"
)

// Pinger probes one backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	deps   map[string]Pinger
	logger logger.Logger
}

// NewHealthHandler takes the dependencies to probe, keyed by the name they
// report under. Nil entries are skipped.
func NewHealthHandler(deps map[string]Pinger, log logger.Logger) *HealthHandler {
	return &HealthHandler{deps: deps, logger: log}
}

// GET /health — 200 when every dependency answers, 503 otherwise, with a
// per-dependency status string either way.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.deps))
	for name, dep := range h.deps {
		if dep != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		if err := h.deps[name].Ping(ctx); err != nil {
			checks[name] = "unhealthy: " + err.Error()
			healthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":    status,
		"service":   "causeway",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
