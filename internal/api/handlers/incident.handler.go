package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/causeway/internal/broker"
	"github.com/platformbuilds/causeway/internal/models"
	"github.com/platformbuilds/causeway/internal/storage/postgres"
	"github.com/platformbuilds/causeway/pkg/logger"
)

// IncidentStore answers incident, suspect, and label queries.
type IncidentStore interface {
	ListIncidents(ctx context.Context, status string, limit int) ([]models.Incident, error)
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	AnomaliesForIncident(ctx context.Context, incidentID string) ([]models.Anomaly, error)
	SuspectsForIncident(ctx context.Context, incidentID string) ([]models.Suspect, error)
	GetSuspect(ctx context.Context, suspectID string) (*models.Suspect, error)
	InsertLabel(ctx context.Context, l *models.Label) (string, error)
}

// RCAProbe reports whether an RCA run is executing for an incident. It is nil
// when the RCA worker runs in a separate process.
type RCAProbe interface {
	InProgress(incidentID string) bool
}

type IncidentHandler struct {
	store    IncidentStore
	producer Publisher
	probe    RCAProbe
	activity ActivitySink
	logger   logger.Logger
}

func NewIncidentHandler(store IncidentStore, producer Publisher, probe RCAProbe, activity ActivitySink, log logger.Logger) *IncidentHandler {
	return &IncidentHandler{
		store:    store,
		producer: producer,
		probe:    probe,
		activity: activity,
		logger:   log,
	}
}

// GET /incidents?status=
func (h *IncidentHandler) ListIncidents(c *gin.Context) {
	status := c.Query("status")

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()
	incidents, err := h.store.ListIncidents(ctx, status, 250)
	if err != nil {
		h.logger.Error("Failed to list incidents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list incidents"})
		return
	}
	if incidents == nil {
		incidents = []models.Incident{}
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents})
}

// GET /incidents/:id
func (h *IncidentHandler) GetIncident(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()
	incident, err := h.store.GetIncident(ctx, c.Param("id"))
	if errors.Is(err, postgres.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get incident", "incident_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get incident"})
		return
	}
	c.JSON(http.StatusOK, incident)
}

// GET /incidents/:id/anomalies
func (h *IncidentHandler) GetIncidentAnomalies(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()
	anomalies, err := h.store.AnomaliesForIncident(ctx, c.Param("id"))
	if err != nil {
		h.logger.Error("Failed to get incident anomalies", "incident_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get anomalies"})
		return
	}
	if anomalies == nil {
		anomalies = []models.Anomaly{}
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": anomalies})
}

// GET /incidents/:id/suspects
func (h *IncidentHandler) GetIncidentSuspects(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()
	suspects, err := h.store.SuspectsForIncident(ctx, c.Param("id"))
	if err != nil {
		h.logger.Error("Failed to get incident suspects", "incident_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get suspects"})
		return
	}
	if suspects == nil {
		suspects = []models.Suspect{}
	}
	c.JSON(http.StatusOK, gin.H{"suspects": suspects})
}

// GET /incidents/:id/status
func (h *IncidentHandler) GetIncidentStatus(c *gin.Context) {
	incidentID := c.Param("id")

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()
	_, err := h.store.GetIncident(ctx, incidentID)
	if errors.Is(err, postgres.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get incident", "incident_id", incidentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get incident status"})
		return
	}

	suspects, err := h.store.SuspectsForIncident(ctx, incidentID)
	if err != nil {
		h.logger.Error("Failed to count suspects", "incident_id", incidentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get incident status"})
		return
	}

	rcaStatus := "not_started"
	switch {
	case h.probe != nil && h.probe.InProgress(incidentID):
		rcaStatus = "in_progress"
	case len(suspects) > 0:
		rcaStatus = "completed"
	}

	c.JSON(http.StatusOK, gin.H{
		"incident_id":    incidentID,
		"rca_status":     rcaStatus,
		"suspects_count": len(suspects),
	})
}

// POST /incidents/:id/rerun_rca
func (h *IncidentHandler) RerunRCA(c *gin.Context) {
	incidentID := c.Param("id")

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	incident, err := h.store.GetIncident(ctx, incidentID)
	cancel()
	if errors.Is(err, postgres.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get incident", "incident_id", incidentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to trigger RCA rerun"})
		return
	}

	endTS := incident.EndTS
	if endTS.IsZero() {
		endTS = time.Now().UTC()
	}
	req := models.RCARequest{
		IncidentID: incident.ID,
		StartTS:    incident.StartTS,
		EndTS:      endTS,
	}
	if err := h.producer.Publish(c.Request.Context(), broker.TopicRCARequests, incident.ID, req); err != nil {
		h.logger.Error("Failed to publish RCA request", "incident_id", incidentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to trigger RCA rerun"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "RCA rerun triggered"})
}

// POST /incidents/:id/label?suspect_id=&label=&labeler=&notes=
func (h *IncidentHandler) LabelSuspect(c *gin.Context) {
	incidentID := c.Param("id")
	suspectID := c.Query("suspect_id")
	if suspectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "suspect_id is required"})
		return
	}
	label, err := strconv.Atoi(c.Query("label"))
	if err != nil || (label != 0 && label != 1) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "label must be 0 or 1"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()

	if _, err := h.store.GetIncident(ctx, incidentID); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		h.logger.Error("Failed to get incident", "incident_id", incidentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record label"})
		return
	}

	suspect, err := h.store.GetSuspect(ctx, suspectID)
	if errors.Is(err, postgres.ErrNotFound) || (err == nil && suspect.IncidentID != incidentID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "suspect not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get suspect", "suspect_id", suspectID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record label"})
		return
	}

	_, err = h.store.InsertLabel(ctx, &models.Label{
		IncidentID: incidentID,
		SuspectID:  suspectID,
		Label:      label,
		Labeler:    c.Query("labeler"),
		Notes:      c.Query("notes"),
	})
	if err != nil {
		h.logger.Error("Failed to insert label", "incident_id", incidentID, "suspect_id", suspectID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record label"})
		return
	}

	h.activity.LogEvent(ctx, "suspect_score_updated", "",
		"Suspect labeled by operator", map[string]interface{}{
			"incident_id": incidentID,
			"suspect_id":  suspectID,
			"suspect_key": suspect.SuspectKey,
			"label":       label,
		})

	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "Label recorded"})
}
