package handlers

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/causeway/internal/broker"
	"github.com/platformbuilds/causeway/internal/models"
	"github.com/platformbuilds/causeway/internal/monitoring"
	"github.com/platformbuilds/causeway/pkg/logger"
)

const (
	storeTimeout = 5 * time.Second

	// metricsEventThreshold batches activity noise: only ingests of this
	// size or larger get an activity event.
	metricsEventThreshold = 10
)

// identifierRE constrains service and metric names. Everything downstream
// treats these as trusted identifiers, so they are validated at the edge.
var identifierRE = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// TimeseriesStore persists raw telemetry.
type TimeseriesStore interface {
	InsertMetrics(ctx context.Context, points []models.MetricPoint) error
	InsertLogs(ctx context.Context, entries []models.LogEntry) error
}

// CatalogStore persists change-catalog rows.
type CatalogStore interface {
	InsertDeployment(ctx context.Context, d *models.Deployment) (string, error)
	InsertConfigChange(ctx context.Context, cc *models.ConfigChange) (string, error)
	InsertFlagChange(ctx context.Context, fc *models.FlagChange) (string, error)
}

// Publisher enqueues broker messages.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, v interface{}) error
}

// ActivitySink records activity events.
type ActivitySink interface {
	LogEvent(ctx context.Context, eventType, service, message string, metadata map[string]interface{})
}

type IngestHandler struct {
	timeseries TimeseriesStore
	catalog    CatalogStore
	producer   Publisher
	activity   ActivitySink
	logger     logger.Logger
}

func NewIngestHandler(timeseries TimeseriesStore, catalog CatalogStore, producer Publisher, activity ActivitySink, log logger.Logger) *IngestHandler {
	return &IngestHandler{
		timeseries: timeseries,
		catalog:    catalog,
		producer:   producer,
		activity:   activity,
		logger:     log,
	}
}

type metricsIngestRequest struct {
	Points []models.MetricPoint `json:"points"`
}

type logsIngestRequest struct {
	Entries []models.LogEntry `json:"entries"`
}

// POST /ingest/metrics
func (h *IngestHandler) IngestMetrics(c *gin.Context) {
	var req metricsIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Points) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no points provided"})
		return
	}
	for i, p := range req.Points {
		if err := validatePoint(p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("point %d: %s", i, err)})
			return
		}
	}

	ctx := c.Request.Context()
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	err := h.timeseries.InsertMetrics(storeCtx, req.Points)
	cancel()
	if err != nil {
		h.logger.Error("Failed to insert metrics", "count", len(req.Points), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest metrics"})
		return
	}

	for _, p := range req.Points {
		if err := h.producer.Publish(ctx, broker.TopicMetricsRaw, p.Service, p); err != nil {
			h.logger.Error("Failed to publish metric point",
				"service", p.Service, "metric", p.Metric, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest metrics"})
			return
		}
	}

	monitoring.RecordIngestedPoints(len(req.Points))

	if len(req.Points) >= metricsEventThreshold {
		services := distinctServices(req.Points)
		service := ""
		if len(services) == 1 {
			service = services[0]
		}
		h.activity.LogEvent(ctx, "metrics_ingested", service,
			fmt.Sprintf("Ingested %d metric points", len(req.Points)),
			map[string]interface{}{"count": len(req.Points), "services": services})
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "count": len(req.Points)})
}

// POST /ingest/logs
func (h *IngestHandler) IngestLogs(c *gin.Context) {
	var req logsIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Entries) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no entries provided"})
		return
	}
	for i, e := range req.Entries {
		if !identifierRE.MatchString(e.Service) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("entry %d: invalid service name", i)})
			return
		}
		if e.TS.IsZero() || e.Level == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("entry %d: ts and level are required", i)})
			return
		}
	}

	ctx := c.Request.Context()
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	err := h.timeseries.InsertLogs(storeCtx, req.Entries)
	cancel()
	if err != nil {
		h.logger.Error("Failed to insert logs", "count", len(req.Entries), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest logs"})
		return
	}

	for _, e := range req.Entries {
		if err := h.producer.Publish(ctx, broker.TopicLogsRaw, e.Service, e); err != nil {
			h.logger.Error("Failed to publish log entry", "service", e.Service, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest logs"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "count": len(req.Entries)})
}

// POST /ingest/deployments
func (h *IngestHandler) IngestDeployment(c *gin.Context) {
	var d models.Deployment
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !identifierRE.MatchString(d.Service) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid service name"})
		return
	}
	if d.TS.IsZero() || d.CommitSHA == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ts and commit_sha are required"})
		return
	}

	ctx := c.Request.Context()
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	id, err := h.catalog.InsertDeployment(storeCtx, &d)
	cancel()
	if err != nil {
		h.logger.Error("Failed to insert deployment", "service", d.Service, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest deployment"})
		return
	}

	if err := h.producer.Publish(ctx, broker.TopicDeploymentsRaw, d.Service, d); err != nil {
		h.logger.Error("Failed to publish deployment", "id", id, "error", err)
	}

	h.activity.LogEvent(ctx, "deployment_ingested", d.Service,
		fmt.Sprintf("Deployment ingested: %s", d.CommitSHA),
		map[string]interface{}{"deployment_id": id, "commit_sha": d.CommitSHA, "version": d.Version})

	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": id})
}

// POST /ingest/config_changes
func (h *IngestHandler) IngestConfigChange(c *gin.Context) {
	var cc models.ConfigChange
	if err := c.ShouldBindJSON(&cc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !identifierRE.MatchString(cc.Service) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid service name"})
		return
	}
	if cc.TS.IsZero() || cc.Key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ts and key are required"})
		return
	}

	ctx := c.Request.Context()
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	id, err := h.catalog.InsertConfigChange(storeCtx, &cc)
	cancel()
	if err != nil {
		h.logger.Error("Failed to insert config change", "service", cc.Service, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest config change"})
		return
	}

	if err := h.producer.Publish(ctx, broker.TopicConfigRaw, cc.Service, cc); err != nil {
		h.logger.Error("Failed to publish config change", "id", id, "error", err)
	}

	h.activity.LogEvent(ctx, "config_changed", cc.Service,
		fmt.Sprintf("Config changed: %s", cc.Key),
		map[string]interface{}{"config_change_id": id, "key": cc.Key})

	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": id})
}

// POST /ingest/flag_changes
func (h *IngestHandler) IngestFlagChange(c *gin.Context) {
	var fc models.FlagChange
	if err := c.ShouldBindJSON(&fc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if fc.Service != nil && !identifierRE.MatchString(*fc.Service) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid service name"})
		return
	}
	if fc.TS.IsZero() || fc.FlagName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ts and flag_name are required"})
		return
	}

	ctx := c.Request.Context()
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	id, err := h.catalog.InsertFlagChange(storeCtx, &fc)
	cancel()
	if err != nil {
		h.logger.Error("Failed to insert flag change", "flag", fc.FlagName, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest flag change"})
		return
	}

	service := ""
	if fc.Service != nil {
		service = *fc.Service
	}
	if err := h.producer.Publish(ctx, broker.TopicFlagsRaw, fc.FlagName, fc); err != nil {
		h.logger.Error("Failed to publish flag change", "id", id, "error", err)
	}

	h.activity.LogEvent(ctx, "flag_changed", service,
		fmt.Sprintf("Feature flag changed: %s", fc.FlagName),
		map[string]interface{}{"flag_change_id": id, "flag_name": fc.FlagName})

	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": id})
}

func validatePoint(p models.MetricPoint) error {
	if !identifierRE.MatchString(p.Service) {
		return fmt.Errorf("invalid service name")
	}
	if !identifierRE.MatchString(p.Metric) {
		return fmt.Errorf("invalid metric name")
	}
	if p.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}

func distinctServices(points []models.MetricPoint) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range points {
		if _, ok := seen[p.Service]; ok {
			continue
		}
		seen[p.Service] = struct{}{}
		out = append(out, p.Service)
	}
	return out
}
