package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/causeway/internal/models"
	"github.com/platformbuilds/causeway/pkg/logger"
)

// ServiceCatalog lists the services and metrics seen by the metric store.
type ServiceCatalog interface {
	DistinctServices(ctx context.Context) ([]string, error)
	DistinctMetrics(ctx context.Context, service string) ([]string, error)
	LatestMetric(ctx context.Context, service, metric string) (models.MetricPoint, bool, error)
	MetricSeries(ctx context.Context, service, metric string, from, to time.Time) ([]models.MetricPoint, error)
}

// Default query window for series requests without explicit bounds.
const defaultSeriesWindow = time.Hour

type ServiceHandler struct {
	catalog ServiceCatalog
	logger  logger.Logger
}

func NewServiceHandler(catalog ServiceCatalog, log logger.Logger) *ServiceHandler {
	return &ServiceHandler{catalog: catalog, logger: log}
}

// GET /services
func (h *ServiceHandler) ListServices(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()
	services, err := h.catalog.DistinctServices(ctx)
	if err != nil {
		h.logger.Error("Failed to list services", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list services"})
		return
	}
	if services == nil {
		services = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"services": services})
}

// GET /services/metrics?service=
func (h *ServiceHandler) ListMetrics(c *gin.Context) {
	service := c.Query("service")
	if service != "" && !identifierRE.MatchString(service) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid service name"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()
	metrics, err := h.catalog.DistinctMetrics(ctx, service)
	if err != nil {
		h.logger.Error("Failed to list metrics", "service", service, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list metrics"})
		return
	}
	if metrics == nil {
		metrics = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"metrics": metrics})
}

// GET /services/metrics/latest?service=&metric=
func (h *ServiceHandler) GetLatestMetric(c *gin.Context) {
	service := c.Query("service")
	metric := c.Query("metric")
	if !identifierRE.MatchString(service) || !identifierRE.MatchString(metric) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service and metric are required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()
	point, ok, err := h.catalog.LatestMetric(ctx, service, metric)
	if err != nil {
		h.logger.Error("Failed to get latest metric", "service", service, "metric", metric, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get latest metric"})
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"value": nil, "ts": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": point.Value, "ts": point.TS})
}

// GET /services/metrics/series?service=&metric=&from=&to=
func (h *ServiceHandler) GetMetricSeries(c *gin.Context) {
	service := c.Query("service")
	metric := c.Query("metric")
	if !identifierRE.MatchString(service) || !identifierRE.MatchString(metric) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service and metric are required"})
		return
	}

	now := time.Now().UTC()
	from := now.Add(-defaultSeriesWindow)
	to := now
	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
		to = parsed
	}
	if !to.After(from) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be after from"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()
	points, err := h.catalog.MetricSeries(ctx, service, metric, from, to)
	if err != nil {
		h.logger.Error("Failed to get metric series", "service", service, "metric", metric, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get metric series"})
		return
	}
	if points == nil {
		points = []models.MetricPoint{}
	}
	c.JSON(http.StatusOK, gin.H{"points": points, "count": len(points)})
}
