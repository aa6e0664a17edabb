// Package api hosts the ingestion and query HTTP surface. All handler
// dependencies are constructed at startup and passed in explicitly; handlers
// never reach for process globals.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/causeway/internal/activity"
	"github.com/platformbuilds/causeway/internal/api/handlers"
	"github.com/platformbuilds/causeway/internal/api/middleware"
	"github.com/platformbuilds/causeway/internal/broker"
	"github.com/platformbuilds/causeway/internal/config"
	"github.com/platformbuilds/causeway/internal/monitoring"
	"github.com/platformbuilds/causeway/internal/rca"
	"github.com/platformbuilds/causeway/internal/storage/clickhouse"
	"github.com/platformbuilds/causeway/internal/storage/postgres"
	"github.com/platformbuilds/causeway/pkg/logger"
)

// Dependencies are the backing clients the server serves from, built once at
// startup and torn down by the caller in reverse order.
type Dependencies struct {
	Postgres   *postgres.Client
	Timeseries *clickhouse.Client
	Producer   *broker.Producer
	Activity   *activity.Logger

	// Runner is set when the RCA worker runs in this process; the status
	// endpoint then reports in-flight runs. Nil otherwise.
	Runner *rca.Runner
}

type Server struct {
	config     *config.Config
	logger     logger.Logger
	deps       Dependencies
	router     *gin.Engine
	httpServer *http.Server
}

func NewServer(cfg *config.Config, log logger.Logger, deps Dependencies) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		config: cfg,
		logger: log,
		deps:   deps,
		router: gin.New(),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestLogger(s.logger))
	s.router.Use(monitoring.HTTPMetricsMiddleware())

	monitoring.SetupPrometheusMetrics(s.router)
}

func (s *Server) setupRoutes() {
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"postgres":   s.deps.Postgres,
		"clickhouse": s.deps.Timeseries,
		"kafka":      s.deps.Producer,
		"redis":      s.deps.Activity,
	}, s.logger)
	s.router.GET("/health", healthHandler.HealthCheck)

	ingestHandler := handlers.NewIngestHandler(
		s.deps.Timeseries, s.deps.Postgres, s.deps.Producer, s.deps.Activity, s.logger)
	ingest := s.router.Group("/ingest")
	ingest.POST("/metrics", ingestHandler.IngestMetrics)
	ingest.POST("/logs", ingestHandler.IngestLogs)
	ingest.POST("/deployments", ingestHandler.IngestDeployment)
	ingest.POST("/config_changes", ingestHandler.IngestConfigChange)
	ingest.POST("/flag_changes", ingestHandler.IngestFlagChange)

	var probe handlers.RCAProbe
	if s.deps.Runner != nil {
		probe = s.deps.Runner
	}
	incidentHandler := handlers.NewIncidentHandler(s.deps.Postgres, s.deps.Producer, probe, s.deps.Activity, s.logger)
	incidents := s.router.Group("/incidents")
	incidents.GET("", incidentHandler.ListIncidents)
	incidents.GET("/:id", incidentHandler.GetIncident)
	incidents.GET("/:id/anomalies", incidentHandler.GetIncidentAnomalies)
	incidents.GET("/:id/suspects", incidentHandler.GetIncidentSuspects)
	incidents.GET("/:id/status", incidentHandler.GetIncidentStatus)
	incidents.POST("/:id/rerun_rca", incidentHandler.RerunRCA)
	incidents.POST("/:id/label", incidentHandler.LabelSuspect)

	activityHandler := handlers.NewActivityHandler(s.deps.Activity, s.logger)
	events := s.router.Group("/activity")
	events.GET("/events", activityHandler.GetEvents)
	events.GET("/events/recent", activityHandler.GetRecentEvents)

	serviceHandler := handlers.NewServiceHandler(s.deps.Timeseries, s.logger)
	services := s.router.Group("/services")
	services.GET("", serviceHandler.ListServices)
	services.GET("/metrics", serviceHandler.ListMetrics)
	services.GET("/metrics/latest", serviceHandler.GetLatestMetric)
	services.GET("/metrics/series", serviceHandler.GetMetricSeries)
}

// Start serves until the context is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Causeway API server starting", "port", s.config.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		s.logger.Info("Shutting down API server gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Handler returns the underlying Gin engine so tests can mount it.
func (s *Server) Handler() http.Handler {
	return s.router
}
