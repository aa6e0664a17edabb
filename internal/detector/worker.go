package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/platformbuilds/causeway/internal/broker"
	"github.com/platformbuilds/causeway/internal/grouper"
	"github.com/platformbuilds/causeway/internal/models"
	"github.com/platformbuilds/causeway/internal/monitoring"
	"github.com/platformbuilds/causeway/internal/storage"
	"github.com/platformbuilds/causeway/pkg/logger"
)

const storeDeadline = 5 * time.Second

// AnomalyStore persists anomalies and incidents.
type AnomalyStore interface {
	InsertAnomaly(ctx context.Context, a *models.Anomaly) (bool, error)
	UngroupedAnomalies(ctx context.Context, since time.Time) ([]models.Anomaly, error)
	CreateIncident(ctx context.Context, inc *models.Incident, anomalyIDs []string) error
}

// MetricWarmer loads recent history to prime the buffers.
type MetricWarmer interface {
	RecentMetrics(ctx context.Context, since time.Time) ([]models.MetricPoint, error)
}

// Publisher enqueues broker messages.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, v interface{}) error
}

// ActivitySink records progress events.
type ActivitySink interface {
	LogEvent(ctx context.Context, eventType, service, message string, metadata map[string]interface{})
}

// MessageSource is the consumer side of one topic.
type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// Worker drives the streaming half of the pipeline: metric points in,
// anomalies and incidents out. It owns the per-key buffers; only its
// goroutine touches them.
type Worker struct {
	detector   *Detector
	grouperCfg grouper.Config
	store      AnomalyStore
	producer   Publisher
	activity   ActivitySink
	log        logger.Logger

	// WarmupWindow is how much history to preload on start. Default: 1h.
	WarmupWindow time.Duration
}

func NewWorker(d *Detector, grouperCfg grouper.Config, store AnomalyStore, producer Publisher, activity ActivitySink, log logger.Logger) *Worker {
	return &Worker{
		detector:     d,
		grouperCfg:   grouperCfg,
		store:        store,
		producer:     producer,
		activity:     activity,
		log:          log,
		WarmupWindow: time.Hour,
	}
}

// Warmup preloads the trailing history into the buffers so detection does
// not cold-start. Failure is logged and non-fatal; the buffers fill from
// live traffic instead.
func (w *Worker) Warmup(ctx context.Context, warmer MetricWarmer) {
	since := time.Now().UTC().Add(-w.WarmupWindow)
	points, err := warmer.RecentMetrics(ctx, since)
	if err != nil {
		w.log.Warn("Failed to load historical metrics, starting with empty buffers", "error", err)
		return
	}
	w.detector.Warmup(points)
	w.log.Info("Warmed detector buffers",
		"points", len(points), "series", w.detector.SeriesCount())
}

// Run consumes metric points until the context is canceled. Offsets commit
// only after a point is fully processed; malformed messages are skipped and
// committed since retrying them is pointless.
func (w *Worker) Run(ctx context.Context, source MessageSource) error {
	w.log.Info("Starting detector worker")
	for {
		msg, err := source.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("fetch metric point: %w", err)
		}

		var point models.MetricPoint
		if err := json.Unmarshal(msg.Value, &point); err != nil {
			w.log.Warn("Skipping malformed metric point", "offset", msg.Offset, "error", err)
			if err := source.Commit(ctx, msg); err != nil {
				w.log.Error("Failed to commit offset", "error", err)
			}
			continue
		}

		if err := w.ProcessPoint(ctx, point); err != nil {
			// Transient failure: leave the offset uncommitted so the
			// message is redelivered rather than silently lost.
			w.log.Error("Failed to process metric point",
				"service", point.Service, "metric", point.Metric, "error", err)
			continue
		}

		if err := source.Commit(ctx, msg); err != nil {
			w.log.Error("Failed to commit offset", "error", err)
		}
	}
}

// ProcessPoint feeds one point through detection, persistence, and grouping.
func (w *Worker) ProcessPoint(ctx context.Context, point models.MetricPoint) error {
	anomalies := w.detector.AddPoint(point, time.Now().UTC())

	detected := false
	for i := range anomalies {
		inserted, err := w.storeAnomaly(ctx, &anomalies[i])
		if err != nil {
			return err
		}
		detected = detected || inserted
	}

	if detected {
		if err := w.groupAndCreateIncidents(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) storeAnomaly(ctx context.Context, a *models.Anomaly) (bool, error) {
	var inserted bool
	err := storage.WithRetry(ctx, func() error {
		storeCtx, cancel := context.WithTimeout(ctx, storeDeadline)
		defer cancel()
		var err error
		inserted, err = w.store.InsertAnomaly(storeCtx, a)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("insert anomaly: %w", err)
	}
	if !inserted {
		return false, nil
	}

	w.log.Info("Detected anomaly",
		"service", a.Service, "metric", a.Metric, "start_ts", a.StartTS, "score", a.Score)
	monitoring.RecordAnomalyDetected(a.Service, a.Metric)

	w.activity.LogEvent(ctx, "anomaly_detected", a.Service,
		fmt.Sprintf("Anomaly detected: %s (score: %.2f)", a.Metric, a.Score),
		map[string]interface{}{"metric": a.Metric, "score": a.Score, "anomaly_id": a.ID})

	if err := w.producer.Publish(ctx, broker.TopicAnomaliesDetect, a.Service, a); err != nil {
		w.log.Error("Failed to publish anomaly", "anomaly_id", a.ID, "error", err)
	}
	return true, nil
}

func (w *Worker) groupAndCreateIncidents(ctx context.Context) error {
	storeCtx, cancel := context.WithTimeout(ctx, storeDeadline)
	anomalies, err := w.store.UngroupedAnomalies(storeCtx, time.Now().UTC().Add(-w.grouperCfg.Lookback))
	cancel()
	if err != nil {
		return fmt.Errorf("load ungrouped anomalies: %w", err)
	}
	if len(anomalies) == 0 {
		return nil
	}

	for _, group := range grouper.GroupAnomalies(anomalies, w.grouperCfg) {
		storeCtx, cancel := context.WithTimeout(ctx, storeDeadline)
		err := w.store.CreateIncident(storeCtx, &group.Incident, group.AnomalyIDs)
		cancel()
		if err != nil {
			return fmt.Errorf("create incident: %w", err)
		}

		w.log.Info("Created incident", "incident_id", group.Incident.ID, "title", group.Incident.Title)
		monitoring.RecordIncidentCreated()

		service := ""
		if len(group.Services) > 0 {
			service = group.Services[0]
		}
		w.activity.LogEvent(ctx, "incident_created", service,
			fmt.Sprintf("Incident created: %s", group.Incident.Title),
			map[string]interface{}{
				"incident_id":       group.Incident.ID,
				"affected_services": group.Services,
			})

		req := models.RCARequest{
			IncidentID: group.Incident.ID,
			StartTS:    group.Incident.StartTS,
			EndTS:      group.Incident.EndTS,
		}
		if err := w.producer.Publish(ctx, broker.TopicRCARequests, group.Incident.ID, req); err != nil {
			w.log.Error("Failed to publish RCA request", "incident_id", group.Incident.ID, "error", err)
		}
	}
	return nil
}
