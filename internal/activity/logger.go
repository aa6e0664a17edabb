// Package activity keeps a sliding one-hour log of pipeline events in a
// Redis sorted set so operators can watch the system work in near real time.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platformbuilds/causeway/internal/config"
	"github.com/platformbuilds/causeway/internal/models"
	"github.com/platformbuilds/causeway/pkg/logger"
)

const eventsKey = "activity:events"

// EventTypes maps recognized event types to their default messages. Events
// with any other type are dropped with a warning.
var EventTypes = map[string]string{
	"metrics_ingested":      "Metrics ingested",
	"deployment_ingested":   "Deployment ingested",
	"config_changed":        "Config changed",
	"flag_changed":          "Feature flag changed",
	"anomaly_detected":      "Anomaly detected",
	"incident_created":      "Incident created",
	"rca_started":           "RCA analysis started",
	"rca_completed":         "RCA analysis completed",
	"suspects_generated":    "Suspects generated",
	"suspect_score_updated": "Suspect score updated",
	"model_trained":         "Ranking model trained",
}

// Logger appends and reads activity events. A nil or unreachable Redis
// degrades to silently dropping events; the pipeline never blocks on it.
type Logger struct {
	client *redis.Client
	ttl    time.Duration
	log    logger.Logger
}

func New(cfg config.RedisConfig, activityCfg config.ActivityConfig, log logger.Logger) (*Logger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(client, activityCfg, log), nil
}

// NewDegraded returns a Logger with no backing store: appends are dropped
// and reads fail. Used when Redis is unreachable at startup so the pipeline
// keeps running without activity logging.
func NewDegraded(activityCfg config.ActivityConfig, log logger.Logger) *Logger {
	return NewWithClient(nil, activityCfg, log)
}

// NewWithClient wraps an existing Redis client. Test helper.
func NewWithClient(client *redis.Client, activityCfg config.ActivityConfig, log logger.Logger) *Logger {
	ttl := time.Duration(activityCfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Logger{client: client, ttl: ttl, log: log}
}

func (l *Logger) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}

func (l *Logger) Ping(ctx context.Context) error {
	if l.client == nil {
		return fmt.Errorf("activity store not configured")
	}
	return l.client.Ping(ctx).Err()
}

// LogEvent appends one event. Unknown event types are dropped with a
// warning; store errors are logged and swallowed so the pipeline proceeds.
func (l *Logger) LogEvent(ctx context.Context, eventType, service, message string, metadata map[string]interface{}) {
	defaultMsg, ok := EventTypes[eventType]
	if !ok {
		l.log.Warn("Unknown activity event type", "type", eventType)
		return
	}
	if message == "" {
		message = defaultMsg
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	now := time.Now().UTC()
	event := models.ActivityEvent{
		TS:       now,
		Type:     eventType,
		Service:  service,
		Message:  message,
		Metadata: metadata,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		l.log.Error("Failed to encode activity event", "type", eventType, "error", err)
		return
	}

	if l.client == nil {
		return
	}
	err = l.client.ZAdd(ctx, eventsKey, &redis.Z{
		Score:  float64(now.Unix()),
		Member: payload,
	}).Err()
	if err != nil {
		l.log.Error("Failed to log activity event", "type", eventType, "error", err)
		return
	}
	// Sliding retention: refresh the TTL on every append.
	if err := l.client.Expire(ctx, eventsKey, l.ttl).Err(); err != nil {
		l.log.Warn("Failed to refresh activity TTL", "error", err)
	}
}

// GetEvents returns up to limit events newest-first. When since is zero, the
// window defaults to the retention period. eventType and service filter when
// non-empty.
func (l *Logger) GetEvents(ctx context.Context, since time.Time, limit int, eventType, service string) ([]models.ActivityEvent, error) {
	if l.client == nil {
		return nil, fmt.Errorf("activity store not configured")
	}
	if limit <= 0 {
		limit = 250
	}

	now := time.Now().UTC()
	minScore := now.Add(-l.ttl).Unix()
	if !since.IsZero() {
		minScore = since.Unix()
	}

	// Fetch extra so post-filtering can still fill the limit.
	raw, err := l.client.ZRangeByScore(ctx, eventsKey, &redis.ZRangeBy{
		Min:    fmt.Sprintf("%d", minScore),
		Max:    fmt.Sprintf("%d", now.Unix()),
		Offset: 0,
		Count:  int64(limit * 2),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read activity events: %w", err)
	}

	events := make([]models.ActivityEvent, 0, limit)
	for _, item := range raw {
		var event models.ActivityEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			l.log.Warn("Failed to parse activity event", "error", err)
			continue
		}
		if eventType != "" && event.Type != eventType {
			continue
		}
		if service != "" && event.Service != service {
			continue
		}
		events = append(events, event)
		if len(events) >= limit {
			break
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].TS.After(events[j].TS)
	})
	return events, nil
}

// GetRecentEvents returns the most recent events without filters.
func (l *Logger) GetRecentEvents(ctx context.Context, limit int) ([]models.ActivityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.GetEvents(ctx, time.Time{}, limit, "", "")
}
