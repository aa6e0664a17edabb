package detector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/causeway/internal/activity"
	"github.com/platformbuilds/causeway/internal/broker"
	"github.com/platformbuilds/causeway/internal/config"
	"github.com/platformbuilds/causeway/internal/grouper"
	"github.com/platformbuilds/causeway/internal/models"
	"github.com/platformbuilds/causeway/pkg/logger"
)

type fakeAnomalyStore struct {
	insertedAnomalies []models.Anomaly
	duplicate         bool
	incidents         []models.Incident
	incidentLinks     [][]string
}

func (f *fakeAnomalyStore) InsertAnomaly(_ context.Context, a *models.Anomaly) (bool, error) {
	if f.duplicate {
		return false, nil
	}
	if a.ID == "" {
		a.ID = "anomaly-1"
	}
	f.insertedAnomalies = append(f.insertedAnomalies, *a)
	return true, nil
}

func (f *fakeAnomalyStore) UngroupedAnomalies(_ context.Context, _ time.Time) ([]models.Anomaly, error) {
	return f.insertedAnomalies, nil
}

func (f *fakeAnomalyStore) CreateIncident(_ context.Context, inc *models.Incident, anomalyIDs []string) error {
	if inc.ID == "" {
		inc.ID = "incident-1"
	}
	f.incidents = append(f.incidents, *inc)
	f.incidentLinks = append(f.incidentLinks, anomalyIDs)
	return nil
}

type publishedMessage struct {
	Topic string
	Key   string
	Value interface{}
}

type fakePublisher struct {
	published []publishedMessage
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, v interface{}) error {
	f.published = append(f.published, publishedMessage{topic, key, v})
	return nil
}

type recordedEvent struct {
	Type    string
	Service string
}

type fakeSink struct {
	events []recordedEvent
}

func (f *fakeSink) LogEvent(_ context.Context, eventType, service, _ string, _ map[string]interface{}) {
	f.events = append(f.events, recordedEvent{eventType, service})
}

type fakeWarmer struct {
	points []models.MetricPoint
	err    error
}

func (f *fakeWarmer) RecentMetrics(_ context.Context, _ time.Time) ([]models.MetricPoint, error) {
	return f.points, f.err
}

func newTestWorker(store *fakeAnomalyStore, producer *fakePublisher, sink *fakeSink) *Worker {
	return NewWorker(New(DefaultConfig()), grouper.DefaultConfig(), store, producer, sink, logger.NewNop())
}

func TestProcessPointFullPipeline(t *testing.T) {
	store := &fakeAnomalyStore{}
	producer := &fakePublisher{}
	sink := &fakeSink{}
	w := newTestWorker(store, producer, sink)

	now := time.Now().UTC()
	base := now.Add(-90 * time.Minute)
	ctx := context.Background()

	for _, p := range baselineSeries(base) {
		require.NoError(t, w.ProcessPoint(ctx, p))
	}
	assert.Empty(t, store.insertedAnomalies, "baseline alone stays quiet")

	spikeStart := base.Add(60 * time.Minute)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.ProcessPoint(ctx, models.MetricPoint{
			TS:      spikeStart.Add(time.Duration(i) * time.Minute),
			Service: "payment",
			Metric:  "p95_latency_ms",
			Value:   120,
		}))
	}

	require.NotEmpty(t, store.insertedAnomalies)
	require.NotEmpty(t, store.incidents)
	assert.Equal(t, "Incident in payment", store.incidents[0].Title)
	assert.NotEmpty(t, store.incidentLinks[0])

	var topics []string
	for _, m := range producer.published {
		topics = append(topics, m.Topic)
	}
	assert.Contains(t, topics, broker.TopicAnomaliesDetect)
	assert.Contains(t, topics, broker.TopicRCARequests)

	var types []string
	for _, e := range sink.events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, "anomaly_detected")
	assert.Contains(t, types, "incident_created")

	// The RCA request carries the grouped incident window.
	for _, m := range producer.published {
		if m.Topic != broker.TopicRCARequests {
			continue
		}
		req, ok := m.Value.(models.RCARequest)
		require.True(t, ok)
		assert.NotEmpty(t, req.IncidentID)
		assert.False(t, req.StartTS.IsZero())
	}
}

func TestProcessPointDuplicateSkipsGrouping(t *testing.T) {
	store := &fakeAnomalyStore{duplicate: true}
	producer := &fakePublisher{}
	sink := &fakeSink{}
	w := newTestWorker(store, producer, sink)

	now := time.Now().UTC()
	base := now.Add(-90 * time.Minute)
	ctx := context.Background()

	for _, p := range baselineSeries(base) {
		require.NoError(t, w.ProcessPoint(ctx, p))
	}
	spikeStart := base.Add(60 * time.Minute)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.ProcessPoint(ctx, models.MetricPoint{
			TS:      spikeStart.Add(time.Duration(i) * time.Minute),
			Service: "payment",
			Metric:  "p95_latency_ms",
			Value:   120,
		}))
	}

	assert.Empty(t, store.incidents, "deduped anomalies create no incidents")
	assert.Empty(t, producer.published)
	assert.Empty(t, sink.events)
}

func TestProcessPointWithDegradedActivityStore(t *testing.T) {
	store := &fakeAnomalyStore{}
	producer := &fakePublisher{}
	sink := activity.NewDegraded(config.ActivityConfig{TTLSeconds: 3600}, logger.NewNop())
	w := NewWorker(New(DefaultConfig()), grouper.DefaultConfig(), store, producer, sink, logger.NewNop())

	now := time.Now().UTC()
	base := now.Add(-90 * time.Minute)
	ctx := context.Background()

	for _, p := range baselineSeries(base) {
		require.NoError(t, w.ProcessPoint(ctx, p))
	}
	spikeStart := base.Add(60 * time.Minute)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.ProcessPoint(ctx, models.MetricPoint{
			TS:      spikeStart.Add(time.Duration(i) * time.Minute),
			Service: "payment",
			Metric:  "p95_latency_ms",
			Value:   120,
		}))
	}

	// Detection and grouping proceed; dropped activity events are not fatal.
	require.NotEmpty(t, store.insertedAnomalies)
	require.NotEmpty(t, store.incidents)
	assert.NotEmpty(t, producer.published)
}

func TestWarmupFailureIsNonFatal(t *testing.T) {
	w := newTestWorker(&fakeAnomalyStore{}, &fakePublisher{}, &fakeSink{})

	w.Warmup(context.Background(), &fakeWarmer{err: assert.AnError})
	assert.Equal(t, 0, w.detector.SeriesCount())

	w.Warmup(context.Background(), &fakeWarmer{points: baselineSeries(time.Now().UTC().Add(-time.Hour))})
	assert.Equal(t, 1, w.detector.SeriesCount())
}
