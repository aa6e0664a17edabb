package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/causeway/internal/broker"
	"github.com/platformbuilds/causeway/internal/models"
	"github.com/platformbuilds/causeway/pkg/logger"
)

type fakeCatalogStore struct {
	deployments   []models.Deployment
	configChanges []models.ConfigChange
	flagChanges   []models.FlagChange
	err           error
}

func (f *fakeCatalogStore) InsertDeployment(_ context.Context, d *models.Deployment) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.deployments = append(f.deployments, *d)
	return "dep-id-1", nil
}

func (f *fakeCatalogStore) InsertConfigChange(_ context.Context, cc *models.ConfigChange) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.configChanges = append(f.configChanges, *cc)
	return "cfg-id-1", nil
}

func (f *fakeCatalogStore) InsertFlagChange(_ context.Context, fc *models.FlagChange) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.flagChanges = append(f.flagChanges, *fc)
	return "flag-id-1", nil
}

func newIngestRouter(ts *fakeTimeseries, catalog *fakeCatalogStore, producer *fakeProducer, activity *fakeActivity) *gin.Engine {
	h := NewIngestHandler(ts, catalog, producer, activity, logger.NewNop())
	r := gin.New()
	r.POST("/ingest/metrics", h.IngestMetrics)
	r.POST("/ingest/logs", h.IngestLogs)
	r.POST("/ingest/deployments", h.IngestDeployment)
	r.POST("/ingest/config_changes", h.IngestConfigChange)
	r.POST("/ingest/flag_changes", h.IngestFlagChange)
	return r
}

func metricPoints(n int, service string) []models.MetricPoint {
	points := make([]models.MetricPoint, n)
	for i := range points {
		points[i] = models.MetricPoint{
			TS:      time.Now().UTC(),
			Service: service,
			Metric:  "p95_latency_ms",
			Value:   float64(50 + i),
		}
	}
	return points
}

func TestIngestMetricsOK(t *testing.T) {
	ts := &fakeTimeseries{}
	producer := &fakeProducer{}
	r := newIngestRouter(ts, &fakeCatalogStore{}, producer, &fakeActivity{})

	w := doJSON(t, r, http.MethodPost, "/ingest/metrics",
		map[string]interface{}{"points": metricPoints(3, "payment")})

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(3), body["count"])

	assert.Len(t, ts.metrics, 3)
	require.Len(t, producer.published, 3)
	assert.Equal(t, broker.TopicMetricsRaw, producer.published[0].Topic)
	assert.Equal(t, "payment", producer.published[0].Key)
}

func TestIngestMetricsEmptyBatch(t *testing.T) {
	r := newIngestRouter(&fakeTimeseries{}, &fakeCatalogStore{}, &fakeProducer{}, &fakeActivity{})

	w := doJSON(t, r, http.MethodPost, "/ingest/metrics", map[string]interface{}{"points": []models.MetricPoint{}})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "no points provided", decodeBody(t, w)["error"])
}

func TestIngestMetricsRejectsBadIdentifier(t *testing.T) {
	r := newIngestRouter(&fakeTimeseries{}, &fakeCatalogStore{}, &fakeProducer{}, &fakeActivity{})

	points := metricPoints(1, "payment;DROP TABLE")
	w := doJSON(t, r, http.MethodPost, "/ingest/metrics", map[string]interface{}{"points": points})

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "invalid service name")
}

func TestIngestMetricsRejectsMissingTimestamp(t *testing.T) {
	r := newIngestRouter(&fakeTimeseries{}, &fakeCatalogStore{}, &fakeProducer{}, &fakeActivity{})

	points := []models.MetricPoint{{Service: "payment", Metric: "qps", Value: 100}}
	w := doJSON(t, r, http.MethodPost, "/ingest/metrics", map[string]interface{}{"points": points})

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "ts is required")
}

func TestIngestMetricsLargeBatchLogsActivity(t *testing.T) {
	activity := &fakeActivity{}
	r := newIngestRouter(&fakeTimeseries{}, &fakeCatalogStore{}, &fakeProducer{}, activity)

	w := doJSON(t, r, http.MethodPost, "/ingest/metrics",
		map[string]interface{}{"points": metricPoints(12, "payment")})
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, activity.events, 1)
	assert.Equal(t, "metrics_ingested", activity.events[0].Type)
	assert.Equal(t, "payment", activity.events[0].Service, "single-service batch names the service")
}

func TestIngestMetricsSmallBatchSkipsActivity(t *testing.T) {
	activity := &fakeActivity{}
	r := newIngestRouter(&fakeTimeseries{}, &fakeCatalogStore{}, &fakeProducer{}, activity)

	w := doJSON(t, r, http.MethodPost, "/ingest/metrics",
		map[string]interface{}{"points": metricPoints(3, "payment")})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, activity.events)
}

func TestIngestMetricsStoreFailure(t *testing.T) {
	ts := &fakeTimeseries{err: assert.AnError}
	r := newIngestRouter(ts, &fakeCatalogStore{}, &fakeProducer{}, &fakeActivity{})

	w := doJSON(t, r, http.MethodPost, "/ingest/metrics",
		map[string]interface{}{"points": metricPoints(1, "payment")})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestIngestLogsOK(t *testing.T) {
	ts := &fakeTimeseries{}
	producer := &fakeProducer{}
	r := newIngestRouter(ts, &fakeCatalogStore{}, producer, &fakeActivity{})

	entries := []models.LogEntry{{
		TS:      time.Now().UTC(),
		Service: "payment",
		Level:   "ERROR",
		Event:   "DB_TIMEOUT",
		Message: "db timeout",
	}}
	w := doJSON(t, r, http.MethodPost, "/ingest/logs", map[string]interface{}{"entries": entries})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, ts.logs, 1)
	require.Len(t, producer.published, 1)
	assert.Equal(t, broker.TopicLogsRaw, producer.published[0].Topic)
}

func TestIngestLogsRequiresLevel(t *testing.T) {
	r := newIngestRouter(&fakeTimeseries{}, &fakeCatalogStore{}, &fakeProducer{}, &fakeActivity{})

	entries := []models.LogEntry{{TS: time.Now().UTC(), Service: "payment", Message: "hi"}}
	w := doJSON(t, r, http.MethodPost, "/ingest/logs", map[string]interface{}{"entries": entries})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestDeploymentOK(t *testing.T) {
	catalog := &fakeCatalogStore{}
	producer := &fakeProducer{}
	activity := &fakeActivity{}
	r := newIngestRouter(&fakeTimeseries{}, catalog, producer, activity)

	w := doJSON(t, r, http.MethodPost, "/ingest/deployments", models.Deployment{
		TS:          time.Now().UTC(),
		Service:     "payment",
		CommitSHA:   "abc123",
		Version:     "v2",
		DiffSummary: "increase db pool",
	})

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "dep-id-1", body["id"])

	require.Len(t, catalog.deployments, 1)
	require.Len(t, producer.published, 1)
	assert.Equal(t, broker.TopicDeploymentsRaw, producer.published[0].Topic)
	require.Len(t, activity.events, 1)
	assert.Equal(t, "deployment_ingested", activity.events[0].Type)
	assert.Equal(t, "payment", activity.events[0].Service)
}

func TestIngestDeploymentRequiresCommitSHA(t *testing.T) {
	r := newIngestRouter(&fakeTimeseries{}, &fakeCatalogStore{}, &fakeProducer{}, &fakeActivity{})

	w := doJSON(t, r, http.MethodPost, "/ingest/deployments", models.Deployment{
		TS:      time.Now().UTC(),
		Service: "payment",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "commit_sha")
}

func TestIngestDeploymentPublishFailureStillSucceeds(t *testing.T) {
	producer := &fakeProducer{err: assert.AnError}
	r := newIngestRouter(&fakeTimeseries{}, &fakeCatalogStore{}, producer, &fakeActivity{})

	w := doJSON(t, r, http.MethodPost, "/ingest/deployments", models.Deployment{
		TS:        time.Now().UTC(),
		Service:   "payment",
		CommitSHA: "abc123",
	})
	// Catalog rows are the source of truth; a broker hiccup is logged only.
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIngestConfigChangeOK(t *testing.T) {
	catalog := &fakeCatalogStore{}
	activity := &fakeActivity{}
	r := newIngestRouter(&fakeTimeseries{}, catalog, &fakeProducer{}, activity)

	w := doJSON(t, r, http.MethodPost, "/ingest/config_changes", models.ConfigChange{
		TS:      time.Now().UTC(),
		Service: "payment",
		Key:     "timeout_ms",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cfg-id-1", decodeBody(t, w)["id"])
	require.Len(t, activity.events, 1)
	assert.Equal(t, "config_changed", activity.events[0].Type)
}

func TestIngestFlagChangeGlobalFlag(t *testing.T) {
	catalog := &fakeCatalogStore{}
	producer := &fakeProducer{}
	r := newIngestRouter(&fakeTimeseries{}, catalog, producer, &fakeActivity{})

	w := doJSON(t, r, http.MethodPost, "/ingest/flag_changes", models.FlagChange{
		TS:       time.Now().UTC(),
		FlagName: "new_checkout",
		OldState: "off",
		NewState: "on",
	})

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, catalog.flagChanges, 1)
	assert.Nil(t, catalog.flagChanges[0].Service)
	require.Len(t, producer.published, 1)
	assert.Equal(t, "new_checkout", producer.published[0].Key, "flag messages key by flag name")
}

func TestIngestFlagChangeValidatesService(t *testing.T) {
	r := newIngestRouter(&fakeTimeseries{}, &fakeCatalogStore{}, &fakeProducer{}, &fakeActivity{})

	bad := "not a service!"
	w := doJSON(t, r, http.MethodPost, "/ingest/flag_changes", models.FlagChange{
		TS:       time.Now().UTC(),
		FlagName: "new_checkout",
		Service:  &bad,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
