package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/causeway/internal/detector"
	"github.com/platformbuilds/causeway/internal/grouper"
	"github.com/platformbuilds/causeway/internal/models"
	"github.com/platformbuilds/causeway/internal/rca"
	"github.com/platformbuilds/causeway/internal/storage/postgres"
	"github.com/platformbuilds/causeway/pkg/logger"
)

type fakeStore struct {
	incidents map[string]*models.Incident
	truthIDs  map[string]string
	suspects  map[string]*models.Suspect
	labeled   []string
}

func (f *fakeStore) GetIncident(_ context.Context, id string) (*models.Incident, error) {
	inc, ok := f.incidents[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	return inc, nil
}

func (f *fakeStore) TruthSuspect(_ context.Context, incidentID string) (string, error) {
	id, ok := f.truthIDs[incidentID]
	if !ok {
		return "", postgres.ErrNotFound
	}
	return id, nil
}

func (f *fakeStore) GetSuspect(_ context.Context, suspectID string) (*models.Suspect, error) {
	s, ok := f.suspects[suspectID]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) LabeledIncidentIDs(_ context.Context) ([]string, error) {
	return f.labeled, nil
}

type fakeMetricSource struct {
	points         []models.MetricPoint
	gotFrom, gotTo time.Time
}

func (f *fakeMetricSource) MetricsInRange(_ context.Context, from, to time.Time) ([]models.MetricPoint, error) {
	f.gotFrom, f.gotTo = from, to
	return f.points, nil
}

type fakeCatalog struct {
	deployments []models.Deployment
}

func (f *fakeCatalog) DeploymentsInWindow(_ context.Context, _ []string, _, _ time.Time) ([]models.Deployment, error) {
	return f.deployments, nil
}

func (f *fakeCatalog) ConfigChangesInWindow(_ context.Context, _ []string, _, _ time.Time) ([]models.ConfigChange, error) {
	return nil, nil
}

func (f *fakeCatalog) FlagChangesInWindow(_ context.Context, _ []string, _, _ time.Time) ([]models.FlagChange, error) {
	return nil, nil
}

type fakeIncidentStore struct{}

func (fakeIncidentStore) AffectedServices(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

func (fakeIncidentStore) ReplaceSuspects(_ context.Context, _ string, _ []models.Suspect) error {
	return nil
}

type fakeMetricStore struct{}

func (fakeMetricStore) AvgMetricsByWindow(_ context.Context, _ string, _, _ time.Time, _ bool) (map[string]float64, error) {
	return nil, nil
}

func (fakeMetricStore) CountErrorLogs(_ context.Context, _ string, _, _ time.Time, _ bool) (int64, error) {
	return 0, nil
}

func (fakeMetricStore) CountErrorLogsByEvent(_ context.Context, _, _ string, _, _ time.Time) (int64, error) {
	return 0, nil
}

type fakeHistory struct{}

func (fakeHistory) ServiceIncidentCount(_ context.Context, _ string, _ time.Time) (int, error) {
	return 0, nil
}

func newTestHarness(store *fakeStore, metrics *fakeMetricSource, catalog rca.ChangeCatalog) *Harness {
	log := logger.NewNop()
	extractor := rca.NewExtractor(fakeMetricStore{}, fakeHistory{}, log)
	runner := rca.NewRunner(catalog, fakeIncidentStore{}, extractor, rca.HeuristicRanker{}, nil,
		rca.DefaultCandidateConfig(), log)
	return NewHarness(store, metrics, runner, detector.DefaultConfig(), grouper.DefaultConfig(), log)
}

// spikedSeries builds one payment/p95 series: a steady hour of baseline then a
// five-minute sustained spike starting at spikeStart.
func spikedSeries(spikeStart time.Time) []models.MetricPoint {
	var points []models.MetricPoint
	base := spikeStart.Add(-60 * time.Minute)
	for i := 0; i < 60; i++ {
		points = append(points, models.MetricPoint{
			TS:      base.Add(time.Duration(i) * time.Minute),
			Service: "payment",
			Metric:  "p95_latency_ms",
			Value:   []float64{49, 50, 51}[i%3],
		})
	}
	for i := 0; i < 5; i++ {
		points = append(points, models.MetricPoint{
			TS:      spikeStart.Add(time.Duration(i) * time.Minute),
			Service: "payment",
			Metric:  "p95_latency_ms",
			Value:   150,
		})
	}
	return points
}

func TestReplayIncidentLabeledHit(t *testing.T) {
	start := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)

	store := &fakeStore{
		incidents: map[string]*models.Incident{
			"inc-1": {ID: "inc-1", StartTS: start, EndTS: end},
		},
		truthIDs: map[string]string{"inc-1": "susp-1"},
		suspects: map[string]*models.Suspect{
			"susp-1": {ID: "susp-1", IncidentID: "inc-1",
				SuspectType: models.SuspectDeployment, SuspectKey: "dep-1"},
		},
	}
	metrics := &fakeMetricSource{points: spikedSeries(start)}
	catalog := &fakeCatalog{deployments: []models.Deployment{
		{ID: "dep-1", TS: start.Add(-10 * time.Minute), Service: "payment", CommitSHA: "abc"},
	}}

	h := newTestHarness(store, metrics, catalog)
	result, err := h.ReplayIncident(context.Background(), "inc-1")
	require.NoError(t, err)

	assert.Equal(t, start.Add(-metricsLookback), metrics.gotFrom)
	assert.Equal(t, end, metrics.gotTo)

	assert.Equal(t, "inc-1", result.IncidentID)
	assert.Greater(t, result.NumAnomalies, 0)
	assert.Equal(t, 1, result.NumSuspects)

	require.NotNil(t, result.PrecisionAt1)
	assert.Equal(t, 1.0, *result.PrecisionAt1)
	assert.Equal(t, 1.0, *result.PrecisionAt3)
	assert.Equal(t, 1.0, *result.MRR)

	require.NotNil(t, result.TimeToDetectMins)
	assert.Equal(t, 0.0, *result.TimeToDetectMins, "detection lands at the incident start")
}

func TestReplayIncidentUnlabeled(t *testing.T) {
	start := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{
		incidents: map[string]*models.Incident{
			"inc-1": {ID: "inc-1", StartTS: start, EndTS: start.Add(10 * time.Minute)},
		},
	}
	metrics := &fakeMetricSource{points: spikedSeries(start)}

	h := newTestHarness(store, metrics, &fakeCatalog{})
	result, err := h.ReplayIncident(context.Background(), "inc-1")
	require.NoError(t, err)

	assert.Nil(t, result.PrecisionAt1, "unlabeled incidents carry no ranking metrics")
	assert.Nil(t, result.PrecisionAt3)
	assert.Nil(t, result.MRR)
	assert.NotNil(t, result.TimeToDetectMins)
}

func TestReplayIncidentNoAnomalies(t *testing.T) {
	start := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{
		incidents: map[string]*models.Incident{
			"inc-1": {ID: "inc-1", StartTS: start, EndTS: start.Add(10 * time.Minute)},
		},
		truthIDs: map[string]string{"inc-1": "susp-1"},
		suspects: map[string]*models.Suspect{
			"susp-1": {ID: "susp-1", SuspectType: models.SuspectDeployment, SuspectKey: "dep-1"},
		},
	}
	// Quiet telemetry: the replayed detector finds nothing.
	metrics := &fakeMetricSource{}

	h := newTestHarness(store, metrics, &fakeCatalog{})
	result, err := h.ReplayIncident(context.Background(), "inc-1")
	require.NoError(t, err)

	assert.Zero(t, result.NumAnomalies)
	require.NotNil(t, result.PrecisionAt1, "a labeled incident that fails to reproduce scores zero")
	assert.Equal(t, 0.0, *result.PrecisionAt1)
	assert.Equal(t, 0.0, *result.MRR)
	assert.Nil(t, result.TimeToDetectMins)
}

func TestReplayIncidentUnknownID(t *testing.T) {
	h := newTestHarness(&fakeStore{}, &fakeMetricSource{}, &fakeCatalog{})
	_, err := h.ReplayIncident(context.Background(), "missing")
	assert.Error(t, err)
}

func TestEvaluateAggregatesAndSkipsFailures(t *testing.T) {
	start := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{
		incidents: map[string]*models.Incident{
			"inc-1": {ID: "inc-1", StartTS: start, EndTS: start.Add(10 * time.Minute)},
		},
		truthIDs: map[string]string{"inc-1": "susp-1"},
		suspects: map[string]*models.Suspect{
			"susp-1": {ID: "susp-1", SuspectType: models.SuspectDeployment, SuspectKey: "dep-1"},
		},
		labeled: []string{"inc-1", "inc-gone"}, // inc-gone fails to load
	}
	metrics := &fakeMetricSource{points: spikedSeries(start)}
	catalog := &fakeCatalog{deployments: []models.Deployment{
		{ID: "dep-1", TS: start.Add(-10 * time.Minute), Service: "payment", CommitSHA: "abc"},
	}}

	h := newTestHarness(store, metrics, catalog)
	summary, err := h.Evaluate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.NumIncidents)
	require.Len(t, summary.IndividualResult, 1)
	require.NotNil(t, summary.PrecisionAt1)
	assert.Equal(t, 1.0, *summary.PrecisionAt1)
	assert.Equal(t, 1.0, *summary.MRR)
}

func TestRankingMetrics(t *testing.T) {
	truth := &models.Suspect{SuspectType: models.SuspectDeployment, SuspectKey: "dep-1"}
	ranked := []models.Candidate{
		{SuspectType: models.SuspectConfig, SuspectKey: "cfg-1", Rank: 1},
		{SuspectType: models.SuspectDeployment, SuspectKey: "dep-1", Rank: 2},
	}

	p1, p3, mrr := rankingMetrics(ranked, truth)
	assert.Equal(t, 0.0, p1)
	assert.Equal(t, 1.0, p3)
	assert.Equal(t, 0.5, mrr)

	p1, p3, mrr = rankingMetrics(ranked[:1], truth)
	assert.Equal(t, 0.0, p1)
	assert.Equal(t, 0.0, p3)
	assert.Equal(t, 0.0, mrr)

	// Same key, wrong type does not match.
	wrongType := []models.Candidate{{SuspectType: models.SuspectConfig, SuspectKey: "dep-1", Rank: 1}}
	p1, _, _ = rankingMetrics(wrongType, truth)
	assert.Equal(t, 0.0, p1)
}

func TestMeanSkipsNothingButHandlesEmpty(t *testing.T) {
	assert.Nil(t, mean(nil))

	m := mean([]float64{1, 0, 0.5})
	require.NotNil(t, m)
	assert.InDelta(t, 0.5, *m, 1e-9)
}

func TestAffectedServicesDeduplicatesAndSorts(t *testing.T) {
	services := affectedServices([]models.Anomaly{
		{Service: "payment"},
		{Service: "order"},
		{Service: "payment"},
	})
	assert.Equal(t, []string{"order", "payment"}, services)
}
