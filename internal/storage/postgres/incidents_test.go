package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/causeway/internal/models"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestInsertAnomalyDeduplicates(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM anomalies`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-id"))
	mock.ExpectRollback()

	inserted, err := c.InsertAnomaly(context.Background(), &models.Anomaly{
		Service: "payment",
		Metric:  "p95_latency_ms",
		StartTS: time.Now().UTC(),
		EndTS:   time.Now().UTC(),
		Score:   12.0,
	})
	require.NoError(t, err)
	assert.False(t, inserted, "an overlapping anomaly suppresses the insert")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAnomalyWritesNewRow(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM anomalies`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO anomalies`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a := &models.Anomaly{
		Service:  "payment",
		Metric:   "p95_latency_ms",
		StartTS:  time.Now().UTC(),
		EndTS:    time.Now().UTC(),
		Score:    12.0,
		Detector: "robust_zscore",
		Details:  map[string]float64{"z_score": 12.0},
	}
	inserted, err := c.InsertAnomaly(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEmpty(t, a.ID, "an id is assigned on insert")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIncidentLinksAnomalies(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO incidents`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO incident_anomalies`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO incident_anomalies`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inc := &models.Incident{
		StartTS: time.Now().UTC(),
		EndTS:   time.Now().UTC(),
		Title:   "Incident in payment",
		Status:  models.IncidentOpen,
	}
	err := c.CreateIncident(context.Background(), inc, []string{"a1", "a2"})
	require.NoError(t, err)
	assert.NotEmpty(t, inc.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIncidentNotFound(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery(`SELECT id, start_ts, end_ts, title, status, summary`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "start_ts", "end_ts", "title", "status", "summary"}))

	_, err := c.GetIncident(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetIncidentNullableFields(t *testing.T) {
	c, mock := newMockClient(t)
	start := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, start_ts, end_ts, title, status, summary`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "start_ts", "end_ts", "title", "status", "summary"}).
			AddRow("inc-1", start, nil, "Incident in payment", "OPEN", nil))

	inc, err := c.GetIncident(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.True(t, inc.EndTS.IsZero())
	assert.Empty(t, inc.Summary)
}

func TestReplaceSuspectsDeleteThenInsert(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM suspects`).
		WithArgs("inc-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`INSERT INTO suspects`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO suspects`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := c.ReplaceSuspects(context.Background(), "inc-1", []models.Suspect{
		{SuspectType: models.SuspectDeployment, SuspectKey: "dep-1", Rank: 1, Score: 5.0,
			Evidence: map[string]float64{"is_before_incident": 1}},
		{SuspectType: models.SuspectConfig, SuspectKey: "cfg-1", Rank: 2, Score: 3.0},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceSuspectsRollsBackOnInsertError(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM suspects`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO suspects`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := c.ReplaceSuspects(context.Background(), "inc-1", []models.Suspect{
		{SuspectType: models.SuspectDeployment, SuspectKey: "dep-1", Rank: 1},
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrainingRowsSkipsMalformedEvidence(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery(`SELECT DISTINCT ON`).
		WillReturnRows(sqlmock.NewRows([]string{"label", "evidence"}).
			AddRow(1, []byte(`{"is_before_incident": 1}`)).
			AddRow(0, []byte(`not json`)).
			AddRow(0, []byte(`{"max_metric_delta": 0.5}`)))

	rows, err := c.TrainingRows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Label)
	assert.Equal(t, 1.0, rows[0].Evidence["is_before_incident"])
	assert.Equal(t, 0.5, rows[1].Evidence["max_metric_delta"])
}

func TestTruthSuspectNotFound(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery(`SELECT suspect_id FROM labels`).
		WillReturnRows(sqlmock.NewRows([]string{"suspect_id"}))

	_, err := c.TruthSuspect(context.Background(), "inc-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertLabelAssignsID(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectExec(`INSERT INTO labels`).WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := c.InsertLabel(context.Background(), &models.Label{
		IncidentID: "inc-1",
		SuspectID:  "susp-1",
		Label:      1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestUngroupedAnomaliesScan(t *testing.T) {
	c, mock := newMockClient(t)
	start := time.Now().UTC()

	mock.ExpectQuery(`SELECT a.id, a.start_ts, a.end_ts, a.service, a.metric, a.score`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "start_ts", "end_ts", "service", "metric", "score"}).
			AddRow("a1", start, start.Add(3*time.Minute), "payment", "p95_latency_ms", 12.0))

	anomalies, err := c.UngroupedAnomalies(context.Background(), start.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "a1", anomalies[0].ID)
	assert.Equal(t, "payment", anomalies[0].Service)
}
