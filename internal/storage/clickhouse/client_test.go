package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Client{DB: db}, mock
}

func TestAvgMetricsByWindowEndBound(t *testing.T) {
	c, mock := newMockClient(t)
	from := time.Now().UTC().Add(-10 * time.Minute)
	to := time.Now().UTC()

	// Exclusive end for the pre-change window.
	mock.ExpectQuery(`ts < \?`).
		WillReturnRows(sqlmock.NewRows([]string{"metric", "avg_value"}).
			AddRow("p95_latency_ms", 120.5).
			AddRow("qps", 55.0))

	before, err := c.AvgMetricsByWindow(context.Background(), "payment", from, to, false)
	require.NoError(t, err)
	assert.Equal(t, 120.5, before["p95_latency_ms"])
	assert.Equal(t, 55.0, before["qps"])

	// Inclusive end for the post-change window.
	mock.ExpectQuery(`ts <= \?`).
		WillReturnRows(sqlmock.NewRows([]string{"metric", "avg_value"}).
			AddRow("p95_latency_ms", 300.0))

	after, err := c.AvgMetricsByWindow(context.Background(), "payment", from, to, true)
	require.NoError(t, err)
	assert.Equal(t, 300.0, after["p95_latency_ms"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountErrorLogs(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery(`SELECT count\(\) FROM logs`).
		WithArgs("payment", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count()"}).AddRow(42))

	count, err := c.CountErrorLogs(context.Background(), "payment",
		time.Now().UTC().Add(-10*time.Minute), time.Now().UTC(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
}

func TestLatestMetricEmptySeries(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery(`ORDER BY ts DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"ts", "service", "metric", "value"}))

	_, ok, err := c.LatestMetric(context.Background(), "payment", "qps")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetricsInRangeScan(t *testing.T) {
	c, mock := newMockClient(t)
	ts := time.Now().UTC()

	mock.ExpectQuery(`FROM metrics_timeseries`).
		WillReturnRows(sqlmock.NewRows([]string{"ts", "service", "metric", "value"}).
			AddRow(ts, "payment", "p95_latency_ms", 120.0).
			AddRow(ts.Add(time.Minute), "payment", "p95_latency_ms", 130.0))

	points, err := c.MetricsInRange(context.Background(), ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "payment", points[0].Service)
	assert.Equal(t, 130.0, points[1].Value)
}
