package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/platformbuilds/causeway/internal/config"
	"github.com/platformbuilds/causeway/internal/models"
	"github.com/platformbuilds/causeway/internal/monitoring"
)

// Client wraps the ClickHouse metric and log store.
type Client struct {
	DB *sql.DB
}

func Connect(cfg config.ClickHouseConfig) (*Client, error) {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 9000
	}
	timeout := time.Duration(cfg.Timeout) * time.Millisecond
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", host, port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: timeout,
	})
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	c := &Client{DB: db}
	if err := c.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Close() error { return c.DB.Close() }

func (c *Client) Ping(ctx context.Context) error { return c.DB.PingContext(ctx) }

func (c *Client) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metrics_timeseries (
			ts DateTime64(3, 'UTC'),
			service String,
			metric String,
			value Float64,
			tags Map(String, String)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMMDD(ts)
		ORDER BY (service, metric, ts)`,
		`CREATE TABLE IF NOT EXISTS logs (
			ts DateTime64(3, 'UTC'),
			service String,
			level String,
			event String,
			message String,
			fields Map(String, String),
			trace_id String
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMMDD(ts)
		ORDER BY (service, level, ts)`,
	}
	for _, s := range stmts {
		if _, err := c.DB.Exec(s); err != nil {
			return fmt.Errorf("ensure schema failed: %w", err)
		}
	}
	return nil
}

// InsertMetrics writes a batch of metric points.
func (c *Client) InsertMetrics(ctx context.Context, points []models.MetricPoint) (err error) {
	if len(points) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		monitoring.RecordStoreOperation("insert", "metrics_timeseries", time.Since(start), err == nil)
	}()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (ts, service, metric, value, tags) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()
	for _, p := range points {
		tags := p.Tags
		if tags == nil {
			tags = map[string]string{}
		}
		if _, err := stmt.ExecContext(ctx, p.TS.UTC(), p.Service, p.Metric, p.Value, tags); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append point: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// InsertLogs writes a batch of log entries.
func (c *Client) InsertLogs(ctx context.Context, entries []models.LogEntry) (err error) {
	if len(entries) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		monitoring.RecordStoreOperation("insert", "logs", time.Since(start), err == nil)
	}()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO logs (ts, service, level, event, message, fields, trace_id) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		fields := e.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		if _, err := stmt.ExecContext(ctx, e.TS.UTC(), e.Service, e.Level, e.Event, e.Message, fields, e.TraceID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// AvgMetricsByWindow returns metric → avg(value) for a service in the window.
// The end bound is inclusive when inclusiveEnd is true, exclusive otherwise;
// the evidence extractor uses [from, to) before a change and [from, to]
// after it.
func (c *Client) AvgMetricsByWindow(ctx context.Context, service string, from, to time.Time, inclusiveEnd bool) (map[string]float64, error) {
	endOp := "<"
	if inclusiveEnd {
		endOp = "<="
	}
	query := fmt.Sprintf(
		`SELECT metric, avg(value) AS avg_value
		 FROM metrics_timeseries
		 WHERE service = ? AND ts >= ? AND ts %s ?
		 GROUP BY metric`, endOp)
	rows, err := c.DB.QueryContext(ctx, query, service, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query metric averages: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var metric string
		var avg float64
		if err := rows.Scan(&metric, &avg); err != nil {
			return nil, fmt.Errorf("scan metric average: %w", err)
		}
		out[metric] = avg
	}
	return out, rows.Err()
}

// CountErrorLogs counts ERROR-level log lines for a service in the window.
func (c *Client) CountErrorLogs(ctx context.Context, service string, from, to time.Time, inclusiveEnd bool) (int64, error) {
	endOp := "<"
	if inclusiveEnd {
		endOp = "<="
	}
	query := fmt.Sprintf(
		`SELECT count() FROM logs
		 WHERE service = ? AND level = 'ERROR' AND ts >= ? AND ts %s ?`, endOp)
	var count int64
	if err := c.DB.QueryRowContext(ctx, query, service, from.UTC(), to.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count error logs: %w", err)
	}
	return count, nil
}

// CountErrorLogsByEvent counts ERROR-level log lines carrying the given event
// name for a service in [from, to].
func (c *Client) CountErrorLogsByEvent(ctx context.Context, service, event string, from, to time.Time) (int64, error) {
	var count int64
	err := c.DB.QueryRowContext(ctx,
		`SELECT count() FROM logs
		 WHERE service = ? AND level = 'ERROR' AND event = ? AND ts >= ? AND ts <= ?`,
		service, event, from.UTC(), to.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count error logs by event: %w", err)
	}
	return count, nil
}

// MetricSeries returns the points of one (service, metric) series ascending
// by ts within [from, to].
func (c *Client) MetricSeries(ctx context.Context, service, metric string, from, to time.Time) ([]models.MetricPoint, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT ts, service, metric, value
		 FROM metrics_timeseries
		 WHERE service = ? AND metric = ? AND ts >= ? AND ts <= ?
		 ORDER BY ts`,
		service, metric, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query metric series: %w", err)
	}
	defer rows.Close()

	var out []models.MetricPoint
	for rows.Next() {
		var p models.MetricPoint
		if err := rows.Scan(&p.TS, &p.Service, &p.Metric, &p.Value); err != nil {
			return nil, fmt.Errorf("scan metric point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DistinctServices returns every service that has reported metrics.
func (c *Client) DistinctServices(ctx context.Context) ([]string, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT DISTINCT service FROM metrics_timeseries ORDER BY service`)
	if err != nil {
		return nil, fmt.Errorf("query services: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DistinctMetrics returns the metric names seen, optionally for one service.
func (c *Client) DistinctMetrics(ctx context.Context, service string) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if service != "" {
		rows, err = c.DB.QueryContext(ctx,
			`SELECT DISTINCT metric FROM metrics_timeseries WHERE service = ? ORDER BY metric`, service)
	} else {
		rows, err = c.DB.QueryContext(ctx,
			`SELECT DISTINCT metric FROM metrics_timeseries ORDER BY metric`)
	}
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LatestMetric returns the newest point of one (service, metric) series, or
// ok=false when the series is empty.
func (c *Client) LatestMetric(ctx context.Context, service, metric string) (models.MetricPoint, bool, error) {
	row := c.DB.QueryRowContext(ctx,
		`SELECT ts, service, metric, value
		 FROM metrics_timeseries
		 WHERE service = ? AND metric = ?
		 ORDER BY ts DESC LIMIT 1`, service, metric)
	var p models.MetricPoint
	err := row.Scan(&p.TS, &p.Service, &p.Metric, &p.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return p, false, nil
	}
	if err != nil {
		return p, false, fmt.Errorf("latest metric: %w", err)
	}
	return p, true, nil
}

// MetricsInRange returns all points within [from, to] across every series,
// ascending by (service, metric, ts). Used by the replay harness.
func (c *Client) MetricsInRange(ctx context.Context, from, to time.Time) ([]models.MetricPoint, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT ts, service, metric, value
		 FROM metrics_timeseries
		 WHERE ts >= ? AND ts <= ?
		 ORDER BY service, metric, ts`,
		from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query metrics in range: %w", err)
	}
	defer rows.Close()

	var out []models.MetricPoint
	for rows.Next() {
		var p models.MetricPoint
		if err := rows.Scan(&p.TS, &p.Service, &p.Metric, &p.Value); err != nil {
			return nil, fmt.Errorf("scan metric point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecentMetrics returns all points since the cutoff across every series,
// ascending by (service, metric, ts). Used to warm detector buffers on start.
func (c *Client) RecentMetrics(ctx context.Context, since time.Time) ([]models.MetricPoint, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT ts, service, metric, value
		 FROM metrics_timeseries
		 WHERE ts >= ?
		 ORDER BY service, metric, ts`,
		since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query recent metrics: %w", err)
	}
	defer rows.Close()

	var out []models.MetricPoint
	for rows.Next() {
		var p models.MetricPoint
		if err := rows.Scan(&p.TS, &p.Service, &p.Metric, &p.Value); err != nil {
			return nil, fmt.Errorf("scan metric point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
