package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/platformbuilds/causeway/internal/config"
)

// Client wraps the transactional change-catalog and incident store.
type Client struct {
	DB *sql.DB
}

func dsnFrom(cfg config.PostgresConfig) string {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	dbName := cfg.Database
	if dbName == "" {
		dbName = "causeway"
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		host, port, dbName, cfg.Username, cfg.Password, sslMode)
}

func Connect(cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", dsnFrom(cfg))
	if err != nil {
		return nil, err
	}
	maxConns := cfg.MaxConns
	if maxConns < 2 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
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

// NewWithDB wraps an existing *sql.DB. Test helper.
func NewWithDB(db *sql.DB) *Client { return &Client{DB: db} }

func (c *Client) Close() error { return c.DB.Close() }

func (c *Client) Ping(ctx context.Context) error { return c.DB.PingContext(ctx) }

func (c *Client) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deployments (
			id UUID PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			service TEXT NOT NULL,
			commit_sha TEXT NOT NULL,
			version TEXT,
			author TEXT,
			diff_summary TEXT,
			links JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_service_ts ON deployments (service, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_ts ON deployments (ts)`,
		`CREATE TABLE IF NOT EXISTS config_changes (
			id UUID PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			service TEXT NOT NULL,
			key TEXT NOT NULL,
			old_value_hash TEXT,
			new_value_hash TEXT,
			diff_summary TEXT,
			source TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_config_changes_service_ts ON config_changes (service, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_config_changes_ts ON config_changes (ts)`,
		`CREATE TABLE IF NOT EXISTS feature_flag_changes (
			id UUID PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			flag_name TEXT NOT NULL,
			service TEXT,
			old_state TEXT,
			new_state TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flag_changes_flag_ts ON feature_flag_changes (flag_name, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_flag_changes_ts ON feature_flag_changes (ts)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id UUID PRIMARY KEY,
			start_ts TIMESTAMPTZ NOT NULL,
			end_ts TIMESTAMPTZ NOT NULL,
			service TEXT NOT NULL,
			metric TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			detector TEXT NOT NULL,
			details JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_service_ts ON anomalies (service, start_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_ts ON anomalies (start_ts, end_ts)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id UUID PRIMARY KEY,
			start_ts TIMESTAMPTZ NOT NULL,
			end_ts TIMESTAMPTZ,
			title TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'OPEN',
			summary TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_status_ts ON incidents (status, start_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_ts ON incidents (start_ts)`,
		`CREATE TABLE IF NOT EXISTS incident_anomalies (
			incident_id UUID NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
			anomaly_id UUID NOT NULL REFERENCES anomalies(id) ON DELETE CASCADE,
			PRIMARY KEY (incident_id, anomaly_id)
		)`,
		`CREATE TABLE IF NOT EXISTS suspects (
			id UUID PRIMARY KEY,
			incident_id UUID NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
			suspect_type TEXT NOT NULL,
			suspect_key TEXT NOT NULL,
			rank INTEGER NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			evidence JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_suspects_incident_rank ON suspects (incident_id, rank)`,
		`CREATE TABLE IF NOT EXISTS labels (
			id UUID PRIMARY KEY,
			incident_id UUID NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
			suspect_id UUID NOT NULL REFERENCES suspects(id) ON DELETE CASCADE,
			label INTEGER NOT NULL,
			labeler TEXT,
			notes TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_labels_incident_suspect ON labels (incident_id, suspect_id)`,
	}
	for _, s := range stmts {
		if _, err := c.DB.Exec(s); err != nil {
			return fmt.Errorf("ensure schema failed: %w", err)
		}
	}
	return nil
}
