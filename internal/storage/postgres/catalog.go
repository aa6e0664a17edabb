package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platformbuilds/causeway/internal/models"
)

// InsertDeployment writes a deployment row and returns its id.
func (c *Client) InsertDeployment(ctx context.Context, d *models.Deployment) (string, error) {
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	var links []byte
	if len(d.Links) > 0 {
		var err error
		links, err = json.Marshal(d.Links)
		if err != nil {
			return "", fmt.Errorf("marshal links: %w", err)
		}
	}
	_, err := c.DB.ExecContext(ctx,
		`INSERT INTO deployments (id, ts, service, commit_sha, version, author, diff_summary, links)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, d.TS.UTC(), d.Service, d.CommitSHA,
		nullable(d.Version), nullable(d.Author), nullable(d.DiffSummary), links)
	if err != nil {
		return "", fmt.Errorf("insert deployment: %w", err)
	}
	return id, nil
}

// InsertConfigChange writes a config-change row and returns its id.
func (c *Client) InsertConfigChange(ctx context.Context, cc *models.ConfigChange) (string, error) {
	id := cc.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := c.DB.ExecContext(ctx,
		`INSERT INTO config_changes (id, ts, service, key, old_value_hash, new_value_hash, diff_summary, source)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, cc.TS.UTC(), cc.Service, cc.Key,
		nullable(cc.OldValueHash), nullable(cc.NewValueHash), nullable(cc.DiffSummary), nullable(cc.Source))
	if err != nil {
		return "", fmt.Errorf("insert config change: %w", err)
	}
	return id, nil
}

// InsertFlagChange writes a feature-flag change row and returns its id.
// Service may be nil for global flags.
func (c *Client) InsertFlagChange(ctx context.Context, fc *models.FlagChange) (string, error) {
	id := fc.ID
	if id == "" {
		id = uuid.NewString()
	}
	var service sql.NullString
	if fc.Service != nil {
		service = sql.NullString{String: *fc.Service, Valid: true}
	}
	_, err := c.DB.ExecContext(ctx,
		`INSERT INTO feature_flag_changes (id, ts, flag_name, service, old_state, new_state)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, fc.TS.UTC(), fc.FlagName, service, nullable(fc.OldState), nullable(fc.NewState))
	if err != nil {
		return "", fmt.Errorf("insert flag change: %w", err)
	}
	return id, nil
}

// DeploymentsInWindow returns deployments for the given services inside [from, to].
func (c *Client) DeploymentsInWindow(ctx context.Context, services []string, from, to time.Time) ([]models.Deployment, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT id, ts, service, commit_sha, version, author, diff_summary, links
		 FROM deployments
		 WHERE service = ANY($1) AND ts >= $2 AND ts <= $3
		 ORDER BY ts`,
		pq.Array(services), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query deployments: %w", err)
	}
	defer rows.Close()

	var out []models.Deployment
	for rows.Next() {
		var d models.Deployment
		var version, author, diff sql.NullString
		var links []byte
		if err := rows.Scan(&d.ID, &d.TS, &d.Service, &d.CommitSHA, &version, &author, &diff, &links); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		d.Version = version.String
		d.Author = author.String
		d.DiffSummary = diff.String
		if len(links) > 0 {
			_ = json.Unmarshal(links, &d.Links)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ConfigChangesInWindow returns config changes for the given services inside [from, to].
func (c *Client) ConfigChangesInWindow(ctx context.Context, services []string, from, to time.Time) ([]models.ConfigChange, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT id, ts, service, key, old_value_hash, new_value_hash, diff_summary, source
		 FROM config_changes
		 WHERE service = ANY($1) AND ts >= $2 AND ts <= $3
		 ORDER BY ts`,
		pq.Array(services), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query config changes: %w", err)
	}
	defer rows.Close()

	var out []models.ConfigChange
	for rows.Next() {
		var cc models.ConfigChange
		var oldHash, newHash, diff, source sql.NullString
		if err := rows.Scan(&cc.ID, &cc.TS, &cc.Service, &cc.Key, &oldHash, &newHash, &diff, &source); err != nil {
			return nil, fmt.Errorf("scan config change: %w", err)
		}
		cc.OldValueHash = oldHash.String
		cc.NewValueHash = newHash.String
		cc.DiffSummary = diff.String
		cc.Source = source.String
		out = append(out, cc)
	}
	return out, rows.Err()
}

// FlagChangesInWindow returns flag changes inside [from, to] whose service is
// one of the given services or NULL (global flags).
func (c *Client) FlagChangesInWindow(ctx context.Context, services []string, from, to time.Time) ([]models.FlagChange, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT id, ts, flag_name, service, old_state, new_state
		 FROM feature_flag_changes
		 WHERE ts >= $1 AND ts <= $2 AND (service = ANY($3) OR service IS NULL)
		 ORDER BY ts`,
		from.UTC(), to.UTC(), pq.Array(services))
	if err != nil {
		return nil, fmt.Errorf("query flag changes: %w", err)
	}
	defer rows.Close()

	var out []models.FlagChange
	for rows.Next() {
		var fc models.FlagChange
		var service, oldState, newState sql.NullString
		if err := rows.Scan(&fc.ID, &fc.TS, &fc.FlagName, &service, &oldState, &newState); err != nil {
			return nil, fmt.Errorf("scan flag change: %w", err)
		}
		if service.Valid {
			s := service.String
			fc.Service = &s
		}
		fc.OldState = oldState.String
		fc.NewState = newState.String
		out = append(out, fc)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
