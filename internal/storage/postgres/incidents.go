package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platformbuilds/causeway/internal/models"
	"github.com/platformbuilds/causeway/internal/monitoring"
)

// ErrNotFound is returned when an incident or suspect does not exist.
var ErrNotFound = errors.New("not found")

// anomalyDedupWindow bounds how close two anomalies on the same
// (service, metric) series may start.
const anomalyDedupWindow = 60 * time.Second

// InsertAnomaly persists an anomaly unless one for the same (service, metric)
// already starts within the dedup window. The check and the insert run in one
// transaction so concurrent detectors cannot both insert. Returns whether a
// row was written.
func (c *Client) InsertAnomaly(ctx context.Context, a *models.Anomaly) (inserted bool, err error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	start := time.Now()
	defer func() {
		monitoring.RecordStoreOperation("insert", "anomalies", time.Since(start), err == nil)
	}()
	var details []byte
	if len(a.Details) > 0 {
		var err error
		details, err = json.Marshal(a.Details)
		if err != nil {
			return false, fmt.Errorf("marshal details: %w", err)
		}
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM anomalies
		 WHERE service = $1 AND metric = $2
		   AND start_ts >= $3 AND start_ts <= $4
		 LIMIT 1`,
		a.Service, a.Metric,
		a.StartTS.UTC().Add(-anomalyDedupWindow), a.StartTS.UTC().Add(anomalyDedupWindow),
	).Scan(&existing)
	if err == nil {
		return false, nil // duplicate
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("dedup check: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO anomalies (id, start_ts, end_ts, service, metric, score, detector, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.StartTS.UTC(), a.EndTS.UTC(), a.Service, a.Metric, a.Score, a.Detector, details)
	if err != nil {
		return false, fmt.Errorf("insert anomaly: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// UngroupedAnomalies returns anomalies starting at or after since that are not
// linked to any incident yet, ascending by start_ts.
func (c *Client) UngroupedAnomalies(ctx context.Context, since time.Time) ([]models.Anomaly, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT a.id, a.start_ts, a.end_ts, a.service, a.metric, a.score
		 FROM anomalies a
		 WHERE a.start_ts >= $1
		   AND NOT EXISTS (
		     SELECT 1 FROM incident_anomalies ia WHERE ia.anomaly_id = a.id
		   )
		 ORDER BY a.start_ts`,
		since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query ungrouped anomalies: %w", err)
	}
	defer rows.Close()

	var out []models.Anomaly
	for rows.Next() {
		var a models.Anomaly
		if err := rows.Scan(&a.ID, &a.StartTS, &a.EndTS, &a.Service, &a.Metric, &a.Score); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateIncident inserts an incident and its anomaly links in one
// transaction. Links use ON CONFLICT DO NOTHING so re-runs are idempotent.
func (c *Client) CreateIncident(ctx context.Context, inc *models.Incident, anomalyIDs []string) error {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO incidents (id, start_ts, end_ts, title, status, summary)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		inc.ID, inc.StartTS.UTC(), inc.EndTS.UTC(), inc.Title, inc.Status, nullable(inc.Summary))
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	for _, aid := range anomalyIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO incident_anomalies (incident_id, anomaly_id)
			 VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			inc.ID, aid)
		if err != nil {
			return fmt.Errorf("link anomaly %s: %w", aid, err)
		}
	}
	return tx.Commit()
}

// ListIncidents returns up to limit incidents newest-first, optionally
// filtered by status.
func (c *Client) ListIncidents(ctx context.Context, status string, limit int) ([]models.Incident, error) {
	if limit <= 0 || limit > 250 {
		limit = 250
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status != "" {
		rows, err = c.DB.QueryContext(ctx,
			`SELECT id, start_ts, end_ts, title, status, summary
			 FROM incidents WHERE status = $1
			 ORDER BY start_ts DESC LIMIT $2`, status, limit)
	} else {
		rows, err = c.DB.QueryContext(ctx,
			`SELECT id, start_ts, end_ts, title, status, summary
			 FROM incidents
			 ORDER BY start_ts DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// GetIncident returns one incident or ErrNotFound.
func (c *Client) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	row := c.DB.QueryRowContext(ctx,
		`SELECT id, start_ts, end_ts, title, status, summary
		 FROM incidents WHERE id = $1`, id)
	var inc models.Incident
	var endTS sql.NullTime
	var summary sql.NullString
	err := row.Scan(&inc.ID, &inc.StartTS, &endTS, &inc.Title, &inc.Status, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	if endTS.Valid {
		inc.EndTS = endTS.Time
	}
	inc.Summary = summary.String
	return &inc, nil
}

// AnomaliesForIncident returns the linked anomalies ascending by start_ts.
func (c *Client) AnomaliesForIncident(ctx context.Context, incidentID string) ([]models.Anomaly, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT a.id, a.start_ts, a.end_ts, a.service, a.metric, a.score, a.detector
		 FROM anomalies a
		 JOIN incident_anomalies ia ON ia.anomaly_id = a.id
		 WHERE ia.incident_id = $1
		 ORDER BY a.start_ts`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("query incident anomalies: %w", err)
	}
	defer rows.Close()

	var out []models.Anomaly
	for rows.Next() {
		var a models.Anomaly
		if err := rows.Scan(&a.ID, &a.StartTS, &a.EndTS, &a.Service, &a.Metric, &a.Score, &a.Detector); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AffectedServices returns the distinct services with anomalies linked to
// the incident.
func (c *Client) AffectedServices(ctx context.Context, incidentID string) ([]string, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT DISTINCT a.service
		 FROM anomalies a
		 JOIN incident_anomalies ia ON ia.anomaly_id = a.id
		 WHERE ia.incident_id = $1
		 ORDER BY a.service`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("query affected services: %w", err)
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

// SuspectsForIncident returns the persisted suspects ascending by rank.
func (c *Client) SuspectsForIncident(ctx context.Context, incidentID string) ([]models.Suspect, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT id, incident_id, suspect_type, suspect_key, rank, score, evidence
		 FROM suspects WHERE incident_id = $1
		 ORDER BY rank`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("query suspects: %w", err)
	}
	defer rows.Close()

	var out []models.Suspect
	for rows.Next() {
		var s models.Suspect
		var evidence []byte
		if err := rows.Scan(&s.ID, &s.IncidentID, &s.SuspectType, &s.SuspectKey, &s.Rank, &s.Score, &evidence); err != nil {
			return nil, fmt.Errorf("scan suspect: %w", err)
		}
		if len(evidence) > 0 {
			_ = json.Unmarshal(evidence, &s.Evidence)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetSuspect returns one suspect or ErrNotFound.
func (c *Client) GetSuspect(ctx context.Context, suspectID string) (*models.Suspect, error) {
	row := c.DB.QueryRowContext(ctx,
		`SELECT id, incident_id, suspect_type, suspect_key, rank, score, evidence
		 FROM suspects WHERE id = $1`, suspectID)
	var s models.Suspect
	var evidence []byte
	err := row.Scan(&s.ID, &s.IncidentID, &s.SuspectType, &s.SuspectKey, &s.Rank, &s.Score, &evidence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get suspect: %w", err)
	}
	if len(evidence) > 0 {
		_ = json.Unmarshal(evidence, &s.Evidence)
	}
	return &s, nil
}

// ReplaceSuspects atomically replaces the ranked suspect list for an
// incident: delete prior rows, insert the new list, one transaction.
func (c *Client) ReplaceSuspects(ctx context.Context, incidentID string, suspects []models.Suspect) (err error) {
	start := time.Now()
	defer func() {
		monitoring.RecordStoreOperation("replace", "suspects", time.Since(start), err == nil)
	}()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM suspects WHERE incident_id = $1`, incidentID); err != nil {
		return fmt.Errorf("delete suspects: %w", err)
	}
	for i := range suspects {
		s := &suspects[i]
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		var evidence []byte
		if len(s.Evidence) > 0 {
			evidence, err = json.Marshal(s.Evidence)
			if err != nil {
				return fmt.Errorf("marshal evidence: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO suspects (id, incident_id, suspect_type, suspect_key, rank, score, evidence)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			s.ID, incidentID, string(s.SuspectType), s.SuspectKey, s.Rank, s.Score, evidence)
		if err != nil {
			return fmt.Errorf("insert suspect: %w", err)
		}
	}
	return tx.Commit()
}

// InsertLabel appends a label row. The effective label per (incident,
// suspect) is the latest by created_at, so append-only gives upsert-latest
// semantics.
func (c *Client) InsertLabel(ctx context.Context, l *models.Label) (string, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := c.DB.ExecContext(ctx,
		`INSERT INTO labels (id, incident_id, suspect_id, label, labeler, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.IncidentID, l.SuspectID, l.Label, nullable(l.Labeler), nullable(l.Notes), l.CreatedAt.UTC())
	if err != nil {
		return "", fmt.Errorf("insert label: %w", err)
	}
	return l.ID, nil
}

// TrainingRow is one labeled example for the trainer.
type TrainingRow struct {
	Label    int
	Evidence map[string]float64
}

// TrainingRows joins the effective (latest) label per suspect with its
// evidence. Rows without evidence are excluded.
func (c *Client) TrainingRows(ctx context.Context) ([]TrainingRow, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT DISTINCT ON (l.incident_id, l.suspect_id) l.label, s.evidence
		 FROM labels l
		 JOIN suspects s ON s.id = l.suspect_id
		 WHERE s.evidence IS NOT NULL AND l.label IN (0, 1)
		 ORDER BY l.incident_id, l.suspect_id, l.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query training rows: %w", err)
	}
	defer rows.Close()

	var out []TrainingRow
	for rows.Next() {
		var r TrainingRow
		var evidence []byte
		if err := rows.Scan(&r.Label, &evidence); err != nil {
			return nil, fmt.Errorf("scan training row: %w", err)
		}
		if err := json.Unmarshal(evidence, &r.Evidence); err != nil {
			continue // malformed evidence rows are skipped
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TruthSuspect returns the suspect id of the latest label=1 row for the
// incident, or ErrNotFound.
func (c *Client) TruthSuspect(ctx context.Context, incidentID string) (string, error) {
	row := c.DB.QueryRowContext(ctx,
		`SELECT suspect_id FROM labels
		 WHERE incident_id = $1 AND label = 1
		 ORDER BY created_at DESC LIMIT 1`, incidentID)
	var id string
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("truth suspect: %w", err)
	}
	return id, nil
}

// LabeledIncidentIDs returns incident ids that have at least one label.
func (c *Client) LabeledIncidentIDs(ctx context.Context) ([]string, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT DISTINCT incident_id FROM labels ORDER BY incident_id`)
	if err != nil {
		return nil, fmt.Errorf("query labeled incidents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan incident id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ServiceIncidentCount counts distinct incidents since the cutoff that
// involved an anomaly for the service.
func (c *Client) ServiceIncidentCount(ctx context.Context, service string, since time.Time) (int, error) {
	row := c.DB.QueryRowContext(ctx,
		`SELECT count(DISTINCT i.id)
		 FROM incidents i
		 JOIN incident_anomalies ia ON i.id = ia.incident_id
		 JOIN anomalies a ON ia.anomaly_id = a.id
		 WHERE a.service = $1 AND i.start_ts >= $2`,
		service, since.UTC())
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("service incident count: %w", err)
	}
	return count, nil
}

func scanIncident(rows *sql.Rows) (models.Incident, error) {
	var inc models.Incident
	var endTS sql.NullTime
	var summary sql.NullString
	if err := rows.Scan(&inc.ID, &inc.StartTS, &endTS, &inc.Title, &inc.Status, &summary); err != nil {
		return inc, fmt.Errorf("scan incident: %w", err)
	}
	if endTS.Valid {
		inc.EndTS = endTS.Time
	}
	inc.Summary = summary.String
	return inc, nil
}
