package models

import (
	"time"
)

// SuspectType enumerates the kinds of change a suspect can point at.
type SuspectType string

const (
	SuspectDeployment SuspectType = "DEPLOYMENT"
	SuspectConfig     SuspectType = "CONFIG"
	SuspectFlag       SuspectType = "FLAG"
	SuspectService    SuspectType = "SERVICE"
)

// Incident status values.
const (
	IncidentOpen   = "OPEN"
	IncidentClosed = "CLOSED"
)

// MetricPoint is a single sample on a (service, metric) series.
type MetricPoint struct {
	TS      time.Time         `json:"ts"`
	Service string            `json:"service"`
	Metric  string            `json:"metric"`
	Value   float64           `json:"value"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// LogEntry is a structured application log line.
type LogEntry struct {
	TS      time.Time         `json:"ts"`
	Service string            `json:"service"`
	Level   string            `json:"level"`
	Event   string            `json:"event,omitempty"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`
}

// Anomaly is a detected deviation segment on a (service, metric) series.
type Anomaly struct {
	ID       string             `json:"id"`
	Service  string             `json:"service"`
	Metric   string             `json:"metric"`
	StartTS  time.Time          `json:"start_ts"`
	EndTS    time.Time          `json:"end_ts"`
	Score    float64            `json:"score"`
	Detector string             `json:"detector"`
	Details  map[string]float64 `json:"details,omitempty"`
}

// Incident groups temporally adjacent anomalies.
type Incident struct {
	ID      string    `json:"id"`
	StartTS time.Time `json:"start_ts"`
	EndTS   time.Time `json:"end_ts"`
	Title   string    `json:"title"`
	Status  string    `json:"status"`
	Summary string    `json:"summary,omitempty"`
}

// Deployment is a change-catalog row for a code rollout.
type Deployment struct {
	ID          string    `json:"id"`
	TS          time.Time `json:"ts"`
	Service     string    `json:"service"`
	CommitSHA   string    `json:"commit_sha"`
	Version     string    `json:"version,omitempty"`
	Author      string    `json:"author,omitempty"`
	DiffSummary string    `json:"diff_summary,omitempty"`
	Links       []string  `json:"links,omitempty"`
}

// ConfigChange is a change-catalog row for a configuration edit.
type ConfigChange struct {
	ID           string    `json:"id"`
	TS           time.Time `json:"ts"`
	Service      string    `json:"service"`
	Key          string    `json:"key"`
	OldValueHash string    `json:"old_value_hash,omitempty"`
	NewValueHash string    `json:"new_value_hash,omitempty"`
	DiffSummary  string    `json:"diff_summary,omitempty"`
	Source       string    `json:"source,omitempty"`
}

// FlagChange is a change-catalog row for a feature-flag flip.
// Service is nullable: a flag may be global.
type FlagChange struct {
	ID       string    `json:"id"`
	TS       time.Time `json:"ts"`
	FlagName string    `json:"flag_name"`
	Service  *string   `json:"service,omitempty"`
	OldState string    `json:"old_state,omitempty"`
	NewState string    `json:"new_state,omitempty"`
}

// Candidate is a potential root cause before ranking. Metadata is preserved
// verbatim from the originating change row.
type Candidate struct {
	SuspectType SuspectType            `json:"suspect_type"`
	SuspectKey  string                 `json:"suspect_key"`
	TS          time.Time              `json:"ts"`
	Service     string                 `json:"service"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Evidence    map[string]float64     `json:"evidence,omitempty"`
	Score       float64                `json:"score"`
	Rank        int                    `json:"rank"`
}

// Suspect is a ranked candidate persisted for an incident.
type Suspect struct {
	ID          string             `json:"id"`
	IncidentID  string             `json:"incident_id"`
	SuspectType SuspectType        `json:"suspect_type"`
	SuspectKey  string             `json:"suspect_key"`
	Rank        int                `json:"rank"`
	Score       float64            `json:"score"`
	Evidence    map[string]float64 `json:"evidence"`
}

// Label is a human judgement on a suspect. The latest row per
// (incident, suspect) is the effective one.
type Label struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	SuspectID  string    `json:"suspect_id"`
	Label      int       `json:"label"`
	Labeler    string    `json:"labeler,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ActivityEvent is one entry in the sliding activity log.
type ActivityEvent struct {
	TS       time.Time              `json:"ts"`
	Type     string                 `json:"type"`
	Service  string                 `json:"service,omitempty"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RCARequest asks the RCA worker to analyze one incident.
type RCARequest struct {
	IncidentID string    `json:"incident_id"`
	StartTS    time.Time `json:"start_ts"`
	EndTS      time.Time `json:"end_ts"`
}
