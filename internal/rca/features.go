package rca

import (
	"context"
	"strings"
	"time"

	"github.com/platformbuilds/causeway/internal/models"
	"github.com/platformbuilds/causeway/pkg/logger"
)

// EvidenceKeys lists every feature the extractor produces, in extraction
// order. The persisted evidence map carries all of them for human
// inspection; the model consumes the subset in ModelFeatureOrder.
var EvidenceKeys = []string{
	"minutes_before_incident",
	"is_before_incident",
	"time_proximity_score",
	"metric_delta_count",
	"max_metric_delta",
	"avg_metric_delta",
	"error_log_delta",
	"new_error_signature",
	"diff_length",
	"diff_keyword_hit",
	"diff_keyword_count",
	"service_incident_rate_30d",
}

// diffKeywords flag risky change descriptions.
var diffKeywords = []string{"timeout", "retry", "cache", "db", "database", "connection", "pool"}

// newErrorEvent is the log event treated as a fresh failure signature.
const newErrorEvent = "DB_TIMEOUT"

// preChangeWindow is how far before a candidate's timestamp the comparison
// baseline reaches.
const preChangeWindow = 10 * time.Minute

// MetricStore reads bounded metric and log windows.
type MetricStore interface {
	AvgMetricsByWindow(ctx context.Context, service string, from, to time.Time, inclusiveEnd bool) (map[string]float64, error)
	CountErrorLogs(ctx context.Context, service string, from, to time.Time, inclusiveEnd bool) (int64, error)
	CountErrorLogsByEvent(ctx context.Context, service, event string, from, to time.Time) (int64, error)
}

// IncidentHistory reads historical incident involvement per service.
type IncidentHistory interface {
	ServiceIncidentCount(ctx context.Context, service string, since time.Time) (int, error)
}

// Extractor computes the evidence feature map per candidate. Extraction
// fails soft: a subsystem error for one feature group yields zeros there
// with a warning, never an aborted ranking.
type Extractor struct {
	metrics MetricStore
	history IncidentHistory
	log     logger.Logger

	// IncidentRateWindow bounds the historical-risk lookback. Default: 30d.
	IncidentRateWindow time.Duration
}

func NewExtractor(metrics MetricStore, history IncidentHistory, log logger.Logger) *Extractor {
	return &Extractor{
		metrics:            metrics,
		history:            history,
		log:                log,
		IncidentRateWindow: 30 * 24 * time.Hour,
	}
}

// Extract returns the full evidence map for one candidate.
func (e *Extractor) Extract(ctx context.Context, cand *models.Candidate, incidentStart, incidentEnd time.Time, affectedServices []string) map[string]float64 {
	features := make(map[string]float64, len(EvidenceKeys))

	e.timeFeatures(cand, incidentStart, features)
	e.correlationFeatures(ctx, cand, incidentEnd, affectedServices, features)
	e.logFeatures(ctx, cand, incidentEnd, features)
	e.diffFeatures(cand, features)
	e.historicalFeatures(ctx, cand, features)

	return features
}

func (e *Extractor) timeFeatures(cand *models.Candidate, incidentStart time.Time, features map[string]float64) {
	minutesBefore := incidentStart.Sub(cand.TS).Minutes()
	features["minutes_before_incident"] = minutesBefore
	if minutesBefore >= 0 {
		features["is_before_incident"] = 1.0
	} else {
		features["is_before_incident"] = 0.0
	}
	proximity := 1.0 - abs(minutesBefore)/60.0 // decay over one hour
	if proximity < 0 {
		proximity = 0
	}
	features["time_proximity_score"] = proximity
}

// correlationFeatures compares per-metric averages in the 10 minutes before
// the candidate against the candidate-to-incident-end window. The after
// window deliberately includes the incident itself, matching the live
// system's behavior so replay stays comparable; it does bias the delta
// toward any candidate preceding the incident.
func (e *Extractor) correlationFeatures(ctx context.Context, cand *models.Candidate, incidentEnd time.Time, affectedServices []string, features map[string]float64) {
	features["metric_delta_count"] = 0.0
	features["max_metric_delta"] = 0.0
	features["avg_metric_delta"] = 0.0

	if cand.SuspectType != models.SuspectDeployment || !containsString(affectedServices, cand.Service) {
		return
	}

	before, err := e.metrics.AvgMetricsByWindow(ctx, cand.Service, cand.TS.Add(-preChangeWindow), cand.TS, false)
	if err != nil {
		e.log.Warn("Error extracting correlation features", "service", cand.Service, "error", err)
		return
	}
	after, err := e.metrics.AvgMetricsByWindow(ctx, cand.Service, cand.TS, incidentEnd, true)
	if err != nil {
		e.log.Warn("Error extracting correlation features", "service", cand.Service, "error", err)
		return
	}

	var deltas []float64
	for metric, beforeVal := range before {
		afterVal, ok := after[metric]
		if !ok || beforeVal <= 0 {
			continue
		}
		deltas = append(deltas, abs(afterVal-beforeVal)/beforeVal)
	}
	if len(deltas) == 0 {
		return
	}

	maxDelta, sum := 0.0, 0.0
	for _, d := range deltas {
		if d > maxDelta {
			maxDelta = d
		}
		sum += d
	}
	features["metric_delta_count"] = float64(len(deltas))
	features["max_metric_delta"] = maxDelta
	features["avg_metric_delta"] = sum / float64(len(deltas))
}

func (e *Extractor) logFeatures(ctx context.Context, cand *models.Candidate, incidentEnd time.Time, features map[string]float64) {
	features["error_log_delta"] = 0.0
	features["new_error_signature"] = 0.0

	if cand.SuspectType != models.SuspectDeployment {
		return
	}

	beforeErrors, err := e.metrics.CountErrorLogs(ctx, cand.Service, cand.TS.Add(-preChangeWindow), cand.TS, false)
	if err != nil {
		e.log.Warn("Error extracting log features", "service", cand.Service, "error", err)
		return
	}
	afterErrors, err := e.metrics.CountErrorLogs(ctx, cand.Service, cand.TS, incidentEnd, true)
	if err != nil {
		e.log.Warn("Error extracting log features", "service", cand.Service, "error", err)
		return
	}

	denom := beforeErrors
	if denom < 1 {
		denom = 1
	}
	features["error_log_delta"] = float64(afterErrors-beforeErrors) / float64(denom)

	newErrors, err := e.metrics.CountErrorLogsByEvent(ctx, cand.Service, newErrorEvent, cand.TS, incidentEnd)
	if err != nil {
		e.log.Warn("Error extracting log features", "service", cand.Service, "error", err)
		return
	}
	if newErrors > 0 {
		features["new_error_signature"] = 1.0
	}
}

func (e *Extractor) diffFeatures(cand *models.Candidate, features map[string]float64) {
	features["diff_length"] = 0.0
	features["diff_keyword_hit"] = 0.0
	features["diff_keyword_count"] = 0.0

	diffSummary, _ := cand.Metadata["diff_summary"].(string)
	if diffSummary == "" {
		return
	}

	diffLower := strings.ToLower(diffSummary)
	hits := 0
	for _, keyword := range diffKeywords {
		if strings.Contains(diffLower, keyword) {
			hits++
		}
	}

	features["diff_length"] = float64(len(diffSummary))
	features["diff_keyword_count"] = float64(hits)
	if hits > 0 {
		features["diff_keyword_hit"] = 1.0
	}
}

func (e *Extractor) historicalFeatures(ctx context.Context, cand *models.Candidate, features map[string]float64) {
	features["service_incident_rate_30d"] = 0.0

	if cand.Service == "" {
		return
	}
	count, err := e.history.ServiceIncidentCount(ctx, cand.Service, time.Now().UTC().Add(-e.IncidentRateWindow))
	if err != nil {
		e.log.Warn("Error extracting historical features", "service", cand.Service, "error", err)
		return
	}
	features["service_incident_rate_30d"] = float64(count)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
