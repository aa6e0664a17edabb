// Package replay reconstructs incidents offline from stored telemetry and
// scores the ranking against human labels. It shares the candidate, evidence,
// and ranking path with the live pipeline so replay numbers stay comparable
// to production behavior.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/platformbuilds/causeway/internal/detector"
	"github.com/platformbuilds/causeway/internal/grouper"
	"github.com/platformbuilds/causeway/internal/models"
	"github.com/platformbuilds/causeway/internal/rca"
	"github.com/platformbuilds/causeway/internal/storage/postgres"
	"github.com/platformbuilds/causeway/pkg/logger"
)

// metricsLookback is how much history before the incident the detector
// replays over, enough to rebuild a stable baseline.
const metricsLookback = 24 * time.Hour

// Store answers the incident and label lookups a replay needs.
type Store interface {
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	TruthSuspect(ctx context.Context, incidentID string) (string, error)
	GetSuspect(ctx context.Context, suspectID string) (*models.Suspect, error)
	LabeledIncidentIDs(ctx context.Context) ([]string, error)
}

// MetricSource loads raw metric points for the replay window.
type MetricSource interface {
	MetricsInRange(ctx context.Context, from, to time.Time) ([]models.MetricPoint, error)
}

// Result is the outcome of replaying one incident. Ranking metrics are nil
// when the incident has no labeled true cause.
type Result struct {
	IncidentID       string   `json:"incident_id"`
	PrecisionAt1     *float64 `json:"precision_at_1"`
	PrecisionAt3     *float64 `json:"precision_at_3"`
	MRR              *float64 `json:"mrr"`
	TimeToDetectMins *float64 `json:"time_to_detect_minutes"`
	NumAnomalies     int      `json:"num_anomalies"`
	NumSuspects      int      `json:"num_suspects"`
}

// Summary aggregates per-incident results with arithmetic means. Incidents
// missing a metric are skipped for that metric, not counted as zero.
type Summary struct {
	NumIncidents     int      `json:"num_incidents"`
	PrecisionAt1     *float64 `json:"precision_at_1"`
	PrecisionAt3     *float64 `json:"precision_at_3"`
	MRR              *float64 `json:"mrr"`
	AvgTimeToDetect  *float64 `json:"avg_time_to_detect_minutes"`
	IndividualResult []Result `json:"individual_results"`
}

// Harness wires the offline detection sweep to the shared ranking path.
type Harness struct {
	store       Store
	metrics     MetricSource
	runner      *rca.Runner
	detectorCfg detector.Config
	grouperCfg  grouper.Config
	log         logger.Logger
}

func NewHarness(store Store, metrics MetricSource, runner *rca.Runner, detectorCfg detector.Config, grouperCfg grouper.Config, log logger.Logger) *Harness {
	return &Harness{
		store:       store,
		metrics:     metrics,
		runner:      runner,
		detectorCfg: detectorCfg,
		grouperCfg:  grouperCfg,
		log:         log,
	}
}

// ReplayIncident rebuilds one incident from raw telemetry: sweep the stored
// series through the detector, regroup the anomalies, re-rank the candidates,
// and compare against the labeled true cause.
func (h *Harness) ReplayIncident(ctx context.Context, incidentID string) (*Result, error) {
	incident, err := h.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("load incident %s: %w", incidentID, err)
	}
	incidentEnd := incident.EndTS
	if incidentEnd.IsZero() {
		incidentEnd = incident.StartTS.Add(time.Hour)
	}

	truth, err := h.truthSuspect(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if truth == nil {
		h.log.Warn("No true cause labeled for incident", "incident_id", incidentID)
	}

	points, err := h.metrics.MetricsInRange(ctx, incident.StartTS.Add(-metricsLookback), incidentEnd)
	if err != nil {
		return nil, fmt.Errorf("load metrics for %s: %w", incidentID, err)
	}

	anomalies := h.detect(points)
	h.log.Info("Replay detection finished",
		"incident_id", incidentID, "points", len(points), "anomalies", len(anomalies))

	result := &Result{IncidentID: incidentID, NumAnomalies: len(anomalies)}

	groups := grouper.GroupAnomalies(anomalies, h.grouperCfg)
	if len(groups) == 0 {
		h.log.Warn("Replay produced no incidents", "incident_id", incidentID)
		if truth != nil {
			zero := 0.0
			result.PrecisionAt1 = &zero
			result.PrecisionAt3 = &zero
			result.MRR = &zero
		}
		return result, nil
	}

	group := groups[0]
	services := affectedServices(anomalies)

	ranked, err := h.runner.RankIncident(ctx, group.Incident.StartTS, group.Incident.EndTS, services)
	if err != nil {
		return nil, fmt.Errorf("rank replayed incident %s: %w", incidentID, err)
	}
	result.NumSuspects = len(ranked)

	if truth != nil {
		p1, p3, mrr := rankingMetrics(ranked, truth)
		result.PrecisionAt1 = &p1
		result.PrecisionAt3 = &p3
		result.MRR = &mrr
	}

	if len(anomalies) > 0 {
		first := anomalies[0].StartTS
		for _, a := range anomalies[1:] {
			if a.StartTS.Before(first) {
				first = a.StartTS
			}
		}
		ttd := first.Sub(incident.StartTS).Minutes()
		result.TimeToDetectMins = &ttd
	}
	return result, nil
}

// Evaluate replays every labeled incident and averages the metrics.
// A failed replay is logged and skipped rather than failing the run.
func (h *Harness) Evaluate(ctx context.Context) (*Summary, error) {
	ids, err := h.store.LabeledIncidentIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list labeled incidents: %w", err)
	}

	summary := &Summary{}
	var p1s, p3s, mrrs, ttds []float64
	for _, id := range ids {
		result, err := h.ReplayIncident(ctx, id)
		if err != nil {
			h.log.Error("Failed to replay incident", "incident_id", id, "error", err)
			continue
		}
		summary.IndividualResult = append(summary.IndividualResult, *result)
		if result.PrecisionAt1 != nil {
			p1s = append(p1s, *result.PrecisionAt1)
		}
		if result.PrecisionAt3 != nil {
			p3s = append(p3s, *result.PrecisionAt3)
		}
		if result.MRR != nil {
			mrrs = append(mrrs, *result.MRR)
		}
		if result.TimeToDetectMins != nil {
			ttds = append(ttds, *result.TimeToDetectMins)
		}
	}
	summary.NumIncidents = len(summary.IndividualResult)
	summary.PrecisionAt1 = mean(p1s)
	summary.PrecisionAt3 = mean(p3s)
	summary.MRR = mean(mrrs)
	summary.AvgTimeToDetect = mean(ttds)
	return summary, nil
}

// truthSuspect resolves the latest label=1 suspect for the incident, or nil
// when nothing is labeled.
func (h *Harness) truthSuspect(ctx context.Context, incidentID string) (*models.Suspect, error) {
	truthID, err := h.store.TruthSuspect(ctx, incidentID)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("truth suspect for %s: %w", incidentID, err)
	}
	suspect, err := h.store.GetSuspect(ctx, truthID)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load suspect %s: %w", truthID, err)
	}
	return suspect, nil
}

// detect sweeps each stored (service, metric) series through the window
// detector, the same math the streaming worker runs point by point.
func (h *Harness) detect(points []models.MetricPoint) []models.Anomaly {
	type series struct {
		timestamps []time.Time
		values     []float64
	}
	byKey := make(map[string]*series)
	var keys []string
	for _, p := range points {
		key := p.Service + "|" + p.Metric
		s, ok := byKey[key]
		if !ok {
			s = &series{}
			byKey[key] = s
			keys = append(keys, key)
		}
		s.timestamps = append(s.timestamps, p.TS)
		s.values = append(s.values, p.Value)
	}
	sort.Strings(keys)

	var anomalies []models.Anomaly
	seq := 0
	for _, key := range keys {
		s := byKey[key]
		service, metric := splitKey(key)
		for _, seg := range h.detectorCfg.DetectWindow(s.timestamps, s.values, metric) {
			seq++
			anomalies = append(anomalies, models.Anomaly{
				ID:       fmt.Sprintf("replay-%d", seq),
				Service:  service,
				Metric:   metric,
				StartTS:  seg.StartTS,
				EndTS:    seg.EndTS,
				Score:    seg.MaxZ,
				Detector: detector.DetectorName,
			})
		}
	}
	return anomalies
}

// rankingMetrics scores the ranked list against the true cause: Precision@1,
// Precision@3, and reciprocal rank. A truth absent from the list scores zero.
func rankingMetrics(ranked []models.Candidate, truth *models.Suspect) (p1, p3, mrr float64) {
	rank := 0
	for _, c := range ranked {
		if c.SuspectType == truth.SuspectType && c.SuspectKey == truth.SuspectKey {
			rank = c.Rank
			break
		}
	}
	if rank == 0 {
		return 0, 0, 0
	}
	if rank == 1 {
		p1 = 1
	}
	if rank <= 3 {
		p3 = 1
	}
	return p1, p3, 1.0 / float64(rank)
}

func affectedServices(anomalies []models.Anomaly) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range anomalies {
		if _, ok := seen[a.Service]; ok {
			continue
		}
		seen[a.Service] = struct{}{}
		out = append(out, a.Service)
	}
	sort.Strings(out)
	return out
}

func splitKey(key string) (service, metric string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func mean(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	m := sum / float64(len(values))
	return &m
}
