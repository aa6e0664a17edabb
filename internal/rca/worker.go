package rca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/platformbuilds/causeway/internal/models"
	"github.com/platformbuilds/causeway/internal/monitoring"
	"github.com/platformbuilds/causeway/internal/storage"
	"github.com/platformbuilds/causeway/pkg/logger"
)

// MessageSource is the consumer side of the request topic.
type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// Deadlines for external calls during a run.
const (
	storeDeadline  = 5 * time.Second
	windowDeadline = 10 * time.Second
)

// IncidentStore persists analysis results and answers incident lookups.
type IncidentStore interface {
	AffectedServices(ctx context.Context, incidentID string) ([]string, error)
	ReplaceSuspects(ctx context.Context, incidentID string, suspects []models.Suspect) error
}

// ActivitySink records progress events. Implementations must never block
// the pipeline on sink failures.
type ActivitySink interface {
	LogEvent(ctx context.Context, eventType, service, message string, metadata map[string]interface{})
}

// Runner executes one RCA run per request: candidates, evidence, ranking,
// transactional persistence. At most one run per incident is in flight at a
// time; the registry also backs the in_progress status probe.
type Runner struct {
	catalog   ChangeCatalog
	store     IncidentStore
	extractor *Extractor
	ranker    Ranker
	activity  ActivitySink
	cfg       CandidateConfig
	log       logger.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewRunner(catalog ChangeCatalog, store IncidentStore, extractor *Extractor, ranker Ranker, activity ActivitySink, cfg CandidateConfig, log logger.Logger) *Runner {
	return &Runner{
		catalog:   catalog,
		store:     store,
		extractor: extractor,
		ranker:    ranker,
		activity:  activity,
		cfg:       cfg,
		log:       log,
		inFlight:  make(map[string]struct{}),
	}
}

// InProgress reports whether a run for the incident is currently executing.
func (r *Runner) InProgress(incidentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[incidentID]
	return ok
}

func (r *Runner) begin(incidentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inFlight[incidentID]; ok {
		return false
	}
	r.inFlight[incidentID] = struct{}{}
	return true
}

func (r *Runner) finish(incidentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, incidentID)
}

// Run consumes RCA requests until the context is canceled. Offsets commit
// only after a run completes; malformed requests are skipped and committed.
func (r *Runner) Run(ctx context.Context, source MessageSource) error {
	r.log.Info("Starting RCA worker")
	for {
		msg, err := source.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("fetch RCA request: %w", err)
		}

		var req models.RCARequest
		if err := json.Unmarshal(msg.Value, &req); err != nil || req.IncidentID == "" {
			r.log.Warn("Skipping malformed RCA request", "offset", msg.Offset, "error", err)
			if err := source.Commit(ctx, msg); err != nil {
				r.log.Error("Failed to commit offset", "error", err)
			}
			continue
		}

		start := time.Now()
		if err := r.Analyze(ctx, req); err != nil {
			monitoring.RecordRCARun("failed", time.Since(start))
			// Leave the offset uncommitted so the request is redelivered
			// rather than silently lost.
			r.log.Error("RCA run failed", "incident_id", req.IncidentID, "error", err)
			continue
		}
		monitoring.RecordRCARun("completed", time.Since(start))

		if err := source.Commit(ctx, msg); err != nil {
			r.log.Error("Failed to commit offset", "error", err)
		}
	}
}

// Analyze runs the full pipeline for one incident request. No partial
// writes: suspects land in one transactional replace or not at all.
func (r *Runner) Analyze(ctx context.Context, req models.RCARequest) error {
	if !r.begin(req.IncidentID) {
		r.log.Warn("RCA run already in flight, skipping", "incident_id", req.IncidentID)
		return nil
	}
	defer r.finish(req.IncidentID)

	r.activity.LogEvent(ctx, "rca_started", "",
		fmt.Sprintf("RCA analysis started for incident %s", req.IncidentID),
		map[string]interface{}{"incident_id": req.IncidentID})

	storeCtx, cancel := context.WithTimeout(ctx, storeDeadline)
	services, err := r.store.AffectedServices(storeCtx, req.IncidentID)
	cancel()
	if err != nil {
		return fmt.Errorf("affected services for %s: %w", req.IncidentID, err)
	}

	ranked, err := r.RankIncident(ctx, req.StartTS, req.EndTS, services)
	if err != nil {
		return fmt.Errorf("rank incident %s: %w", req.IncidentID, err)
	}
	if len(ranked) == 0 {
		r.log.Warn("No candidates found for incident", "incident_id", req.IncidentID)
		return nil
	}

	suspects := make([]models.Suspect, len(ranked))
	for i, c := range ranked {
		suspects[i] = models.Suspect{
			IncidentID:  req.IncidentID,
			SuspectType: c.SuspectType,
			SuspectKey:  c.SuspectKey,
			Rank:        c.Rank,
			Score:       c.Score,
			Evidence:    c.Evidence,
		}
	}

	storeCtx, cancel = context.WithTimeout(ctx, storeDeadline)
	err = storage.WithRetry(storeCtx, func() error {
		return r.store.ReplaceSuspects(storeCtx, req.IncidentID, suspects)
	})
	cancel()
	if err != nil {
		return fmt.Errorf("store suspects for %s: %w", req.IncidentID, err)
	}

	topService := ""
	if len(services) > 0 {
		topService = services[0]
	}
	topSuspects := make([]string, 0, 3)
	for _, s := range suspects {
		if len(topSuspects) == 3 {
			break
		}
		topSuspects = append(topSuspects, s.SuspectKey)
	}
	r.activity.LogEvent(ctx, "suspects_generated", topService,
		fmt.Sprintf("Generated %d suspects for incident %s", len(suspects), req.IncidentID),
		map[string]interface{}{
			"incident_id":   req.IncidentID,
			"suspect_count": len(suspects),
			"top_suspects":  topSuspects,
		})
	r.activity.LogEvent(ctx, "rca_completed", topService,
		fmt.Sprintf("RCA analysis completed for incident %s", req.IncidentID),
		map[string]interface{}{"incident_id": req.IncidentID})

	r.log.Info("Generated ranked suspects",
		"incident_id", req.IncidentID, "count", len(suspects), "mode", r.ranker.Mode())
	return nil
}

// RankIncident runs candidates → evidence → ranking without persistence or
// activity events. The replay harness shares this path with the live
// pipeline so results stay comparable.
func (r *Runner) RankIncident(ctx context.Context, incidentStart, incidentEnd time.Time, affectedServices []string) ([]models.Candidate, error) {
	windowCtx, cancel := context.WithTimeout(ctx, windowDeadline)
	candidates, err := GenerateCandidates(windowCtx, r.catalog, r.cfg, incidentStart, incidentEnd, affectedServices)
	cancel()
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	for i := range candidates {
		windowCtx, cancel := context.WithTimeout(ctx, windowDeadline)
		candidates[i].Evidence = r.extractor.Extract(windowCtx, &candidates[i], incidentStart, incidentEnd, affectedServices)
		cancel()
	}

	return r.ranker.Rank(candidates), nil
}
