// Package rca turns an incident into a ranked list of suspects: enumerate
// candidate changes in the incident window, extract evidence features for
// each, score them, and persist the ranked result.
package rca

import (
	"context"
	"fmt"
	"time"

	"github.com/platformbuilds/causeway/internal/config"
	"github.com/platformbuilds/causeway/internal/models"
)

// ChangeCatalog reads the timestamped change history.
type ChangeCatalog interface {
	DeploymentsInWindow(ctx context.Context, services []string, from, to time.Time) ([]models.Deployment, error)
	ConfigChangesInWindow(ctx context.Context, services []string, from, to time.Time) ([]models.ConfigChange, error)
	FlagChangesInWindow(ctx context.Context, services []string, from, to time.Time) ([]models.FlagChange, error)
}

// CandidateConfig configures candidate enumeration.
type CandidateConfig struct {
	// Lookback extends the window before the incident start. Default: 2h.
	Lookback time.Duration

	// Lookforward extends the window past the incident end. Default: 0.
	Lookforward time.Duration

	// FallbackLag places the synthetic SERVICE candidate this far before
	// the incident start. Default: 30 minutes.
	FallbackLag time.Duration
}

// DefaultCandidateConfig returns the enumeration defaults.
func DefaultCandidateConfig() CandidateConfig {
	return CandidateConfig{
		Lookback:    2 * time.Hour,
		Lookforward: 0,
		FallbackLag: 30 * time.Minute,
	}
}

// CandidateConfigFrom maps the application config onto the defaults,
// overriding only the fields that are set.
func CandidateConfigFrom(c config.RCAConfig) CandidateConfig {
	cfg := DefaultCandidateConfig()
	if c.WindowBeforeHrs > 0 {
		cfg.Lookback = time.Duration(c.WindowBeforeHrs) * time.Hour
	}
	if c.FallbackLagMins > 0 {
		cfg.FallbackLag = time.Duration(c.FallbackLagMins) * time.Minute
	}
	return cfg
}

// GenerateCandidates queries the change catalog for everything that touched
// the affected services inside the incident window. When nothing is found
// and there are affected services, one synthetic SERVICE candidate per
// service guarantees the ranker has a subject of analysis.
func GenerateCandidates(ctx context.Context, catalog ChangeCatalog, cfg CandidateConfig, incidentStart, incidentEnd time.Time, affectedServices []string) ([]models.Candidate, error) {
	windowStart := incidentStart.Add(-cfg.Lookback)
	windowEnd := incidentEnd.Add(cfg.Lookforward)

	var candidates []models.Candidate

	deployments, err := catalog.DeploymentsInWindow(ctx, affectedServices, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("deployments in window: %w", err)
	}
	for _, d := range deployments {
		candidates = append(candidates, models.Candidate{
			SuspectType: models.SuspectDeployment,
			SuspectKey:  d.ID,
			TS:          d.TS,
			Service:     d.Service,
			Metadata: map[string]interface{}{
				"commit_sha":   d.CommitSHA,
				"version":      d.Version,
				"author":       d.Author,
				"diff_summary": d.DiffSummary,
				"links":        d.Links,
			},
		})
	}

	configChanges, err := catalog.ConfigChangesInWindow(ctx, affectedServices, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("config changes in window: %w", err)
	}
	for _, cc := range configChanges {
		candidates = append(candidates, models.Candidate{
			SuspectType: models.SuspectConfig,
			SuspectKey:  cc.ID,
			TS:          cc.TS,
			Service:     cc.Service,
			Metadata: map[string]interface{}{
				"key":            cc.Key,
				"old_value_hash": cc.OldValueHash,
				"new_value_hash": cc.NewValueHash,
				"diff_summary":   cc.DiffSummary,
				"source":         cc.Source,
			},
		})
	}

	flagChanges, err := catalog.FlagChangesInWindow(ctx, affectedServices, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("flag changes in window: %w", err)
	}
	for _, fc := range flagChanges {
		service := ""
		if fc.Service != nil {
			service = *fc.Service
		}
		candidates = append(candidates, models.Candidate{
			SuspectType: models.SuspectFlag,
			SuspectKey:  fc.ID,
			TS:          fc.TS,
			Service:     service,
			Metadata: map[string]interface{}{
				"flag_name": fc.FlagName,
				"old_state": fc.OldState,
				"new_state": fc.NewState,
			},
		})
	}

	if len(candidates) == 0 && len(affectedServices) > 0 {
		for _, service := range affectedServices {
			candidates = append(candidates, models.Candidate{
				SuspectType: models.SuspectService,
				SuspectKey:  fmt.Sprintf("service_%s", service),
				TS:          incidentStart.Add(-cfg.FallbackLag),
				Service:     service,
				Metadata: map[string]interface{}{
					"reason": "No deployments/config changes found, analyzing service behavior",
				},
			})
		}
	}

	return candidates, nil
}
