// Package grouper folds temporally adjacent anomalies into incidents. An
// anomaly joins the open incident when it starts within the configured gap
// of the incident's end, or when its service is already represented in the
// incident (cross-metric extension).
package grouper

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platformbuilds/causeway/internal/config"
	"github.com/platformbuilds/causeway/internal/models"
)

// Config configures incident grouping.
type Config struct {
	// Gap is the maximum distance between an anomaly's start and the open
	// incident's end for them to merge. Default: 10 minutes.
	Gap time.Duration

	// Lookback bounds how far back ungrouped anomalies are considered.
	// Default: 1 hour.
	Lookback time.Duration
}

// DefaultConfig returns the grouper defaults.
func DefaultConfig() Config {
	return Config{
		Gap:      10 * time.Minute,
		Lookback: time.Hour,
	}
}

// FromConfig maps the application config onto the defaults, overriding only
// the fields that are set.
func FromConfig(c config.GrouperConfig) Config {
	cfg := DefaultConfig()
	if c.GapMinutes > 0 {
		cfg.Gap = time.Duration(c.GapMinutes) * time.Minute
	}
	if c.LookbackMinutes > 0 {
		cfg.Lookback = time.Duration(c.LookbackMinutes) * time.Minute
	}
	return cfg
}

// Group is one proposed incident with its member anomaly ids.
type Group struct {
	Incident   models.Incident
	AnomalyIDs []string
	Services   []string
}

type openGroup struct {
	incident   models.Incident
	anomalyIDs []string
	services   map[string]struct{}
}

// GroupAnomalies folds start_ts-sorted anomalies into incidents. The input
// need not be sorted; grouping sorts a copy ascending by start_ts. The
// incident end never decreases as members join.
func GroupAnomalies(anomalies []models.Anomaly, cfg Config) []Group {
	if len(anomalies) == 0 {
		return nil
	}

	sorted := make([]models.Anomaly, len(anomalies))
	copy(sorted, anomalies)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartTS.Before(sorted[j].StartTS)
	})

	var groups []Group
	var current *openGroup

	for _, a := range sorted {
		if current == nil {
			current = newOpenGroup(a)
			continue
		}

		gap := a.StartTS.Sub(current.incident.EndTS)
		_, sameService := current.services[a.Service]

		if gap <= cfg.Gap || sameService {
			if a.EndTS.After(current.incident.EndTS) {
				current.incident.EndTS = a.EndTS
			}
			current.anomalyIDs = append(current.anomalyIDs, a.ID)
			current.services[a.Service] = struct{}{}
			if len(current.services) > 1 {
				current.incident.Title = fmt.Sprintf("Incident affecting %s", joinSorted(current.services))
			}
		} else {
			groups = append(groups, current.close())
			current = newOpenGroup(a)
		}
	}
	groups = append(groups, current.close())

	return groups
}

func newOpenGroup(a models.Anomaly) *openGroup {
	return &openGroup{
		incident: models.Incident{
			ID:      uuid.NewString(),
			StartTS: a.StartTS,
			EndTS:   a.EndTS,
			Title:   fmt.Sprintf("Incident in %s", a.Service),
			Status:  models.IncidentOpen,
		},
		anomalyIDs: []string{a.ID},
		services:   map[string]struct{}{a.Service: {}},
	}
}

func (g *openGroup) close() Group {
	services := make([]string, 0, len(g.services))
	for s := range g.services {
		services = append(services, s)
	}
	sort.Strings(services)
	return Group{
		Incident:   g.incident,
		AnomalyIDs: g.anomalyIDs,
		Services:   services,
	}
}

func joinSorted(set map[string]struct{}) string {
	services := make([]string, 0, len(set))
	for s := range set {
		services = append(services, s)
	}
	sort.Strings(services)
	return strings.Join(services, ", ")
}
