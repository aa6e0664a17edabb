package rca

import (
	"math"
	"sort"

	"github.com/platformbuilds/causeway/internal/models"
)

// Ranker scores candidates carrying evidence and assigns contiguous ranks.
// Both implementations share the same contract: higher score means more
// suspect, ranks run 1..N with no gaps, ties break deterministically.
type Ranker interface {
	Rank(candidates []models.Candidate) []models.Candidate
	Mode() string
}

// HeuristicRanker is the hand-tuned v1 scorer, also the fallback when no
// learned model is available.
type HeuristicRanker struct{}

func (HeuristicRanker) Mode() string { return "heuristic" }

func (HeuristicRanker) Rank(candidates []models.Candidate) []models.Candidate {
	scored := make([]models.Candidate, len(candidates))
	copy(scored, candidates)
	for i := range scored {
		scored[i].Score = HeuristicScore(scored[i].Evidence)
	}
	assignRanks(scored)
	return scored
}

// HeuristicScore combines the evidence features with hand-tuned weights.
func HeuristicScore(evidence map[string]float64) float64 {
	score := 0.0

	isBefore := evidence["is_before_incident"]
	score += 3.0 * isBefore

	if isBefore > 0 {
		minutesBefore, ok := evidence["minutes_before_incident"]
		if !ok {
			minutesBefore = 60.0
		}
		score += 2.0 * math.Exp(-math.Abs(minutesBefore)/30.0)
	}

	maxDelta := evidence["max_metric_delta"]
	score += 2.5 * math.Min(1.0, maxDelta)

	errorDelta := evidence["error_log_delta"]
	score += 2.0 * math.Min(1.0, math.Max(0.0, errorDelta/10.0)) // 10x spike saturates

	score += 1.5 * evidence["new_error_signature"]
	score += 1.0 * evidence["diff_keyword_hit"]

	return score
}

// LearnedRanker scores with a trained linear model; the score is the
// calibrated probability of the positive class.
type LearnedRanker struct {
	model *ModelArtifact
}

func (r *LearnedRanker) Mode() string { return "learned" }

func (r *LearnedRanker) Rank(candidates []models.Candidate) []models.Candidate {
	scored := make([]models.Candidate, len(candidates))
	copy(scored, candidates)
	for i := range scored {
		scored[i].Score = r.model.Score(scored[i].Evidence)
	}
	assignRanks(scored)
	return scored
}

// assignRanks stable-sorts by score descending with a deterministic
// tie-break on suspect_type then suspect_key, then numbers ranks 1..N.
func assignRanks(candidates []models.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if candidates[i].SuspectType != candidates[j].SuspectType {
			return candidates[i].SuspectType < candidates[j].SuspectType
		}
		return candidates[i].SuspectKey < candidates[j].SuspectKey
	})
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
}
