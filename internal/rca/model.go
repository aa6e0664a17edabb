package rca

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/platformbuilds/causeway/pkg/logger"
)

// ModelVersion tags the artifact format.
const ModelVersion = 1

// ModelFeatureOrder is the contractual feature order shared by the trainer
// and the learned ranker. diff_length stays evidence-only and is excluded
// from the model input.
var ModelFeatureOrder = []string{
	"is_before_incident",
	"time_proximity_score",
	"minutes_before_incident",
	"metric_delta_count",
	"max_metric_delta",
	"avg_metric_delta",
	"error_log_delta",
	"new_error_signature",
	"diff_keyword_hit",
	"diff_keyword_count",
	"service_incident_rate_30d",
}

// ContractError reports a mismatch between a stored model artifact and the
// feature order the extractor produces. A mismatched model must never score.
type ContractError struct {
	Reason string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("model contract violation: %s", e.Reason)
}

// ModelArtifact is the on-disk form of a trained linear ranker.
type ModelArtifact struct {
	Version      int       `json:"version"`
	FeatureNames []string  `json:"feature_names"`
	Weights      []float64 `json:"weights"`
	Bias         float64   `json:"bias"`
}

// Score returns the probability of the positive class for one evidence map.
func (m *ModelArtifact) Score(evidence map[string]float64) float64 {
	x := Vectorize(evidence, m.FeatureNames)
	z := m.Bias
	for i, w := range m.Weights {
		z += w * x[i]
	}
	return sigmoid(z)
}

// Vectorize extracts evidence values in the given feature order. Missing
// keys contribute 0.0.
func Vectorize(evidence map[string]float64, order []string) []float64 {
	x := make([]float64, len(order))
	for i, name := range order {
		x[i] = evidence[name]
	}
	return x
}

// SaveModel writes the artifact as JSON, creating the directory if needed.
func SaveModel(path string, m *ModelArtifact) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	return nil
}

// LoadModel reads and validates an artifact. It returns os.ErrNotExist when
// the file is absent and *ContractError when the stored feature order does
// not match ModelFeatureOrder elementwise.
func LoadModel(path string) (*ModelArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m ModelArtifact
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if len(m.Weights) != len(m.FeatureNames) {
		return nil, &ContractError{Reason: fmt.Sprintf(
			"weights length %d does not match feature count %d", len(m.Weights), len(m.FeatureNames))}
	}
	if len(m.FeatureNames) != len(ModelFeatureOrder) {
		return nil, &ContractError{Reason: fmt.Sprintf(
			"artifact has %d features, extractor produces %d", len(m.FeatureNames), len(ModelFeatureOrder))}
	}
	for i, name := range ModelFeatureOrder {
		if m.FeatureNames[i] != name {
			return nil, &ContractError{Reason: fmt.Sprintf(
				"feature %d is %q, want %q", i, m.FeatureNames[i], name)}
		}
	}
	return &m, nil
}

// NewRanker loads the artifact at path and returns a learned ranker, or the
// heuristic fallback with a warning when the artifact is absent, unreadable,
// or violates the feature contract.
func NewRanker(path string, log logger.Logger) Ranker {
	m, err := LoadModel(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("Model artifact not found, using heuristic ranker", "path", path)
		} else {
			log.Warn("Failed to load model, using heuristic ranker", "path", path, "error", err)
		}
		return HeuristicRanker{}
	}
	log.Info("Loaded ranking model", "path", path, "features", len(m.FeatureNames))
	return &LearnedRanker{model: m}
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}
