package scoring

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Classifier is a trained model that maps a feature vector to a fraud
// probability.
type Classifier interface {
	Version() string
	SchemaVersion() string
	Features() []string
	// PredictProba returns the fraud probability and the per-feature
	// contributions to it.
	PredictProba(values []float64) (float64, map[string]float64, error)
}

// LogisticModel is a logistic regression artifact.
//
//	version: lr-2026-03
//	schema_version: v1
//	features: [amount, log_amount, ...]
//	coefficients: [0.0004, 0.31, ...]
//	intercept: -3.2
type LogisticModel struct {
	ModelVersion string    `yaml:"version"`
	Schema       string    `yaml:"schema_version"`
	FeatureNames []string  `yaml:"features"`
	Coefficients []float64 `yaml:"coefficients"`
	Intercept    float64   `yaml:"intercept"`
}

// LoadLogisticModel reads and validates an artifact from path.
func LoadLogisticModel(path string) (*LogisticModel, error) {
	if path == "" {
		return nil, errors.New("scoring: no model path configured")
	}
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scoring: read model: %w", err)
	}
	return ParseLogisticModel(data)
}

func ParseLogisticModel(data []byte) (*LogisticModel, error) {
	var m LogisticModel
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("scoring: parse model: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *LogisticModel) Validate() error {
	switch {
	case m.ModelVersion == "":
		return errors.New("scoring: model version is required")
	case m.Schema == "":
		return errors.New("scoring: model schema_version is required")
	case len(m.FeatureNames) == 0:
		return errors.New("scoring: model has no features")
	case len(m.FeatureNames) != len(m.Coefficients):
		return fmt.Errorf("scoring: model has %d features but %d coefficients", len(m.FeatureNames), len(m.Coefficients))
	}
	if !finite(m.Intercept) {
		return errors.New("scoring: model intercept is not finite")
	}
	for i, c := range m.Coefficients {
		if !finite(c) {
			return fmt.Errorf("scoring: coefficient of %s is not finite", m.FeatureNames[i])
		}
	}
	return nil
}

func (m *LogisticModel) Version() string       { return m.ModelVersion }
func (m *LogisticModel) SchemaVersion() string { return m.Schema }
func (m *LogisticModel) Features() []string    { return m.FeatureNames }

func (m *LogisticModel) PredictProba(values []float64) (float64, map[string]float64, error) {
	if len(values) != len(m.Coefficients) {
		return 0, nil, fmt.Errorf("%w: got %d values, want %d", ErrInference, len(values), len(m.Coefficients))
	}

	z := m.Intercept
	contrib := make(map[string]float64)
	for i, c := range m.Coefficients {
		term := c * values[i]
		if term != 0 {
			contrib[m.FeatureNames[i]] = term
		}
		z += term
	}

	p := 1 / (1 + math.Exp(-z))
	if !finite(p) {
		return 0, nil, fmt.Errorf("%w: non-finite probability", ErrInference)
	}
	return p, contrib, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
