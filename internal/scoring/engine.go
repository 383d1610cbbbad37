// Package scoring turns feature vectors into fraud predictions.
//
// The engine prefers a trained classifier and falls back to a deterministic
// weighted rule set whenever the classifier is unavailable, disagrees with
// the vector's schema or fails on a call. Predict always returns a score in
// [0, 1].
package scoring

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/HanTheDev/risk-scoring-gateway/internal/features"
	"github.com/HanTheDev/risk-scoring-gateway/internal/logger"
	"github.com/HanTheDev/risk-scoring-gateway/internal/metrics"
	"github.com/HanTheDev/risk-scoring-gateway/internal/models"
)

var (
	ErrSchemaMismatch   = errors.New("scoring: feature schema mismatch")
	ErrInference        = errors.New("scoring: inference failed")
	ErrModelUnavailable = errors.New("scoring: model unavailable")
)

// FallbackVersion is reported as the model version of rule-based predictions.
const FallbackVersion = "rules-v1"

type State int

const (
	ModelUnavailable State = iota
	ModelLoaded
)

func (s State) String() string {
	if s == ModelLoaded {
		return "loaded"
	}
	return "unavailable"
}

type Source string

const (
	SourceModel    Source = "model"
	SourceFallback Source = "fallback"
)

type Prediction struct {
	FraudScore     float64               `json:"fraud_score"`
	RiskLevel      models.RiskLevel      `json:"risk_level"`
	Recommendation models.Recommendation `json:"recommendation"`
	Confidence     models.Confidence     `json:"confidence"`
	Factors        map[string]float64    `json:"factors"`
	Source         Source                `json:"source"`
	ModelVersion   string                `json:"model_version"`
}

type Config struct {
	// ModelPath points at a logistic regression artifact. Empty means no model.
	ModelPath string
	// RulesPath points at a fallback weight table. Empty means defaults.
	RulesPath string
}

// Engine is safe for concurrent use. Its state is decided once, at
// construction.
type Engine struct {
	state   State
	model   Classifier
	loadErr error
	rules   RuleWeights
	log     *logger.Logger
}

// NewEngine loads the classifier and the fallback weights. Load failures are
// logged here and never surface again: the engine simply stays in
// ModelUnavailable and scores with the rules.
func NewEngine(cfg Config, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Named("scoring")
	}

	rules, err := LoadRuleWeights(cfg.RulesPath)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.RulesPath).Msg("rule weights not loaded, using defaults")
	}

	var model Classifier
	m, err := LoadLogisticModel(cfg.ModelPath)
	if err == nil {
		err = checkLayout(m)
	}
	if err == nil {
		model = m
	}

	e := newEngine(model, err, rules, log)
	if e.state == ModelLoaded {
		log.Info().Str("model_version", m.Version()).Str("schema_version", m.SchemaVersion()).Msg("classifier loaded")
	} else {
		log.Warn().Err(e.loadErr).Str("path", cfg.ModelPath).Msg("classifier unavailable, scoring with fallback rules")
	}
	return e
}

// NewEngineWith builds an engine around an already loaded classifier. A nil
// classifier yields a fallback-only engine.
func NewEngineWith(model Classifier, rules RuleWeights, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Named("scoring")
	}
	return newEngine(model, nil, rules, log)
}

func newEngine(model Classifier, loadErr error, rules RuleWeights, log *logger.Logger) *Engine {
	e := &Engine{rules: rules, log: log}
	if model != nil && loadErr == nil {
		e.state = ModelLoaded
		e.model = model
		return e
	}
	e.state = ModelUnavailable
	e.loadErr = loadErr
	if e.loadErr == nil {
		e.loadErr = ErrModelUnavailable
	}
	return e
}

// checkLayout rejects an artifact whose feature order disagrees with a schema
// this build knows.
func checkLayout(m Classifier) error {
	names := features.Vector{SchemaVersion: m.SchemaVersion()}.Names()
	if names == nil {
		return nil
	}
	if !slices.Equal(names, m.Features()) {
		return fmt.Errorf("%w: model feature order differs from schema %s", ErrSchemaMismatch, m.SchemaVersion())
	}
	return nil
}

func (e *Engine) State() State {
	return e.state
}

// LoadError is why the classifier is unavailable, nil when loaded.
func (e *Engine) LoadError() error {
	if e.state == ModelLoaded {
		return nil
	}
	return e.loadErr
}

func (e *Engine) ModelVersion() string {
	if e.state == ModelLoaded {
		return e.model.Version()
	}
	return FallbackVersion
}

func (e *Engine) Rules() RuleWeights {
	return e.rules
}

// Predict scores v. It never fails.
func (e *Engine) Predict(v features.Vector) Prediction {
	var p Prediction
	reason := "model_unavailable"

	if e.state == ModelLoaded {
		var err error
		p, err = e.predictModel(v)
		if err == nil {
			return e.finish(p)
		}
		switch {
		case errors.Is(err, ErrSchemaMismatch):
			reason = "schema_mismatch"
			e.log.Warn().Err(err).Str("schema_version", v.SchemaVersion).Msg("feature vector rejected by classifier")
		default:
			reason = "inference_error"
			e.log.Error().Err(err).Msg("classifier inference failed")
		}
	}

	metrics.FallbackReasons.WithLabelValues(reason).Inc()
	score, factors := e.rules.Score(v)
	p = Prediction{
		FraudScore:   score,
		Confidence:   models.ConfidenceLow,
		Factors:      factors,
		Source:       SourceFallback,
		ModelVersion: FallbackVersion,
	}
	return e.finish(p)
}

func (e *Engine) predictModel(v features.Vector) (p Prediction, err error) {
	if v.SchemaVersion != e.model.SchemaVersion() || len(v.Values) != len(e.model.Features()) {
		return p, fmt.Errorf("%w: vector %s/%d, model %s/%d", ErrSchemaMismatch,
			v.SchemaVersion, len(v.Values), e.model.SchemaVersion(), len(e.model.Features()))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrInference, r)
		}
	}()

	prob, factors, err := e.model.PredictProba(v.Values)
	if err != nil {
		if !errors.Is(err, ErrInference) {
			err = fmt.Errorf("%w: %w", ErrInference, err)
		}
		return p, err
	}
	if math.IsNaN(prob) || prob < 0 || prob > 1 {
		return p, fmt.Errorf("%w: probability %v out of range", ErrInference, prob)
	}

	return Prediction{
		FraudScore:   prob,
		Confidence:   models.ConfidenceHigh,
		Factors:      factors,
		Source:       SourceModel,
		ModelVersion: e.model.Version(),
	}, nil
}

func (e *Engine) finish(p Prediction) Prediction {
	p.FraudScore = Normalize(p.FraudScore)
	p.RiskLevel = LevelFor(p.FraudScore)
	p.Recommendation = RecommendationFor(p.RiskLevel)
	if p.Factors == nil {
		p.Factors = map[string]float64{}
	}
	metrics.Predictions.WithLabelValues(string(p.Source), string(p.RiskLevel)).Inc()
	return p
}

// Normalize clamps a score to [0, 1] and rounds it to 4 decimals. NaN maps to 0.
func Normalize(score float64) float64 {
	switch {
	case math.IsNaN(score) || score < 0:
		return 0
	case score > 1:
		return 1
	}
	return math.Round(score*10000) / 10000
}

// LevelFor maps a normalized score onto its tier:
// LOW [0, .3), MEDIUM [.3, .5), HIGH [.5, .8), CRITICAL [.8, 1].
func LevelFor(score float64) models.RiskLevel {
	switch {
	case score >= 0.8:
		return models.RiskCritical
	case score >= 0.5:
		return models.RiskHigh
	case score >= 0.3:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func RecommendationFor(level models.RiskLevel) models.Recommendation {
	switch level {
	case models.RiskLow:
		return models.RecommendApprove
	case models.RiskMedium:
		return models.RecommendReview
	default:
		return models.RecommendDecline
	}
}
