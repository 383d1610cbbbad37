package scoring

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/HanTheDev/risk-scoring-gateway/internal/features"
)

// Rule names, also used as factor keys of fallback predictions.
const (
	RuleHighAmount         = "high_amount"
	RuleUnusualHour        = "unusual_hour"
	RuleDisposableIdentity = "disposable_identity"
	RuleRoundAmount        = "round_amount"
	RuleHighVelocity       = "high_velocity"
)

// RuleWeights is the fallback scorer's weight table. Each triggered rule adds
// its weight; the total is capped at 1.
type RuleWeights struct {
	HighAmount         float64 `yaml:"high_amount"`
	UnusualHour        float64 `yaml:"unusual_hour"`
	DisposableIdentity float64 `yaml:"disposable_identity"`
	RoundAmount        float64 `yaml:"round_amount"`
	HighVelocity       float64 `yaml:"high_velocity"`

	// HighAmountThreshold triggers high_amount at amount >= threshold.
	HighAmountThreshold float64 `yaml:"high_amount_threshold"`
	// HighVelocityCount triggers high_velocity at customer_count_1h >= count.
	HighVelocityCount float64 `yaml:"high_velocity_count"`
}

func DefaultRuleWeights() RuleWeights {
	return RuleWeights{
		HighAmount:          0.35,
		UnusualHour:         0.15,
		DisposableIdentity:  0.20,
		RoundAmount:         0.10,
		HighVelocity:        0.30,
		HighAmountThreshold: 1000,
		HighVelocityCount:   5,
	}
}

// LoadRuleWeights reads a weight table. Keys absent from the file keep their
// default; an empty path returns the defaults.
func LoadRuleWeights(path string) (RuleWeights, error) {
	w := DefaultRuleWeights()
	if path == "" {
		return w, nil
	}
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultRuleWeights(), fmt.Errorf("scoring: read rules: %w", err)
	}
	if err := yaml.Unmarshal(data, &w); err != nil {
		return DefaultRuleWeights(), fmt.Errorf("scoring: parse rules: %w", err)
	}
	if err := w.Validate(); err != nil {
		return DefaultRuleWeights(), err
	}
	return w, nil
}

func (w RuleWeights) Validate() error {
	named := map[string]float64{
		RuleHighAmount:          w.HighAmount,
		RuleUnusualHour:         w.UnusualHour,
		RuleDisposableIdentity:  w.DisposableIdentity,
		RuleRoundAmount:         w.RoundAmount,
		RuleHighVelocity:        w.HighVelocity,
		"high_amount_threshold": w.HighAmountThreshold,
		"high_velocity_count":   w.HighVelocityCount,
	}
	for name, v := range named {
		if !finite(v) || v < 0 {
			return fmt.Errorf("scoring: rule %s must be a non-negative number, got %v", name, v)
		}
	}
	return nil
}

// Score applies the rules to v. Columns are resolved by name, so a vector of
// another schema still scores; missing columns read as 0.
func (w RuleWeights) Score(v features.Vector) (float64, map[string]float64) {
	col := func(name string) float64 {
		x, _ := v.Get(name)
		return x
	}

	score := 0.0
	factors := make(map[string]float64)
	add := func(rule string, triggered bool, weight float64) {
		if triggered && weight > 0 {
			factors[rule] = weight
			score += weight
		}
	}

	add(RuleHighAmount, col(features.Amount) >= w.HighAmountThreshold, w.HighAmount)
	add(RuleUnusualHour, col(features.IsUnusualHour) >= 1, w.UnusualHour)
	add(RuleDisposableIdentity, col(features.IsDisposableEmail) >= 1, w.DisposableIdentity)
	add(RuleRoundAmount, col(features.IsRoundAmount) >= 1, w.RoundAmount)
	add(RuleHighVelocity, col(features.CustomerCount1h) >= w.HighVelocityCount, w.HighVelocity)

	if score > 1 {
		score = 1
	}
	return score, factors
}
