package scoring

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/risk-scoring-gateway/internal/features"
)

func TestLoadRuleWeightsDefaults(t *testing.T) {
	w, err := LoadRuleWeights("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRuleWeights(), w)
}

func TestLoadRuleWeightsOverridesListedKeys(t *testing.T) {
	w, err := LoadRuleWeights("testdata/rules.yaml")
	require.NoError(t, err)
	assert.Equal(t, 0.5, w.HighAmount)
	assert.Equal(t, 3.0, w.HighVelocityCount)
	assert.Equal(t, 0.15, w.UnusualHour, "unlisted keys keep defaults")
	assert.Equal(t, 1000.0, w.HighAmountThreshold)
}

func TestLoadRuleWeightsRejectsBadTables(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"negative.yaml": "round_amount: -0.1\n",
		"garbage.yaml":  "high_amount: [1, 2\n",
		"nan.yaml":      "unusual_hour: .nan\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		w, err := LoadRuleWeights(path)
		assert.Error(t, err, name)
		assert.Equal(t, DefaultRuleWeights(), w, name)
	}

	_, err := LoadRuleWeights(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestRulesResolveColumnsByName(t *testing.T) {
	w := DefaultRuleWeights()
	v := features.Vector{SchemaVersion: features.SchemaV1, Values: make([]float64, features.Len)}
	i, _ := features.Index(features.CustomerCount1h)
	v.Values[i] = 5

	score, factors := w.Score(v)
	assert.Equal(t, 0.30, score)
	assert.Equal(t, map[string]float64{RuleHighVelocity: 0.30}, factors)

	unknown := features.Vector{SchemaVersion: "v9", Values: []float64{1e6, 1, 1}}
	score, factors = w.Score(unknown)
	assert.Zero(t, score)
	assert.Empty(t, factors)
}

func TestZeroWeightRuleIsNotAFactor(t *testing.T) {
	w := DefaultRuleWeights()
	w.HighVelocity = 0
	v := features.Vector{SchemaVersion: features.SchemaV1, Values: make([]float64, features.Len)}
	i, _ := features.Index(features.CustomerCount1h)
	v.Values[i] = 50

	score, factors := w.Score(v)
	assert.Zero(t, score)
	assert.Empty(t, factors)
}

func TestParseLogisticModel(t *testing.T) {
	m, err := ParseLogisticModel([]byte(`
version: tiny
schema_version: toy
features: [a, b]
coefficients: [1, 2]
intercept: 0
`))
	require.NoError(t, err)

	p, factors, err := m.PredictProba([]float64{0.5, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-0.5)), p, 1e-12)
	assert.Equal(t, map[string]float64{"a": 0.5}, factors)

	_, _, err = m.PredictProba([]float64{1})
	assert.ErrorIs(t, err, ErrInference)
}

func TestParseLogisticModelValidation(t *testing.T) {
	cases := map[string]string{
		"no version":    "schema_version: v1\nfeatures: [a]\ncoefficients: [1]\n",
		"no schema":     "version: x\nfeatures: [a]\ncoefficients: [1]\n",
		"no features":   "version: x\nschema_version: v1\n",
		"length":        "version: x\nschema_version: v1\nfeatures: [a, b]\ncoefficients: [1]\n",
		"nan":           "version: x\nschema_version: v1\nfeatures: [a]\ncoefficients: [.nan]\n",
		"inf intercept": "version: x\nschema_version: v1\nfeatures: [a]\ncoefficients: [1]\nintercept: .inf\n",
		"not yaml":      "{{{",
	}
	for name, body := range cases {
		_, err := ParseLogisticModel([]byte(body))
		assert.Error(t, err, name)
	}
}
