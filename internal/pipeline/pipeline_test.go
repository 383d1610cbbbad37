package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/risk-scoring-gateway/internal/cache"
	"github.com/HanTheDev/risk-scoring-gateway/internal/clock"
	"github.com/HanTheDev/risk-scoring-gateway/internal/features"
	"github.com/HanTheDev/risk-scoring-gateway/internal/logger"
	"github.com/HanTheDev/risk-scoring-gateway/internal/models"
	"github.com/HanTheDev/risk-scoring-gateway/internal/ratelimit"
	"github.com/HanTheDev/risk-scoring-gateway/internal/scoring"
	"github.com/HanTheDev/risk-scoring-gateway/internal/velocity"
)

// memStore is an in-memory durable store.
type memStore struct {
	mu         sync.Mutex
	txns       map[string]*models.Transaction
	persistErr error
	persists   int
}

func newMemStore() *memStore {
	return &memStore{txns: make(map[string]*models.Transaction)}
}

func (s *memStore) Persist(_ context.Context, txn *models.Transaction, _ models.ScoreResult) (models.PersistResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persists++
	if s.persistErr != nil {
		return models.PersistResult{}, s.persistErr
	}
	if _, ok := s.txns[txn.ID]; ok {
		return models.PersistResult{ID: txn.ID, Inserted: false}, nil
	}
	cp := *txn
	s.txns[txn.ID] = &cp
	return models.PersistResult{ID: txn.ID, Inserted: true}, nil
}

func (s *memStore) FetchRecent(_ context.Context, dim models.Dimension, _ time.Duration) (models.WindowStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st models.WindowStats
	for _, t := range s.txns {
		for _, d := range t.Dimensions() {
			if d == dim {
				st.Count++
				st.Sum += t.Amount.InexactFloat64()
			}
		}
	}
	return st, nil
}

func (s *memStore) Persists() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persists
}

type countingPredictor struct {
	mu    sync.Mutex
	inner Predictor
	calls int
	// clk moves forward by delay on every prediction
	clk   *clock.Manual
	delay time.Duration
}

func (c *countingPredictor) Predict(v features.Vector) scoring.Prediction {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.delay > 0 {
		c.clk.Advance(c.delay)
	}
	return c.inner.Predict(v)
}

type harness struct {
	p      *Pipeline
	mr     *miniredis.Miniredis
	store  *memStore
	engine *countingPredictor
	clk    *clock.Manual
}

type harnessOpt struct {
	limit        int
	memo         bool
	predictDelay time.Duration
}

func newHarness(t *testing.T, opt harnessOpt) *harness {
	t.Helper()
	if opt.limit == 0 {
		opt.limit = 100
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	remote := cache.NewRemoteTier(client, time.Second, nil)

	clk := clock.NewManual(time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC))
	store := newMemStore()

	vcache := cache.New(remote, cache.Options[models.WindowStats]{Name: "velocity", Capacity: 128, Logger: logger.Nop()})
	agg := velocity.NewAggregator(vcache, store, velocity.Config{}, logger.Nop())
	limiter := ratelimit.NewRateLimiter(remote, ratelimit.Config{Limit: opt.limit, Window: time.Minute}, clk, logger.Nop())
	engine := &countingPredictor{
		inner: scoring.NewEngineWith(nil, scoring.DefaultRuleWeights(), logger.Nop()),
		clk:   clk,
		delay: opt.predictDelay,
	}

	deps := Deps{
		Limiter:  limiter,
		Velocity: agg,
		Engine:   engine,
		Store:    store,
		Clock:    clk,
		Logger:   logger.Nop(),
	}
	if opt.memo {
		deps.Predictions = cache.New(remote, cache.Options[scoring.Prediction]{Name: "predictions", Capacity: 128, Logger: logger.Nop()})
	}

	return &harness{
		p:      New(deps, Config{}),
		mr:     mr,
		store:  store,
		engine: engine,
		clk:    clk,
	}
}

func (h *harness) customerCount(t *testing.T, window time.Duration) int64 {
	t.Helper()
	key := velocity.Key(models.Dimension{Kind: models.DimensionCustomer, Value: "cust_1"}, window)
	raw, err := h.mr.Get(key)
	require.NoError(t, err)
	var s models.WindowStats
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	return s.Count
}

func newTxn(id string) *models.Transaction {
	return &models.Transaction{
		ID:            id,
		Amount:        decimal.RequireFromString("42.10"),
		Currency:      "USD",
		CustomerID:    "cust_1",
		CustomerEmail: "alice@example.com",
		DeviceID:      "dev_1",
		IPAddress:     "203.0.113.9",
		Timestamp:     time.Date(2026, 3, 4, 13, 59, 0, 0, time.UTC),
	}
}

func TestScorePersistsAndRecordsVelocity(t *testing.T) {
	h := newHarness(t, harnessOpt{})
	ctx := context.Background()

	res, err := h.p.Score(ctx, "caller_1", newTxn("tx_1"))
	require.NoError(t, err)
	assert.Equal(t, "tx_1", res.TransactionID)
	assert.Equal(t, models.RiskLow, res.RiskLevel)
	assert.Equal(t, models.RecommendApprove, res.Recommendation)
	assert.Equal(t, scoring.FallbackVersion, res.ModelVersion)
	assert.Equal(t, 1, h.store.Persists())
	assert.Equal(t, int64(1), h.customerCount(t, time.Hour))
	assert.Equal(t, int64(1), h.customerCount(t, 24*time.Hour))

	_, err = h.p.Score(ctx, "caller_1", newTxn("tx_2"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.customerCount(t, time.Hour))
}

func TestProcessingTimeFollowsPipelineClock(t *testing.T) {
	h := newHarness(t, harnessOpt{})
	res, err := h.p.Score(context.Background(), "caller_1", newTxn("tx_1"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.ProcessingTimeMs)

	h = newHarness(t, harnessOpt{predictDelay: 7 * time.Millisecond})
	res, err = h.p.Score(context.Background(), "caller_1", newTxn("tx_1"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.ProcessingTimeMs)
}

func TestEvaluateReportsProcessingTime(t *testing.T) {
	h := newHarness(t, harnessOpt{predictDelay: 12 * time.Millisecond})
	res := h.p.Evaluate(context.Background(), newTxn("tx_eval"))
	assert.Equal(t, int64(12), res.ProcessingTimeMs)
}

func TestVelocityEscalatesAfterBurst(t *testing.T) {
	h := newHarness(t, harnessOpt{})
	ctx := context.Background()

	first, err := h.p.Score(ctx, "caller_1", newTxn("tx_0"))
	require.NoError(t, err)
	for _, id := range []string{"tx_1", "tx_2", "tx_3", "tx_4"} {
		_, err := h.p.Score(ctx, "caller_1", newTxn(id))
		require.NoError(t, err)
	}
	sixth, err := h.p.Score(ctx, "caller_1", newTxn("tx_5"))
	require.NoError(t, err)

	assert.Equal(t, models.RiskLow, first.RiskLevel)
	assert.Equal(t, models.RiskMedium, sixth.RiskLevel)
	assert.Contains(t, sixth.Factors, scoring.RuleHighVelocity)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOpt{})
	ctx := context.Background()
	_, err := h.p.Score(ctx, "caller_1", newTxn("tx_seed"))
	require.NoError(t, err)

	txn := newTxn("tx_eval")
	a := h.p.Evaluate(ctx, txn)
	b := h.p.Evaluate(ctx, txn)

	assert.Equal(t, a, b)
	assert.Equal(t, 1, h.store.Persists(), "evaluate never persists")
	assert.Equal(t, int64(1), h.customerCount(t, time.Hour), "evaluate never records")
}

func TestPredictionsAreMemoized(t *testing.T) {
	h := newHarness(t, harnessOpt{memo: true})
	ctx := context.Background()
	txn := newTxn("tx_eval")

	a := h.p.Evaluate(ctx, txn)
	b := h.p.Evaluate(ctx, txn)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, h.engine.calls)

	vec := features.NewExtractor(features.DefaultConfig()).Extract(txn, models.VelocityCounters{})
	key := PredictionKey(vec)
	assert.True(t, h.mr.Exists(key))
	assert.Equal(t, 5*time.Minute, h.mr.TTL(key))
}

func TestPredictionKey(t *testing.T) {
	a := features.Vector{SchemaVersion: "v1", Values: []float64{1, 2}}
	b := features.Vector{SchemaVersion: "v1", Values: []float64{1, 2}}
	c := features.Vector{SchemaVersion: "v1", Values: []float64{2, 1}}
	d := features.Vector{SchemaVersion: "v2", Values: []float64{1, 2}}

	assert.Equal(t, PredictionKey(a), PredictionKey(b))
	assert.NotEqual(t, PredictionKey(a), PredictionKey(c))
	assert.NotEqual(t, PredictionKey(a), PredictionKey(d))
	assert.Regexp(t, `^mlpred:[0-9a-f]{64}$`, PredictionKey(a))
}

func TestUnreachableStoreStillAdmitsAndScores(t *testing.T) {
	h := newHarness(t, harnessOpt{limit: 1})
	h.mr.Close()
	ctx := context.Background()

	d := h.p.Admit(ctx, "caller_1")
	assert.True(t, d.Allowed)

	for _, id := range []string{"tx_1", "tx_2"} {
		res, err := h.p.Score(ctx, "caller_1", newTxn(id))
		require.NoError(t, err)
		assert.Equal(t, models.ConfidenceLow, res.Confidence)
		assert.GreaterOrEqual(t, res.FraudScore, 0.0)
		assert.LessOrEqual(t, res.FraudScore, 1.0)
	}
	assert.Equal(t, 2, h.store.Persists())
}

func TestPersistenceFailureIsTerminal(t *testing.T) {
	h := newHarness(t, harnessOpt{})
	ctx := context.Background()
	_, err := h.p.Score(ctx, "caller_1", newTxn("tx_1"))
	require.NoError(t, err)

	h.store.persistErr = errors.New("connection reset")
	res, err := h.p.Score(ctx, "caller_1", newTxn("tx_2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Empty(t, res.TransactionID)
	assert.Equal(t, int64(1), h.customerCount(t, time.Hour), "failed persist must not record velocity")
}

func TestDuplicateTransactionIsNotCountedTwice(t *testing.T) {
	h := newHarness(t, harnessOpt{})
	ctx := context.Background()

	_, err := h.p.Score(ctx, "caller_1", newTxn("tx_1"))
	require.NoError(t, err)
	_, err = h.p.Score(ctx, "caller_1", newTxn("tx_1"))
	require.NoError(t, err)

	assert.Equal(t, 2, h.store.Persists())
	assert.Equal(t, int64(1), h.customerCount(t, time.Hour))
}

func TestThrottledCallIsRejected(t *testing.T) {
	h := newHarness(t, harnessOpt{limit: 1})
	ctx := context.Background()

	_, err := h.p.Score(ctx, "caller_1", newTxn("tx_1"))
	require.NoError(t, err)

	_, err = h.p.Score(ctx, "caller_1", newTxn("tx_2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)

	var te *ThrottledError
	require.ErrorAs(t, err, &te)
	assert.False(t, te.Decision.Allowed)
	assert.Equal(t, time.Minute, te.Decision.RetryAfter)
	assert.Equal(t, 1, h.store.Persists())

	_, err = h.p.Score(ctx, "caller_2", newTxn("tx_3"))
	assert.NoError(t, err, "callers are limited independently")
}

func TestInvalidTransactionsAreRejected(t *testing.T) {
	h := newHarness(t, harnessOpt{})
	cases := map[string]func(*models.Transaction){
		"missing id":       func(x *models.Transaction) { x.ID = "" },
		"missing customer": func(x *models.Transaction) { x.CustomerID = "" },
		"zero amount":      func(x *models.Transaction) { x.Amount = decimal.Zero },
		"negative amount":  func(x *models.Transaction) { x.Amount = decimal.NewFromInt(-1) },
		"unknown currency": func(x *models.Transaction) { x.Currency = "ZZZ" },
		"bad currency":     func(x *models.Transaction) { x.Currency = "DOLLARS" },
		"zero timestamp":   func(x *models.Transaction) { x.Timestamp = time.Time{} },
		"bad email":        func(x *models.Transaction) { x.CustomerEmail = "not-an-email" },
		"bad ip":           func(x *models.Transaction) { x.IPAddress = "999.1.1.1" },
		"amount too large": func(x *models.Transaction) { x.Amount = decimal.New(1, 15) },
		"amount rounds up": func(x *models.Transaction) { x.Amount = decimal.RequireFromString("99999999999999.99999") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			txn := newTxn("tx_bad")
			mutate(txn)
			_, err := h.p.Score(context.Background(), "caller_1", txn)
			assert.ErrorIs(t, err, ErrInvalidTransaction)
		})
	}
	assert.Zero(t, h.store.Persists())
}

func TestValidateAcceptsMinimalTransaction(t *testing.T) {
	txn := &models.Transaction{
		ID:         "tx_min",
		Amount:     decimal.RequireFromString("0.01"),
		Currency:   "eur",
		CustomerID: "c",
		Timestamp:  time.Now(),
	}
	assert.NoError(t, Validate(txn))

	txn.Amount = decimal.RequireFromString("99999999999999.9999")
	assert.NoError(t, Validate(txn), "largest amount the column holds")
	assert.ErrorIs(t, Validate(nil), ErrInvalidTransaction)
}
