// Package pipeline orchestrates one scoring call: admission, velocity
// snapshot, feature extraction, prediction, persistence and the velocity
// update that follows a new insert.
package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/HanTheDev/risk-scoring-gateway/internal/cache"
	"github.com/HanTheDev/risk-scoring-gateway/internal/clock"
	"github.com/HanTheDev/risk-scoring-gateway/internal/features"
	"github.com/HanTheDev/risk-scoring-gateway/internal/logger"
	"github.com/HanTheDev/risk-scoring-gateway/internal/metrics"
	"github.com/HanTheDev/risk-scoring-gateway/internal/models"
	"github.com/HanTheDev/risk-scoring-gateway/internal/scoring"
	"github.com/HanTheDev/risk-scoring-gateway/internal/traces"
)

var (
	ErrInvalidTransaction = errors.New("pipeline: invalid transaction")
	ErrRateLimited        = errors.New("pipeline: rate limited")
	ErrPersistence        = errors.New("pipeline: persistence failed")
)

// ThrottledError carries the admission decision of a rejected call.
type ThrottledError struct {
	Decision models.AdmitDecision
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("pipeline: rate limited, retry after %s", e.Decision.RetryAfter.Round(time.Second))
}

func (e *ThrottledError) Unwrap() error {
	return ErrRateLimited
}

type Admitter interface {
	Admit(ctx context.Context, callerID string) models.AdmitDecision
}

type Velocity interface {
	Snapshot(ctx context.Context, txn *models.Transaction) models.VelocityCounters
	Record(ctx context.Context, txn *models.Transaction)
}

type Predictor interface {
	Predict(v features.Vector) scoring.Prediction
}

// Persister is the durable store's write path.
type Persister interface {
	Persist(ctx context.Context, txn *models.Transaction, result models.ScoreResult) (models.PersistResult, error)
}

type Deps struct {
	Limiter   Admitter
	Velocity  Velocity
	Extractor *features.Extractor
	Engine    Predictor
	Store     Persister
	// Predictions memoizes predictions by feature vector. Optional.
	Predictions *cache.Cache[scoring.Prediction]
	Clock       clock.Clock
	Logger      *logger.Logger
}

type Config struct {
	// PredictionTTL is how long a memoized prediction lives.
	PredictionTTL time.Duration
}

type Pipeline struct {
	limiter   Admitter
	velocity  Velocity
	extractor *features.Extractor
	engine    Predictor
	store     Persister
	memo      *cache.Cache[scoring.Prediction]
	memoTTL   time.Duration
	clock     clock.Clock
	log       *logger.Logger
}

func New(d Deps, cfg Config) *Pipeline {
	if d.Extractor == nil {
		d.Extractor = features.NewExtractor(features.DefaultConfig())
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = logger.Named("pipeline")
	}
	if cfg.PredictionTTL <= 0 {
		cfg.PredictionTTL = 5 * time.Minute
	}
	return &Pipeline{
		limiter:   d.Limiter,
		velocity:  d.Velocity,
		extractor: d.Extractor,
		engine:    d.Engine,
		store:     d.Store,
		memo:      d.Predictions,
		memoTTL:   cfg.PredictionTTL,
		clock:     d.Clock,
		log:       d.Logger,
	}
}

// Admit consumes one slot of callerID's window.
func (p *Pipeline) Admit(ctx context.Context, callerID string) models.AdmitDecision {
	ctx, span := traces.StartSpan(ctx, "pipeline.admit", traces.CallerID(callerID))
	defer span.End()

	if p.limiter == nil {
		return models.AdmitDecision{Allowed: true, Remaining: -1, ResetAt: p.clock.Now()}
	}
	d := p.limiter.Admit(ctx, callerID)
	span.SetAttributes(attribute.Bool("ratelimit.allowed", d.Allowed))
	return d
}

// Evaluate scores txn without persisting it or touching velocity counters.
// Repeated calls with unchanged counters return the same result.
func (p *Pipeline) Evaluate(ctx context.Context, txn *models.Transaction) models.ScoreResult {
	start := p.clock.Now()
	ctx, span := traces.StartSpan(ctx, "pipeline.evaluate", traces.TransactionID(txn.ID))
	defer span.End()

	var counters models.VelocityCounters
	if p.velocity != nil {
		vctx, vspan := traces.StartSpan(ctx, "velocity.snapshot")
		counters = p.velocity.Snapshot(vctx, txn)
		vspan.End()
	}

	vec := p.extractor.Extract(txn, counters)
	pred := p.predict(ctx, vec)
	span.SetAttributes(traces.ScoreSource(string(pred.Source)))

	return models.ScoreResult{
		TransactionID:    txn.ID,
		FraudScore:       pred.FraudScore,
		RiskLevel:        pred.RiskLevel,
		Recommendation:   pred.Recommendation,
		Factors:          pred.Factors,
		Confidence:       pred.Confidence,
		ModelVersion:     pred.ModelVersion,
		ProcessingTimeMs: p.clock.Now().Sub(start).Milliseconds(),
	}
}

func (p *Pipeline) predict(ctx context.Context, vec features.Vector) scoring.Prediction {
	_, span := traces.StartSpan(ctx, "scoring.predict")
	defer span.End()

	if p.memo == nil {
		return p.engine.Predict(vec)
	}
	key := PredictionKey(vec)
	if pred, ok := p.memo.Get(ctx, key); ok {
		span.SetAttributes(attribute.Bool("scoring.memoized", true))
		return pred
	}
	pred := p.engine.Predict(vec)
	p.memo.Set(ctx, key, pred, p.memoTTL)
	return pred
}

// PredictionKey is the memo key of a feature vector.
func PredictionKey(vec features.Vector) string {
	buf := make([]byte, 0, len(vec.SchemaVersion)+1+8*len(vec.Values))
	buf = append(buf, vec.SchemaVersion...)
	buf = append(buf, 0)
	for _, v := range vec.Values {
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return cache.Key(cache.PrefixPrediction, cache.Fingerprint(buf))
}

// Score runs the full path for an authenticated caller. A validation or
// persistence failure, or a throttled call, is returned as an error and
// leaves velocity counters untouched.
func (p *Pipeline) Score(ctx context.Context, callerID string, txn *models.Transaction) (result models.ScoreResult, err error) {
	start := p.clock.Now()
	outcome := "ok"
	defer func() {
		metrics.ObservePipeline(outcome, p.clock.Now().Sub(start))
	}()

	ctx, span := traces.StartSpan(ctx, "pipeline.score", traces.CallerID(callerID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err = Validate(txn); err != nil {
		outcome = "invalid"
		return models.ScoreResult{}, err
	}
	span.SetAttributes(traces.TransactionID(txn.ID))

	decision := p.Admit(ctx, callerID)
	if !decision.Allowed {
		outcome = "throttled"
		return models.ScoreResult{}, &ThrottledError{Decision: decision}
	}

	result = p.Evaluate(ctx, txn)

	pctx, pspan := traces.StartSpan(ctx, "store.persist")
	ack, perr := p.persist(pctx, txn, result)
	pspan.End()
	if perr != nil {
		outcome = "persist_failed"
		p.log.Error().Err(perr).Str("transaction_id", txn.ID).Msg("persist failed")
		return models.ScoreResult{}, fmt.Errorf("%w: %w", ErrPersistence, perr)
	}

	if ack.Inserted && p.velocity != nil {
		p.velocity.Record(ctx, txn)
	} else if !ack.Inserted {
		p.log.Debug().Str("transaction_id", txn.ID).Msg("transaction already stored, velocity unchanged")
	}

	result.ProcessingTimeMs = p.clock.Now().Sub(start).Milliseconds()
	return result, nil
}

func (p *Pipeline) persist(ctx context.Context, txn *models.Transaction, result models.ScoreResult) (models.PersistResult, error) {
	if p.store == nil {
		return models.PersistResult{}, errors.New("no durable store configured")
	}
	return p.store.Persist(ctx, txn, result)
}
