// Package velocity maintains rolling-window activity counters per customer
// and per IP address.
//
// Counters are cached in the two-tier cache under velocity:<kind>:<value>:<window>
// with a TTL equal to the window width. A cold key is rebuilt from the durable
// store. Record only bumps keys that already exist: a missing key will be
// rebuilt from the store, which already holds the persisted transaction, so
// incrementing it here would count that transaction twice.
package velocity

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/HanTheDev/risk-scoring-gateway/internal/cache"
	"github.com/HanTheDev/risk-scoring-gateway/internal/features"
	"github.com/HanTheDev/risk-scoring-gateway/internal/logger"
	"github.com/HanTheDev/risk-scoring-gateway/internal/metrics"
	"github.com/HanTheDev/risk-scoring-gateway/internal/models"
)

// DefaultWindows are the windows tracked when none are configured.
var DefaultWindows = []time.Duration{time.Hour, 24 * time.Hour}

// Store is the durable transaction store's cold-path query.
type Store interface {
	FetchRecent(ctx context.Context, dim models.Dimension, window time.Duration) (models.WindowStats, error)
}

// increment adds one transaction to an existing counter and keeps its TTL.
// Returns nil when the key does not exist.
var increment = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	return false
end
local stats = cjson.decode(cur)
local count = (tonumber(stats.count) or 0) + 1
local sum = (tonumber(stats.sum) or 0) + tonumber(ARGV[1])
-- cjson.encode keeps 14 significant digits; format the sum round-trippable
local enc = string.format('{"count":%d,"sum":%.17g}', count, sum)
redis.call('SET', KEYS[1], enc, 'KEEPTTL')
return enc
`)

type Config struct {
	Windows []time.Duration
	// StoreTimeout bounds each durable store query.
	StoreTimeout time.Duration
}

type Aggregator struct {
	cache   *cache.Cache[models.WindowStats]
	store   Store
	windows []time.Duration
	timeout time.Duration
	log     *logger.Logger
}

func NewAggregator(c *cache.Cache[models.WindowStats], store Store, cfg Config, log *logger.Logger) *Aggregator {
	if len(cfg.Windows) == 0 {
		cfg.Windows = DefaultWindows
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 200 * time.Millisecond
	}
	if log == nil {
		log = logger.Named("velocity")
	}
	if missing := features.MissingWindows(cfg.Windows); len(missing) > 0 {
		log.Warn().Interface("windows", missing).Msg("tracking velocity windows the feature columns require")
		cfg.Windows = append(slices.Clone(cfg.Windows), missing...)
	}
	return &Aggregator{
		cache:   c,
		store:   store,
		windows: cfg.Windows,
		timeout: cfg.StoreTimeout,
		log:     log,
	}
}

func (a *Aggregator) Windows() []time.Duration {
	return a.windows
}

// Key is the cache key of one counter.
func Key(dim models.Dimension, window time.Duration) string {
	return cache.Key(cache.PrefixVelocity, string(dim.Kind), dim.Value, cache.WindowLabel(window))
}

// WindowStats returns the counters of dim over window. Store failures yield
// zero stats so scoring can carry on.
func (a *Aggregator) WindowStats(ctx context.Context, dim models.Dimension, window time.Duration) models.WindowStats {
	key := Key(dim, window)
	if stats, ok := a.cache.Get(ctx, key); ok {
		return stats.Clamp()
	}
	if a.store == nil {
		return models.WindowStats{}
	}

	sctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	stats, err := a.store.FetchRecent(sctx, dim, window)
	if err != nil {
		metrics.VelocityRecoveries.WithLabelValues("error").Inc()
		a.log.Warn().Err(err).Str("dimension", dim.String()).Dur("window", window).Msg("velocity recovery failed")
		return models.WindowStats{}
	}
	metrics.VelocityRecoveries.WithLabelValues("ok").Inc()

	stats = stats.Clamp()
	a.cache.Set(ctx, key, stats, window)
	return stats
}

// Snapshot gathers every configured window for the transaction's dimensions.
func (a *Aggregator) Snapshot(ctx context.Context, txn *models.Transaction) models.VelocityCounters {
	type job struct {
		dim    models.Dimension
		window time.Duration
	}

	var jobs []job
	for _, dim := range txn.Dimensions() {
		for _, w := range a.windows {
			jobs = append(jobs, job{dim: dim, window: w})
		}
	}

	results := make([]models.WindowStats, len(jobs))
	var g errgroup.Group
	for i, j := range jobs {
		g.Go(func() error {
			results[i] = a.WindowStats(ctx, j.dim, j.window)
			return nil
		})
	}
	_ = g.Wait()

	out := models.VelocityCounters{
		Customer: make(map[time.Duration]models.WindowStats, len(a.windows)),
		IP:       make(map[time.Duration]models.WindowStats, len(a.windows)),
	}
	for i, j := range jobs {
		switch j.dim.Kind {
		case models.DimensionCustomer:
			out.Customer[j.window] = results[i]
		case models.DimensionIP:
			out.IP[j.window] = results[i]
		}
	}
	return out
}

// Record adds a persisted transaction to every warm counter it belongs to.
// Call it once per newly persisted transaction.
func (a *Aggregator) Record(ctx context.Context, txn *models.Transaction) {
	amount := txn.Amount.InexactFloat64()
	for _, dim := range txn.Dimensions() {
		for _, w := range a.windows {
			_, err := a.cache.Eval(ctx, increment, Key(dim, w), amount)
			if err != nil && !errors.Is(err, cache.ErrMiss) {
				a.log.Debug().Err(err).Str("dimension", dim.String()).Msg("velocity increment skipped")
			}
		}
	}
}
