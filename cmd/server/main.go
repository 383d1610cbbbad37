package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HanTheDev/risk-scoring-gateway/internal/api"
	"github.com/HanTheDev/risk-scoring-gateway/internal/auth"
	"github.com/HanTheDev/risk-scoring-gateway/internal/breaker"
	"github.com/HanTheDev/risk-scoring-gateway/internal/cache"
	"github.com/HanTheDev/risk-scoring-gateway/internal/clock"
	"github.com/HanTheDev/risk-scoring-gateway/internal/config"
	"github.com/HanTheDev/risk-scoring-gateway/internal/db"
	"github.com/HanTheDev/risk-scoring-gateway/internal/features"
	"github.com/HanTheDev/risk-scoring-gateway/internal/logger"
	"github.com/HanTheDev/risk-scoring-gateway/internal/models"
	"github.com/HanTheDev/risk-scoring-gateway/internal/pipeline"
	"github.com/HanTheDev/risk-scoring-gateway/internal/ratelimit"
	"github.com/HanTheDev/risk-scoring-gateway/internal/scoring"
	"github.com/HanTheDev/risk-scoring-gateway/internal/traces"
	"github.com/HanTheDev/risk-scoring-gateway/internal/velocity"
)

var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Get().Fatal().Err(err).Msg("failed to load config")
	}

	logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "risk-scoring-gateway",
	})
	log := logger.Named("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, version, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracing")
	}

	// Initialize database
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	// Shared tier; the service keeps scoring while it is down
	redisClient, err := cache.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid redis url")
	}
	br := breaker.New("redis", cfg.BreakerThreshold, cfg.BreakerCooldown, clock.Real{})
	remote := cache.NewRemoteTier(redisClient, cfg.StoreTimeout, br)
	defer remote.Close()
	if err := remote.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("redis unreachable at startup, running degraded")
	}

	velocityCache := cache.New(remote, cache.Options[models.WindowStats]{
		Name:     "velocity",
		Capacity: cfg.L1Capacity,
		LocalTTL: cfg.L1MaxTTL,
		Logger:   logger.Named("cache"),
	})
	predictionCache := cache.New(remote, cache.Options[scoring.Prediction]{
		Name:     "predictions",
		Capacity: cfg.L1Capacity,
		LocalTTL: cfg.L1MaxTTL,
		Logger:   logger.Named("cache"),
	})

	engine := scoring.NewEngine(scoring.Config{
		ModelPath: cfg.ModelPath,
		RulesPath: cfg.RulesPath,
	}, logger.Named("scoring"))

	limiter := ratelimit.NewRateLimiter(remote, ratelimit.Config{
		Limit:  cfg.RateLimit,
		Window: cfg.RateWindow,
	}, clock.Real{}, logger.Named("ratelimit"))

	aggregator := velocity.NewAggregator(velocityCache, database, velocity.Config{
		Windows:      cfg.VelocityWindows,
		StoreTimeout: cfg.DBTimeout,
	}, logger.Named("velocity"))

	pipe := pipeline.New(pipeline.Deps{
		Limiter:     limiter,
		Velocity:    aggregator,
		Extractor:   features.NewExtractor(features.DefaultConfig()),
		Engine:      engine,
		Store:       database,
		Predictions: predictionCache,
		Clock:       clock.Real{},
		Logger:      logger.Named("pipeline"),
	}, pipeline.Config{PredictionTTL: cfg.PredictionCacheTTL})

	server := api.NewServer(api.Options{
		Pipeline: pipe,
		Limiter:  limiter,
		Auth:     auth.NewMiddleware(cfg.JWTSecret, logger.Named("auth")),
		Engine:   engine,
		Database: database,
		Redis:    remote,
		Version:  version,
		Logger:   logger.Named("api"),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().
			Str("port", cfg.ServerPort).
			Str("model", engine.State().String()).
			Str("model_version", engine.ModelVersion()).
			Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown")
	}
}
