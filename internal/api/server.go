// Package api exposes the scoring pipeline over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/HanTheDev/risk-scoring-gateway/internal/auth"
	"github.com/HanTheDev/risk-scoring-gateway/internal/logger"
	"github.com/HanTheDev/risk-scoring-gateway/internal/metrics"
	"github.com/HanTheDev/risk-scoring-gateway/internal/models"
	"github.com/HanTheDev/risk-scoring-gateway/internal/ratelimit"
	"github.com/HanTheDev/risk-scoring-gateway/internal/scoring"
)

// Scorer is the pipeline surface the handlers drive.
type Scorer interface {
	Admit(ctx context.Context, callerID string) models.AdmitDecision
	Evaluate(ctx context.Context, txn *models.Transaction) models.ScoreResult
	Score(ctx context.Context, callerID string, txn *models.Transaction) (models.ScoreResult, error)
}

// Pinger is a dependency the health endpoint checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Pipeline Scorer
	// Limiter guards the evaluate route. Optional.
	Limiter *ratelimit.RateLimiter
	Auth    *auth.Middleware
	Engine  *scoring.Engine
	// Database is required for scoring; Redis only degrades.
	Database Pinger
	Redis    Pinger
	Version  string
	Logger   *logger.Logger
}

type Server struct {
	pipeline Scorer
	limiter  *ratelimit.RateLimiter
	auth     *auth.Middleware
	engine   *scoring.Engine
	database Pinger
	redis    Pinger
	version  string
	log      *logger.Logger
}

func NewServer(opt Options) *Server {
	if opt.Logger == nil {
		opt.Logger = logger.Named("api")
	}
	if opt.Version == "" {
		opt.Version = "dev"
	}
	return &Server{
		pipeline: opt.Pipeline,
		limiter:  opt.Limiter,
		auth:     opt.Auth,
		engine:   opt.Engine,
		database: opt.Database,
		redis:    opt.Redis,
		version:  opt.Version,
		log:      opt.Logger,
	}
}

// Router registers every route.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.instrument)

	// Public routes
	router.HandleFunc("/health", s.Health).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	// Authenticated routes
	v1 := router.PathPrefix("/v1").Subrouter()
	if s.auth != nil {
		v1.Use(s.auth.Authenticate)
	}
	v1.HandleFunc("/transactions/score", s.Score).Methods(http.MethodPost)
	v1.HandleFunc("/ratelimit/admit", s.Admit).Methods(http.MethodGet)

	var evaluate http.Handler = http.HandlerFunc(s.Evaluate)
	if s.limiter != nil {
		evaluate = s.limiter.Middleware(callerKey)(evaluate)
	}
	v1.Handle("/transactions/evaluate", evaluate).Methods(http.MethodPost)

	return router
}

func callerKey(r *http.Request) string {
	return auth.CallerID(r.Context())
}

// instrument logs and counts each request by route template.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.ObserveHTTP(route, recorder.statusCode)
		s.log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", recorder.statusCode).
			Int("bytes", recorder.size).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	size          int
	headerWritten bool
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if !r.headerWritten {
		r.statusCode = statusCode
		r.ResponseWriter.WriteHeader(statusCode)
		r.headerWritten = true
	}
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.headerWritten = true
	size, err := r.ResponseWriter.Write(b)
	r.size += size
	return size, err
}
