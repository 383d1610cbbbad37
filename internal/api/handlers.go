package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/HanTheDev/risk-scoring-gateway/internal/auth"
	"github.com/HanTheDev/risk-scoring-gateway/internal/models"
	"github.com/HanTheDev/risk-scoring-gateway/internal/pipeline"
	"github.com/HanTheDev/risk-scoring-gateway/internal/ratelimit"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Score handles POST /v1/transactions/score.
func (s *Server) Score(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerID(r.Context())
	if caller == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing caller identity")
		return
	}

	txn, err := decodeTransaction(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := s.pipeline.Score(r.Context(), caller, txn)
	if err != nil {
		s.writePipelineError(w, txn, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Evaluate handles POST /v1/transactions/evaluate. Nothing is persisted and
// no counter moves.
func (s *Server) Evaluate(w http.ResponseWriter, r *http.Request) {
	txn, err := decodeTransaction(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := pipeline.Validate(txn); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_transaction", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.pipeline.Evaluate(r.Context(), txn))
}

// Admit handles GET /v1/ratelimit/admit. It consumes a slot.
func (s *Server) Admit(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerID(r.Context())
	if caller == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing caller identity")
		return
	}

	decision := s.pipeline.Admit(r.Context(), caller)
	if s.limiter != nil {
		ratelimit.WriteHeaders(w, s.limiter.Config().Limit, decision)
	}
	if !decision.Allowed {
		ratelimit.WriteRejection(w, decision)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Model   string            `json:"model"`
	Checks  map[string]string `json:"checks"`
}

// Health handles GET /health. A Redis outage only degrades the service; the
// durable store being down makes it unhealthy.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:  "healthy",
		Version: s.version,
		Model:   "unknown",
		Checks:  map[string]string{},
	}
	if s.engine != nil {
		resp.Model = s.engine.State().String()
	}

	status := http.StatusOK
	if s.redis != nil {
		if err := s.redis.Ping(ctx); err != nil {
			resp.Checks["redis"] = err.Error()
			resp.Status = "degraded"
		} else {
			resp.Checks["redis"] = "ok"
		}
	}
	if s.database != nil {
		if err := s.database.Ping(ctx); err != nil {
			resp.Checks["postgres"] = err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			resp.Checks["postgres"] = "ok"
		}
	}

	writeJSON(w, status, resp)
}

func (s *Server) writePipelineError(w http.ResponseWriter, txn *models.Transaction, err error) {
	var throttled *pipeline.ThrottledError
	switch {
	case errors.As(err, &throttled):
		if s.limiter != nil {
			ratelimit.WriteHeaders(w, s.limiter.Config().Limit, throttled.Decision)
		}
		ratelimit.WriteRejection(w, throttled.Decision)
	case errors.Is(err, pipeline.ErrInvalidTransaction):
		writeError(w, http.StatusBadRequest, "invalid_transaction", err.Error())
	case errors.Is(err, pipeline.ErrPersistence):
		s.log.Error().Err(err).Str("transaction_id", txn.ID).Msg("scoring failed")
		writeError(w, http.StatusBadGateway, "persistence_failed", "transaction could not be stored")
	default:
		s.log.Error().Err(err).Str("transaction_id", txn.ID).Msg("scoring failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// decodeTransaction reads a transaction body, assigning an id when the
// client sent none.
func decodeTransaction(r *http.Request) (*models.Transaction, error) {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	var txn models.Transaction
	if err := dec.Decode(&txn); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty body")
		}
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return nil, errors.New("unexpected trailing data")
	}
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	return &txn, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}
