package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/HanTheDev/risk-scoring-gateway/internal/models"
)

var ErrUnknownDimension = errors.New("db: unknown dimension")

// Persist stores a scored transaction once. A repeated id is acknowledged
// with Inserted=false and leaves the stored row untouched.
func (db *DB) Persist(ctx context.Context, txn *models.Transaction, result models.ScoreResult) (models.PersistResult, error) {
	factors, err := json.Marshal(result.Factors)
	if err != nil {
		return models.PersistResult{}, fmt.Errorf("failed to marshal factors: %w", err)
	}

	query := `
        INSERT INTO transactions (id, amount, currency, customer_id, customer_email, device_id, ip_address,
                                  occurred_at, fraud_score, risk_level, recommendation, model_version, factors)
        VALUES ($1, $2::numeric, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''),
                $8, $9, $10, $11, $12, $13::jsonb)
        ON CONFLICT (id) DO NOTHING
        RETURNING id
    `

	var id string
	err = db.q.QueryRow(ctx, query,
		txn.ID,
		txn.Amount.String(),
		txn.Currency,
		txn.CustomerID,
		txn.CustomerEmail,
		txn.DeviceID,
		txn.IPAddress,
		txn.Timestamp,
		result.FraudScore,
		string(result.RiskLevel),
		string(result.Recommendation),
		result.ModelVersion,
		string(factors),
	).Scan(&id)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return models.PersistResult{ID: txn.ID, Inserted: false}, nil
	case err != nil:
		return models.PersistResult{}, fmt.Errorf("failed to persist transaction %s: %w", txn.ID, err)
	}
	return models.PersistResult{ID: id, Inserted: true}, nil
}

// FetchRecent aggregates the stored transactions of dim created within the
// last window.
func (db *DB) FetchRecent(ctx context.Context, dim models.Dimension, window time.Duration) (models.WindowStats, error) {
	column, err := dimensionColumn(dim.Kind)
	if err != nil {
		return models.WindowStats{}, err
	}

	query := fmt.Sprintf(`
        SELECT count(*), coalesce(sum(amount), 0)::float8
        FROM transactions
        WHERE %s = $1 AND created_at >= $2
    `, column)

	var stats models.WindowStats
	since := db.clock()().Add(-window)
	if err := db.q.QueryRow(ctx, query, dim.Value, since).Scan(&stats.Count, &stats.Sum); err != nil {
		return models.WindowStats{}, fmt.Errorf("failed to fetch %s activity: %w", dim.Kind, err)
	}
	return stats.Clamp(), nil
}

func (db *DB) clock() func() time.Time {
	if db.now == nil {
		return time.Now
	}
	return db.now
}

func dimensionColumn(kind models.DimensionKind) (string, error) {
	switch kind {
	case models.DimensionCustomer:
		return "customer_id", nil
	case models.DimensionIP:
		return "ip_address", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDimension, kind)
}
