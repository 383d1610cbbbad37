package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of the pool the queries use.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type DB struct {
	Pool *pgxpool.Pool
	q    querier
	now  func() time.Time
}

func NewDB(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &DB{Pool: pool, q: pool, now: time.Now}, nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Migrate creates the transactions table if it doesn't exist.
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.q.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id              VARCHAR(64) PRIMARY KEY,
			amount          NUMERIC(18,4) NOT NULL CHECK (amount > 0),
			currency        CHAR(3) NOT NULL,
			customer_id     VARCHAR(128) NOT NULL,
			customer_email  TEXT,
			device_id       VARCHAR(128),
			ip_address      TEXT,
			occurred_at     TIMESTAMPTZ NOT NULL,
			fraud_score     NUMERIC(5,4) NOT NULL CHECK (fraud_score >= 0 AND fraud_score <= 1),
			risk_level      VARCHAR(10) NOT NULL,
			recommendation  VARCHAR(10) NOT NULL,
			model_version   TEXT NOT NULL,
			factors         JSONB NOT NULL DEFAULT '{}',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_customer
			ON transactions (customer_id, created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_transactions_ip
			ON transactions (ip_address, created_at DESC) WHERE ip_address IS NOT NULL;
	`)
	return err
}
