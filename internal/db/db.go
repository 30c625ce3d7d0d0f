package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

// RunMigrations creates the settlement ledger and the session side record.
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS settlements (
			id BIGSERIAL PRIMARY KEY,
			round INTEGER NOT NULL,
			participant_id TEXT NOT NULL,
			contribution NUMERIC(14, 3) NOT NULL,
			private_account NUMERIC(14, 3) NOT NULL,
			public_share NUMERIC(14, 3) NOT NULL,
			final_payoff NUMERIC(14, 3) NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			session_id TEXT NOT NULL,
			UNIQUE (session_id, round, participant_id)
		);
		CREATE INDEX IF NOT EXISTS idx_settlements_session_id ON settlements(session_id);
		CREATE TABLE IF NOT EXISTS experiment_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}
