package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	pool *pgxpool.Pool
}

func Connect(databaseURL string) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

// Pool exposes the connection pool for stores that share the database.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *DB) QueryRow(ctx context.Context, sql string, args ...interface{}) interface{ Scan(...interface{}) error } {
	return db.pool.QueryRow(ctx, sql, args...)
}

func Migrate(db *DB) error {
	ctx := context.Background()
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS invocations (
			request_id  TEXT PRIMARY KEY,
			function_id TEXT NOT NULL,
			outcome     TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			rebuilt     BOOLEAN NOT NULL DEFAULT FALSE,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			finished_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_invocations_function
			ON invocations(function_id, started_at DESC);

		CREATE TABLE IF NOT EXISTS invocation_steps (
			id          TEXT PRIMARY KEY,
			request_id  TEXT NOT NULL,
			function_id TEXT NOT NULL,
			timestamp   TIMESTAMPTZ NOT NULL DEFAULT now(),
			state       TEXT NOT NULL,
			message     TEXT NOT NULL DEFAULT '',
			metadata    JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_invocation_steps_request
			ON invocation_steps(request_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_invocation_steps_function
			ON invocation_steps(function_id, timestamp DESC);
	`)
	return err
}
