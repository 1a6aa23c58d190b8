package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"bifrost/api/model"
)

var ErrNotFound = errors.New("not found")

// InsertInvocation records an invocation that has started; outcome stays
// empty until FinishInvocation.
func (db *DB) InsertInvocation(ctx context.Context, rec *model.InvocationRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO invocations (request_id, function_id, started_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (request_id) DO NOTHING`,
		rec.RequestID, rec.FunctionID, rec.StartedAt,
	)
	return err
}

func (db *DB) FinishInvocation(ctx context.Context, rec *model.InvocationRecord) error {
	finished := time.Now()
	if rec.FinishedAt != nil {
		finished = *rec.FinishedAt
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE invocations SET outcome = $1, error = $2, rebuilt = $3, duration_ms = $4, finished_at = $5
		 WHERE request_id = $6`,
		rec.Outcome, rec.Error, rec.Rebuilt, rec.DurationMs, finished, rec.RequestID,
	)
	return err
}

func (db *DB) GetInvocation(ctx context.Context, requestID string) (*model.InvocationRecord, error) {
	var r model.InvocationRecord
	err := db.pool.QueryRow(ctx,
		`SELECT request_id, function_id, outcome, error, rebuilt, duration_ms, started_at, finished_at
		 FROM invocations WHERE request_id = $1`, requestID,
	).Scan(&r.RequestID, &r.FunctionID, &r.Outcome, &r.Error, &r.Rebuilt, &r.DurationMs, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (db *DB) ListInvocations(ctx context.Context, functionID string, limit int) ([]model.InvocationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT request_id, function_id, outcome, error, rebuilt, duration_ms, started_at, finished_at
		 FROM invocations WHERE function_id = $1 ORDER BY started_at DESC LIMIT $2`,
		functionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []model.InvocationRecord
	for rows.Next() {
		var r model.InvocationRecord
		if err := rows.Scan(&r.RequestID, &r.FunctionID, &r.Outcome, &r.Error, &r.Rebuilt, &r.DurationMs, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// AbandonInFlight closes invocations left open by a previous process; their
// workers and bridge connection are gone, so they end as transport errors.
func (db *DB) AbandonInFlight(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE invocations SET outcome = $1, error = 'abandoned at restart', finished_at = now()
		 WHERE finished_at IS NULL`,
		model.OutcomeTransportError,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PruneHistory deletes finished invocations that started before the cutoff,
// together with their journal steps.
func (db *DB) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM invocation_steps WHERE request_id IN (
			SELECT request_id FROM invocations WHERE started_at < $1 AND finished_at IS NOT NULL
		)`, before,
	); err != nil {
		return 0, err
	}
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM invocations WHERE started_at < $1 AND finished_at IS NOT NULL`, before,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
