package journal

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore appends steps to the invocation_steps table created by
// store.Migrate.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Append(ctx context.Context, step *Step) error {
	meta, _ := json.Marshal(step.Metadata)
	if meta == nil {
		meta = []byte("{}")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO invocation_steps (id, request_id, function_id, timestamp, state, message, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		step.ID, step.RequestID, step.FunctionID, step.Timestamp, step.State, step.Message, meta,
	)
	return err
}

func (s *PostgresStore) ListByRequest(ctx context.Context, requestID string) ([]Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, request_id, function_id, timestamp, state, message, metadata
		 FROM invocation_steps WHERE request_id = $1 ORDER BY timestamp ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSteps(rows)
}

func (s *PostgresStore) ListByFunction(ctx context.Context, functionID string, limit int) ([]Step, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, request_id, function_id, timestamp, state, message, metadata
		 FROM invocation_steps WHERE function_id = $1 ORDER BY timestamp DESC LIMIT $2`, functionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSteps(rows)
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Step, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, request_id, function_id, timestamp, state, message, metadata
		 FROM invocation_steps ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSteps(rows)
}

type scannable interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanSteps(rows scannable) ([]Step, error) {
	var steps []Step
	for rows.Next() {
		var st Step
		var meta []byte
		if err := rows.Scan(&st.ID, &st.RequestID, &st.FunctionID, &st.Timestamp, &st.State, &st.Message, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			json.Unmarshal(meta, &st.Metadata)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}
