package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"collabdraw/merge"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS operations (
	seq BIGSERIAL PRIMARY KEY,
	document_key TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	counter BIGINT NOT NULL,
	body JSONB NOT NULL,
	UNIQUE (document_key, actor_id, counter)
)`

type PostgresHistory struct {
	pool *pgxpool.Pool
}

// OpenPostgresHistory connects to dsn and creates the operations table when
// it is missing.
func OpenPostgresHistory(ctx context.Context, dsn string) (*PostgresHistory, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure operations table: %w", err)
	}
	return &PostgresHistory{pool: pool}, nil
}

func (h *PostgresHistory) Append(ctx context.Context, documentKey string, op merge.Operation) (bool, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", op, err)
	}
	tag, err := h.pool.Exec(ctx,
		`INSERT INTO operations (document_key, actor_id, counter, body)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (document_key, actor_id, counter) DO NOTHING`,
		documentKey, string(op.Stamp.Actor), int64(op.Stamp.Counter), string(body),
	)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (h *PostgresHistory) Load(ctx context.Context, documentKey string) ([]merge.Operation, error) {
	rows, err := h.pool.Query(ctx,
		`SELECT body FROM operations WHERE document_key = $1 ORDER BY seq`,
		documentKey,
	)
	if err != nil {
		return nil, fmt.Errorf("select operations: %w", err)
	}
	defer rows.Close()

	var ops []merge.Operation
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		var op merge.Operation
		if err := json.Unmarshal(body, &op); err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select operations: %w", err)
	}
	return ops, nil
}

func (h *PostgresHistory) Close() error {
	h.pool.Close()
	return nil
}
