package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"collabdraw/merge"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS operations (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	document_key TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	counter INTEGER NOT NULL,
	body TEXT NOT NULL,
	UNIQUE (document_key, actor_id, counter)
)`

type SQLiteHistory struct {
	db *sql.DB
}

// OpenSQLiteHistory opens or creates the history database at path.
func OpenSQLiteHistory(path string) (*SQLiteHistory, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure operations table: %w", err)
	}
	return &SQLiteHistory{db: db}, nil
}

func (h *SQLiteHistory) Append(ctx context.Context, documentKey string, op merge.Operation) (bool, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", op, err)
	}
	res, err := h.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO operations (document_key, actor_id, counter, body) VALUES (?, ?, ?, ?)`,
		documentKey, string(op.Stamp.Actor), int64(op.Stamp.Counter), string(body),
	)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", op, err)
	}
	return n == 1, nil
}

func (h *SQLiteHistory) Load(ctx context.Context, documentKey string) ([]merge.Operation, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT body FROM operations WHERE document_key = ? ORDER BY seq`,
		documentKey,
	)
	if err != nil {
		return nil, fmt.Errorf("select operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []merge.Operation
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		var op merge.Operation
		if err := json.Unmarshal([]byte(body), &op); err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select operations: %w", err)
	}
	return ops, nil
}

func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}
