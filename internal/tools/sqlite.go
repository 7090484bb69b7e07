package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS tool_invocations (
	idempotency_key TEXT PRIMARY KEY,
	invocation_id   TEXT NOT NULL,
	tool_id         TEXT NOT NULL,
	approval_state  TEXT NOT NULL,
	execution_state TEXT NOT NULL DEFAULT '',
	record_json     TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tool_invocations_invocation ON tool_invocations(invocation_id);
CREATE INDEX IF NOT EXISTS idx_tool_invocations_pending ON tool_invocations(approval_state, execution_state);
`

// sortableTime is fixed width so text order matches time order.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteLedger persists records in a SQLite database so pending approvals
// and completed results survive restarts.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (creating if needed) the database at path.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening tool ledger: %w", err)
	}
	// one writer keeps SQLite from returning SQLITE_BUSY under load
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), ledgerSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating tool ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) Get(ctx context.Context, key string) (Record, bool, error) {
	return l.one(ctx, `SELECT record_json FROM tool_invocations WHERE idempotency_key = ?`, key)
}

func (l *SQLiteLedger) ByInvocationID(ctx context.Context, id string) (Record, bool, error) {
	return l.one(ctx, `SELECT record_json FROM tool_invocations WHERE invocation_id = ? ORDER BY created_at LIMIT 1`, id)
}

func (l *SQLiteLedger) one(ctx context.Context, query, arg string) (Record, bool, error) {
	var raw string
	err := l.db.QueryRowContext(ctx, query, arg).Scan(&raw)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("reading tool ledger: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decoding ledger record: %w", err)
	}
	return rec, true, nil
}

func (l *SQLiteLedger) Put(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding ledger record: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO tool_invocations
			(idempotency_key, invocation_id, tool_id, approval_state, execution_state, record_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			approval_state = excluded.approval_state,
			execution_state = excluded.execution_state,
			record_json = excluded.record_json,
			updated_at = excluded.updated_at`,
		rec.Key, rec.Invocation.InvocationID, rec.Invocation.ToolID,
		string(rec.ApprovalState), string(rec.ExecutionState), string(raw),
		rec.CreatedAt.UTC().Format(sortableTime), rec.UpdatedAt.UTC().Format(sortableTime),
	)
	if err != nil {
		return fmt.Errorf("writing tool ledger: %w", err)
	}
	return nil
}

// Pending returns pending records, oldest first.
func (l *SQLiteLedger) Pending(ctx context.Context) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT record_json FROM tool_invocations
		WHERE approval_state = ? AND execution_state = ''
		ORDER BY created_at, idempotency_key`, string(ApprovalPending))
	if err != nil {
		return nil, fmt.Errorf("listing pending invocations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decoding ledger record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Close() error { return l.db.Close() }
