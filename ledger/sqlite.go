//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	// SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	thread_id TEXT NOT NULL DEFAULT '',
	agent_key TEXT NOT NULL DEFAULT '',
	node_id TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	inputs TEXT,
	outputs TEXT,
	tokens_in INTEGER NOT NULL DEFAULT 0,
	tokens_out INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_executions_run ON executions(run_id, started_at);
CREATE INDEX IF NOT EXISTS idx_executions_thread ON executions(thread_id, started_at);
`

// SQLiteRecorder persists execution entries in SQLite.
type SQLiteRecorder struct {
	db *sql.DB
}

// NewSQLiteRecorder opens (and migrates) a recorder at the given DSN, e.g.
// "file:xpert.db?_journal_mode=WAL" or ":memory:".
func NewSQLiteRecorder(dsn string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return &SQLiteRecorder{db: db}, nil
}

// Record implements Recorder, upserting by id.
func (r *SQLiteRecorder) Record(ctx context.Context, exec *Execution) error {
	if exec == nil {
		return nil
	}
	inputs, err := json.Marshal(exec.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	outputs, err := json.Marshal(exec.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	var endedAt any
	if exec.EndedAt != nil {
		endedAt = exec.EndedAt.UTC()
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO executions
			(id, run_id, thread_id, agent_key, node_id, category, title,
			 status, error, inputs, outputs, tokens_in, tokens_out,
			 started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			outputs = excluded.outputs,
			tokens_in = excluded.tokens_in,
			tokens_out = excluded.tokens_out,
			ended_at = excluded.ended_at`,
		exec.ID, exec.RunID, exec.ThreadID, exec.AgentKey, exec.NodeID,
		exec.Category, exec.Title, exec.Status, exec.Error,
		string(inputs), string(outputs), exec.TokensIn, exec.TokensOut,
		exec.StartedAt.UTC(), endedAt)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// List implements Recorder, ordered by start time ascending.
func (r *SQLiteRecorder) List(ctx context.Context, filter Filter) ([]*Execution, error) {
	query := `SELECT id, run_id, thread_id, agent_key, node_id, category,
		title, status, error, inputs, outputs, tokens_in, tokens_out,
		started_at, ended_at FROM executions WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.ThreadID != "" {
		query += " AND thread_id = ?"
		args = append(args, filter.ThreadID)
	}
	if filter.Category != "" {
		query += " AND category = ?"
		args = append(args, filter.Category)
	}
	query += " ORDER BY started_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var result []*Execution
	for rows.Next() {
		var (
			e               Execution
			inputs, outputs sql.NullString
			endedAt         sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.ThreadID, &e.AgentKey,
			&e.NodeID, &e.Category, &e.Title, &e.Status, &e.Error,
			&inputs, &outputs, &e.TokensIn, &e.TokensOut,
			&e.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if inputs.Valid && inputs.String != "" && inputs.String != "null" {
			if err := json.Unmarshal([]byte(inputs.String), &e.Inputs); err != nil {
				return nil, fmt.Errorf("unmarshal inputs: %w", err)
			}
		}
		if outputs.Valid && outputs.String != "" && outputs.String != "null" {
			if err := json.Unmarshal([]byte(outputs.String), &e.Outputs); err != nil {
				return nil, fmt.Errorf("unmarshal outputs: %w", err)
			}
		}
		if endedAt.Valid {
			t := endedAt.Time.UTC()
			e.EndedAt = &t
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

// Close implements Recorder.
func (r *SQLiteRecorder) Close() error { return r.db.Close() }

var _ Recorder = (*SQLiteRecorder)(nil)
var _ Recorder = (*MemoryRecorder)(nil)
