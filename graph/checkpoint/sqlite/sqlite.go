//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

// Package sqlite provides a SQLite-backed checkpoint saver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	// SQLite driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/zhezhiming/xpert/graph"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	lineage_id TEXT NOT NULL,
	checkpoint_ns TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT NOT NULL,
	parent_checkpoint_id TEXT,
	checkpoint TEXT NOT NULL,
	metadata TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (lineage_id, checkpoint_ns, checkpoint_id)
);
CREATE TABLE IF NOT EXISTS checkpoint_writes (
	lineage_id TEXT NOT NULL,
	checkpoint_ns TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	channel TEXT NOT NULL,
	value TEXT,
	PRIMARY KEY (lineage_id, checkpoint_ns, checkpoint_id, task_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_lineage
	ON checkpoints(lineage_id, checkpoint_ns, created_at);
`

// Saver persists checkpoints in SQLite. Channel values round-trip through
// JSON; the executor rehydrates typed channels via the state schema.
type Saver struct {
	db *sql.DB
}

// NewSaver opens (and migrates) a saver at the given DSN, e.g.
// "file:xpert.db?_journal_mode=WAL" or ":memory:".
func NewSaver(dsn string) (*Saver, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate checkpoint db: %w", err)
	}
	return &Saver{db: db}, nil
}

// NewSaverFromDB wraps an existing database handle, migrating the schema.
func NewSaverFromDB(db *sql.DB) (*Saver, error) {
	if _, err := db.Exec(checkpointSchema); err != nil {
		return nil, fmt.Errorf("migrate checkpoint db: %w", err)
	}
	return &Saver{db: db}, nil
}

// Get implements graph.CheckpointSaver.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple implements graph.CheckpointSaver.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	ns := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)

	query := `SELECT checkpoint_id, parent_checkpoint_id, checkpoint, metadata
		FROM checkpoints WHERE lineage_id = ? AND checkpoint_ns = ?`
	args := []any{lineageID, ns}
	if checkpointID != "" {
		query += " AND checkpoint_id = ?"
		args = append(args, checkpointID)
	}
	query += " ORDER BY created_at DESC, checkpoint_id DESC LIMIT 1"

	row := s.db.QueryRowContext(ctx, query, args...)
	tuple, err := s.scanTuple(ctx, row, lineageID, ns)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tuple, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Saver) scanTuple(ctx context.Context, row rowScanner, lineageID, ns string) (*graph.CheckpointTuple, error) {
	var (
		id       string
		parentID sql.NullString
		ckptRaw  string
		metaRaw  string
	)
	if err := row.Scan(&id, &parentID, &ckptRaw, &metaRaw); err != nil {
		return nil, err
	}
	var ckpt graph.Checkpoint
	if err := json.Unmarshal([]byte(ckptRaw), &ckpt); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	var meta graph.CheckpointMetadata
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		return nil, fmt.Errorf("decode checkpoint metadata %s: %w", id, err)
	}
	tuple := &graph.CheckpointTuple{
		Config:     graph.CreateCheckpointConfig(lineageID, id, ns),
		Checkpoint: &ckpt,
		Metadata:   &meta,
	}
	if parentID.Valid && parentID.String != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(lineageID, parentID.String, ns)
	}
	writes, err := s.loadWrites(ctx, lineageID, ns, id)
	if err != nil {
		return nil, err
	}
	tuple.PendingWrites = writes
	return tuple, nil
}

func (s *Saver) loadWrites(ctx context.Context, lineageID, ns, checkpointID string) ([]graph.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, seq, channel, value
		FROM checkpoint_writes
		WHERE lineage_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		ORDER BY seq ASC`, lineageID, ns, checkpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var writes []graph.PendingWrite
	for rows.Next() {
		var (
			w     graph.PendingWrite
			value sql.NullString
		)
		if err := rows.Scan(&w.TaskID, &w.Sequence, &w.Channel, &value); err != nil {
			return nil, err
		}
		if value.Valid && value.String != "" {
			if err := json.Unmarshal([]byte(value.String), &w.Value); err != nil {
				w.Value = value.String
			}
		}
		writes = append(writes, w)
	}
	return writes, rows.Err()
}

// List implements graph.CheckpointSaver, newest first across namespaces.
func (s *Saver) List(ctx context.Context, config map[string]any, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	query := `SELECT checkpoint_ns, checkpoint_id, parent_checkpoint_id, checkpoint, metadata
		FROM checkpoints WHERE lineage_id = ?`
	args := []any{lineageID}
	if filter != nil {
		if before := graph.GetCheckpointID(filter.Before); before != "" {
			query += ` AND created_at < (SELECT created_at FROM checkpoints
				WHERE lineage_id = ? AND checkpoint_id = ?)`
			args = append(args, lineageID, before)
		}
	}
	query += " ORDER BY created_at DESC, checkpoint_id DESC"
	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*graph.CheckpointTuple
	for rows.Next() {
		var (
			ns       string
			id       string
			parentID sql.NullString
			ckptRaw  string
			metaRaw  string
		)
		if err := rows.Scan(&ns, &id, &parentID, &ckptRaw, &metaRaw); err != nil {
			return nil, err
		}
		var ckpt graph.Checkpoint
		if err := json.Unmarshal([]byte(ckptRaw), &ckpt); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", id, err)
		}
		var meta graph.CheckpointMetadata
		if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
			return nil, fmt.Errorf("decode checkpoint metadata %s: %w", id, err)
		}
		tuple := &graph.CheckpointTuple{
			Config:     graph.CreateCheckpointConfig(lineageID, id, ns),
			Checkpoint: &ckpt,
			Metadata:   &meta,
		}
		if parentID.Valid && parentID.String != "" {
			tuple.ParentConfig = graph.CreateCheckpointConfig(lineageID, parentID.String, ns)
		}
		result = append(result, tuple)
	}
	return result, rows.Err()
}

// PutFull implements graph.CheckpointSaver: the checkpoint and its writes
// commit in one transaction.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	lineageID := graph.GetLineageID(req.Config)
	ns := graph.GetNamespace(req.Config)
	ckptRaw, err := json.Marshal(req.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	metaRaw, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var parentID any
	if req.Checkpoint.ParentCheckpointID != "" {
		parentID = req.Checkpoint.ParentCheckpointID
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO checkpoints
		(lineage_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, checkpoint, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lineageID, ns, req.Checkpoint.ID, parentID,
		string(ckptRaw), string(metaRaw), req.Checkpoint.Timestamp); err != nil {
		return nil, fmt.Errorf("store checkpoint: %w", err)
	}
	for _, w := range req.PendingWrites {
		valueRaw, err := json.Marshal(w.Value)
		if err != nil {
			return nil, fmt.Errorf("encode write value: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO checkpoint_writes
			(lineage_id, checkpoint_ns, checkpoint_id, task_id, seq, channel, value)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			lineageID, ns, req.Checkpoint.ID, w.TaskID, w.Sequence,
			w.Channel, string(valueRaw)); err != nil {
			return nil, fmt.Errorf("store checkpoint write: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return graph.CreateCheckpointConfig(lineageID, req.Checkpoint.ID, ns), nil
}

// PutWrites implements graph.CheckpointSaver.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	lineageID := graph.GetLineageID(req.Config)
	ns := graph.GetNamespace(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	for _, w := range req.Writes {
		valueRaw, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("encode write value: %w", err)
		}
		taskID := w.TaskID
		if taskID == "" {
			taskID = req.TaskID
		}
		if _, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO checkpoint_writes
			(lineage_id, checkpoint_ns, checkpoint_id, task_id, seq, channel, value)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			lineageID, ns, checkpointID, taskID, w.Sequence,
			w.Channel, string(valueRaw)); err != nil {
			return fmt.Errorf("store checkpoint write: %w", err)
		}
	}
	return nil
}

// DeleteLineage implements graph.CheckpointSaver.
func (s *Saver) DeleteLineage(ctx context.Context, lineageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM checkpoints WHERE lineage_id = ?", lineageID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM checkpoint_writes WHERE lineage_id = ?", lineageID); err != nil {
		return err
	}
	return tx.Commit()
}

// Close implements graph.CheckpointSaver.
func (s *Saver) Close() error { return s.db.Close() }

var _ graph.CheckpointSaver = (*Saver)(nil)
