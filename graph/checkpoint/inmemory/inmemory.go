//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

// Package inmemory provides an in-memory checkpoint saver for tests and
// single-process deployments.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/zhezhiming/xpert/graph"
)

// Saver stores checkpoints in process memory, keyed by lineage id and
// namespace. Channel values are stored as-is, so typed state survives
// within the process.
type Saver struct {
	mu sync.RWMutex
	// lineage -> namespace -> checkpoint id -> tuple
	lineages map[string]map[string]map[string]*graph.CheckpointTuple
	// lineage -> namespace -> ordered checkpoint ids (insertion order)
	order map[string]map[string][]string
}

// NewSaver creates an empty in-memory saver.
func NewSaver() *Saver {
	return &Saver{
		lineages: make(map[string]map[string]map[string]*graph.CheckpointTuple),
		order:    make(map[string]map[string][]string),
	}
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
	s.mu.RLock()
	defer s.mu.RUnlock()
	lineageID := graph.GetLineageID(config)
	ns := graph.GetNamespace(config)
	byNS, ok := s.lineages[lineageID]
	if !ok {
		return nil, nil
	}
	byID, ok := byNS[ns]
	if !ok {
		return nil, nil
	}
	checkpointID := graph.GetCheckpointID(config)
	if checkpointID == "" {
		ids := s.order[lineageID][ns]
		if len(ids) == 0 {
			return nil, nil
		}
		checkpointID = ids[len(ids)-1]
	}
	tuple, ok := byID[checkpointID]
	if !ok {
		return nil, nil
	}
	return tuple, nil
}

// List implements graph.CheckpointSaver, newest first.
func (s *Saver) List(ctx context.Context, config map[string]any, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lineageID := graph.GetLineageID(config)
	var result []*graph.CheckpointTuple
	for ns, ids := range s.order[lineageID] {
		for _, id := range ids {
			if tuple, ok := s.lineages[lineageID][ns][id]; ok {
				result = append(result, tuple)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Checkpoint.Timestamp.After(result[j].Checkpoint.Timestamp)
	})
	if filter != nil {
		if before := graph.GetCheckpointID(filter.Before); before != "" {
			var cut []*graph.CheckpointTuple
			found := false
			for _, t := range result {
				if found {
					cut = append(cut, t)
				}
				if t.Checkpoint.ID == before {
					found = true
				}
			}
			result = cut
		}
		if filter.Limit > 0 && len(result) > filter.Limit {
			result = result[:filter.Limit]
		}
	}
	return result, nil
}

// PutFull implements graph.CheckpointSaver.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lineageID := graph.GetLineageID(req.Config)
	ns := graph.GetNamespace(req.Config)
	if s.lineages[lineageID] == nil {
		s.lineages[lineageID] = make(map[string]map[string]*graph.CheckpointTuple)
		s.order[lineageID] = make(map[string][]string)
	}
	if s.lineages[lineageID][ns] == nil {
		s.lineages[lineageID][ns] = make(map[string]*graph.CheckpointTuple)
	}
	config := graph.CreateCheckpointConfig(lineageID, req.Checkpoint.ID, ns)
	var parentConfig map[string]any
	if req.Checkpoint.ParentCheckpointID != "" {
		parentConfig = graph.CreateCheckpointConfig(lineageID, req.Checkpoint.ParentCheckpointID, ns)
	}
	s.lineages[lineageID][ns][req.Checkpoint.ID] = &graph.CheckpointTuple{
		Config:        config,
		Checkpoint:    req.Checkpoint,
		Metadata:      req.Metadata,
		ParentConfig:  parentConfig,
		PendingWrites: req.PendingWrites,
	}
	s.order[lineageID][ns] = append(s.order[lineageID][ns], req.Checkpoint.ID)
	return config, nil
}

// PutWrites implements graph.CheckpointSaver.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lineageID := graph.GetLineageID(req.Config)
	ns := graph.GetNamespace(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	tuple, ok := s.lineages[lineageID][ns][checkpointID]
	if !ok {
		return graph.ErrCheckpointNotFound
	}
	tuple.PendingWrites = append(tuple.PendingWrites, req.Writes...)
	return nil
}

// DeleteLineage implements graph.CheckpointSaver.
func (s *Saver) DeleteLineage(ctx context.Context, lineageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lineages, lineageID)
	delete(s.order, lineageID)
	return nil
}

// Close implements graph.CheckpointSaver.
func (s *Saver) Close() error { return nil }

var _ graph.CheckpointSaver = (*Saver)(nil)
