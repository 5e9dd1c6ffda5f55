//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Checkpoint source values recorded in metadata.
const (
	// CheckpointSourceInput marks the checkpoint written for the initial input.
	CheckpointSourceInput = "input"
	// CheckpointSourceLoop marks checkpoints written at step boundaries.
	CheckpointSourceLoop = "loop"
	// CheckpointSourceInterrupt marks checkpoints written on interruption.
	CheckpointSourceInterrupt = "interrupt"
	// CheckpointSourceFork marks checkpoints created by forking history.
	CheckpointSourceFork = "fork"
)

// Config keys used in checkpoint configuration maps.
const (
	CfgKeyConfigurable  = "configurable"
	CfgKeyLineageID     = "lineage_id"
	CfgKeyCheckpointNS  = "checkpoint_ns"
	CfgKeyCheckpointID  = "checkpoint_id"
	CheckpointNSDefault = ""
)

// NamespaceSeparator joins parent and child checkpoint namespaces.
const NamespaceSeparator = "."

// ChildNamespace derives the namespace of a subgraph from its parent.
func ChildNamespace(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + NamespaceSeparator + child
}

// InterruptState records where and why a run paused, so a resume can
// re-enter at the right node with the right prompt still pending.
type InterruptState struct {
	NodeID string `json:"node_id"`
	TaskID string `json:"task_id,omitempty"`
	Key    string `json:"key,omitempty"`
	Value  any    `json:"value,omitempty"`
	Step   int    `json:"step"`
}

// Checkpoint is a snapshot of channel values at a step boundary.
type Checkpoint struct {
	// Version is the checkpoint format version.
	Version int `json:"version"`
	// ID is the unique checkpoint id, time-ordered (UUID v7 when available).
	ID string `json:"id"`
	// Timestamp is when the checkpoint was created.
	Timestamp time.Time `json:"timestamp"`
	// ChannelValues is the state snapshot, internal keys stripped.
	ChannelValues map[string]any `json:"channel_values"`
	// ParentCheckpointID links to the previous checkpoint in the lineage.
	ParentCheckpointID string `json:"parent_checkpoint_id,omitempty"`
	// NextNodes is the frontier to schedule when resuming from here.
	NextNodes []string `json:"next_nodes,omitempty"`
	// InterruptState is set when the checkpoint was written on interrupt.
	InterruptState *InterruptState `json:"interrupt_state,omitempty"`
}

// CheckpointVersion is the current checkpoint format version.
const CheckpointVersion = 1

// NewCheckpoint creates a checkpoint snapshot of the given values.
func NewCheckpoint(values map[string]any) *Checkpoint {
	return &Checkpoint{
		Version:       CheckpointVersion,
		ID:            newCheckpointID(),
		Timestamp:     time.Now().UTC(),
		ChannelValues: values,
	}
}

func newCheckpointID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.New().String()
}

// CheckpointMetadata describes how a checkpoint came to be.
type CheckpointMetadata struct {
	// Source is one of the CheckpointSource* values.
	Source string `json:"source"`
	// Step is the step number the checkpoint closes (-1 for input).
	Step int `json:"step"`
	// Parents maps a namespace to the checkpoint id it branched from.
	Parents map[string]string `json:"parents,omitempty"`
	// Extra carries saver-specific metadata.
	Extra map[string]any `json:"extra,omitempty"`
}

// PendingWrite is a channel write recorded alongside a checkpoint, keyed by
// the task that produced it and ordered by sequence.
type PendingWrite struct {
	TaskID   string `json:"task_id"`
	Channel  string `json:"channel"`
	Value    any    `json:"value"`
	Sequence int64  `json:"sequence"`
}

// CheckpointTuple bundles a checkpoint with its config, metadata, parent
// link, and pending writes.
type CheckpointTuple struct {
	Config        map[string]any      `json:"config"`
	Checkpoint    *Checkpoint         `json:"checkpoint"`
	Metadata      *CheckpointMetadata `json:"metadata"`
	ParentConfig  map[string]any      `json:"parent_config,omitempty"`
	PendingWrites []PendingWrite      `json:"pending_writes,omitempty"`
}

// CheckpointFilter narrows List results.
type CheckpointFilter struct {
	// Before limits results to checkpoints older than the referenced one.
	Before map[string]any
	// Limit caps the number of returned tuples (0 means no cap).
	Limit int
}

// PutFullRequest is the atomic persistence request: checkpoint, metadata,
// and the step's writes stored together.
type PutFullRequest struct {
	Config      map[string]any
	Checkpoint  *Checkpoint
	Metadata    *CheckpointMetadata
	NewVersions map[string]any
	// PendingWrites are the channel writes applied in the step the
	// checkpoint closes.
	PendingWrites []PendingWrite
}

// PutWritesRequest records writes against an existing checkpoint, used for
// successful tasks of a step that later failed or interrupted.
type PutWritesRequest struct {
	Config map[string]any
	Writes []PendingWrite
	TaskID string
}

// CheckpointSaver persists checkpoints keyed by lineage id, namespace, and
// checkpoint id. Implementations must be safe for concurrent use.
type CheckpointSaver interface {
	// Get returns the checkpoint for the config, or nil when absent.
	Get(ctx context.Context, config map[string]any) (*Checkpoint, error)
	// GetTuple returns the full tuple for the config, or nil when absent.
	// A config without a checkpoint id resolves to the latest checkpoint
	// of the (lineage, namespace) pair.
	GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error)
	// List returns tuples for the lineage, newest first.
	List(ctx context.Context, config map[string]any, filter *CheckpointFilter) ([]*CheckpointTuple, error)
	// PutFull atomically stores a checkpoint with its writes and returns
	// the config updated with the new checkpoint id.
	PutFull(ctx context.Context, req PutFullRequest) (map[string]any, error)
	// PutWrites records task writes against an existing checkpoint.
	PutWrites(ctx context.Context, req PutWritesRequest) error
	// DeleteLineage removes all checkpoints of a lineage.
	DeleteLineage(ctx context.Context, lineageID string) error
	// Close releases saver resources.
	Close() error
}

// CreateCheckpointConfig builds a checkpoint config map.
func CreateCheckpointConfig(lineageID, checkpointID, namespace string) map[string]any {
	configurable := map[string]any{
		CfgKeyLineageID:    lineageID,
		CfgKeyCheckpointNS: namespace,
	}
	if checkpointID != "" {
		configurable[CfgKeyCheckpointID] = checkpointID
	}
	return map[string]any{CfgKeyConfigurable: configurable}
}

// GetLineageID extracts the lineage id from a config.
func GetLineageID(config map[string]any) string {
	return configString(config, CfgKeyLineageID)
}

// GetNamespace extracts the checkpoint namespace from a config.
func GetNamespace(config map[string]any) string {
	return configString(config, CfgKeyCheckpointNS)
}

// GetCheckpointID extracts the checkpoint id from a config.
func GetCheckpointID(config map[string]any) string {
	return configString(config, CfgKeyCheckpointID)
}

func configString(config map[string]any, key string) string {
	configurable, ok := config[CfgKeyConfigurable].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := configurable[key].(string)
	return s
}

// CheckpointManager provides read access to checkpoint history for
// inspection surfaces (thread state, time travel).
type CheckpointManager struct {
	saver CheckpointSaver
}

// NewCheckpointManager creates a manager over the given saver.
func NewCheckpointManager(saver CheckpointSaver) *CheckpointManager {
	return &CheckpointManager{saver: saver}
}

// Latest returns the newest tuple of the lineage and namespace, or nil.
func (m *CheckpointManager) Latest(ctx context.Context, lineageID, namespace string) (*CheckpointTuple, error) {
	return m.saver.GetTuple(ctx, CreateCheckpointConfig(lineageID, "", namespace))
}

// Get returns the tuple identified by the config, or nil.
func (m *CheckpointManager) Get(ctx context.Context, config map[string]any) (*CheckpointTuple, error) {
	return m.saver.GetTuple(ctx, config)
}

// List returns checkpoint history for the lineage, newest first.
func (m *CheckpointManager) List(ctx context.Context, lineageID string, filter *CheckpointFilter) ([]*CheckpointTuple, error) {
	return m.saver.List(ctx, CreateCheckpointConfig(lineageID, "", CheckpointNSDefault), filter)
}

// DeleteLineage removes all checkpoints of the lineage.
func (m *CheckpointManager) DeleteLineage(ctx context.Context, lineageID string) error {
	return m.saver.DeleteLineage(ctx, lineageID)
}
