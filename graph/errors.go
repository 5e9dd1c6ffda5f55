//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph construction and execution.
var (
	// ErrUnknownChannel indicates a write to a channel the schema rejects.
	ErrUnknownChannel = errors.New("unknown state channel")
	// ErrNodeNotFound indicates a reference to a node that does not exist.
	ErrNodeNotFound = errors.New("node not found")
	// ErrDuplicateNode indicates two nodes registered under the same id.
	ErrDuplicateNode = errors.New("duplicate node id")
	// ErrNoEntryPoint indicates a graph compiled without an entry point.
	ErrNoEntryPoint = errors.New("no entry point set")
	// ErrPathNotInMap indicates a conditional branch outside its path map.
	ErrPathNotInMap = errors.New("branch result not found in path map")
	// ErrCheckpointNotFound indicates a lookup for a missing checkpoint.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrNoCheckpointSaver indicates a resume on a graph without a saver.
	ErrNoCheckpointSaver = errors.New("resume requires a checkpoint saver")
)

// ErrorType categorizes runtime errors for reporting and routing.
type ErrorType string

// Error categories.
const (
	ErrorTypeGraph      ErrorType = "graph"
	ErrorTypeModel      ErrorType = "model"
	ErrorTypeTool       ErrorType = "tool"
	ErrorTypeCheckpoint ErrorType = "checkpoint"
	ErrorTypeState      ErrorType = "state"
	ErrorTypeCancelled  ErrorType = "cancelled"
)

// Error is a categorized runtime error with the node it originated from.
type Error struct {
	Type   ErrorType
	NodeID string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s error in node %s: %v", e.Type, e.NodeID, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Type, e.Err)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a category and originating node.
func NewError(t ErrorType, nodeID string, err error) *Error {
	return &Error{Type: t, NodeID: nodeID, Err: err}
}

// recursionLimitMessages holds the user-facing message per language tag.
// The message is surfaced to end users, so it is localized rather than
// formatted from a single English template.
var recursionLimitMessages = map[string]string{
	"en": "The run stopped after %d steps without reaching an end state. The agent may be stuck in a loop; simplify the request or raise the recursion limit.",
	"zh": "运行在 %d 步后仍未到达结束状态,已停止。智能体可能陷入循环,请简化请求或提高递归上限。",
	"ja": "実行は %d ステップ後も終了状態に到達せず停止しました。エージェントがループしている可能性があります。リクエストを簡素化するか、再帰上限を引き上げてください。",
	"fr": "L'exécution s'est arrêtée après %d étapes sans atteindre un état final. L'agent est peut-être bloqué dans une boucle ; simplifiez la requête ou augmentez la limite de récursion.",
	"de": "Der Lauf wurde nach %d Schritten ohne Erreichen eines Endzustands gestoppt. Der Agent steckt möglicherweise in einer Schleife; vereinfachen Sie die Anfrage oder erhöhen Sie das Rekursionslimit.",
	"es": "La ejecución se detuvo tras %d pasos sin alcanzar un estado final. El agente puede estar atascado en un bucle; simplifique la solicitud o aumente el límite de recursión.",
}

// RecursionLimitError is returned when a run exceeds its step budget.
// Lang selects the localized message ("en" when empty or unknown).
type RecursionLimitError struct {
	Limit int
	Lang  string
}

// Error implements the error interface.
func (e *RecursionLimitError) Error() string {
	msg, ok := recursionLimitMessages[e.Lang]
	if !ok {
		msg = recursionLimitMessages["en"]
	}
	return fmt.Sprintf(msg, e.Limit)
}

// NewRecursionLimitError creates a localized recursion limit error.
func NewRecursionLimitError(limit int, lang string) *RecursionLimitError {
	return &RecursionLimitError{Limit: limit, Lang: lang}
}

// IsRecursionLimit reports whether err is a recursion limit error.
func IsRecursionLimit(err error) bool {
	var rle *RecursionLimitError
	return errors.As(err, &rle)
}
