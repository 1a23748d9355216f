package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks move intents that reference an unknown task or an
	// out-of-range target position. Handled locally; never surfaced to users.
	ErrValidation = errors.New("invalid move")
	// ErrPersistence marks any failed gateway commit: rejection, transport
	// error or timeout. Always followed by a full reload.
	ErrPersistence = errors.New("persistence failure")
	// ErrStaleState marks a reload that invalidated a pending move, e.g. the
	// moved task no longer exists remotely.
	ErrStaleState = errors.New("stale board state")
)

// ValidationError reports why a move intent was rejected before any snapshot
// was produced.
type ValidationError struct {
	TaskID string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid move for task %s: %s", e.TaskID, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// PersistenceError wraps the gateway failure that aborted a commit.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// StaleStateError is a persistence failure subtype: the authoritative reload
// no longer contains a task a pending move referred to.
type StaleStateError struct {
	TaskID string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("task %s vanished from the authoritative snapshot", e.TaskID)
}

func (e *StaleStateError) Is(target error) bool {
	return target == ErrStaleState || target == ErrPersistence
}
