package engine

import (
	"context"

	"flowboard/domain"
)

// Gateway is the persistence contract the engine drives. It is the only I/O
// boundary: everything else in the engine is synchronous computation.
type Gateway interface {
	// Load returns the full authoritative task snapshot for a board.
	Load(ctx context.Context, boardID string) ([]domain.Task, error)
	// Commit applies a write set atomically: either every update lands or
	// none do. Partial application would break the contiguous-index
	// invariant for other clients.
	Commit(ctx context.Context, boardID string, updates []domain.Update) error
}
