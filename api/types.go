package api

import (
	"context"

	"flowboard/domain"
)

// Storage abstracts persistence for handlers. It is the same contract the
// reconciliation engine drives, so a Store or Cache satisfies both.
type Storage interface {
	Load(ctx context.Context, boardID string) ([]domain.Task, error)
	Commit(ctx context.Context, boardID string, updates []domain.Update) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents reprocessing of duplicate move submissions.
type Deduper interface {
	// AddMany records the idempotency keys and reports which were newly
	// added. On error the slice covers the keys processed before the
	// failure so callers may roll back.
	AddMany(ctx context.Context, boardID string, keys []string) ([]bool, error)
	// Remove deletes a previously added key, used when applying the move fails.
	Remove(ctx context.Context, boardID, key string) error
}
