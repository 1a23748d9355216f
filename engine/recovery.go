package engine

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"flowboard/domain"
)

// RecoveryPolicy defines what happens after a failed commit: the optimistic
// board is discarded and the authoritative snapshot is reloaded. No partial
// merge between the failed board and the reload is attempted, because the
// relative order of a partially applied write set is undefined.
type RecoveryPolicy struct {
	gateway Gateway
	boardID string
	buckets []domain.Bucket
	timeout time.Duration
	logger  *log.Logger
}

// Recover reloads the board and classifies the failure. When the reload shows
// that the moved task no longer exists, the returned error is a
// StaleStateError; otherwise the original cause is wrapped as a
// PersistenceError. The second error reports a failed reload, in which case
// the returned board is unusable and the caller keeps its last committed one.
func (p RecoveryPolicy) Recover(ctx context.Context, movedTaskID string, cause error) (domain.Board, error, error) {
	loadCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tasks, err := p.gateway.Load(loadCtx, p.boardID)
	if err != nil {
		p.logger.WithFields(log.Fields{"board": p.boardID, "error": err}).Error("reload after failed commit failed")
		return domain.Board{}, &domain.PersistenceError{Op: "commit", Err: cause}, &domain.PersistenceError{Op: "reload", Err: err}
	}

	board := domain.NewBoard(p.buckets, tasks)
	if movedTaskID != "" && !board.Contains(movedTaskID) {
		p.logger.WithFields(log.Fields{"board": p.boardID, "task": movedTaskID}).Warn("pending move referenced a vanished task")
		return board, &domain.StaleStateError{TaskID: movedTaskID}, nil
	}
	return board, &domain.PersistenceError{Op: "commit", Err: cause}, nil
}
