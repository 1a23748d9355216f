package api

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"flowboard/domain"
	"flowboard/engine"
)

// boardRegistry lazily creates one reconciliation engine per board. Engines
// are long-lived: they hold the committed/optimistic snapshots and the
// serialized commit queue for their board.
type boardRegistry struct {
	store   Storage
	buckets []domain.Bucket
	logger  *log.Logger

	mu      sync.Mutex
	engines map[string]*engine.Engine
}

func newBoardRegistry(store Storage, buckets []domain.Bucket, logger *log.Logger) *boardRegistry {
	return &boardRegistry{
		store:   store,
		buckets: buckets,
		logger:  logger,
		engines: make(map[string]*engine.Engine),
	}
}

// engineFor returns the board's engine, creating and loading it on first use.
func (r *boardRegistry) engineFor(ctx context.Context, boardID string) (*engine.Engine, error) {
	r.mu.Lock()
	eng, ok := r.engines[boardID]
	if !ok {
		eng = engine.New(engine.Config{
			BoardID: boardID,
			Buckets: r.buckets,
			Gateway: r.store,
			Logger:  r.logger,
			OnRevert: func(_ domain.Board, err error) {
				r.logger.WithFields(log.Fields{"board": boardID, "error": err}).Warn("optimistic board reverted")
			},
		})
		r.engines[boardID] = eng
	}
	r.mu.Unlock()

	if !eng.Loaded() {
		if _, err := eng.Load(ctx); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// shutdown drains every engine's commit queue. Intended for tests and
// graceful process exit.
func (r *boardRegistry) shutdown() {
	r.mu.Lock()
	engines := make([]*engine.Engine, 0, len(r.engines))
	for _, eng := range r.engines {
		engines = append(engines, eng)
	}
	r.engines = make(map[string]*engine.Engine)
	r.mu.Unlock()

	for _, eng := range engines {
		eng.Close()
	}
}
