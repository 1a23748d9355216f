package engine

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"flowboard/domain"
)

const (
	defaultCommitTimeout = 30 * time.Second
	defaultQueueSize     = 64
)

// Config carries the engine's collaborators and tuning.
type Config struct {
	BoardID string
	Buckets []domain.Bucket
	Gateway Gateway
	Logger  *log.Logger

	// CommitTimeout bounds each gateway call; an expired commit is treated
	// exactly like a rejected one.
	CommitTimeout time.Duration
	// QueueSize is the commit channel capacity.
	QueueSize int

	// OnRevert is invoked after a failed commit once recovery resolved,
	// with the reloaded board and the classified error.
	OnRevert func(board domain.Board, err error)
	// OnCommit is invoked after a write set was accepted by the gateway.
	OnCommit func(board domain.Board)
}

type commitJob struct {
	updates  []domain.Update
	snapshot domain.Board
	taskID   string
	epoch    uint64
}

// Engine holds the committed and optimistic board snapshots and reconciles
// them against the gateway. Moves are transformed and diffed synchronously on
// the caller's goroutine; write sets are committed by a single background
// committer, so commits for one board resolve strictly in issuance order.
type Engine struct {
	cfg      Config
	recovery RecoveryPolicy

	mu         sync.Mutex
	committed  domain.Board
	optimistic domain.Board
	epoch      uint64
	loaded     bool

	jobs   chan commitJob
	wg     sync.WaitGroup
	closed bool
}

// New creates an engine. Load must be called before the first move.
func New(cfg Config) *Engine {
	if cfg.Gateway == nil {
		panic("engine: gateway is required")
	}
	if cfg.Logger == nil {
		panic("engine: logger is required")
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = defaultCommitTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	e := &Engine{
		cfg: cfg,
		recovery: RecoveryPolicy{
			gateway: cfg.Gateway,
			boardID: cfg.BoardID,
			buckets: cfg.Buckets,
			timeout: cfg.CommitTimeout,
			logger:  cfg.Logger,
		},
		jobs: make(chan commitJob, cfg.QueueSize),
	}
	e.wg.Add(1)
	go e.committer()
	return e
}

// Load fetches the authoritative snapshot and replaces both boards wholesale.
// The forms subsystem calls this after any create, delete or external status
// change; the engine never invents or deletes tasks itself.
func (e *Engine) Load(ctx context.Context) (domain.Board, error) {
	loadCtx, cancel := context.WithTimeout(ctx, e.cfg.CommitTimeout)
	defer cancel()

	tasks, err := e.cfg.Gateway.Load(loadCtx, e.cfg.BoardID)
	if err != nil {
		return domain.Board{}, &domain.PersistenceError{Op: "load", Err: err}
	}
	board := domain.NewBoard(e.cfg.Buckets, tasks)

	e.mu.Lock()
	e.epoch++
	e.committed = board
	e.optimistic = board
	e.loaded = true
	e.mu.Unlock()
	return board, nil
}

// Move applies a move intent to the latest optimistic board, returns the new
// snapshot immediately and queues the write set behind any in-flight commits.
// A same-position move yields an empty diff and queues nothing.
func (e *Engine) Move(taskID, targetBucketID string, targetIndex int) (domain.Board, error) {
	e.mu.Lock()
	if !e.loaded {
		e.mu.Unlock()
		return domain.Board{}, &domain.ValidationError{TaskID: taskID, Reason: "board not loaded"}
	}
	if e.closed {
		e.mu.Unlock()
		return e.optimistic, &domain.ValidationError{TaskID: taskID, Reason: "engine closed"}
	}

	prev := e.optimistic
	next, err := e.optimistic.MoveTask(taskID, targetBucketID, targetIndex)
	if err != nil {
		e.mu.Unlock()
		return prev, err
	}
	updates := domain.Diff(e.optimistic, next)
	if len(updates) == 0 {
		e.mu.Unlock()
		return next, nil
	}
	e.optimistic = next
	job := commitJob{updates: updates, snapshot: next, taskID: taskID, epoch: e.epoch}
	e.mu.Unlock()

	if !e.send(job) {
		// Close won the race for the channel: the write set will never reach
		// the committer, so the optimistic snapshot must not claim it did.
		e.mu.Lock()
		if e.epoch == job.epoch {
			e.optimistic = prev
		}
		cur := e.optimistic
		e.mu.Unlock()
		e.cfg.Logger.WithFields(log.Fields{"board": e.cfg.BoardID, "task": taskID}).Warn("commit queue closed, move dropped")
		return cur, &domain.ValidationError{TaskID: taskID, Reason: "engine closed"}
	}
	return next, nil
}

func (e *Engine) send(job commitJob) (ok bool) {
	// Close may race the handoff; sending on a closed channel panics.
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	e.jobs <- job
	return true
}

// Board returns the snapshot the UI should render: the optimistic board.
func (e *Engine) Board() domain.Board {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.optimistic
}

// Loaded reports whether an authoritative snapshot has been loaded yet.
func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Committed returns the last board known to match the persistence layer.
func (e *Engine) Committed() domain.Board {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.committed
}

// Close stops the committer after draining queued commits.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	close(e.jobs)
	e.wg.Wait()
}

func (e *Engine) committer() {
	defer e.wg.Done()
	for job := range e.jobs {
		e.mu.Lock()
		stale := job.epoch != e.epoch
		e.mu.Unlock()
		if stale {
			// Queued behind a failed commit or an external reload; its diff
			// was computed against a board that no longer exists.
			e.cfg.Logger.WithFields(log.Fields{"board": e.cfg.BoardID, "task": job.taskID}).Debug("dropping stale commit")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CommitTimeout)
		err := e.cfg.Gateway.Commit(ctx, e.cfg.BoardID, job.updates)
		cancel()

		if err == nil {
			e.promote(job)
			continue
		}
		e.revert(job, err)
	}
}

func (e *Engine) promote(job commitJob) {
	e.mu.Lock()
	if job.epoch == e.epoch {
		e.committed = job.snapshot
	}
	e.mu.Unlock()
	if e.cfg.OnCommit != nil {
		e.cfg.OnCommit(job.snapshot)
	}
}

func (e *Engine) revert(job commitJob, cause error) {
	e.cfg.Logger.WithFields(log.Fields{
		"board":   e.cfg.BoardID,
		"task":    job.taskID,
		"updates": len(job.updates),
		"error":   cause,
	}).Error("commit failed, reverting to authoritative snapshot")

	board, classified, reloadErr := e.recovery.Recover(context.Background(), job.taskID, cause)

	e.mu.Lock()
	e.epoch++
	if reloadErr == nil {
		e.committed = board
		e.optimistic = board
	} else {
		// Reload failed too: fall back to the last committed baseline so the
		// UI at least stops showing unpersisted state.
		e.optimistic = e.committed
		board = e.committed
	}
	e.mu.Unlock()

	if e.cfg.OnRevert != nil {
		e.cfg.OnRevert(board, classified)
	}
}
