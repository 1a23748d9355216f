package drag

import (
	"errors"
	"time"

	"flowboard/domain"
)

// InputKind distinguishes the activation rules for a gesture.
type InputKind int

const (
	// InputPointer activates a drag after a minimum travel distance so
	// ordinary clicks stay clicks.
	InputPointer InputKind = iota
	// InputTouch activates a drag after a hold delay within a tolerance
	// radius so scroll gestures stay scrolls.
	InputTouch
)

// State is the controller's gesture phase.
type State int

const (
	StateIdle State = iota
	// StatePending: the press was seen but the activation constraint has not
	// been satisfied yet.
	StatePending
	StateDragging
)

// MoveIntent is what a completed drag emits: the dragged task and the drop
// target it resolved to.
type MoveIntent struct {
	TaskID   string `json:"taskId"`
	BucketID string `json:"bucketId"`
	Index    int    `json:"index"`
}

// Layout is the geometry snapshot the caller supplies: where every bucket
// drop region and task card currently sits. The controller only ever reads
// it; it never derives or mutates board state.
type Layout struct {
	Buckets map[string]Rect
	Cards   map[string]Rect
}

// Config holds the activation thresholds. These are tuning values, not a
// control scheme: both modalities drive the same state machine.
type Config struct {
	ActivationDistance float64
	TouchHoldDelay     time.Duration
	TouchTolerance     float64
}

// DefaultConfig mirrors common pointer/touch sensor tuning.
func DefaultConfig() Config {
	return Config{
		ActivationDistance: 8,
		TouchHoldDelay:     200 * time.Millisecond,
		TouchTolerance:     5,
	}
}

// ErrSessionActive is returned when a gesture starts while another is in
// progress; one drag session per board at a time.
var ErrSessionActive = errors.New("drag session already active")

type candidate struct {
	bucketID string
	index    int
}

// Controller turns raw gesture events into move intents against a board
// snapshot. It is a per-board state machine: Idle until an activation
// constraint is met, Dragging while a candidate drop target is tracked, and
// back to Idle on release or cancel.
type Controller struct {
	cfg    Config
	board  domain.Board
	layout Layout

	state     State
	kind      InputKind
	taskID    string
	origin    Point
	pressedAt time.Time
	candidate *candidate
}

// NewController creates a controller for one board instance.
func NewController(cfg Config, board domain.Board, layout Layout) *Controller {
	return &Controller{cfg: cfg, board: board, layout: layout}
}

// SetBoard replaces the board snapshot the controller resolves targets
// against, e.g. after a reload.
func (c *Controller) SetBoard(board domain.Board) { c.board = board }

// SetLayout replaces the geometry snapshot.
func (c *Controller) SetLayout(layout Layout) { c.layout = layout }

// State returns the current gesture phase.
func (c *Controller) State() State { return c.state }

// ActiveTask returns the task a pending or active session grabbed.
func (c *Controller) ActiveTask() string { return c.taskID }

// Begin records a press on a task. The session stays Pending until the
// modality's activation constraint is satisfied. A press on an unknown task
// is rejected so the gesture never starts.
func (c *Controller) Begin(kind InputKind, taskID string, p Point, now time.Time) error {
	if c.state != StateIdle {
		return ErrSessionActive
	}
	if !c.board.Contains(taskID) {
		return &domain.ValidationError{TaskID: taskID, Reason: "unknown task"}
	}
	c.state = StatePending
	c.kind = kind
	c.taskID = taskID
	c.origin = p
	c.pressedAt = now
	c.candidate = nil
	return nil
}

// Update advances the session with a new pointer position. In Pending it
// checks the activation constraint; in Dragging it recomputes the candidate
// drop target.
func (c *Controller) Update(p Point, now time.Time) {
	switch c.state {
	case StatePending:
		switch c.kind {
		case InputPointer:
			if dist(c.origin, p) >= c.cfg.ActivationDistance {
				c.state = StateDragging
			}
		case InputTouch:
			if now.Sub(c.pressedAt) >= c.cfg.TouchHoldDelay {
				c.state = StateDragging
				break
			}
			if dist(c.origin, p) > c.cfg.TouchTolerance {
				// moved too far before the hold delay: this is a scroll
				c.reset()
				return
			}
		}
		if c.state == StateDragging {
			c.resolveCandidate(p)
		}
	case StateDragging:
		c.resolveCandidate(p)
	}
}

// End releases the gesture. It returns a move intent only when the session
// was Dragging over a valid candidate; every other release is a cancel with
// no side effects.
func (c *Controller) End(p Point, now time.Time) (MoveIntent, bool) {
	defer c.reset()
	if c.state == StatePending && c.kind == InputTouch &&
		now.Sub(c.pressedAt) >= c.cfg.TouchHoldDelay && dist(c.origin, p) <= c.cfg.TouchTolerance {
		// a motionless hold satisfies the delay without any Update arriving
		c.state = StateDragging
	}
	if c.state != StateDragging {
		return MoveIntent{}, false
	}
	c.resolveCandidate(p)
	if c.candidate == nil {
		return MoveIntent{}, false
	}
	return MoveIntent{TaskID: c.taskID, BucketID: c.candidate.bucketID, Index: c.candidate.index}, true
}

// Cancel aborts the session unconditionally.
func (c *Controller) Cancel() { c.reset() }

func (c *Controller) reset() {
	c.state = StateIdle
	c.taskID = ""
	c.candidate = nil
}

// resolveCandidate picks the bucket whose drop region contains the pointer,
// then the insertion index nearest the pointer within that bucket. The
// nearest sibling is chosen by closest-corner distance, ties broken toward
// the card whose center is closer; the pointer falling past that sibling's
// center inserts after it instead of before.
func (c *Controller) resolveCandidate(p Point) {
	bucketID, ok := c.bucketAt(p)
	if !ok {
		c.candidate = nil
		return
	}

	siblings := make([]domain.Task, 0)
	for _, t := range c.board.BucketTasks(bucketID) {
		if t.ID != c.taskID {
			siblings = append(siblings, t)
		}
	}
	if len(siblings) == 0 {
		c.candidate = &candidate{bucketID: bucketID, index: 0}
		return
	}

	nearest := -1
	bestCorner := 0.0
	bestCenter := 0.0
	for i, t := range siblings {
		rect, ok := c.layout.Cards[t.ID]
		if !ok {
			continue
		}
		corner := rect.closestCorner(p)
		center := sqDist(p, rect.Center())
		if nearest == -1 || corner < bestCorner || (corner == bestCorner && center < bestCenter) {
			nearest = i
			bestCorner = corner
			bestCenter = center
		}
	}
	if nearest == -1 {
		c.candidate = &candidate{bucketID: bucketID, index: 0}
		return
	}

	index := nearest
	if rect, ok := c.layout.Cards[siblings[nearest].ID]; ok && p.Y > rect.Center().Y {
		index++
	}
	c.candidate = &candidate{bucketID: bucketID, index: index}
}

// bucketAt returns the bucket whose drop region contains the point. Buckets
// are checked in board display order so overlap resolves deterministically.
func (c *Controller) bucketAt(p Point) (string, bool) {
	for _, bucket := range c.board.Buckets() {
		rect, ok := c.layout.Buckets[bucket.ID]
		if !ok {
			continue
		}
		if rect.Contains(p) {
			return bucket.ID, true
		}
	}
	return "", false
}
