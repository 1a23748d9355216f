package domain

import "sort"

// Board is an immutable snapshot of task ordering for one board: each bucket
// holds a contiguous 0..n-1 sequence and every task belongs to exactly one
// bucket. Transformations return a new Board and never touch their input.
type Board struct {
	buckets []Bucket
	order   map[string][]string
	tasks   map[string]Task
}

// NewBoard builds a snapshot from an authoritative task list. Tasks are
// grouped by bucket, sorted by their stored order and renumbered to 0..n-1 so
// an inconsistent source cannot leak gaps or duplicates into the snapshot.
// Tasks referencing a bucket outside the configured set keep their bucket,
// which is appended after the configured ones.
func NewBoard(buckets []Bucket, tasks []Task) Board {
	b := Board{
		buckets: append([]Bucket(nil), buckets...),
		order:   make(map[string][]string, len(buckets)),
		tasks:   make(map[string]Task, len(tasks)),
	}
	for _, bucket := range b.buckets {
		b.order[bucket.ID] = []string{}
	}

	grouped := make(map[string][]Task)
	for _, t := range tasks {
		if _, dup := b.tasks[t.ID]; dup {
			continue
		}
		b.tasks[t.ID] = t
		grouped[t.BucketID] = append(grouped[t.BucketID], t)
	}

	extra := make([]string, 0)
	for id := range grouped {
		if _, known := b.order[id]; !known {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	for _, id := range extra {
		b.buckets = append(b.buckets, Bucket{ID: id, Label: id})
		b.order[id] = []string{}
	}

	for bucketID, group := range grouped {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].OrderIndex < group[j].OrderIndex
		})
		ids := make([]string, len(group))
		for i, t := range group {
			ids[i] = t.ID
		}
		b.order[bucketID] = ids
		b.renumber(bucketID)
	}
	return b
}

// MoveTask returns a new Board with the task removed from its current bucket,
// inserted into the target bucket at min(targetIndex, bucket length), and both
// affected buckets renumbered. The receiver is never modified; on a rejected
// intent it is returned unchanged alongside a ValidationError.
func (b Board) MoveTask(taskID, targetBucketID string, targetIndex int) (Board, error) {
	t, ok := b.tasks[taskID]
	if !ok {
		return b, &ValidationError{TaskID: taskID, Reason: "unknown task"}
	}
	if targetIndex < 0 {
		return b, &ValidationError{TaskID: taskID, Reason: "negative target index"}
	}
	if _, ok := b.order[targetBucketID]; !ok {
		return b, &ValidationError{TaskID: taskID, Reason: "unknown bucket " + targetBucketID}
	}

	next := b.clone()

	src := next.order[t.BucketID]
	for i, id := range src {
		if id == taskID {
			src = append(src[:i], src[i+1:]...)
			break
		}
	}
	next.order[t.BucketID] = src

	dst := next.order[targetBucketID]
	if targetIndex > len(dst) {
		targetIndex = len(dst)
	}
	dst = append(dst, "")
	copy(dst[targetIndex+1:], dst[targetIndex:])
	dst[targetIndex] = taskID
	next.order[targetBucketID] = dst

	next.renumber(t.BucketID)
	next.renumber(targetBucketID)
	return next, nil
}

// Buckets returns the configured bucket set in display order.
func (b Board) Buckets() []Bucket {
	return append([]Bucket(nil), b.buckets...)
}

// BucketTasks returns the tasks of one bucket in order.
func (b Board) BucketTasks(bucketID string) []Task {
	ids := b.order[bucketID]
	tasks := make([]Task, len(ids))
	for i, id := range ids {
		tasks[i] = b.tasks[id]
	}
	return tasks
}

// Tasks returns every task on the board, bucket by bucket in order.
func (b Board) Tasks() []Task {
	tasks := make([]Task, 0, len(b.tasks))
	for _, bucket := range b.buckets {
		tasks = append(tasks, b.BucketTasks(bucket.ID)...)
	}
	return tasks
}

// Task looks up a single task by ID.
func (b Board) Task(id string) (Task, bool) {
	t, ok := b.tasks[id]
	return t, ok
}

// Contains reports whether the task exists on the board.
func (b Board) Contains(id string) bool {
	_, ok := b.tasks[id]
	return ok
}

// Len returns the total number of tasks across all buckets.
func (b Board) Len() int { return len(b.tasks) }

// Equal reports structural equality: same buckets, same sequences, same task
// values including payload fields.
func (b Board) Equal(other Board) bool {
	if len(b.buckets) != len(other.buckets) || len(b.tasks) != len(other.tasks) {
		return false
	}
	for i, bucket := range b.buckets {
		if other.buckets[i] != bucket {
			return false
		}
		ids := b.order[bucket.ID]
		otherIDs := other.order[bucket.ID]
		if len(ids) != len(otherIDs) {
			return false
		}
		for j, id := range ids {
			if otherIDs[j] != id {
				return false
			}
		}
	}
	for id, t := range b.tasks {
		if !taskEqual(t, other.tasks[id]) {
			return false
		}
	}
	return true
}

func taskEqual(a, b Task) bool {
	if a.ID != b.ID || a.BucketID != b.BucketID || a.OrderIndex != b.OrderIndex {
		return false
	}
	if a.Title != b.Title || a.Notes != b.Notes || a.DueDate != b.DueDate {
		return false
	}
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	return true
}

func (b Board) clone() Board {
	next := Board{
		buckets: append([]Bucket(nil), b.buckets...),
		order:   make(map[string][]string, len(b.order)),
		tasks:   make(map[string]Task, len(b.tasks)),
	}
	for id, ids := range b.order {
		next.order[id] = append([]string(nil), ids...)
	}
	for id, t := range b.tasks {
		next.tasks[id] = t
	}
	return next
}

func (b Board) renumber(bucketID string) {
	for i, id := range b.order[bucketID] {
		t := b.tasks[id]
		t.BucketID = bucketID
		t.OrderIndex = i
		b.tasks[id] = t
	}
}
