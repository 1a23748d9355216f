package domain

// Task represents a single board item. Fields beyond BucketID and OrderIndex
// are owned by the forms subsystem and pass through the engine untouched.
type Task struct {
	ID         string   `json:"id"`
	BucketID   string   `json:"bucketId"`
	OrderIndex int      `json:"orderIndex"`
	Title      string   `json:"title,omitempty"`
	Notes      string   `json:"notes,omitempty"`
	DueDate    string   `json:"dueDate,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// Bucket describes a named ordered column on a board.
type Bucket struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Update is a single persistence write produced by diffing two board
// snapshots: the task's new bucket assignment and position.
type Update struct {
	TaskID     string `json:"taskId"`
	BucketID   string `json:"bucketId"`
	OrderIndex int    `json:"orderIndex"`
}
