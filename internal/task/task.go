// Package task defines the materialized task model shared by the repository,
// the oplog replay, and the HTTP layer.
package task

// Status is the workflow state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusDone       Status = "done"
)

// Valid reports whether s is one of the recognized statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusInReview, StatusDone:
		return true
	}
	return false
}

// Priority is the urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the recognized priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank orders priorities for sorting: urgent first, low last.
// Unknown priorities sort after everything.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// DefaultTitle substitutes for a missing or empty title on replay.
const DefaultTitle = "Untitled"

// Task is the current materialized state of a logical todo item. It is a pure
// function of the task's complete oplog; the repository row is only a cache
// of this value.
//
// Timestamps are ISO-8601 UTC strings with millisecond precision (see
// ident.Timestamp); DueAt is a naive wall-clock "YYYY-MM-DDTHH:MM:SS" with no
// zone, owned by the caller.
type Task struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Status    Status            `json:"status"`
	Priority  Priority          `json:"priority"`
	Owner     *string           `json:"owner"`
	DueAt     *string           `json:"due_at"`
	BlockedBy []string          `json:"blocked_by"`
	Labels    []string          `json:"labels"`
	Notes     []string          `json:"notes"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
	DeletedAt *string           `json:"deleted_at"`
}

// Deleted reports whether the task is soft-deleted.
func (t *Task) Deleted() bool {
	return t.DeletedAt != nil
}

// HasNote reports whether note is already present (exact string match).
func (t *Task) HasNote(note string) bool {
	for _, n := range t.Notes {
		if n == note {
			return true
		}
	}
	return false
}

// Normalize fills zero-valued fields with their defaults so that every task
// handed to storage is well-formed.
func (t *Task) Normalize() {
	if t.Title == "" {
		t.Title = DefaultTitle
	}
	if !t.Status.Valid() {
		t.Status = StatusTodo
	}
	if !t.Priority.Valid() {
		t.Priority = PriorityMedium
	}
	if t.BlockedBy == nil {
		t.BlockedBy = []string{}
	}
	if t.Labels == nil {
		t.Labels = []string{}
	}
	if t.Notes == nil {
		t.Notes = []string{}
	}
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
}

// Dedupe returns values with duplicates removed, first occurrence wins.
func Dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
