package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/taskmesh/taskmesh/internal/task"
)

// Sort keys accepted by Filter.Sort. The default (empty) sorts by priority
// then creation time.
const (
	SortPriority = "priority"
	SortDue      = "due"
	SortTitle    = "title"
	SortCreated  = "created"
)

// Filter narrows and orders a task listing. Zero values mean "no constraint".
type Filter struct {
	Status     task.Status
	Priority   task.Priority
	Label      string
	Owner      string
	Search     string // case-insensitive substring over title and notes
	Actionable bool   // drop tasks blocked by at least one non-done task
	Sort       string
	Limit      int
	Offset     int
}

// List returns non-deleted tasks matching f. Status, priority and owner
// narrow in SQL; label, search and actionable need the decoded JSON columns
// and are applied in memory, as is sorting.
func (r *Repo) List(ctx context.Context, f Filter) ([]task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE deleted_at IS NULL`
	var args []any

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, string(f.Priority))
	}
	if f.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, f.Owner)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	if f.Label != "" {
		tasks = filterTasks(tasks, func(t task.Task) bool {
			for _, l := range t.Labels {
				if l == f.Label {
					return true
				}
			}
			return false
		})
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		tasks = filterTasks(tasks, func(t task.Task) bool {
			if strings.Contains(strings.ToLower(t.Title), needle) {
				return true
			}
			for _, n := range t.Notes {
				if strings.Contains(strings.ToLower(n), needle) {
					return true
				}
			}
			return false
		})
	}
	if f.Actionable {
		open, err := r.openTaskIDs(ctx)
		if err != nil {
			return nil, err
		}
		tasks = filterTasks(tasks, func(t task.Task) bool {
			for _, dep := range t.BlockedBy {
				if _, blocked := open[dep]; blocked {
					return false
				}
			}
			return true
		})
	}

	sortTasks(tasks, f.Sort)

	if f.Offset > 0 {
		if f.Offset >= len(tasks) {
			return []task.Task{}, nil
		}
		tasks = tasks[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(tasks) {
		tasks = tasks[:f.Limit]
	}
	return tasks, nil
}

// openTaskIDs returns the IDs of live tasks that are not done. A task is
// blocked when any of its blocked_by IDs is in this set.
func (r *Repo) openTaskIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id FROM tasks WHERE deleted_at IS NULL AND status != ?`,
		string(task.StatusDone),
	)
	if err != nil {
		return nil, fmt.Errorf("load open tasks: %w", err)
	}
	defer rows.Close()

	open := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan open task id: %w", err)
		}
		open[id] = struct{}{}
	}
	return open, rows.Err()
}

func filterTasks(tasks []task.Task, keep func(task.Task) bool) []task.Task {
	out := tasks[:0]
	for _, t := range tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func sortTasks(tasks []task.Task, key string) {
	switch key {
	case SortDue:
		// Ascending, tasks without a due date last.
		sort.SliceStable(tasks, func(i, j int) bool {
			a, b := tasks[i].DueAt, tasks[j].DueAt
			if a == nil {
				return false
			}
			if b == nil {
				return true
			}
			return *a < *b
		})
	case SortTitle:
		sort.SliceStable(tasks, func(i, j int) bool {
			return strings.ToLower(tasks[i].Title) < strings.ToLower(tasks[j].Title)
		})
	case SortCreated:
		sort.SliceStable(tasks, func(i, j int) bool {
			return tasks[i].CreatedAt < tasks[j].CreatedAt
		})
	default:
		// Priority, then creation time within a band.
		sort.SliceStable(tasks, func(i, j int) bool {
			ri, rj := tasks[i].Priority.Rank(), tasks[j].Priority.Rank()
			if ri != rj {
				return ri < rj
			}
			return tasks[i].CreatedAt < tasks[j].CreatedAt
		})
	}
}
