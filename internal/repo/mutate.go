package repo

import (
	"context"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/task"
)

// Create inserts a new materialized row. A duplicate ID surfaces as a
// storage error; the service checks for existing IDs before calling.
func (r *Repo) Create(ctx context.Context, t task.Task) error {
	t.Normalize()
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO tasks (id, title, status, priority, owner, due_at,
			blocked_by, labels, notes, metadata, created_at, updated_at, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, string(t.Status), string(t.Priority), t.Owner, t.DueAt,
		task.EncodeStrings(t.BlockedBy), task.EncodeStrings(t.Labels),
		task.EncodeStrings(t.Notes), task.EncodeMetadata(t.Metadata),
		t.CreatedAt, t.UpdatedAt, t.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// Update applies a partial update to the task matching idOrPrefix. Values use
// the oplog encoding: raw strings for scalars, JSON for composites, nil to
// clear a nullable field. Invalid values are dropped per field, mirroring
// replay; updated_at advances only when at least one field applied, because
// replay does not bump it for dropped entries either. Returns nil when no
// task matches.
func (r *Repo) Update(ctx context.Context, idOrPrefix string, fields map[string]*string, now string) (*task.Task, error) {
	t, err := r.Get(ctx, idOrPrefix)
	if err != nil || t == nil {
		return nil, err
	}

	applied := false
	for field, value := range fields {
		if task.ApplyField(t, field, value) {
			applied = true
		}
	}
	if !applied {
		return t, nil
	}
	if now > t.UpdatedAt {
		t.UpdatedAt = now
	}
	if err := r.save(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// AppendNote appends note to the task's notes unless an equal note is
// already present. Returns nil when no task matches.
func (r *Repo) AppendNote(ctx context.Context, idOrPrefix, note, now string) (*task.Task, error) {
	t, err := r.Get(ctx, idOrPrefix)
	if err != nil || t == nil {
		return nil, err
	}
	if t.HasNote(note) {
		return t, nil
	}

	t.Notes = append(t.Notes, note)
	if now > t.UpdatedAt {
		t.UpdatedAt = now
	}
	if err := r.save(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// SetNotes replaces the notes sequence wholesale. Used by the service's
// clear-notes and replace-notes intents.
func (r *Repo) SetNotes(ctx context.Context, idOrPrefix string, notes []string, now string) (*task.Task, error) {
	t, err := r.Get(ctx, idOrPrefix)
	if err != nil || t == nil {
		return nil, err
	}

	t.Notes = task.Dedupe(notes)
	if now > t.UpdatedAt {
		t.UpdatedAt = now
	}
	if err := r.save(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Delete soft-deletes the task matching idOrPrefix, reporting whether a live
// task was present.
func (r *Repo) Delete(ctx context.Context, idOrPrefix, now string) (bool, error) {
	t, err := r.Get(ctx, idOrPrefix)
	if err != nil || t == nil {
		return false, err
	}

	t.DeletedAt = &now
	if now > t.UpdatedAt {
		t.UpdatedAt = now
	}
	if err := r.save(ctx, t); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Repo) save(ctx context.Context, t *task.Task) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE tasks SET title = ?, status = ?, priority = ?, owner = ?, due_at = ?,
			blocked_by = ?, labels = ?, notes = ?, metadata = ?,
			updated_at = ?, deleted_at = ?
		 WHERE id = ?`,
		t.Title, string(t.Status), string(t.Priority), t.Owner, t.DueAt,
		task.EncodeStrings(t.BlockedBy), task.EncodeStrings(t.Labels),
		task.EncodeStrings(t.Notes), task.EncodeMetadata(t.Metadata),
		t.UpdatedAt, t.DeletedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}
