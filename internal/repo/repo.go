// Package repo is the materialized-view layer over the tasks table:
// create, list, get, update, append-note and soft delete, with ID-or-prefix
// resolution. It has no oplog awareness; mutations must only be reached
// through the task service, which keeps the oplog in lockstep.
package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/taskmesh/taskmesh/internal/storage"
	"github.com/taskmesh/taskmesh/internal/task"
)

// Repo runs task queries against a database handle or an open transaction.
type Repo struct {
	q storage.DBTX
}

// New returns a repository bound to q. Bind a *sql.Tx for mutation paths and
// the store's *sql.DB for plain reads.
func New(q storage.DBTX) *Repo {
	return &Repo{q: q}
}

const taskColumns = `id, title, status, priority, owner, due_at,
	blocked_by, labels, notes, metadata, created_at, updated_at, deleted_at`

func scanTask(row interface{ Scan(...any) error }) (task.Task, error) {
	var t task.Task
	var status, priority, blockedBy, labels, notes, metadata string
	err := row.Scan(&t.ID, &t.Title, &status, &priority, &t.Owner, &t.DueAt,
		&blockedBy, &labels, &notes, &metadata, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)
	if err != nil {
		return task.Task{}, err
	}
	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	t.BlockedBy = task.DecodeStrings(blockedBy)
	t.Labels = task.DecodeStrings(labels)
	t.Notes = task.DecodeStrings(notes)
	t.Metadata = task.DecodeMetadata(metadata)
	return t, nil
}

// GetExact returns the task with exactly this ID, including soft-deleted
// rows. Used by the service's idempotent-create check.
func (r *Repo) GetExact(ctx context.Context, id string) (*task.Task, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

// Get returns the live task matching idOrPrefix, or nil when absent.
// Soft-deleted tasks never resolve.
func (r *Repo) Get(ctx context.Context, idOrPrefix string) (*task.Task, error) {
	id, ok, err := r.Resolve(ctx, idOrPrefix)
	if err != nil || !ok {
		return nil, err
	}
	row := r.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND deleted_at IS NULL`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

// Resolve maps a full ID or a unique prefix to the full task ID. An exact
// match wins before any prefix scan, so a full ID that also prefixes another
// ID is never ambiguous. Zero matches return ok=false; two or more return
// *AmbiguousPrefixError.
func (r *Repo) Resolve(ctx context.Context, idOrPrefix string) (string, bool, error) {
	if idOrPrefix == "" {
		return "", false, nil
	}

	var id string
	err := r.q.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE id = ? AND deleted_at IS NULL`, idOrPrefix,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("resolve %q: %w", idOrPrefix, err)
	}

	rows, err := r.q.QueryContext(ctx,
		`SELECT id FROM tasks WHERE id LIKE ? ESCAPE '\' AND deleted_at IS NULL ORDER BY id`,
		likePrefix(idOrPrefix),
	)
	if err != nil {
		return "", false, fmt.Errorf("resolve %q: %w", idOrPrefix, err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return "", false, fmt.Errorf("resolve %q: %w", idOrPrefix, err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return "", false, fmt.Errorf("resolve %q: %w", idOrPrefix, err)
	}

	switch len(matches) {
	case 0:
		return "", false, nil
	case 1:
		return matches[0], true, nil
	default:
		return "", false, &AmbiguousPrefixError{Prefix: idOrPrefix, Matches: matches}
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix renders prefix as a LIKE pattern matching it literally: % and _
// are LIKE metacharacters and must not widen the scan.
func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}
