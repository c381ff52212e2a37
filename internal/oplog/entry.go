// Package oplog implements the append-only operation log and its replay: the
// deterministic function that rebuilds the materialized task table from the
// log. Entries are immutable once persisted; convergence across devices comes
// from exchanging entries and replaying, never from exchanging task rows.
package oplog

import (
	"context"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/storage"
)

// OpType tags an entry as a create, a field-level update, or a soft delete.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Known reports whether t is a recognized op type. Unknown types are skipped
// during replay so a newer peer's entries cannot poison an older device.
func (t OpType) Known() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Entry is one immutable oplog record, in both its storage and wire shape.
//
// Field is set only for updates. Value carries the full initial task JSON for
// a create, the new value for an update (JSON text for composite fields, raw
// for scalars, nil to clear a nullable field), and nothing for a delete. The
// nil-versus-"null" distinction is load-bearing: clearing owner writes SQL
// NULL, not the four-character string.
type Entry struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	DeviceID  string  `json:"device_id"`
	Type      OpType  `json:"op_type"`
	Field     *string `json:"field"`
	Value     *string `json:"value"`
	Timestamp string  `json:"timestamp"`
}

// Op describes an action not yet stamped with an ID and timestamp. The
// service builds declarative op lists; the writer stamps and persists them.
type Op struct {
	TaskID string
	Type   OpType
	Field  string  // empty for create/delete
	Value  *string // nil for delete and for null-clearing updates
}

// Create builds the op recording a task's full initial state.
func Create(taskID, stateJSON string) Op {
	return Op{TaskID: taskID, Type: OpCreate, Value: &stateJSON}
}

// Update builds a field-level update op. value nil clears a nullable field.
func Update(taskID, field string, value *string) Op {
	return Op{TaskID: taskID, Type: OpUpdate, Field: field, Value: value}
}

// Delete builds a soft-delete op.
func Delete(taskID string) Op {
	return Op{TaskID: taskID, Type: OpDelete}
}

// InsertIgnore persists e under insert-ignore semantics keyed by entry ID.
// It reports whether the entry was new. Duplicate deliveries of the same
// entry are absorbed here, which is what makes replay idempotent.
func InsertIgnore(ctx context.Context, q storage.DBTX, e Entry) (bool, error) {
	res, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO oplog (id, task_id, device_id, op_type, field, value, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.DeviceID, string(e.Type), e.Field, e.Value, e.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("insert oplog entry %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert oplog entry %s: %w", e.ID, err)
	}
	return n > 0, nil
}

// entriesForTask loads the complete history of one task ordered by
// (timestamp, id). Both keys participate: the id tiebreaker keeps the order
// total when two entries share a millisecond.
func entriesForTask(ctx context.Context, q storage.DBTX, taskID string) ([]Entry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, task_id, device_id, op_type, field, value, timestamp
		 FROM oplog WHERE task_id = ?
		 ORDER BY timestamp ASC, id ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("load oplog for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var opType string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.DeviceID, &opType, &e.Field, &e.Value, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan oplog row: %w", err)
		}
		e.Type = OpType(opType)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate oplog rows: %w", err)
	}
	return entries, nil
}
