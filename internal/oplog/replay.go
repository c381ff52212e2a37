package oplog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/taskmesh/taskmesh/internal/storage"
	"github.com/taskmesh/taskmesh/internal/task"
)

// Replay persists every new entry in batch, then rebuilds each affected task
// from its complete history. The batch may contain duplicates of entries
// already persisted, may be out of timestamp order, and may reference tasks
// whose create has not arrived yet; none of that affects the outcome. Replay
// is idempotent and order-independent: the same multiset of entries always
// converges to the same task table.
func Replay(ctx context.Context, q storage.DBTX, batch []Entry) error {
	touched := make(map[string]struct{})

	for _, e := range batch {
		if !e.Type.Known() {
			log.Debug().Str("entry_id", e.ID).Str("op_type", string(e.Type)).
				Msg("skipping entry with unknown op type")
			continue
		}
		if _, err := InsertIgnore(ctx, q, e); err != nil {
			return err
		}
		touched[e.TaskID] = struct{}{}
	}

	for taskID := range touched {
		if err := RebuildTask(ctx, q, taskID); err != nil {
			return err
		}
	}
	return nil
}

// fieldWinner records the (timestamp, id) of the entry currently winning the
// per-field LWW race.
type fieldWinner struct {
	ts string
	id string
}

// beats reports whether an entry at (ts, id) strictly beats the recorded
// winner. Ties on both keys lose: an entry never beats itself.
func (w fieldWinner) beats(ts, id string) bool {
	if ts != w.ts {
		return ts > w.ts
	}
	return id > w.id
}

// RebuildTask recomputes the materialized row for taskID from its full oplog
// history and upserts it into tasks. If the history has no create entry yet
// the task cannot be materialized and the rebuild is a no-op; that is legal
// mid-sync.
func RebuildTask(ctx context.Context, q storage.DBTX, taskID string) error {
	entries, err := entriesForTask(ctx, q, taskID)
	if err != nil {
		return err
	}

	createIdx := -1
	for i, e := range entries {
		if e.Type == OpCreate {
			createIdx = i
			break
		}
	}
	if createIdx < 0 {
		return nil
	}

	create := entries[createIdx]
	state, ok := taskFromCreate(create, taskID)
	if !ok {
		log.Warn().Str("task_id", taskID).Str("entry_id", create.ID).
			Msg("unparseable create value, task not materialized")
		return nil
	}

	// Pre-computed so the updates-beat-deletes check is O(1) per delete.
	latestUpdate := ""
	for _, e := range entries {
		if e.Type == OpUpdate && e.Timestamp > latestUpdate {
			latestUpdate = e.Timestamp
		}
	}

	winners := make(map[string]fieldWinner)

	for _, e := range entries[createIdx+1:] {
		switch e.Type {
		case OpCreate:
			// Replicated creates share the create entry's id and were
			// absorbed by insert-ignore; anything else here is a conflicting
			// mint for the same task id and is ignored.
			continue

		case OpDelete:
			// Suppressed when any update exists at or after this delete's
			// timestamp: editing a task implicitly un-deletes it, and the
			// non-strict comparison makes a same-tick delete/update pair
			// converge on the update everywhere.
			if latestUpdate != "" && latestUpdate >= e.Timestamp {
				continue
			}
			ts := e.Timestamp
			state.DeletedAt = &ts
			if e.Timestamp > state.UpdatedAt {
				state.UpdatedAt = e.Timestamp
			}

		case OpUpdate:
			applyUpdate(&state, e, winners)
		}
	}

	return upsertTask(ctx, q, state)
}

// applyUpdate folds one update entry into the working state.
func applyUpdate(state *task.Task, e Entry, winners map[string]fieldWinner) {
	field := ""
	if e.Field != nil {
		field = *e.Field
	}

	switch field {
	case task.FieldNotes:
		// Notes are append-only and never subject to LWW: every distinct
		// note is accumulated, duplicates are silently discarded.
		if e.Value != nil && !state.HasNote(*e.Value) {
			state.Notes = append(state.Notes, *e.Value)
		}

	case task.FieldNotesClear:
		// The only way to remove notes. LWW-ordered against other clears
		// with the same tiebreak as scalar fields.
		w, seen := winners[field]
		if seen && !w.beats(e.Timestamp, e.ID) {
			return
		}
		winners[field] = fieldWinner{ts: e.Timestamp, id: e.ID}
		state.Notes = []string{}

	default:
		w, seen := winners[field]
		if seen && !w.beats(e.Timestamp, e.ID) {
			return
		}
		// Invalid values are dropped without recording a winner: the LWW
		// winner is the last valid entry, not merely the last entry.
		if !task.ApplyField(state, field, e.Value) {
			return
		}
		winners[field] = fieldWinner{ts: e.Timestamp, id: e.ID}
	}

	if e.Timestamp > state.UpdatedAt {
		state.UpdatedAt = e.Timestamp
	}
	// An update at or after the deletion timestamp resurrects the task.
	if state.DeletedAt != nil && e.Timestamp >= *state.DeletedAt {
		state.DeletedAt = nil
	}
}

// taskFromCreate decodes a create entry's value into the initial working
// state. Per-field damage degrades to defaults; only a completely
// unparseable value aborts the task.
func taskFromCreate(create Entry, taskID string) (task.Task, bool) {
	if create.Value == nil {
		return task.Task{}, false
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(*create.Value), &raw); err != nil || raw == nil {
		return task.Task{}, false
	}

	t := task.Task{
		ID:        taskID,
		CreatedAt: create.Timestamp,
		UpdatedAt: create.Timestamp,
	}

	if s, ok := decodeString(raw["title"]); ok {
		t.Title = s
	}
	if s, ok := decodeString(raw["status"]); ok && task.Status(s).Valid() {
		t.Status = task.Status(s)
	}
	if s, ok := decodeString(raw["priority"]); ok && task.Priority(s).Valid() {
		t.Priority = task.Priority(s)
	}
	if s, ok := decodeString(raw["owner"]); ok {
		t.Owner = &s
	}
	if s, ok := decodeString(raw["due_at"]); ok {
		t.DueAt = &s
	}
	t.Labels = task.Dedupe(decodeStrings(raw["labels"]))
	t.Notes = task.Dedupe(decodeStrings(raw["notes"]))
	t.BlockedBy = decodeStrings(raw["blocked_by"])
	t.Metadata = decodeMap(raw["metadata"])

	t.Normalize()
	return t, true
}

func decodeString(raw json.RawMessage) (string, bool) {
	// A JSON null is an absent value, not an empty string; unmarshal would
	// accept it as a no-op and fabricate "".
	if raw == nil || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func decodeStrings(raw json.RawMessage) []string {
	if raw == nil {
		return nil
	}
	var vs []string
	if err := json.Unmarshal(raw, &vs); err != nil {
		return nil
	}
	return vs
}

func decodeMap(raw json.RawMessage) map[string]string {
	if raw == nil {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// upsertTask writes the rebuilt state over the materialized row.
func upsertTask(ctx context.Context, q storage.DBTX, t task.Task) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO tasks (id, title, status, priority, owner, due_at,
			blocked_by, labels, notes, metadata, created_at, updated_at, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			priority = excluded.priority,
			owner = excluded.owner,
			due_at = excluded.due_at,
			blocked_by = excluded.blocked_by,
			labels = excluded.labels,
			notes = excluded.notes,
			metadata = excluded.metadata,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at`,
		t.ID, t.Title, string(t.Status), string(t.Priority), t.Owner, t.DueAt,
		task.EncodeStrings(t.BlockedBy), task.EncodeStrings(t.Labels),
		task.EncodeStrings(t.Notes), task.EncodeMetadata(t.Metadata),
		t.CreatedAt, t.UpdatedAt, t.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}
