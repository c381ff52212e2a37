package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/taskmesh/taskmesh/internal/oplog"
	"github.com/taskmesh/taskmesh/internal/repo"
	"github.com/taskmesh/taskmesh/internal/storage"
	"github.com/taskmesh/taskmesh/internal/task"
)

func newService(t *testing.T) (*Service, *storage.Store) {
	t.Helper()
	s, err := storage.Open(storage.MemoryPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	svc, err := New(s)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, s
}

func strPtr(s string) *string { return &s }

func ts(sec int) string {
	return fmt.Sprintf("2025-03-01T10:00:%02d.000Z", sec)
}

func oplogCount(t *testing.T, s *storage.Store) int {
	t.Helper()
	var n int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM oplog`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func allEntries(t *testing.T, s *storage.Store) []oplog.Entry {
	t.Helper()
	rows, err := s.DB.Query(
		`SELECT id, task_id, device_id, op_type, field, value, timestamp FROM oplog ORDER BY rowid`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()

	var out []oplog.Entry
	for rows.Next() {
		var e oplog.Entry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.DeviceID, &e.Type, &e.Field, &e.Value, &e.Timestamp); err != nil {
			t.Fatal(err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestAddMintsIDAndWritesCreateEntry(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	got, err := svc.Add(ctx, AddInput{
		Title:  "  write report  ",
		Labels: []string{"work", "work", "q3"},
	}, ts(0))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got.ID == "" {
		t.Fatal("no id minted")
	}
	if got.Title != "write report" {
		t.Errorf("title = %q, want trimmed", got.Title)
	}
	if got.Status != task.StatusTodo || got.Priority != task.PriorityMedium {
		t.Errorf("defaults not applied: %q %q", got.Status, got.Priority)
	}
	if !reflect.DeepEqual(got.Labels, []string{"work", "q3"}) {
		t.Errorf("labels = %v, want deduped", got.Labels)
	}
	if got.CreatedAt != ts(0) || got.UpdatedAt != ts(0) {
		t.Errorf("stamps = %s/%s", got.CreatedAt, got.UpdatedAt)
	}

	entries := allEntries(t, s)
	if len(entries) != 1 {
		t.Fatalf("oplog entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Type != oplog.OpCreate || e.TaskID != got.ID || e.DeviceID != svc.DeviceID() {
		t.Errorf("create entry = %+v", e)
	}
	if e.Field != nil {
		t.Errorf("create entry field = %v, want nil", *e.Field)
	}
	if e.Value == nil {
		t.Error("create entry missing state snapshot")
	}
}

func TestAddExistingIDIsIdempotent(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	first, err := svc.Add(ctx, AddInput{ID: "t1", Title: "original"}, ts(0))
	if err != nil {
		t.Fatal(err)
	}

	second, err := svc.Add(ctx, AddInput{ID: "t1", Title: "different title"}, ts(5))
	if err != nil {
		t.Fatal(err)
	}
	if second.Title != first.Title || second.UpdatedAt != first.UpdatedAt {
		t.Errorf("re-add mutated task: %+v", second)
	}
	if n := oplogCount(t, s); n != 1 {
		t.Errorf("oplog entries = %d, want 1 (no write on re-add)", n)
	}
}

func TestAddEmptyTitleDefaults(t *testing.T) {
	svc, _ := newService(t)

	got, err := svc.Add(context.Background(), AddInput{Title: "   "}, ts(0))
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != task.DefaultTitle {
		t.Errorf("title = %q, want %q", got.Title, task.DefaultTitle)
	}
}

func TestUpdateWritesOneEntryPerField(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	added, err := svc.Add(ctx, AddInput{Title: "task", Owner: strPtr("alex")}, ts(0))
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.Update(ctx, added.ID, map[string]*string{
		task.FieldStatus:   strPtr("done"),
		task.FieldPriority: strPtr("high"),
		task.FieldOwner:    nil,
	}, ts(1))
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusDone || got.Priority != task.PriorityHigh {
		t.Errorf("task = %+v", got)
	}
	if got.Owner != nil {
		t.Error("owner not cleared by nil value")
	}

	entries := allEntries(t, s)
	if len(entries) != 4 { // create + 3 updates
		t.Fatalf("oplog entries = %d, want 4", len(entries))
	}
	updates := entries[1:]
	for _, e := range updates {
		if e.Timestamp != ts(1) {
			t.Errorf("entry %s timestamp = %s, want shared %s", e.ID, e.Timestamp, ts(1))
		}
	}
	// Entries appear in sorted field order with increasing IDs.
	wantFields := []string{task.FieldOwner, task.FieldPriority, task.FieldStatus}
	for i, e := range updates {
		if e.Field == nil || *e.Field != wantFields[i] {
			t.Errorf("entry %d field = %v, want %s", i, e.Field, wantFields[i])
		}
	}
	if e := updates[0]; e.Value != nil {
		t.Errorf("owner clear entry value = %q, want SQL NULL", *e.Value)
	}
}

func TestUpdateStripsNotePseudoFields(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	added, err := svc.Add(ctx, AddInput{Title: "task"}, ts(0))
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.Update(ctx, added.ID, map[string]*string{
		"note":               strPtr("sneaky"),
		task.FieldNotes:      strPtr("sneakier"),
		task.FieldNotesClear: strPtr(""),
	}, ts(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Notes) != 0 {
		t.Errorf("notes = %v, want untouched", got.Notes)
	}
	if n := oplogCount(t, s); n != 1 {
		t.Errorf("oplog entries = %d, want 1 (all keys stripped)", n)
	}
}

func TestUpdateWithNoteSharesTimestamp(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	added, err := svc.Add(ctx, AddInput{Title: "task"}, ts(0))
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.UpdateWithNote(ctx, added.ID, map[string]*string{
		task.FieldStatus: strPtr("in_progress"),
	}, "started on it", ts(1))
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusInProgress {
		t.Errorf("status = %q", got.Status)
	}
	if !reflect.DeepEqual(got.Notes, []string{"started on it"}) {
		t.Errorf("notes = %v", got.Notes)
	}
	for _, e := range allEntries(t, s)[1:] {
		if e.Timestamp != ts(1) {
			t.Errorf("entry %s timestamp = %s", e.ID, e.Timestamp)
		}
	}
}

func TestUpdateUnknownPrefixReturnsNil(t *testing.T) {
	svc, _ := newService(t)

	got, err := svc.Update(context.Background(), "nope", map[string]*string{
		task.FieldStatus: strPtr("done"),
	}, ts(1))
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestAddNote(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	added, err := svc.Add(ctx, AddInput{Title: "task"}, ts(0))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("appends trimmed", func(t *testing.T) {
		got, err := svc.AddNote(ctx, added.ID, "  first note  ", ts(1))
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got.Notes, []string{"first note"}) {
			t.Errorf("notes = %v", got.Notes)
		}
	})

	t.Run("duplicate writes nothing", func(t *testing.T) {
		before := oplogCount(t, s)
		got, err := svc.AddNote(ctx, added.ID, "first note", ts(2))
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got.Notes, []string{"first note"}) {
			t.Errorf("notes = %v", got.Notes)
		}
		if after := oplogCount(t, s); after != before {
			t.Errorf("oplog grew %d -> %d on duplicate note", before, after)
		}
	})

	t.Run("blank writes nothing", func(t *testing.T) {
		before := oplogCount(t, s)
		if _, err := svc.AddNote(ctx, added.ID, "   ", ts(3)); err != nil {
			t.Fatal(err)
		}
		if after := oplogCount(t, s); after != before {
			t.Errorf("oplog grew %d -> %d on blank note", before, after)
		}
	})
}

func TestReplaceNotes(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	added, err := svc.Add(ctx, AddInput{Title: "task", Notes: []string{"old"}}, ts(0))
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.ReplaceNotes(ctx, added.ID, []string{" a ", "b", "a", "  "}, ts(1))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Notes, []string{"a", "b"}) {
		t.Errorf("notes = %v, want trimmed deduped [a b]", got.Notes)
	}

	entries := allEntries(t, s)[1:]
	if len(entries) != 3 { // clear + two adds
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Field == nil || *entries[0].Field != task.FieldNotesClear {
		t.Errorf("first entry = %+v, want notes_clear before the adds", entries[0])
	}
	for i, e := range entries {
		if e.Timestamp != ts(1) {
			t.Errorf("entry %d timestamp = %s", i, e.Timestamp)
		}
	}
	// Clear entry sorts before the adds so replay sequences it first.
	if !(entries[0].ID < entries[1].ID && entries[1].ID < entries[2].ID) {
		t.Errorf("entry ids not increasing: %s %s %s", entries[0].ID, entries[1].ID, entries[2].ID)
	}
}

func TestClearNotes(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	added, err := svc.Add(ctx, AddInput{Title: "task", Notes: []string{"a", "b"}}, ts(0))
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.ClearNotes(ctx, added.ID, ts(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Notes) != 0 {
		t.Errorf("notes = %v, want empty", got.Notes)
	}
}

func TestDelete(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	added, err := svc.Add(ctx, AddInput{Title: "task"}, ts(0))
	if err != nil {
		t.Fatal(err)
	}

	present, err := svc.Delete(ctx, added.ID, ts(1))
	if err != nil || !present {
		t.Fatalf("delete = %v, %v", present, err)
	}
	if got, _ := svc.Get(ctx, added.ID); got != nil {
		t.Errorf("deleted task still live: %+v", got)
	}

	entries := allEntries(t, s)
	last := entries[len(entries)-1]
	if last.Type != oplog.OpDelete || last.Field != nil || last.Value != nil {
		t.Errorf("delete entry = %+v", last)
	}

	// Resolve skips the dead row, so a second delete is a no-op.
	present, err = svc.Delete(ctx, added.ID, ts(2))
	if err != nil {
		t.Fatal(err)
	}
	if present {
		t.Error("second delete reported present")
	}
	if n := oplogCount(t, s); n != 2 {
		t.Errorf("oplog entries = %d, want 2", n)
	}
}

func TestDeleteAtUpdateTimestampStaysLive(t *testing.T) {
	// Update and delete landing in the same millisecond: edits outlive
	// deletions, so the delete is suppressed. The materialized row must
	// agree with a from-scratch replay, not just eventually converge.
	svc, s := newService(t)
	ctx := context.Background()

	added, err := svc.Add(ctx, AddInput{Title: "contested"}, ts(0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Update(ctx, added.ID, map[string]*string{
		task.FieldStatus: strPtr("done"),
	}, ts(1)); err != nil {
		t.Fatal(err)
	}
	present, err := svc.Delete(ctx, added.ID, ts(1))
	if err != nil || !present {
		t.Fatalf("delete = %v, %v", present, err)
	}

	got, err := svc.Get(ctx, added.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("task deleted despite a same-timestamp update")
	}
	if got.Status != task.StatusDone || got.DeletedAt != nil {
		t.Errorf("task = %+v, want live with status done", got)
	}

	fresh, err := storage.Open(storage.MemoryPath)
	if err != nil {
		t.Fatal(err)
	}
	defer fresh.Close()
	if err := fresh.WithTx(ctx, func(tx *sql.Tx) error {
		return oplog.Replay(ctx, tx, allEntries(t, s))
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	live, err := repo.New(s.DB).GetExact(ctx, added.ID)
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := repo.New(fresh.DB).GetExact(ctx, added.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(live, replayed) {
		t.Errorf("materialized state diverged from replay:\n live: %+v\n replay: %+v", live, replayed)
	}
}

func TestPrefixResolutionOnMutations(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Add(ctx, AddInput{ID: "aaaa1111", Title: "one"}, ts(0)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Add(ctx, AddInput{ID: "aaaa2222", Title: "two"}, ts(0)); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Update(ctx, "aaaa", map[string]*string{task.FieldStatus: strPtr("done")}, ts(1))
	var ambiguous *repo.AmbiguousPrefixError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("err = %v, want AmbiguousPrefixError", err)
	}

	got, err := svc.Update(ctx, "aaaa1", map[string]*string{task.FieldStatus: strPtr("done")}, ts(1))
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "aaaa1111" {
		t.Errorf("unique prefix resolved to %+v", got)
	}
}

// Materialized state must equal a from-scratch replay of the device's own
// oplog: the service's incremental writes and the replay path are two
// implementations of the same semantics.
func TestMaterializedStateMatchesReplay(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	added, err := svc.Add(ctx, AddInput{Title: "task", Owner: strPtr("alex"), Labels: []string{"w"}}, ts(0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Update(ctx, added.ID, map[string]*string{
		task.FieldStatus: strPtr("in_progress"),
		task.FieldOwner:  nil,
	}, ts(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AddNote(ctx, added.ID, "progressing", ts(2)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ReplaceNotes(ctx, added.ID, []string{"rewritten"}, ts(3)); err != nil {
		t.Fatal(err)
	}
	other, err := svc.Add(ctx, AddInput{Title: "short-lived"}, ts(4))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Delete(ctx, other.ID, ts(5)); err != nil {
		t.Fatal(err)
	}

	fresh, err := storage.Open(storage.MemoryPath)
	if err != nil {
		t.Fatal(err)
	}
	defer fresh.Close()
	entries := allEntries(t, s)
	if err := fresh.WithTx(ctx, func(tx *sql.Tx) error {
		return oplog.Replay(ctx, tx, entries)
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}

	live, err := repo.New(s.DB).GetExact(ctx, added.ID)
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := repo.New(fresh.DB).GetExact(ctx, added.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(live, replayed) {
		t.Errorf("materialized state diverged from replay:\n live: %+v\n replay: %+v", live, replayed)
	}

	deadLive, _ := repo.New(s.DB).GetExact(ctx, other.ID)
	deadReplay, _ := repo.New(fresh.DB).GetExact(ctx, other.ID)
	if !reflect.DeepEqual(deadLive, deadReplay) {
		t.Errorf("deleted task diverged:\n live: %+v\n replay: %+v", deadLive, deadReplay)
	}
}
