// Package service coordinates the oplog writer and the task repository:
// every mutation writes its oplog entries and the matching materialized
// change inside one transaction. It is the only public surface for mutation;
// a repository write without its oplog entries (or vice versa) would break
// the invariant that the task table is a pure function of the log.
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/taskmesh/taskmesh/internal/ident"
	"github.com/taskmesh/taskmesh/internal/oplog"
	"github.com/taskmesh/taskmesh/internal/repo"
	"github.com/taskmesh/taskmesh/internal/storage"
	"github.com/taskmesh/taskmesh/internal/task"
)

// Service wraps a store with oplog-aware task mutations.
type Service struct {
	store  *storage.Store
	writer *oplog.Writer
}

// New loads (minting if needed) the store's device identifier and returns a
// service whose oplog entries originate from it.
func New(store *storage.Store) (*Service, error) {
	deviceID, err := store.DeviceID()
	if err != nil {
		return nil, fmt.Errorf("load device id: %w", err)
	}
	return &Service{store: store, writer: oplog.NewWriter(deviceID)}, nil
}

// DeviceID returns the device identifier stamped onto this service's entries.
func (s *Service) DeviceID() string {
	return s.writer.DeviceID()
}

// Store exposes the underlying store for sync engine construction.
func (s *Service) Store() *storage.Store {
	return s.store
}

// AddInput carries the initial field values for a new task. Callers validate
// shape (lengths, enums, date format) before the service sees it.
type AddInput struct {
	ID        string // empty mints a fresh ID
	Title     string
	Status    task.Status
	Priority  task.Priority
	Owner     *string
	DueAt     *string
	Labels    []string
	BlockedBy []string
	Notes     []string
	Metadata  map[string]string
}

// Add creates a task, writing one create entry carrying the full initial
// state. When in.ID names an existing task the call is idempotent: the
// existing task is returned with no oplog write and no repository mutation.
func (s *Service) Add(ctx context.Context, in AddInput, now string) (task.Task, error) {
	if now == "" {
		now = ident.Now()
	}

	var out task.Task
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		r := repo.New(tx)

		if in.ID != "" {
			existing, err := r.GetExact(ctx, in.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				log.Debug().Str("task_id", in.ID).Msg("add of existing id, returning as-is")
				out = *existing
				return nil
			}
		}

		id := in.ID
		if id == "" {
			id = ident.New()
		}

		t := task.Task{
			ID:        id,
			Title:     strings.TrimSpace(in.Title),
			Status:    in.Status,
			Priority:  in.Priority,
			Owner:     in.Owner,
			DueAt:     in.DueAt,
			Labels:    task.Dedupe(in.Labels),
			BlockedBy: in.BlockedBy,
			Notes:     task.Dedupe(in.Notes),
			Metadata:  in.Metadata,
			CreatedAt: now,
			UpdatedAt: now,
		}
		t.Normalize()

		state, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal create state: %w", err)
		}
		if _, err := s.writer.Append(ctx, tx, oplog.Create(id, string(state)), now); err != nil {
			return err
		}
		if err := r.Create(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// Update applies a partial update, one update entry per field, all sharing
// one timestamp. Values use the oplog encoding (JSON for composites, raw for
// scalars, nil to clear owner or due_at). The pseudo-field "note" and the
// notes fields are stripped: notes only change through the note intents.
// Returns nil when idOrPrefix matches nothing.
func (s *Service) Update(ctx context.Context, idOrPrefix string, fields map[string]*string, now string) (*task.Task, error) {
	return s.updateWithNote(ctx, idOrPrefix, fields, nil, now)
}

// UpdateWithNote applies a partial update and appends one note in the same
// transaction and at the same timestamp.
func (s *Service) UpdateWithNote(ctx context.Context, idOrPrefix string, fields map[string]*string, note string, now string) (*task.Task, error) {
	return s.updateWithNote(ctx, idOrPrefix, fields, &note, now)
}

func (s *Service) updateWithNote(ctx context.Context, idOrPrefix string, fields map[string]*string, note *string, now string) (*task.Task, error) {
	if now == "" {
		now = ident.Now()
	}
	fields = stripNonFields(fields)

	var out *task.Task
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		r := repo.New(tx)
		id, ok, err := r.Resolve(ctx, idOrPrefix)
		if err != nil || !ok {
			return err
		}

		// Deterministic entry order within the shared timestamp.
		names := make([]string, 0, len(fields))
		for f := range fields {
			names = append(names, f)
		}
		sort.Strings(names)

		for _, f := range names {
			if _, err := s.writer.Append(ctx, tx, oplog.Update(id, f, fields[f]), now); err != nil {
				return err
			}
		}
		if len(fields) > 0 {
			if out, err = r.Update(ctx, id, fields, now); err != nil {
				return err
			}
		} else if out, err = r.Get(ctx, id); err != nil {
			return err
		}

		if note != nil {
			out, err = s.appendNoteTx(ctx, tx, r, id, *note, now)
		}
		return err
	})
	return out, err
}

// AddNote appends one note. Blank notes (after trimming) and notes already
// present write nothing at all.
func (s *Service) AddNote(ctx context.Context, idOrPrefix, note, now string) (*task.Task, error) {
	if now == "" {
		now = ident.Now()
	}

	var out *task.Task
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		r := repo.New(tx)
		id, ok, err := r.Resolve(ctx, idOrPrefix)
		if err != nil || !ok {
			return err
		}
		out, err = s.appendNoteTx(ctx, tx, r, id, note, now)
		return err
	})
	return out, err
}

func (s *Service) appendNoteTx(ctx context.Context, tx *sql.Tx, r *repo.Repo, id, note, now string) (*task.Task, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return r.Get(ctx, id)
	}

	current, err := r.Get(ctx, id)
	if err != nil || current == nil {
		return nil, err
	}
	if current.HasNote(note) {
		return current, nil
	}

	if _, err := s.writer.Append(ctx, tx, oplog.Update(id, task.FieldNotes, &note), now); err != nil {
		return nil, err
	}
	return r.AppendNote(ctx, id, note, now)
}

// ClearNotes empties the notes sequence via the notes_clear sentinel.
func (s *Service) ClearNotes(ctx context.Context, idOrPrefix, now string) (*task.Task, error) {
	return s.replaceNotes(ctx, idOrPrefix, nil, now)
}

// ReplaceNotes clears the notes sequence and appends the given notes in
// order. The clear entry is written first so replay, which breaks timestamp
// ties on entry ID, sees it before the adds.
func (s *Service) ReplaceNotes(ctx context.Context, idOrPrefix string, notes []string, now string) (*task.Task, error) {
	return s.replaceNotes(ctx, idOrPrefix, notes, now)
}

func (s *Service) replaceNotes(ctx context.Context, idOrPrefix string, notes []string, now string) (*task.Task, error) {
	if now == "" {
		now = ident.Now()
	}

	var out *task.Task
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		r := repo.New(tx)
		id, ok, err := r.Resolve(ctx, idOrPrefix)
		if err != nil || !ok {
			return err
		}

		empty := ""
		if _, err := s.writer.Append(ctx, tx, oplog.Update(id, task.FieldNotesClear, &empty), now); err != nil {
			return err
		}

		kept := make([]string, 0, len(notes))
		for _, n := range notes {
			n = strings.TrimSpace(n)
			if n == "" {
				continue
			}
			dup := false
			for _, k := range kept {
				if k == n {
					dup = true
					break
				}
			}
			if dup {
				continue
			}
			if _, err := s.writer.Append(ctx, tx, oplog.Update(id, task.FieldNotes, &n), now); err != nil {
				return err
			}
			kept = append(kept, n)
		}

		out, err = r.SetNotes(ctx, id, kept, now)
		return err
	})
	return out, err
}

// Delete appends a soft-delete entry, reporting whether a live task was
// present. The materialized row is rebuilt from the log rather than patched,
// so a delete sharing its timestamp with an update is suppressed here exactly
// as replay suppresses it on every other device.
func (s *Service) Delete(ctx context.Context, idOrPrefix, now string) (bool, error) {
	if now == "" {
		now = ident.Now()
	}

	var present bool
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		r := repo.New(tx)
		id, ok, err := r.Resolve(ctx, idOrPrefix)
		if err != nil || !ok {
			return err
		}
		present = true
		if _, err := s.writer.Append(ctx, tx, oplog.Delete(id), now); err != nil {
			return err
		}
		return oplog.RebuildTask(ctx, tx, id)
	})
	return present, err
}

// Get returns the live task matching idOrPrefix, or nil.
func (s *Service) Get(ctx context.Context, idOrPrefix string) (*task.Task, error) {
	return repo.New(s.store.DB).Get(ctx, idOrPrefix)
}

// List returns live tasks matching f.
func (s *Service) List(ctx context.Context, f repo.Filter) ([]task.Task, error) {
	return repo.New(s.store.DB).List(ctx, f)
}

// stripNonFields drops keys that must never reach the oplog as field
// updates: the spurious "note" key some callers include in update payloads,
// and the notes machinery, which only the note intents may emit.
func stripNonFields(fields map[string]*string) map[string]*string {
	out := make(map[string]*string, len(fields))
	for f, v := range fields {
		switch f {
		case "note", task.FieldNotes, task.FieldNotesClear:
			continue
		}
		out[f] = v
	}
	return out
}
