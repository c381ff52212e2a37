package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/taskmesh/taskmesh/internal/oplog"
	"github.com/taskmesh/taskmesh/internal/storage"
)

// Engine drives push and pull for one local store against one remote,
// persisting its progress in the store's meta table. It is not re-entrant:
// one engine instance runs one sync at a time.
type Engine struct {
	store    *storage.Store
	remote   Remote
	deviceID string
}

// NewEngine returns an engine syncing store against remote as deviceID.
func NewEngine(store *storage.Store, remote Remote, deviceID string) *Engine {
	return &Engine{store: store, remote: remote, deviceID: deviceID}
}

func (e *Engine) pushMarkKey() string {
	return "push_rowid_" + e.deviceID
}

func (e *Engine) pullCursorKey() string {
	return "pull_cursor_" + e.deviceID
}

// Push sends this device's own oplog entries past the persisted high-water
// mark to the remote, returning how many were pushed. The mark only advances
// after the remote accepts the batch, so a crash in between re-pushes the
// same entries next time and the remote's insert-ignore absorbs them.
func (e *Engine) Push(ctx context.Context) (int, error) {
	mark, err := e.pushMark()
	if err != nil {
		return 0, err
	}

	rows, err := e.store.DB.QueryContext(ctx,
		`SELECT rowid, id, task_id, device_id, op_type, field, value, timestamp
		 FROM oplog WHERE device_id = ? AND rowid > ? ORDER BY rowid`,
		e.deviceID, mark,
	)
	if err != nil {
		return 0, fmt.Errorf("load unpushed entries: %w", err)
	}
	defer rows.Close()

	var entries []oplog.Entry
	maxRowid := mark
	for rows.Next() {
		var rowid int64
		var entry oplog.Entry
		var opType string
		if err := rows.Scan(&rowid, &entry.ID, &entry.TaskID, &entry.DeviceID, &opType,
			&entry.Field, &entry.Value, &entry.Timestamp); err != nil {
			return 0, fmt.Errorf("scan unpushed entry: %w", err)
		}
		entry.Type = oplog.OpType(opType)
		entries = append(entries, entry)
		maxRowid = rowid
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("load unpushed entries: %w", err)
	}

	if len(entries) == 0 {
		return 0, nil
	}

	if err := e.remote.Push(ctx, entries); err != nil {
		return 0, err
	}

	if err := e.store.SetMeta(e.pushMarkKey(), strconv.FormatInt(maxRowid, 10)); err != nil {
		return 0, err
	}

	log.Debug().Int("count", len(entries)).Int64("rowid", maxRowid).Msg("pushed entries")
	return len(entries), nil
}

// Pull fetches the remote tail behind the persisted cursor, replays the
// whole batch (the local insert-ignore absorbs this device's own echoed
// entries), and returns how many entries came from other devices. The cursor
// only advances after replay commits.
func (e *Engine) Pull(ctx context.Context) (int, error) {
	cursor, _, err := e.store.GetMeta(e.pullCursorKey())
	if err != nil {
		return 0, err
	}

	entries, next, err := e.remote.Pull(ctx, cursor)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return oplog.Replay(ctx, tx, entries)
	}); err != nil {
		return 0, err
	}

	if err := e.store.SetMeta(e.pullCursorKey(), next); err != nil {
		return 0, err
	}

	foreign := 0
	for _, entry := range entries {
		if entry.DeviceID != e.deviceID {
			foreign++
		}
	}

	log.Debug().Int("count", len(entries)).Int("foreign", foreign).Msg("pulled entries")
	return foreign, nil
}

// Sync pushes then pulls.
func (e *Engine) Sync(ctx context.Context) (pushed, pulled int, err error) {
	if pushed, err = e.Push(ctx); err != nil {
		return pushed, 0, fmt.Errorf("sync push: %w", err)
	}
	if pulled, err = e.Pull(ctx); err != nil {
		return pushed, pulled, fmt.Errorf("sync pull: %w", err)
	}
	return pushed, pulled, nil
}

func (e *Engine) pushMark() (int64, error) {
	v, ok, err := e.store.GetMeta(e.pushMarkKey())
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt push mark %q: %w", v, err)
	}
	return n, nil
}
