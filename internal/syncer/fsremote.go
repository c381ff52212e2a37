package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/taskmesh/taskmesh/internal/oplog"
)

// DefaultBatchSize caps how many entries a single Pull returns.
const DefaultBatchSize = 500

// FSRemote is a file-backed remote: a SQLite store at a caller-supplied path
// holding its own oplog table. Two local processes (or one process at
// different times) holding the same path share the log; file locking comes
// from SQLite itself. The table's rowid is the resumable pull cursor.
type FSRemote struct {
	db    *sql.DB
	batch int
}

// OpenFS opens (creating if needed) the remote log at path. Parent
// directories are auto-created. batch <= 0 selects DefaultBatchSize.
func OpenFS(path string, batch int) (*FSRemote, error) {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create remote dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open remote store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS oplog (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			op_type TEXT NOT NULL,
			field TEXT,
			value TEXT,
			timestamp TEXT NOT NULL
		)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("init remote schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("filesystem remote opened")
	return &FSRemote{db: db, batch: batch}, nil
}

// Push inserts entries under insert-ignore semantics in one transaction.
func (r *FSRemote) Push(ctx context.Context, entries []oplog.Entry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remote push: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO oplog (id, task_id, device_id, op_type, field, value, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.TaskID, e.DeviceID, string(e.Type), e.Field, e.Value, e.Timestamp,
		); err != nil {
			return fmt.Errorf("push entry %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remote push: %w", err)
	}
	return nil
}

// Pull returns up to the batch size of entries with rowid past the cursor,
// in rowid order, plus the cursor for the next call. With no new entries the
// cursor comes back unchanged.
func (r *FSRemote) Pull(ctx context.Context, cursor string) ([]oplog.Entry, string, error) {
	after := DecodeCursor(cursor)

	rows, err := r.db.QueryContext(ctx,
		`SELECT rowid, id, task_id, device_id, op_type, field, value, timestamp
		 FROM oplog WHERE rowid > ? ORDER BY rowid LIMIT ?`,
		after, r.batch,
	)
	if err != nil {
		return nil, "", fmt.Errorf("remote pull: %w", err)
	}
	defer rows.Close()

	var entries []oplog.Entry
	last := after
	for rows.Next() {
		var rowid int64
		var e oplog.Entry
		var opType string
		if err := rows.Scan(&rowid, &e.ID, &e.TaskID, &e.DeviceID, &opType, &e.Field, &e.Value, &e.Timestamp); err != nil {
			return nil, "", fmt.Errorf("scan remote row: %w", err)
		}
		e.Type = oplog.OpType(opType)
		entries = append(entries, e)
		last = rowid
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("remote pull: %w", err)
	}

	return entries, EncodeCursor(last), nil
}

// Close releases the underlying connection.
func (r *FSRemote) Close() error {
	return r.db.Close()
}
