package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/taskmesh/taskmesh/internal/oplog"
)

// PGRemote is a Postgres-backed remote: the same contract as the filesystem
// remote, served from a shared server so a whole team of devices can
// exchange one log. A bigserial sequence column plays the rowid's role as
// the resumable pull cursor.
type PGRemote struct {
	pool  *pgxpool.Pool
	batch int
}

// OpenPG connects to the Postgres remote at url and ensures its oplog table
// exists. batch <= 0 selects DefaultBatchSize.
func OpenPG(ctx context.Context, url string, batch int) (*PGRemote, error) {
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres remote: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres remote: %w", err)
	}

	if _, err := pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS oplog (
			seq BIGSERIAL UNIQUE,
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			op_type TEXT NOT NULL,
			field TEXT,
			value TEXT,
			timestamp TEXT NOT NULL
		)`,
	); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init postgres remote schema: %w", err)
	}

	log.Info().Int32("max_conns", cfg.MaxConns).Msg("postgres remote connected")
	return &PGRemote{pool: pool, batch: batch}, nil
}

// Push inserts entries under on-conflict-do-nothing semantics in one
// transaction.
func (r *PGRemote) Push(ctx context.Context, entries []oplog.Entry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin remote push: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO oplog (id, task_id, device_id, op_type, field, value, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			e.ID, e.TaskID, e.DeviceID, string(e.Type), e.Field, e.Value, e.Timestamp,
		); err != nil {
			return fmt.Errorf("push entry %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit remote push: %w", err)
	}
	return nil
}

// Pull returns up to the batch size of entries with seq past the cursor, in
// seq order, plus the cursor for the next call.
func (r *PGRemote) Pull(ctx context.Context, cursor string) ([]oplog.Entry, string, error) {
	after := DecodeCursor(cursor)

	rows, err := r.pool.Query(ctx,
		`SELECT seq, id, task_id, device_id, op_type, field, value, timestamp
		 FROM oplog WHERE seq > $1 ORDER BY seq LIMIT $2`,
		after, r.batch,
	)
	if err != nil {
		return nil, "", fmt.Errorf("remote pull: %w", err)
	}
	defer rows.Close()

	var entries []oplog.Entry
	last := after
	for rows.Next() {
		var seq int64
		var e oplog.Entry
		var opType string
		if err := rows.Scan(&seq, &e.ID, &e.TaskID, &e.DeviceID, &opType, &e.Field, &e.Value, &e.Timestamp); err != nil {
			return nil, "", fmt.Errorf("scan remote row: %w", err)
		}
		e.Type = oplog.OpType(opType)
		entries = append(entries, e)
		last = seq
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("remote pull: %w", err)
	}

	return entries, EncodeCursor(last), nil
}

// Close releases the connection pool.
func (r *PGRemote) Close() error {
	r.pool.Close()
	return nil
}
