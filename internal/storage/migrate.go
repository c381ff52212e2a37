package storage

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
)

// metaSchemaVersion is the meta key tracking the applied migration version.
// The sync core requires version >= 2 (oplog table present).
const metaSchemaVersion = "schema_version"

type migration struct {
	version int
	stmts   []string
}

// Migrations run in order, each inside its own transaction. The
// schema_version bump commits atomically with the DDL, so a failed migration
// rolls back to the prior version.
var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'todo',
				priority TEXT NOT NULL DEFAULT 'medium',
				owner TEXT,
				due_at TEXT,
				blocked_by TEXT NOT NULL DEFAULT '[]',
				labels TEXT NOT NULL DEFAULT '[]',
				notes TEXT NOT NULL DEFAULT '[]',
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				deleted_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_deleted ON tasks(deleted_at)`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS oplog (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL,
				device_id TEXT NOT NULL,
				op_type TEXT NOT NULL,
				field TEXT,
				value TEXT,
				timestamp TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_oplog_task ON oplog(task_id)`,
			`CREATE INDEX IF NOT EXISTS idx_oplog_device ON oplog(device_id)`,
		},
	},
}

// migrate bootstraps the meta table and applies any pending migrations.
func (s *Store) migrate() error {
	if _, err := s.DB.Exec(
		`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
	); err != nil {
		return fmt.Errorf("bootstrap meta table: %w", err)
	}

	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.DB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}

		applyErr := func() error {
			for _, stmt := range m.stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("migration %d: %w", m.version, err)
				}
			}
			if _, err := tx.Exec(
				`INSERT INTO meta (key, value) VALUES (?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				metaSchemaVersion, strconv.Itoa(m.version),
			); err != nil {
				return fmt.Errorf("migration %d: record version: %w", m.version, err)
			}
			return nil
		}()

		if applyErr != nil {
			tx.Rollback()
			return applyErr
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}

		log.Info().Int("version", m.version).Msg("applied migration")
		current = m.version
	}

	return nil
}

// SchemaVersion returns the currently applied migration version (0 for a
// fresh store).
func (s *Store) SchemaVersion() (int, error) {
	v, ok, err := s.GetMeta(metaSchemaVersion)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("corrupt schema_version %q: %w", v, err)
	}
	return n, nil
}
