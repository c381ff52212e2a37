package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Backup writes a consistent snapshot of the store to dest using VACUUM INTO.
// The store runs in WAL mode, so a naive file copy could miss in-flight
// writes; VACUUM INTO produces a compacted, transactionally consistent copy.
func (s *Store) Backup(dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	// VACUUM INTO refuses to overwrite an existing file.
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale backup: %w", err)
	}

	if _, err := s.DB.Exec(`VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("vacuum into %q: %w", dest, err)
	}

	log.Info().Str("dest", dest).Msg("store snapshot written")
	return nil
}
