package storage

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/taskmesh/taskmesh/internal/ident"
)

// metaDeviceID is the meta key holding this installation's stable device
// identifier, minted on first use.
const metaDeviceID = "device_id"

// GetMeta reads one meta row. The second return is false when the key is
// absent.
func (s *Store) GetMeta(key string) (string, bool, error) {
	var v string
	err := s.DB.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %q: %w", key, err)
	}
	return v, true, nil
}

// SetMeta upserts one meta row.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.DB.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}
	return nil
}

// DeviceID returns the stable per-installation device identifier, minting and
// persisting one on first call.
func (s *Store) DeviceID() (string, error) {
	if id, ok, err := s.GetMeta(metaDeviceID); err != nil || ok {
		return id, err
	}

	id := ident.New()
	if err := s.SetMeta(metaDeviceID, id); err != nil {
		return "", err
	}
	log.Info().Str("device_id", id).Msg("minted device id")
	return id, nil
}
