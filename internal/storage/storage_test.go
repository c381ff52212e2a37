package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(MemoryPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateReachesCurrentVersion(t *testing.T) {
	s := openTestStore(t)

	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v < 2 {
		t.Errorf("schema version = %d, want >= 2", v)
	}

	// All three tables must exist
	for _, table := range []string{"tasks", "oplog", "meta"} {
		var name string
		err := s.DB.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	v1, _ := s1.SchemaVersion()
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
	v2, _ := s2.SchemaVersion()

	if v1 != v2 {
		t.Errorf("schema version changed across reopen: %d != %d", v1, v2)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.GetMeta("missing"); err != nil || ok {
		t.Errorf("GetMeta(missing) = ok %v err %v, want absent", ok, err)
	}

	if err := s.SetMeta("k", "v1"); err != nil {
		t.Fatalf("set meta: %v", err)
	}
	if v, ok, _ := s.GetMeta("k"); !ok || v != "v1" {
		t.Errorf("GetMeta = %q ok %v, want v1", v, ok)
	}

	// Upsert overwrites
	if err := s.SetMeta("k", "v2"); err != nil {
		t.Fatalf("set meta again: %v", err)
	}
	if v, _, _ := s.GetMeta("k"); v != "v2" {
		t.Errorf("GetMeta after upsert = %q, want v2", v)
	}
}

func TestDeviceIDStable(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.DeviceID()
	if err != nil {
		t.Fatalf("device id: %v", err)
	}
	if id1 == "" {
		t.Fatal("device id empty")
	}

	id2, err := s.DeviceID()
	if err != nil {
		t.Fatalf("device id second call: %v", err)
	}
	if id1 != id2 {
		t.Errorf("device id not stable: %q != %q", id1, id2)
	}
}

func TestBackupSnapshot(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "live.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	if err := s.SetMeta("marker", "present"); err != nil {
		t.Fatalf("set meta: %v", err)
	}

	dest := filepath.Join(dir, "backup", "snapshot.db")
	if err := s.Backup(dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	// The snapshot is a valid store carrying the data
	b, err := Open(dest)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer b.Close()
	if v, ok, _ := b.GetMeta("marker"); !ok || v != "present" {
		t.Errorf("backup meta = %q ok %v, want present", v, ok)
	}
}
