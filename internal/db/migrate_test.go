// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	apperrors "github.com/kimhsiao/fieldsync/backend/internal/errors"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{}, "migrations")

	if _, err := m.CurrentVersion(); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Errorf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestUp_appliesInOrder verifies migrations run in version order, once.
func TestUp_appliesInOrder(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{
		"migrations/V2__add_col.up.sql":  {Data: []byte(`ALTER TABLE t ADD COLUMN name TEXT;`)},
		"migrations/V1__create.up.sql":   {Data: []byte(`CREATE TABLE t (id INTEGER PRIMARY KEY);`)},
		"migrations/V1__create.down.sql": {Data: []byte(`DROP TABLE t;`)},
		"migrations/README.md":           {Data: []byte(`ignored`)},
		"migrations/Vx__broken.up.sql":   {Data: []byte(`nonsense`)},
	}
	m := NewMigrator(db, fsys, "migrations")
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() second time failed: %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %d, want 2", len(applied))
	}
	if applied[0].Description != "create" || applied[1].Description != "add_col" {
		t.Errorf("descriptions = %q, %q", applied[0].Description, applied[1].Description)
	}
	if len(applied[0].Checksum) != 64 {
		t.Errorf("checksum length = %d, want 64", len(applied[0].Checksum))
	}
}

// TestUp_failureIsCoded verifies a broken migration surfaces ErrMigration.
func TestUp_failureIsCoded(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{
		"migrations/V1__bad.up.sql": {Data: []byte(`CREATE TABLEX nope;`)},
	}
	m := NewMigrator(db, fsys, "migrations")
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	err := m.Up()
	if !apperrors.Is(err, apperrors.ErrMigration) {
		t.Fatalf("Up() error = %v, want MIGRATION_FAILED", err)
	}
	if v, _ := m.CurrentVersion(); v != 0 {
		t.Errorf("CurrentVersion() = %d after failed migration, want 0", v)
	}
}

// TestDown verifies rollback of the latest migration.
func TestDown(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, migrationFS, "migrations")
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	err := m.Down()
	if err == nil || !strings.Contains(err.Error(), "no migrations to rollback") {
		t.Errorf("Down() on empty schema = %v", err)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}

	var n int
	db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name='kv_store'").Scan(&n)
	if n != 0 {
		t.Error("kv_store should be dropped after Down()")
	}
}
