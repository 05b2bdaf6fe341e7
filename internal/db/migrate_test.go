package db

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

// setupMigrationTestDB opens a fresh database in a temp dir without
// applying any migrations.
func setupMigrationTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// setupTestMigrations writes a two-version migration set to a temp dir and
// returns it as an fs.FS, so up/down/force semantics can be exercised
// independently of the real schema.
func setupTestMigrations(t *testing.T) fs.FS {
	t.Helper()
	tmpDir := filepath.Join(t.TempDir(), "migrations")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		t.Fatalf("failed to create temp migrations dir: %v", err)
	}

	migrations := map[string]string{
		"000001_create_probe_table.up.sql": `
			CREATE TABLE IF NOT EXISTS probe (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL
			);
		`,
		"000001_create_probe_table.down.sql": `
			DROP TABLE IF EXISTS probe;
		`,
		"000002_add_probe_note.up.sql": `
			ALTER TABLE probe ADD COLUMN note TEXT;
		`,
		"000002_add_probe_note.down.sql": `
			CREATE TABLE probe_new (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL
			);
			INSERT INTO probe_new (id, name) SELECT id, name FROM probe;
			DROP TABLE probe;
			ALTER TABLE probe_new RENAME TO probe;
		`,
	}

	for filename, content := range migrations {
		if err := os.WriteFile(filepath.Join(tmpDir, filename), []byte(content), 0644); err != nil {
			t.Fatalf("failed to write migration file %s: %v", filename, err)
		}
	}

	return os.DirFS(tmpDir)
}

func tableExists(t *testing.T, database *DB, name string) bool {
	t.Helper()
	var exists bool
	err := database.QueryRow(`
		SELECT COUNT(*) > 0
		FROM sqlite_master
		WHERE type='table' AND name=?
	`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("failed to check table %s: %v", name, err)
	}
	return exists
}

func columnExists(t *testing.T, database *DB, table, column string) bool {
	t.Helper()
	var exists bool
	err := database.QueryRow(`
		SELECT COUNT(*) > 0
		FROM pragma_table_info(?)
		WHERE name=?
	`, table, column).Scan(&exists)
	if err != nil {
		t.Fatalf("failed to check column %s.%s: %v", table, column, err)
	}
	return exists
}

func TestMigrateUp(t *testing.T) {
	database := setupMigrationTestDB(t)
	migrations := setupTestMigrations(t)

	if err := database.MigrateUp(migrations); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
	if dirty {
		t.Error("database should not be dirty after successful migration")
	}

	if !tableExists(t, database, "probe") {
		t.Error("probe table should exist after migration")
	}
	if !columnExists(t, database, "probe", "note") {
		t.Error("note column should exist after second migration")
	}

	// Up again is a no-op.
	if err := database.MigrateUp(migrations); err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}
	version, _, err = database.MigrateVersion(migrations)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2 after idempotent up, got %d", version)
	}
}

func TestMigrateDown(t *testing.T) {
	database := setupMigrationTestDB(t)
	migrations := setupTestMigrations(t)

	if err := database.MigrateUp(migrations); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if err := database.MigrateDown(migrations); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}

	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1 after down migration, got %d", version)
	}
	if dirty {
		t.Error("database should not be dirty after successful down migration")
	}

	if columnExists(t, database, "probe", "note") {
		t.Error("note column should not exist after rolling back second migration")
	}
	if !tableExists(t, database, "probe") {
		t.Error("probe table should still exist after rolling back only second migration")
	}
}

func TestMigrateVersion_NoMigrations(t *testing.T) {
	database := setupMigrationTestDB(t)
	migrations := setupTestMigrations(t)

	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0 before migrations, got %d", version)
	}
	if dirty {
		t.Error("database should not be dirty before any migrations")
	}
}

func TestMigrateForce(t *testing.T) {
	database := setupMigrationTestDB(t)
	migrations := setupTestMigrations(t)

	if err := database.MigrateUp(migrations); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if err := database.MigrateForce(migrations, 1); err != nil {
		t.Fatalf("MigrateForce failed: %v", err)
	}

	version, _, err := database.MigrateVersion(migrations)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1 after force, got %d", version)
	}
}

func TestMigrateTo(t *testing.T) {
	database := setupMigrationTestDB(t)
	migrations := setupTestMigrations(t)

	if err := database.MigrateTo(migrations, 1); err != nil {
		t.Fatalf("MigrateTo(1) failed: %v", err)
	}
	version, _, err := database.MigrateVersion(migrations)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}
	if columnExists(t, database, "probe", "note") {
		t.Error("note column should not exist at version 1")
	}

	if err := database.MigrateTo(migrations, 2); err != nil {
		t.Fatalf("MigrateTo(2) failed: %v", err)
	}
	version, _, err = database.MigrateVersion(migrations)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
	if !columnExists(t, database, "probe", "note") {
		t.Error("note column should exist at version 2")
	}
}

func TestGetMigrationStatus(t *testing.T) {
	database := setupMigrationTestDB(t)
	migrations := setupTestMigrations(t)

	status, err := database.GetMigrationStatus(migrations)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status["current_version"] != uint(0) {
		t.Errorf("expected version 0, got %v", status["current_version"])
	}
	if status["dirty"] != false {
		t.Error("expected dirty=false before migrations")
	}

	if err := database.MigrateUp(migrations); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	status, err = database.GetMigrationStatus(migrations)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status["current_version"] != uint(2) {
		t.Errorf("expected version 2, got %v", status["current_version"])
	}
	if status["schema_migrations_exists"] != true {
		t.Error("schema_migrations table should exist after migrating")
	}
}

// TestNewDBAppliesEmbeddedSchema verifies the one-step open path brings a
// fresh database to the latest embedded schema.
func TestNewDBAppliesEmbeddedSchema(t *testing.T) {
	database, err := NewDB(filepath.Join(t.TempDir(), "stackbench.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	defer database.Close()

	for _, table := range []string{"runs", "evaluation_records", "comparison_cells"} {
		if !tableExists(t, database, table) {
			t.Errorf("%s table should exist after NewDB", table)
		}
	}

	migFS, err := getMigrationsFS()
	if err != nil {
		t.Fatalf("getMigrationsFS failed: %v", err)
	}
	version, dirty, err := database.MigrateVersion(migFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	latest, err := GetLatestMigrationVersion(migFS)
	if err != nil {
		t.Fatalf("GetLatestMigrationVersion failed: %v", err)
	}
	if version != latest {
		t.Errorf("expected version %d after NewDB, got %d", latest, version)
	}
	if dirty {
		t.Error("database should not be dirty after NewDB")
	}
}
