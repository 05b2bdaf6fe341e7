package db

import (
	"io/fs"
	"strings"
	"testing"
)

// TestEmbeddedMigrationsFS verifies the embedded migrations filesystem
// structure: a migrations/ directory of paired .up.sql/.down.sql files that
// getMigrationsFS re-roots for the iofs source driver.
func TestEmbeddedMigrationsFS(t *testing.T) {
	origDevMode := DevMode
	DevMode = false
	defer func() { DevMode = origDevMode }()

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("Failed to read migrations/ subdirectory: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no embedded migration files")
	}

	ups, downs := 0, 0
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups++
		case strings.HasSuffix(name, ".down.sql"):
			downs++
		default:
			t.Errorf("unexpected file in migrations/: %s", name)
		}
	}
	if ups == 0 || ups != downs {
		t.Errorf("migrations should come in up/down pairs, got %d up and %d down", ups, downs)
	}

	migFS, err := getMigrationsFS()
	if err != nil {
		t.Fatalf("getMigrationsFS() failed: %v", err)
	}

	// The returned FS is rooted at the migrations directory itself.
	rooted, err := fs.ReadDir(migFS, ".")
	if err != nil {
		t.Fatalf("Failed to read getMigrationsFS result: %v", err)
	}
	if len(rooted) != len(entries) {
		t.Errorf("getMigrationsFS() returned %d entries, want %d", len(rooted), len(entries))
	}

	if _, err := fs.ReadFile(migFS, "000001_init.up.sql"); err != nil {
		t.Errorf("initial migration should be readable from root: %v", err)
	}
}

func TestGetLatestMigrationVersion(t *testing.T) {
	migFS, err := getMigrationsFS()
	if err != nil {
		t.Fatalf("getMigrationsFS() failed: %v", err)
	}

	version, err := GetLatestMigrationVersion(migFS)
	if err != nil {
		t.Fatalf("GetLatestMigrationVersion failed: %v", err)
	}
	if version < 1 {
		t.Errorf("expected at least version 1, got %d", version)
	}
}
