package db

import (
	"embed"
	"io/fs"
	"os"
)

// DevMode switches getMigrationsFS to read migration files from the source
// tree instead of the embedded copy, so migrations under development can be
// applied without rebuilding.
var DevMode bool

//go:embed migrations/*.sql
var migrationsFS embed.FS

// devMigrationsDir is the on-disk location used when DevMode is set.
const devMigrationsDir = "internal/db/migrations"

// getMigrationsFS returns a filesystem rooted at the migrations directory,
// embedded in production and read from disk in DevMode.
func getMigrationsFS() (fs.FS, error) {
	if DevMode {
		if _, err := os.Stat(devMigrationsDir); err != nil {
			return nil, err
		}
		return os.DirFS(devMigrationsDir), nil
	}
	return fs.Sub(migrationsFS, "migrations")
}
