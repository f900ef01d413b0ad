package database

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go_service_manager/logger"
)

//go:embed migration/*.sql
var migrationFiles embed.FS

// migrate brings the schema to the latest migration number. Migration files
// are named <N>_up.sql / <N>_down.sql. Files shipped with the binary are
// merged with files found under migrationPath into mergedMigrationPath, the
// merged set is applied; each migration runs in its own transaction.
func (db *Database) migrate(migrationPath, mergedMigrationPath string) error {
	if err := db.mergeMigrationFiles(migrationPath, mergedMigrationPath); err != nil {
		return err
	}

	current, err := db.schemaVersion()
	if err != nil {
		return err
	}

	versions, err := upMigrationVersions(mergedMigrationPath)
	if err != nil {
		return err
	}

	for _, version := range versions {
		if version <= current {
			continue
		}

		logger.InfoLogger().Printf("Applying database migration: version=%d", version)

		script, err := os.ReadFile(filepath.Join(mergedMigrationPath, fmt.Sprintf("%d_up.sql", version)))
		if err != nil {
			return fmt.Errorf("error reading migration %d: %w", version, err)
		}

		tx, err := db.sql.Begin()
		if err != nil {
			return fmt.Errorf("error starting migration transaction: %w", err)
		}

		if _, err = tx.Exec(string(script)); err != nil {
			tx.Rollback()
			return fmt.Errorf("error applying migration %d: %w", version, err)
		}

		if _, err = tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("error setting schema version: %w", err)
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("error committing migration %d: %w", version, err)
		}
	}

	return nil
}

func (db *Database) schemaVersion() (int, error) {
	var version int

	if err := db.sql.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("error reading schema version: %w", err)
	}

	return version, nil
}

func (db *Database) mergeMigrationFiles(migrationPath, mergedPath string) error {
	if err := os.MkdirAll(mergedPath, 0o755); err != nil {
		return fmt.Errorf("error creating merged migration dir: %w", err)
	}

	embedded, err := migrationFiles.ReadDir("migration")
	if err != nil {
		return fmt.Errorf("error reading embedded migrations: %w", err)
	}

	for _, entry := range embedded {
		data, err := migrationFiles.ReadFile("migration/" + entry.Name())
		if err != nil {
			return fmt.Errorf("error reading embedded migration: %w", err)
		}

		if err = os.WriteFile(filepath.Join(mergedPath, entry.Name()), data, 0o644); err != nil {
			return fmt.Errorf("error writing merged migration: %w", err)
		}
	}

	external, err := os.ReadDir(migrationPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("error reading migration dir: %w", err)
	}

	for _, entry := range external {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(migrationPath, entry.Name()))
		if err != nil {
			return fmt.Errorf("error reading migration file: %w", err)
		}

		if err = os.WriteFile(filepath.Join(mergedPath, entry.Name()), data, 0o644); err != nil {
			return fmt.Errorf("error writing merged migration: %w", err)
		}
	}

	return nil
}

func upMigrationVersions(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading merged migration dir: %w", err)
	}

	var versions []int

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, "_up.sql") {
			continue
		}

		version, err := strconv.Atoi(strings.TrimSuffix(name, "_up.sql"))
		if err != nil {
			return nil, fmt.Errorf("invalid migration file name: %s", name)
		}

		versions = append(versions, version)
	}

	sort.Ints(versions)

	return versions, nil
}
