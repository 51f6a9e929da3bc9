package store

import (
	"crypto/md5"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	version  string
	filename string
	content  string
	checksum string
}

// migrate applies the embedded schema migrations and then the idempotent
// legacy-column additions that predate the migration table.
func migrate(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	for _, m := range migrations {
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", m.version, err)
		}
	}

	return addLegacyColumns(db)
}

func loadMigrations() ([]migration, error) {
	var migrations []migration

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, filepath.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, migration{
			version:  strings.Split(entry.Name(), "_")[0],
			filename: entry.Name(),
			content:  string(content),
			checksum: fmt.Sprintf("%x", md5.Sum(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})
	return migrations, nil
}

func applyMigration(db *sql.DB, m migration) error {
	var existing string
	err := db.QueryRow(
		"SELECT checksum FROM schema_migrations WHERE version = ?", m.version,
	).Scan(&existing)

	if err == nil {
		if existing != m.checksum {
			return fmt.Errorf("checksum mismatch for migration %s: expected %s, got %s",
				m.version, existing, m.checksum)
		}
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check migration status: %w", err)
	}

	if _, err := db.Exec(m.content); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := db.Exec(
		"INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)",
		m.version, m.checksum,
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return nil
}

// addLegacyColumns upgrades databases written before the lel/smoke/water
// channels existed. sqlite has no ADD COLUMN IF NOT EXISTS, so the duplicate
// column error class is swallowed.
func addLegacyColumns(db *sql.DB) error {
	for _, column := range []string{"lel", "smoke", "water"} {
		_, err := db.Exec(fmt.Sprintf("ALTER TABLE sensor_data ADD COLUMN %s REAL", column))
		if err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("failed to add column %s: %w", column, err)
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column")
}
