package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
)

// Migration is one numbered schema change. Name is the file stem shared by
// its two scripts, e.g. "0002_comments", and is what schema_migrations records.
type Migration struct {
	Version string
	Name    string
	Up      string
	Down    string
}

var migrationFile = regexp.MustCompile(`^((\d+)_[A-Za-z0-9_]+)\.(up|down)\.sql$`)

// LoadMigrations reads the scripts at the root of fsys ordered by version.
// Every version needs exactly one name with both an up and a down script.
// Files not named like a migration are ignored.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	type pending struct {
		Migration
		hasUp, hasDown bool
	}
	byVersion := map[string]*pending{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		name, version, direction := match[1], match[2], match[3]

		m, ok := byVersion[version]
		if !ok {
			m = &pending{Migration: Migration{Version: version, Name: name}}
			byVersion[version] = m
		} else if m.Name != name {
			return nil, fmt.Errorf("migration version %s used by both %s and %s", version, m.Name, name)
		}

		contents, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if direction == "up" {
			m.Up, m.hasUp = string(contents), true
		} else {
			m.Down, m.hasDown = string(contents), true
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if !m.hasUp || !m.hasDown {
			return nil, fmt.Errorf("migration %s needs both up and down scripts", m.Name)
		}
		migrations = append(migrations, m.Migration)
	}
	if len(migrations) == 0 {
		return nil, fmt.Errorf("no migrations found")
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// ApplyMigrations runs every migration in fsys that is not yet recorded, each
// in its own transaction.
func ApplyMigrations(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	for _, m := range migrations {
		applied, err := isMigrated(ctx, db, m.Name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := runMigration(ctx, db, m.Name, m.Up, `INSERT INTO schema_migrations(version) VALUES($1)`); err != nil {
			return err
		}
	}
	return nil
}

// RollbackMigrations undoes the applied migrations in fsys, newest first.
func RollbackMigrations(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		applied, err := isMigrated(ctx, db, m.Name)
		if err != nil {
			return err
		}
		if !applied {
			continue
		}
		if err := runMigration(ctx, db, m.Name, m.Down, `DELETE FROM schema_migrations WHERE version=$1`); err != nil {
			return err
		}
	}
	return nil
}

// runMigration executes script and the bookkeeping statement together.
func runMigration(ctx context.Context, db *sql.DB, name, script, record string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, record, name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	return exists, nil
}
