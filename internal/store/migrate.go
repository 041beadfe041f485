package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"threadline/api/db"
)

// MigrationSource returns where the comment schema is read from: dir on disk
// when set, otherwise the migrations embedded in the binary.
func MigrationSource(dir string) (fs.FS, string) {
	if strings.TrimSpace(dir) == "" {
		return db.Migrations, "migrations"
	}
	return os.DirFS(dir), "."
}

// Migrate brings the comment schema up to date from MigrationSource(dir).
func Migrate(ctx context.Context, conn *sql.DB, dir string, log logrus.FieldLogger) error {
	fsys, root := MigrationSource(dir)
	return ApplyMigrations(ctx, conn, fsys, root, log)
}

// ApplyMigrations runs the *.up.sql files under dir in lexical order, skipping
// versions already recorded in schema_migrations. Each file runs in its own
// transaction.
func ApplyMigrations(ctx context.Context, conn *sql.DB, fsys fs.FS, dir string, log logrus.FieldLogger) error {
	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	versions, err := upMigrations(fsys, dir)
	if err != nil {
		return err
	}
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}

	var ran int
	for _, version := range versions {
		if applied[version] {
			continue
		}
		contents, err := fs.ReadFile(fsys, path.Join(dir, version))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}
		if err := runMigration(ctx, conn, version, string(contents)); err != nil {
			return err
		}
		ran++
		log.WithField("version", version).Info("migration applied")
	}
	log.WithFields(logrus.Fields{"applied": ran, "known": len(versions)}).Info("comment schema up to date")
	return nil
}

func upMigrations(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var versions []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".up.sql") {
			versions = append(versions, entry.Name())
		}
	}
	sort.Strings(versions)
	return versions, nil
}

func appliedVersions(ctx context.Context, conn *sql.DB) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func runMigration(ctx context.Context, conn *sql.DB, version, body string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("execute migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}
