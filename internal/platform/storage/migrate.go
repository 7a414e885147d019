package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationLock serializes schema changes between ingesters started together.
const migrationLock = 0x6c6564676572

type migration struct {
	version int
	name    string
	up      string
	down    string
}

// loadMigrations pairs every NNN_name.up.sql under dir with its .down.sql and
// returns them in version order.
func loadMigrations(fsys fs.FS, dir string) ([]migration, error) {
	files, err := fs.Glob(fsys, path.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}

	byVersion := make(map[int]*migration)
	for _, file := range files {
		base := path.Base(file)
		stem, direction, ok := strings.Cut(strings.TrimSuffix(base, ".sql"), ".")
		if !ok || (direction != "up" && direction != "down") {
			return nil, fmt.Errorf("migration %s: want NNN_name.up.sql or NNN_name.down.sql", base)
		}
		prefix, _, _ := strings.Cut(stem, "_")
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: version %q is not a number", base, prefix)
		}

		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}

		m := byVersion[version]
		if m == nil {
			m = &migration{version: version, name: stem}
			byVersion[version] = m
		}
		if m.name != stem {
			return nil, fmt.Errorf("migration version %d used by %s and %s", version, m.name, stem)
		}
		if direction == "up" {
			m.up = string(content)
		} else {
			m.down = string(content)
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.up == "" || m.down == "" {
			return nil, fmt.Errorf("migration %s needs both up and down files", m.name)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Migrate applies the pending schema migrations.
func (db *DB) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	return db.withMigrationLock(ctx, func(conn *pgxpool.Conn, applied map[int]bool) error {
		for _, m := range migrations {
			if applied[m.version] {
				continue
			}
			err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
				if _, err := tx.Exec(ctx, m.up); err != nil {
					return err
				}
				_, err := tx.Exec(ctx, `INSERT INTO ledger_schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name)
				return err
			})
			if err != nil {
				return fmt.Errorf("apply migration %s: %w", m.name, err)
			}
		}
		return nil
	})
}

// MigrateDown rolls back the newest steps applied migrations.
func (db *DB) MigrateDown(ctx context.Context, steps int) error {
	migrations, err := loadMigrations(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	return db.withMigrationLock(ctx, func(conn *pgxpool.Conn, applied map[int]bool) error {
		for i := len(migrations) - 1; i >= 0 && steps > 0; i-- {
			m := migrations[i]
			if !applied[m.version] {
				continue
			}
			err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
				if _, err := tx.Exec(ctx, m.down); err != nil {
					return err
				}
				_, err := tx.Exec(ctx, `DELETE FROM ledger_schema_migrations WHERE version = $1`, m.version)
				return err
			})
			if err != nil {
				return fmt.Errorf("roll back migration %s: %w", m.name, err)
			}
			steps--
		}
		return nil
	})
}

// withMigrationLock runs fn on one connection holding the migration advisory
// lock, passing the versions already applied.
func (db *DB) withMigrationLock(ctx context.Context, fn func(conn *pgxpool.Conn, applied map[int]bool) error) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLock); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLock)

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	rows, err := conn.Query(ctx, `SELECT version FROM ledger_schema_migrations`)
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return fmt.Errorf("scan applied migrations: %w", err)
	}

	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return fn(conn, applied)
}
