package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockKey serialises schema changes across engine instances that
// share one journal.
const migrationLockKey int64 = 0x7472616465

// migration is one numbered schema step, named NNN_description.sql.
type migration struct {
	version int
	name    string
	sql     string
}

// loadMigrations reads the numbered .sql files in dir, ordered by version.
// Versions must be unique and positive.
func loadMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("postgres: read migrations: %w", err)
	}

	seen := make(map[int]string)
	var out []migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		version, err := strconv.Atoi(prefix)
		if !ok || err != nil || version <= 0 {
			return nil, fmt.Errorf("postgres: migration %s: name must start with a positive version and an underscore", name)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("postgres: migrations %s and %s share version %d", prev, name, version)
		}
		seen[version] = name

		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("postgres: read migration %s: %w", name, err)
		}
		out = append(out, migration{version: version, name: name, sql: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// RunMigrations brings the journal schema up to date and reports how many
// steps it applied. Each step runs in its own transaction under an advisory
// lock, so instances starting together apply it once.
func (c *Client) RunMigrations(ctx context.Context) (int, error) {
	const createVersions = `
		CREATE TABLE IF NOT EXISTS journal_schema (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
	if _, err := c.pool.Exec(ctx, createVersions); err != nil {
		return 0, fmt.Errorf("postgres: create journal_schema: %w", err)
	}

	steps, err := loadMigrations(migrationsFS, "migrations")
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range steps {
		var ran bool
		err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockKey); err != nil {
				return fmt.Errorf("lock: %w", err)
			}
			var done bool
			if err := tx.QueryRow(ctx,
				"SELECT EXISTS(SELECT 1 FROM journal_schema WHERE version = $1)", m.version,
			).Scan(&done); err != nil {
				return fmt.Errorf("check: %w", err)
			}
			if done {
				return nil
			}
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return fmt.Errorf("apply: %w", err)
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO journal_schema (version, name) VALUES ($1, $2)", m.version, m.name,
			); err != nil {
				return fmt.Errorf("record: %w", err)
			}
			ran = true
			return nil
		})
		if err != nil {
			return applied, fmt.Errorf("postgres: migration %s: %w", m.name, err)
		}
		if ran {
			applied++
		}
	}
	return applied, nil
}
