// Package migrations versions the conversation store schema. Scripts live in
// sql/ as NNNNNN_name.up.sql / NNNNNN_name.down.sql pairs.
package migrations

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const migrationTable = "sqlchat_schema_migrations"

// advisoryLockKey serializes runners across processes, so two api replicas
// starting together do not apply the same script twice.
const advisoryLockKey int64 = 0x5351_4c43_4841_54

var scriptName = regexp.MustCompile(`^([0-9]+)_([a-z0-9_]+)\.(up|down)\.sql$`)

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

// NewRunnerFS reads migrations from sql/ inside fsys.
func NewRunnerFS(fsys fs.FS) *Runner {
	return &Runner{fsys: fsys}
}

type Status struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

type migration struct {
	version int64
	name    string
	up      string
	down    string
}

type session interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Up applies pending migrations in version order. steps <= 0 applies all.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	return r.locked(ctx, db, func(s session, known []migration, applied map[int64]time.Time) (int, error) {
		count := 0
		for _, item := range known {
			if _, done := applied[item.version]; done {
				continue
			}
			if steps > 0 && count == steps {
				break
			}
			err := inTx(ctx, s, item.up, `INSERT INTO `+migrationTable+` (version, name) VALUES ($1, $2)`, item.version, item.name)
			if err != nil {
				return count, fmt.Errorf("apply migration %06d_%s: %w", item.version, item.name, err)
			}
			count++
		}
		return count, nil
	})
}

// Down rolls back the newest applied migrations. steps <= 0 rolls back one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	return r.locked(ctx, db, func(s session, known []migration, applied map[int64]time.Time) (int, error) {
		versions := make([]int64, 0, len(applied))
		for version := range applied {
			versions = append(versions, version)
		}
		slices.Sort(versions)
		slices.Reverse(versions)

		count := 0
		for _, version := range versions[:min(steps, len(versions))] {
			idx := slices.IndexFunc(known, func(m migration) bool { return m.version == version })
			if idx < 0 {
				return count, fmt.Errorf("applied migration %06d has no script", version)
			}
			item := known[idx]
			if err := inTx(ctx, s, item.down, `DELETE FROM `+migrationTable+` WHERE version = $1`, item.version); err != nil {
				return count, fmt.Errorf("roll back migration %06d_%s: %w", item.version, item.name, err)
			}
			count++
		}
		return count, nil
	})
}

// Status reports every known migration and whether it has been applied.
func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]Status, error) {
	known, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}
	statuses := make([]Status, 0, len(known))
	for _, item := range known {
		at, ok := applied[item.version]
		statuses = append(statuses, Status{Version: item.version, Name: item.name, Applied: ok, AppliedAt: at})
	}
	return statuses, nil
}

func (r *Runner) locked(ctx context.Context, db *sql.DB, run func(session, []migration, map[int64]time.Time) (int, error)) (int, error) {
	known, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire migration connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return 0, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, advisoryLockKey)
	}()

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return 0, err
	}
	return run(conn, known, applied)
}

// appliedVersions creates the bookkeeping table on first use.
func appliedVersions(ctx context.Context, s session) (map[int64]time.Time, error) {
	if _, err := s.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}

	rows, err := s.QueryContext(ctx, `SELECT version, applied_at FROM `+migrationTable)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	applied := map[int64]time.Time{}
	for rows.Next() {
		var (
			version int64
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}
	return applied, nil
}

func inTx(ctx context.Context, s session, script, bookkeeping string, args ...any) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	byVersion := map[int64]*migration{}
	for _, entry := range entries {
		parts := scriptName.FindStringSubmatch(entry.Name())
		if entry.IsDir() || parts == nil {
			continue
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse version of %q: %w", entry.Name(), err)
		}
		body, err := fs.ReadFile(fsys, "sql/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		item := byVersion[version]
		if item == nil {
			item = &migration{version: version, name: parts[2]}
			byVersion[version] = item
		}
		if item.name != parts[2] {
			return nil, fmt.Errorf("migration %06d has mismatched names %q and %q", version, item.name, parts[2])
		}
		if parts[3] == "up" {
			item.up = string(body)
		} else {
			item.down = string(body)
		}
	}

	known := make([]migration, 0, len(byVersion))
	for _, item := range byVersion {
		if strings.TrimSpace(item.up) == "" || strings.TrimSpace(item.down) == "" {
			return nil, fmt.Errorf("migration %06d_%s needs both up and down SQL", item.version, item.name)
		}
		known = append(known, *item)
	}
	slices.SortFunc(known, func(a, b migration) int { return cmp.Compare(a.version, b.version) })
	return known, nil
}
