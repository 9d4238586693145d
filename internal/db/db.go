// Package db owns the SQLite store behind the job history: connection
// setup, schema migrations and crash recovery of the jobs table.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/reelcut/reelcut/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// InterruptedMessage is the error recorded on jobs cut short by a restart.
const InterruptedMessage = "interrupted by restart"

// ErrSchemaTooNew means the database was written by a newer build.
var ErrSchemaTooNew = errors.New("database schema is newer than this build")

// connPragmas hold for the single pooled connection. job_events rows cascade
// from jobs, which needs foreign_keys; WAL lets `reelcut jobs` read while a
// server is recording.
var connPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TEXT NOT NULL
)`

// DB owns the SQLite connection holding job history.
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

// New opens (creating if needed) the database at dbPath and brings its
// schema up to date.
func New(dbPath string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	d := &DB{conn: conn, logger: logging.WithComponent(logger, "db")}
	if err := d.init(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) init(ctx context.Context) error {
	for _, pragma := range connPragmas {
		if _, err := d.conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return err
	}
	return d.migrate(ctx, migrations)
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Version returns the highest applied schema version, 0 for an empty store.
func (d *DB) Version(ctx context.Context) (int, error) {
	var v int
	err := d.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

type migration struct {
	version int
	name    string
	body    string
}

// loadMigrations reads NNN_name.sql files in version order.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []migration
	seen := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		version, err := strconv.Atoi(prefix)
		if !ok || err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: name must start with a positive version", e.Name())
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, e.Name(), version)
		}
		seen[version] = e.Name()

		body, err := fs.ReadFile(fsys, "migrations/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		out = append(out, migration{version: version, name: e.Name(), body: string(body)})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].version < out[b].version })
	return out, nil
}

// migrate applies every migration above the stored version, each in its own
// transaction together with its schema_migrations row.
func (d *DB) migrate(ctx context.Context, migrations []migration) error {
	if _, err := d.conn.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	current, err := d.Version(ctx)
	if err != nil {
		return err
	}
	if n := len(migrations); n > 0 && current > migrations[n-1].version {
		return fmt.Errorf("%w: version %d, latest known %d", ErrSchemaTooNew, current, migrations[n-1].version)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := d.apply(ctx, m); err != nil {
			return err
		}
		d.logger.Info("applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

func (d *DB) apply(ctx context.Context, m migration) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.body); err != nil {
		return fmt.Errorf("migration %s: %w", m.name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.version, m.name, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("record migration %s: %w", m.name, err)
	}
	return tx.Commit()
}

// FailInterrupted fails every job not in a terminal state, appends the
// matching job_events row and returns the affected job IDs. Call it only
// while no other process can be running jobs against this database.
func (d *DB) FailInterrupted(ctx context.Context) ([]string, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin recovery: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM jobs WHERE status NOT IN ('finalized', 'failed') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("find interrupted jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'failed', error = ?, updated_at = ? WHERE id = ?`,
			InterruptedMessage, now, id,
		); err != nil {
			return nil, fmt.Errorf("fail job %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_events (job_id, status, error_kind, at) VALUES (?, 'failed', '', ?)`,
			id, now,
		); err != nil {
			return nil, fmt.Errorf("record event for job %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit recovery: %w", err)
	}

	d.logger.Warn("marked interrupted jobs as failed", "count", len(ids))
	return ids, nil
}
