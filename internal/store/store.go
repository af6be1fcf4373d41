package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrUnavailable marks failures to reach or query the database. Callers may retry.
	ErrUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")
)

// DefaultTimeout bounds every store operation when Open is given a non-positive timeout.
const DefaultTimeout = 5 * time.Second

// timeLayout is the on-disk timestamp format. It keeps SQLite date functions usable.
const timeLayout = "2006-01-02 15:04:05"

const dateLayout = "2006-01-02"

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// Open initializes the database connection, creating directories as needed.
func Open(path string, timeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Store{db: db, timeout: timeout}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database answers within the store timeout.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("ping: %w", ErrUnavailable)
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS locations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT UNIQUE NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS cold_rooms (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				location_id INTEGER NOT NULL,
				sensor_id TEXT UNIQUE,
				FOREIGN KEY (location_id) REFERENCES locations(id) ON DELETE CASCADE
			);`,
			`CREATE TABLE IF NOT EXISTS temperature_data (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				cold_room_id INTEGER NOT NULL,
				temperature REAL NOT NULL,
				timestamp TEXT NOT NULL,
				FOREIGN KEY (cold_room_id) REFERENCES cold_rooms(id) ON DELETE CASCADE
			);`,
			`CREATE INDEX IF NOT EXISTS idx_temperature_room_time ON temperature_data(cold_room_id, timestamp);`,
			`CREATE TABLE IF NOT EXISTS ingestion_errors (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				device_id TEXT NOT NULL,
				sensor_id TEXT,
				error_type TEXT NOT NULL,
				error_message TEXT NOT NULL,
				timestamp TEXT NOT NULL,
				resolved INTEGER NOT NULL DEFAULT 0
			);`,
			`CREATE INDEX IF NOT EXISTS idx_ingestion_errors_sensor ON ingestion_errors(sensor_id, resolved, timestamp);`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				username TEXT UNIQUE NOT NULL,
				password_hash TEXT NOT NULL,
				location_id INTEGER,
				role TEXT NOT NULL DEFAULT 'user',
				FOREIGN KEY (location_id) REFERENCES locations(id) ON DELETE SET NULL
			);`,
		},
	},
}

// Migrate applies every pending schema version. It is safe to run repeatedly. Each step runs under
// the store timeout.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ready("migrate"); err != nil {
		return err
	}

	if err := s.exec(ctx, "create schema_migrations", `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	);`); err != nil {
		return err
	}

	for _, m := range migrations {
		applied, err := s.migrationApplied(ctx, m.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) exec(ctx context.Context, op, stmt string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *Store) migrationApplied(ctx context.Context, version int) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	var applied int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?;`, version).Scan(&applied)
	if err != nil {
		return false, unavailable("check migration", err)
	}
	return applied > 0, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin migration", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return unavailable(fmt.Sprintf("migration %d", m.version), err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?);`,
		m.version, formatTime(time.Now())); err != nil {
		return unavailable(fmt.Sprintf("record migration %d", m.version), err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit migration", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration, or 0 on a fresh database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	if err := s.ready("schema version"); err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&version); err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, unavailable("schema version", err)
	}
	return int(version.Int64), nil
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ready(op string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("%s: store not initialized: %w", op, ErrUnavailable)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// classify maps a write error onto the store's sentinel errors. A unique violation is a
// conflict and a dangling foreign key means the referenced row is gone; everything else is
// treated as the store being unreachable.
func classify(op string, err error) error {
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
	case isForeignKeyViolation(err):
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	}
	return unavailable(op, err)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatDate(t time.Time) string {
	return t.Format(dateLayout)
}

func parseTime(value string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02T15:04:05", dateLayout} {
		if ts, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
