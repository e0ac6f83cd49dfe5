// Package store persists replication state in SQLite: task records, the
// per-task folder mapping, the copied-file ledger, recorded file failures,
// and the folder summary cache. Every mutation is a single point write that
// is safe to replay after a crash.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sentinel errors. Use errors.Is to check.
var (
	ErrNotFound   = errors.New("store: not found")
	ErrTaskExists = errors.New("store: task already exists for source and destination")
)

// Store is the sole writer to the replication database. It is safe for
// concurrent use; the connection pool is capped at one connection so writes
// are serialized by database/sql.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Open opens (or creates) the SQLite database at dbPath and applies pending
// migrations. The database uses WAL mode with synchronous=FULL and enforces
// foreign keys so deleting a task cascades to its mapping and ledger.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("store opened", slog.String("db_path", dbPath))

	return &Store{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: closing database: %w", err)
	}

	return nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// isForeignKeyViolation reports whether err is SQLite rejecting a write that
// references a task row that no longer exists.
func isForeignKeyViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}

	if se.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}

	// Without extended result codes only the primary code is reported.
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "FOREIGN KEY")
}

func unixNano(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n)
}

func nullTime(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}

	return fromUnixNano(n.Int64)
}
