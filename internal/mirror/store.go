// Package mirror manages the SQLite database holding the local mirror:
// records, their attachment/attendee children, the full-text index, and the
// per-partition sync checkpoints.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods. Mutations go exclusively through
// [Store.Apply], which executes a whole changeset in one transaction so a
// reader never observes a partially-applied sync pass.
package mirror

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/pimmirror/pimmirror/internal/mirror/migrations"
)

// ErrUnavailable is returned when the underlying database is locked or
// otherwise temporarily unusable. The orchestrator retries these with
// backoff; callers must not treat them as data errors.
var ErrUnavailable = errors.New("mirror: store unavailable")

// Store is the SQLite-backed mirror repository.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the mirror database:
// ~/.local/share/pimmirror/mirror.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "pimmirror", "mirror.db"), nil
}

// Open opens (or creates) the mirror database at path, applies pending
// migrations, and configures WAL mode for concurrent read access while a
// sync is writing.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating mirror directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrations.Up(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// wrapErr maps SQLite busy/locked conditions onto [ErrUnavailable] so the
// orchestrator can distinguish transient contention from real failures.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && (serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// --- time helpers ------------------------------------------------------------

// timeLayout is fixed-width UTC so stored timestamps compare correctly both
// lexicographically in SQL and after parsing.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
