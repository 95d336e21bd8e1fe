package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"mlc-go/internal/database/migrations"
	"mlc-go/internal/mlc"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrOperationNotFound is returned when finishing an operation that was never started.
var ErrOperationNotFound = errors.New("operation not found")

// SQLiteJournal implements mlc.Journal using SQLite.
type SQLiteJournal struct {
	db    *sql.DB
	clock mlc.Clock
	path  string
}

// NewSQLiteJournal opens the journal at path and migrates it to the latest schema.
// path can be a file path or ":memory:" for an in-memory journal.
func NewSQLiteJournal(path string, clock mlc.Clock) (*SQLiteJournal, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating journal: %w", err)
	}

	return &SQLiteJournal{db: db, clock: clock, path: path}, nil
}

// NewSQLiteJournalFromDB wraps an existing database connection. The schema
// must already be current; the caller owns migrations for shared connections.
func NewSQLiteJournalFromDB(db *sql.DB, clock mlc.Clock) (*SQLiteJournal, error) {
	if err := migrations.Check(db); err != nil {
		return nil, err
	}
	return &SQLiteJournal{db: db, clock: clock}, nil
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for an in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

func (s *SQLiteJournal) StartOperation(kind mlc.OperationKind, source, target string) (int64, error) {
	res, err := s.db.ExecContext(context.Background(),
		`INSERT INTO operations (kind, source, target, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		string(kind), source, target, string(mlc.StatusStarted), s.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading operation id: %w", err)
	}
	return id, nil
}

func (s *SQLiteJournal) FinishOperation(id int64, status mlc.OperationStatus, detail string) error {
	res, err := s.db.ExecContext(context.Background(),
		`UPDATE operations SET status = ?, detail = ?, finished_at = ? WHERE id = ?`,
		string(status), detail, s.clock.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finishing operation %d: %w", id, ErrOperationNotFound)
	}
	return nil
}

func (s *SQLiteJournal) ListOperations(limit int) ([]*mlc.Operation, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, kind, source, target, status, detail, started_at, finished_at
		 FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return scanOperations(rows)
}

// ListOperationsByStatus returns operations for target with the given status,
// newest first. An empty target matches every target.
func (s *SQLiteJournal) ListOperationsByStatus(target string, status mlc.OperationStatus) ([]*mlc.Operation, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, kind, source, target, status, detail, started_at, finished_at
		 FROM operations WHERE status = ? AND (? = '' OR target = ?) ORDER BY id DESC`,
		string(status), target, target)
	if err != nil {
		return nil, fmt.Errorf("listing operations by status: %w", err)
	}
	return scanOperations(rows)
}

func scanOperations(rows *sql.Rows) ([]*mlc.Operation, error) {
	defer rows.Close()

	var ops []*mlc.Operation
	for rows.Next() {
		var (
			op           mlc.Operation
			kind, status string
		)
		if err := rows.Scan(&op.ID, &kind, &op.Source, &op.Target, &status, &op.Detail, &op.StartedAt, &op.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		op.Kind = mlc.OperationKind(kind)
		op.Status = mlc.OperationStatus(status)
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading operations: %w", err)
	}
	return ops, nil
}

// Path returns the journal file path (or ":memory:" for in-memory journals).
func (s *SQLiteJournal) Path() string {
	return s.path
}

// CheckMigrations verifies the journal schema is up-to-date.
func (s *SQLiteJournal) CheckMigrations() error {
	return migrations.Check(s.db)
}

// BackupTo creates a complete copy of the journal at destPath using VACUUM INTO.
func (s *SQLiteJournal) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up journal: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteJournal) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteJournal implements mlc.Journal
var _ mlc.Journal = (*SQLiteJournal)(nil)
