// Package migrations owns the journal schema. The SQL files are embedded and
// applied with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var files embed.FS

// ErrNoSchema is returned by Check for a database that was never migrated.
var ErrNoSchema = errors.New("journal has no schema version")

// SchemaStatus compares a database's schema version with the embedded files.
type SchemaStatus struct {
	Current uint
	Latest  uint
	Dirty   bool
}

// UpToDate reports whether the database matches the embedded schema.
func (s SchemaStatus) UpToDate() bool {
	return !s.Dirty && s.Current == s.Latest
}

// Status reads the schema version of db. A database that was never migrated
// reports Current == 0.
func Status(db *sql.DB) (SchemaStatus, error) {
	latest, err := latestVersion()
	if err != nil {
		return SchemaStatus{}, err
	}
	st := SchemaStatus{Latest: latest}

	m, err := open(db)
	if err != nil {
		return SchemaStatus{}, err
	}
	// Closing m would close db, which belongs to the caller.
	st.Current, st.Dirty, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return SchemaStatus{}, fmt.Errorf("reading schema version: %w", err)
	}
	return st, nil
}

// Check returns an error unless db is exactly at the embedded schema version.
func Check(db *sql.DB) error {
	st, err := Status(db)
	if err != nil {
		return err
	}
	switch {
	case st.Dirty:
		return fmt.Errorf("journal schema is dirty at version %d; a migration failed", st.Current)
	case st.Current == 0:
		return ErrNoSchema
	case st.Current < st.Latest:
		return fmt.Errorf("journal schema is at version %d, latest is %d", st.Current, st.Latest)
	case st.Current > st.Latest:
		return fmt.Errorf("journal schema version %d is newer than this binary (%d)", st.Current, st.Latest)
	}
	return nil
}

// Up applies every pending migration. It is a no-op on a current database.
func Up(db *sql.DB) error {
	m, err := open(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func open(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(files, "files")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("wrapping journal database: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, nil
}

// latestVersion walks the embedded migrations to the last one.
func latestVersion() (uint, error) {
	src, err := iofs.New(files, "files")
	if err != nil {
		return 0, fmt.Errorf("reading embedded migrations: %w", err)
	}
	defer src.Close()
	return lastVersion(src)
}

func lastVersion(src source.Driver) (uint, error) {
	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("no embedded migrations: %w", err)
	}
	for {
		next, err := src.Next(v)
		if err != nil {
			return v, nil
		}
		v = next
	}
}
