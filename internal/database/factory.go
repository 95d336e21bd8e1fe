package database

import (
	"fmt"
	"os"
	"path/filepath"

	"mlc-go/internal/config"
	"mlc-go/internal/mlc"
)

// JournalFileName is the journal file created under the configured data directory.
const JournalFileName = "journal.db"

// NewJournalFromConfig creates a Journal implementation based on the database config type.
func NewJournalFromConfig(cfg config.DatabaseConfig, clock mlc.Clock) (mlc.Journal, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return openJournal(filepath.Join(cfg.DataDir, JournalFileName), clock)
	case "memory":
		return openJournal(":memory:", clock)
	case "none":
		return mlc.NopJournal{}, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}

// openJournal avoids returning a typed nil inside the interface on error.
func openJournal(path string, clock mlc.Clock) (mlc.Journal, error) {
	j, err := NewSQLiteJournal(path, clock)
	if err != nil {
		return nil, err
	}
	return j, nil
}
