// Package persistence provides SQLite-backed storage for workflow runs and
// their step transcripts.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"solver/pkg/logx"
)

// Store wraps one SQLite database holding run history. A Store is safe for
// concurrent use; SQLite's single-writer constraint is enforced through the
// connection pool.
type Store struct {
	db        *sql.DB
	logger    *logx.Logger
	sessionID string
}

// Open opens (creating if needed) the run database at path and ensures the
// schema is current. The session ID stamps every run written through this
// store.
func Open(path, sessionID string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("persistence")
	logger.Info("run database opened: %s (session %s)", path, sessionID)

	return &Store{db: db, logger: logger, sessionID: sessionID}, nil
}

// SessionID returns the session this store stamps onto runs.
func (s *Store) SessionID() string {
	return s.sessionID
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
