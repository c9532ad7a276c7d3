// Package store journals ingest failures to SQLite so operators can see
// why posted telemetry never reached the bus. Telemetry itself is never
// persisted; the journal holds diagnostics only.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"beemap/go-telemetry-server/internal/model"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ingest_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ingest_errors_time ON ingest_errors(created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// InsertIngestError records a payload the bridge rejected or failed to
// republish.
func (s *Store) InsertIngestError(ctx context.Context, e model.IngestError) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingest_errors (device_id, payload, error) VALUES (?, ?, ?);`,
		e.DeviceID,
		e.Payload,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ingest error: %w", err)
	}
	return nil
}

// RecentIngestErrors returns the most recent journal entries, newest first.
func (s *Store) RecentIngestErrors(ctx context.Context, limit int) ([]model.StoredIngestError, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT device_id, payload, error, created_at
		 FROM ingest_errors
		 ORDER BY created_at DESC
		 LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ingest errors: %w", err)
	}
	defer rows.Close()

	entries := make([]model.StoredIngestError, 0, limit)
	for rows.Next() {
		var deviceID, payload sql.NullString
		var errMsg, createdAt string
		if err := rows.Scan(&deviceID, &payload, &errMsg, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ingest error: %w", err)
		}
		entries = append(entries, model.StoredIngestError{
			IngestError: model.IngestError{
				DeviceID: deviceID.String,
				Payload:  payload.String,
				Error:    errMsg,
			},
			CreatedAt: createdAt,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingest errors: %w", err)
	}

	return entries, nil
}
