// Package checkpoint persists completed conversion units so interrupted
// dataset runs can resume without redoing work.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/docstream/ocrpipe/internal/domain"
)

// FileName is the checkpoint database filename, kept in the output root
// next to the outputs it describes.
const FileName = ".ocrpipe-checkpoint.db"

const schema = `
CREATE TABLE IF NOT EXISTS completed_units (
	unit_key   TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// Store records completed units in a SQLite database. Safe for concurrent
// use: the pipeline's producer checks completion while its consumer marks
// units done, and database/sql serializes access to the handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the checkpoint store under outputRoot.
func Open(outputRoot string) (*Store, error) {
	path := filepath.Join(outputRoot, FileName)
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, domain.WriteError(fmt.Sprintf("open checkpoint %s", path), err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, domain.WriteError(fmt.Sprintf("init checkpoint %s", path), err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// MarkCompleted records a unit as done. Re-marking is a no-op so retried
// runs never fail on duplicates.
func (s *Store) MarkCompleted(ctx context.Context, src domain.SourceRef, pageIndex int, runID string) error {
	query := `
		INSERT INTO completed_units (unit_key, run_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (unit_key) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, unitKey(src, pageIndex), runID, time.Now().UTC())
	if err != nil {
		return domain.WriteError(fmt.Sprintf("checkpoint %s", src.ID()), err)
	}
	return nil
}

// IsCompleted reports whether the unit was recorded by a previous run.
func (s *Store) IsCompleted(ctx context.Context, src domain.SourceRef, pageIndex int) (bool, error) {
	query := `SELECT 1 FROM completed_units WHERE unit_key = ?`
	var one int
	err := s.db.QueryRowContext(ctx, query, unitKey(src, pageIndex)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query checkpoint: %w", err)
	}
	return true, nil
}

// CompletedCount returns the number of recorded units, for the resume
// summary.
func (s *Store) CompletedCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM completed_units`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count checkpoint: %w", err)
	}
	return n, nil
}

func unitKey(src domain.SourceRef, pageIndex int) string {
	return fmt.Sprintf("%s#%d", src.ID(), pageIndex)
}
