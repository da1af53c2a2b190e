package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	// SQLite driver (pure Go, no cgo).
	_ "modernc.org/sqlite"
)

// insertChunk caps how many rows one multi-value statement carries, keeping
// the bound-parameter count well under SQLite's limit.
const insertChunk = 400

// SQLiteStore is the default checkpoint backend: a single local database
// file in WAL mode with synchronous=FULL, so a commit that returned has
// reached disk even if the process dies on the next instruction.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens or creates the database file at path and prepares
// the schema. The connection pool is limited to one connection; with WAL
// and a busy timeout that is plenty for commit batches from a handful of
// workers, and it sidesteps SQLITE_BUSY races entirely.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS completed_lines (
		line         INTEGER PRIMARY KEY,
		run_id       TEXT NOT NULL,
		committed_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS failed_lines (
		line       INTEGER PRIMARY KEY,
		run_id     TEXT NOT NULL,
		payload    TEXT NOT NULL,
		error      TEXT NOT NULL,
		category   TEXT NOT NULL,
		retries    INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_failed_lines_order ON failed_lines(retries, line);

	CREATE TABLE IF NOT EXISTS runs (
		id                 TEXT PRIMARY KEY,
		input_source       TEXT NOT NULL,
		started_at         TEXT NOT NULL,
		finished_at        TEXT,
		status             TEXT NOT NULL,
		processed          INTEGER NOT NULL DEFAULT 0,
		failed             INTEGER NOT NULL DEFAULT 0,
		last_checkpoint_at TEXT
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) IsCompleted(ctx context.Context, line int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}

	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM completed_lines WHERE line = ?", line).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up line %d: %w", line, err)
	}
	return true, nil
}

func (s *SQLiteStore) CommitBatch(ctx context.Context, runID string, lines []int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if len(lines) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for start := 0; start < len(lines); start += insertChunk {
		end := start + insertChunk
		if end > len(lines) {
			end = len(lines)
		}
		chunk := lines[start:end]

		ph := strings.TrimSuffix(strings.Repeat("(?, ?, ?),", len(chunk)), ",")
		args := make([]interface{}, 0, len(chunk)*3)
		for _, line := range chunk {
			args = append(args, line, runID, now)
		}
		// #nosec G202 -- the concatenated text is a placeholder list; all values are bound
		insert := "INSERT OR IGNORE INTO completed_lines (line, run_id, committed_at) VALUES " + ph
		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("failed to insert completed lines: %w", err)
		}

		inPh := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		delArgs := make([]interface{}, len(chunk))
		for i, line := range chunk {
			delArgs[i] = line
		}
		// #nosec G202 -- placeholder list only
		del := "DELETE FROM failed_lines WHERE line IN (" + inPh + ")"
		if _, err := tx.ExecContext(ctx, del, delArgs...); err != nil {
			return fmt.Errorf("failed to clear failure rows: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE runs SET processed = processed + ?, last_checkpoint_at = ? WHERE id = ?",
		len(lines), now, runID,
	); err != nil {
		return fmt.Errorf("failed to advance run checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint batch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, f FailedLine) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_lines (line, run_id, payload, error, category, retries, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(line) DO UPDATE SET
			run_id     = excluded.run_id,
			payload    = excluded.payload,
			error      = excluded.error,
			category   = excluded.category,
			retries    = excluded.retries,
			updated_at = excluded.updated_at`,
		f.Line, f.RunID, f.Payload, f.Error, f.Category, f.Retries, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record failure for line %d: %w", f.Line, err)
	}
	return nil
}

func (s *SQLiteStore) ScanFailed(ctx context.Context, fn func(FailedLine) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, line, payload, error, category, retries, updated_at
		FROM failed_lines
		ORDER BY retries ASC, line ASC`)
	if err != nil {
		return fmt.Errorf("failed to scan failures: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var f FailedLine
		var updated string
		if err := rows.Scan(&f.RunID, &f.Line, &f.Payload, &f.Error, &f.Category, &f.Retries, &updated); err != nil {
			return fmt.Errorf("failed to read failure row: %w", err)
		}
		f.UpdatedAt = parseStoredTime(updated)
		if err := fn(f); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) StartRun(ctx context.Context, inputSource string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	run := &Run{
		ID:          uuid.NewString(),
		InputSource: inputSource,
		StartedAt:   time.Now().UTC(),
		Status:      StatusRunning,
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (id, input_source, started_at, status) VALUES (?, ?, ?, ?)",
		run.ID, run.InputSource, run.StartedAt.Format(time.RFC3339Nano), run.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID, status string, processed, failed int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET finished_at = ?, status = ?, processed = ?, failed = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339Nano), status, processed, failed, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var run Run
	var started string
	var finished, lastCheckpoint sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, input_source, started_at, finished_at, status, processed, failed, last_checkpoint_at
		FROM runs WHERE id = ?`, runID,
	).Scan(&run.ID, &run.InputSource, &started, &finished, &run.Status, &run.Processed, &run.Failed, &lastCheckpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	run.StartedAt = parseStoredTime(started)
	if finished.Valid {
		run.FinishedAt = parseStoredTime(finished.String)
	}
	if lastCheckpoint.Valid {
		run.LastCheckpointAt = parseStoredTime(lastCheckpoint.String)
	}
	return &run, nil
}

func (s *SQLiteStore) CompletedCount(ctx context.Context) (int64, error) {
	return s.count(ctx, "completed_lines")
}

func (s *SQLiteStore) FailedCount(ctx context.Context) (int64, error) {
	return s.count(ctx, "failed_lines")
}

func (s *SQLiteStore) count(ctx context.Context, table string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	var n int64
	// #nosec G202 -- table is one of two compile-time constants
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"completed_lines", "failed_lines"} {
		// #nosec G202 -- table names are compile-time constants
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// parseStoredTime reads the RFC3339Nano strings this package writes. A zero
// time comes back for anything unparseable.
func parseStoredTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
