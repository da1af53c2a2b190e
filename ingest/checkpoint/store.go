// Package checkpoint persists line-granular sync progress so an
// interrupted run can resume without redoing or losing work.
//
// The store tracks three things: which input lines have completed, which
// have failed (with enough context to retry or export them), and metadata
// about each run. Completed lines are keyed by line number alone — the
// stream is append-only, so line N means the same change in every run over
// the same input. A line is completed or failed, never both: committing a
// line clears its failure row in the same transaction.
//
// Three backends implement the Store interface: SQLite (the default, one
// local file in WAL mode), MySQL (for fleets sharing checkpoint state), and
// an in-memory store for dry runs and tests.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// Run statuses recorded in run metadata.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFatal   = "fatal"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("run not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("checkpoint store is closed")

// Run is the metadata row for one pipeline invocation.
type Run struct {
	ID          string
	InputSource string
	StartedAt   time.Time
	// FinishedAt is zero until FinishRun records a terminal status.
	FinishedAt       time.Time
	Status           string
	Processed        int64
	Failed           int64
	LastCheckpointAt time.Time
}

// FailedLine is one input line that exhausted its retry budget, with enough
// context to re-enqueue or export it. Payload is the raw input line exactly
// as the producer wrote it.
type FailedLine struct {
	RunID     string
	Line      int64
	Payload   string
	Error     string
	Category  string
	Retries   int
	UpdatedAt time.Time
}

// Store is the durable record of sync progress. It is the only component
// in the pipeline that persists anything.
//
// Implementations must be safe for concurrent use by all shard workers of
// one process, and the database-backed ones for multiple processes sharing
// a store. Failure rows outlive the run that wrote them so a later
// invocation can retry or export them; completed lines likewise persist
// until Reset.
type Store interface {
	// IsCompleted reports whether line has already been committed, by this
	// run or any earlier one. It observes every commit that returned
	// before the call.
	IsCompleted(ctx context.Context, line int64) (bool, error)

	// CommitBatch marks lines completed in one atomic, durable step:
	// afterward either all of them read as completed or none do, even
	// across a crash. Failure rows for those lines are cleared in the same
	// transaction, and the run's processed count and checkpoint time
	// advance. An empty batch is a no-op.
	CommitBatch(ctx context.Context, runID string, lines []int64) error

	// RecordFailure upserts the failed state for one line. A later failure
	// for the same line replaces the earlier one.
	RecordFailure(ctx context.Context, f FailedLine) error

	// ScanFailed streams every failure row, ordered by retries ascending
	// then line ascending, so the least-retried work is attempted first.
	// It stops early if fn returns an error and returns that error.
	ScanFailed(ctx context.Context, fn func(FailedLine) error) error

	// StartRun creates a run row in the running state and returns it.
	StartRun(ctx context.Context, inputSource string) (*Run, error)

	// FinishRun records a terminal status and the final counts.
	FinishRun(ctx context.Context, runID, status string, processed, failed int64) error

	// GetRun returns the metadata for one run, or ErrNotFound.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// CompletedCount returns how many lines are marked completed.
	CompletedCount(ctx context.Context) (int64, error)

	// FailedCount returns how many failure rows are outstanding.
	FailedCount(ctx context.Context) (int64, error)

	// Reset clears all per-line state, completed and failed. Run metadata
	// is kept for audit.
	Reset(ctx context.Context) error

	// Close releases the store. Closing twice is a no-op.
	Close() error
}
