package checkpoint

import (
	"context"
	"os"
	"testing"
)

// newTestMySQLStore connects to the database named by TEST_MYSQL_DSN and
// clears line state so assertions see a clean slate. Tests are skipped when
// the variable is unset.
func newTestMySQLStore(t *testing.T) *MySQLStore {
	t.Helper()

	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set; skipping MySQL store tests")
	}

	store, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("failed to create mysql store: %v", err)
	}
	if err := store.Reset(context.Background()); err != nil {
		t.Fatalf("failed to reset mysql store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Reset(context.Background())
		_ = store.Close()
	})
	return store
}

func TestMySQLRequiresDSN(t *testing.T) {
	if _, err := NewMySQLStore(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestMySQLCommitAndLookup(t *testing.T) {
	store := newTestMySQLStore(t)
	ctx := context.Background()

	run, err := store.StartRun(ctx, "mysql-test")
	if err != nil {
		t.Fatalf("StartRun() error: %v", err)
	}
	if err := store.CommitBatch(ctx, run.ID, []int64{1, 2, 3}); err != nil {
		t.Fatalf("CommitBatch() error: %v", err)
	}

	done, err := store.IsCompleted(ctx, 2)
	if err != nil {
		t.Fatalf("IsCompleted() error: %v", err)
	}
	if !done {
		t.Error("line 2 not completed after commit")
	}
	n, err := store.CompletedCount(ctx)
	if err != nil {
		t.Fatalf("CompletedCount() error: %v", err)
	}
	if n != 3 {
		t.Errorf("CompletedCount = %d, want 3", n)
	}
}

func TestMySQLFailureRoundTrip(t *testing.T) {
	store := newTestMySQLStore(t)
	ctx := context.Background()

	run, err := store.StartRun(ctx, "mysql-test")
	if err != nil {
		t.Fatalf("StartRun() error: %v", err)
	}
	fail := FailedLine{RunID: run.ID, Line: 11, Payload: `{"path":"a.py"}`, Error: "boom", Category: "network", Retries: 2}
	if err := store.RecordFailure(ctx, fail); err != nil {
		t.Fatalf("RecordFailure() error: %v", err)
	}

	var got FailedLine
	if err := store.ScanFailed(ctx, func(f FailedLine) error {
		got = f
		return nil
	}); err != nil {
		t.Fatalf("ScanFailed() error: %v", err)
	}
	if got.Line != 11 || got.Category != "network" || got.Retries != 2 {
		t.Errorf("failure row = %+v", got)
	}

	// Commit clears the failure row.
	if err := store.CommitBatch(ctx, run.ID, []int64{11}); err != nil {
		t.Fatalf("CommitBatch() error: %v", err)
	}
	n, err := store.FailedCount(ctx)
	if err != nil {
		t.Fatalf("FailedCount() error: %v", err)
	}
	if n != 0 {
		t.Errorf("FailedCount = %d after commit, want 0", n)
	}
}
