package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// newTestStores builds one of each always-available backend so the contract
// tests run against them all. MySQL has its own tests gated on an env var.
func newTestStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoint.db"))
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func mustStartRun(t *testing.T, store Store) *Run {
	t.Helper()
	run, err := store.StartRun(context.Background(), "test-input")
	if err != nil {
		t.Fatalf("StartRun() error: %v", err)
	}
	return run
}

func TestStoreCommitAndLookup(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := mustStartRun(t, store)

			lines := []int64{1, 2, 5, 100}
			if err := store.CommitBatch(ctx, run.ID, lines); err != nil {
				t.Fatalf("CommitBatch() error: %v", err)
			}

			for _, line := range lines {
				done, err := store.IsCompleted(ctx, line)
				if err != nil {
					t.Fatalf("IsCompleted(%d) error: %v", line, err)
				}
				if !done {
					t.Errorf("line %d not completed after commit", line)
				}
			}
			done, err := store.IsCompleted(ctx, 3)
			if err != nil {
				t.Fatalf("IsCompleted(3) error: %v", err)
			}
			if done {
				t.Error("line 3 reads completed without a commit")
			}

			n, err := store.CompletedCount(ctx)
			if err != nil {
				t.Fatalf("CompletedCount() error: %v", err)
			}
			if n != int64(len(lines)) {
				t.Errorf("CompletedCount = %d, want %d", n, len(lines))
			}
		})
	}
}

func TestStoreCommitEmptyBatch(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			run := mustStartRun(t, store)
			if err := store.CommitBatch(context.Background(), run.ID, nil); err != nil {
				t.Fatalf("empty CommitBatch() error: %v", err)
			}
		})
	}
}

func TestStoreCommitIdempotent(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := mustStartRun(t, store)

			// Replaying a batch after a crash must not fail or double-count.
			for i := 0; i < 2; i++ {
				if err := store.CommitBatch(ctx, run.ID, []int64{7, 8}); err != nil {
					t.Fatalf("CommitBatch() pass %d error: %v", i, err)
				}
			}
			n, err := store.CompletedCount(ctx)
			if err != nil {
				t.Fatalf("CompletedCount() error: %v", err)
			}
			if n != 2 {
				t.Errorf("CompletedCount = %d, want 2", n)
			}
		})
	}
}

func TestStoreCommitClearsFailure(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := mustStartRun(t, store)

			fail := FailedLine{RunID: run.ID, Line: 9, Payload: `{"path":"x"}`, Error: "boom", Category: "network", Retries: 1}
			if err := store.RecordFailure(ctx, fail); err != nil {
				t.Fatalf("RecordFailure() error: %v", err)
			}

			// A line is completed or failed, never both.
			if err := store.CommitBatch(ctx, run.ID, []int64{9}); err != nil {
				t.Fatalf("CommitBatch() error: %v", err)
			}
			n, err := store.FailedCount(ctx)
			if err != nil {
				t.Fatalf("FailedCount() error: %v", err)
			}
			if n != 0 {
				t.Errorf("FailedCount = %d after commit, want 0", n)
			}
			done, err := store.IsCompleted(ctx, 9)
			if err != nil || !done {
				t.Errorf("IsCompleted(9) = %v, %v; want true", done, err)
			}
		})
	}
}

func TestStoreRecordFailureUpsert(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := mustStartRun(t, store)

			first := FailedLine{RunID: run.ID, Line: 3, Payload: "p", Error: "first", Category: "network", Retries: 0}
			second := FailedLine{RunID: run.ID, Line: 3, Payload: "p", Error: "second", Category: "timeout", Retries: 1}
			if err := store.RecordFailure(ctx, first); err != nil {
				t.Fatalf("RecordFailure() error: %v", err)
			}
			if err := store.RecordFailure(ctx, second); err != nil {
				t.Fatalf("RecordFailure() error: %v", err)
			}

			n, err := store.FailedCount(ctx)
			if err != nil {
				t.Fatalf("FailedCount() error: %v", err)
			}
			if n != 1 {
				t.Fatalf("FailedCount = %d, want 1", n)
			}

			var got FailedLine
			err = store.ScanFailed(ctx, func(f FailedLine) error {
				got = f
				return nil
			})
			if err != nil {
				t.Fatalf("ScanFailed() error: %v", err)
			}
			if got.Error != "second" || got.Category != "timeout" || got.Retries != 1 {
				t.Errorf("failure row not replaced: %+v", got)
			}
			if got.UpdatedAt.IsZero() {
				t.Error("UpdatedAt not set")
			}
		})
	}
}

func TestStoreScanFailedOrder(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := mustStartRun(t, store)

			seed := []FailedLine{
				{RunID: run.ID, Line: 10, Payload: "a", Error: "e", Category: "network", Retries: 2},
				{RunID: run.ID, Line: 4, Payload: "b", Error: "e", Category: "network", Retries: 0},
				{RunID: run.ID, Line: 7, Payload: "c", Error: "e", Category: "network", Retries: 0},
				{RunID: run.ID, Line: 1, Payload: "d", Error: "e", Category: "network", Retries: 1},
			}
			for _, f := range seed {
				if err := store.RecordFailure(ctx, f); err != nil {
					t.Fatalf("RecordFailure() error: %v", err)
				}
			}

			var order []int64
			err := store.ScanFailed(ctx, func(f FailedLine) error {
				order = append(order, f.Line)
				return nil
			})
			if err != nil {
				t.Fatalf("ScanFailed() error: %v", err)
			}

			want := []int64{4, 7, 1, 10} // retries asc, line asc
			if len(order) != len(want) {
				t.Fatalf("got %d rows, want %d", len(order), len(want))
			}
			for i := range want {
				if order[i] != want[i] {
					t.Fatalf("scan order = %v, want %v", order, want)
				}
			}
		})
	}
}

func TestStoreScanFailedEarlyStop(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := mustStartRun(t, store)
			for i := int64(1); i <= 3; i++ {
				if err := store.RecordFailure(ctx, FailedLine{RunID: run.ID, Line: i, Payload: "p", Error: "e", Category: "unknown"}); err != nil {
					t.Fatalf("RecordFailure() error: %v", err)
				}
			}

			sentinel := errors.New("stop here")
			calls := 0
			err := store.ScanFailed(ctx, func(FailedLine) error {
				calls++
				return sentinel
			})
			if !errors.Is(err, sentinel) {
				t.Errorf("ScanFailed() = %v, want sentinel", err)
			}
			if calls != 1 {
				t.Errorf("callback ran %d times after an error, want 1", calls)
			}
		})
	}
}

func TestStoreRunLifecycle(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := mustStartRun(t, store)
			if run.ID == "" {
				t.Fatal("StartRun returned an empty id")
			}
			if run.Status != StatusRunning {
				t.Errorf("Status = %q, want running", run.Status)
			}

			if err := store.CommitBatch(ctx, run.ID, []int64{1, 2, 3}); err != nil {
				t.Fatalf("CommitBatch() error: %v", err)
			}
			mid, err := store.GetRun(ctx, run.ID)
			if err != nil {
				t.Fatalf("GetRun() error: %v", err)
			}
			if mid.Processed != 3 {
				t.Errorf("Processed = %d after commit, want 3", mid.Processed)
			}
			if mid.LastCheckpointAt.IsZero() {
				t.Error("LastCheckpointAt not advanced by commit")
			}

			if err := store.FinishRun(ctx, run.ID, StatusPartial, 10, 2); err != nil {
				t.Fatalf("FinishRun() error: %v", err)
			}
			final, err := store.GetRun(ctx, run.ID)
			if err != nil {
				t.Fatalf("GetRun() error: %v", err)
			}
			if final.Status != StatusPartial || final.Processed != 10 || final.Failed != 2 {
				t.Errorf("final run = %+v", final)
			}
			if final.FinishedAt.IsZero() {
				t.Error("FinishedAt not set")
			}

			if _, err := store.GetRun(ctx, "no-such-run"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetRun(unknown) = %v, want ErrNotFound", err)
			}
			if err := store.FinishRun(ctx, "no-such-run", StatusOK, 0, 0); !errors.Is(err, ErrNotFound) {
				t.Errorf("FinishRun(unknown) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreReset(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := mustStartRun(t, store)

			if err := store.CommitBatch(ctx, run.ID, []int64{1, 2}); err != nil {
				t.Fatalf("CommitBatch() error: %v", err)
			}
			if err := store.RecordFailure(ctx, FailedLine{RunID: run.ID, Line: 3, Payload: "p", Error: "e", Category: "unknown"}); err != nil {
				t.Fatalf("RecordFailure() error: %v", err)
			}

			if err := store.Reset(ctx); err != nil {
				t.Fatalf("Reset() error: %v", err)
			}

			completed, _ := store.CompletedCount(ctx)
			failed, _ := store.FailedCount(ctx)
			if completed != 0 || failed != 0 {
				t.Errorf("after reset: completed=%d failed=%d, want 0/0", completed, failed)
			}
			// Run metadata survives for audit.
			if _, err := store.GetRun(ctx, run.ID); err != nil {
				t.Errorf("GetRun() after reset error: %v", err)
			}
		})
	}
}

func TestStoreClosed(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Close(); err != nil {
				t.Fatalf("Close() error: %v", err)
			}
			if err := store.Close(); err != nil {
				t.Fatalf("second Close() error: %v", err)
			}

			if _, err := store.IsCompleted(ctx, 1); !errors.Is(err, ErrClosed) {
				t.Errorf("IsCompleted on closed store = %v, want ErrClosed", err)
			}
			if err := store.CommitBatch(ctx, "r", []int64{1}); !errors.Is(err, ErrClosed) {
				t.Errorf("CommitBatch on closed store = %v, want ErrClosed", err)
			}
			if _, err := store.StartRun(ctx, "x"); !errors.Is(err, ErrClosed) {
				t.Errorf("StartRun on closed store = %v, want ErrClosed", err)
			}
		})
	}
}
