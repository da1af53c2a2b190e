package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps checkpoint state in process memory. Dry runs use it so
// they leave no file behind; tests use it to avoid disk entirely. It honors
// the same invariants as the durable backends, minus the durability.
type MemoryStore struct {
	mu        sync.RWMutex
	completed map[int64]string // line -> run id that committed it
	failed    map[int64]FailedLine
	runs      map[string]*Run
	closed    bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		completed: make(map[int64]string),
		failed:    make(map[int64]FailedLine),
		runs:      make(map[string]*Run),
	}
}

func (s *MemoryStore) IsCompleted(_ context.Context, line int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.completed[line]
	return ok, nil
}

func (s *MemoryStore) CommitBatch(_ context.Context, runID string, lines []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(lines) == 0 {
		return nil
	}

	for _, line := range lines {
		s.completed[line] = runID
		delete(s.failed, line)
	}
	if run, ok := s.runs[runID]; ok {
		run.Processed += int64(len(lines))
		run.LastCheckpointAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, f FailedLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	f.UpdatedAt = time.Now().UTC()
	s.failed[f.Line] = f
	return nil
}

func (s *MemoryStore) ScanFailed(_ context.Context, fn func(FailedLine) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	rows := make([]FailedLine, 0, len(s.failed))
	for _, f := range s.failed {
		rows = append(rows, f)
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Retries != rows[j].Retries {
			return rows[i].Retries < rows[j].Retries
		}
		return rows[i].Line < rows[j].Line
	})
	for _, f := range rows {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) StartRun(_ context.Context, inputSource string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	run := &Run{
		ID:          uuid.NewString(),
		InputSource: inputSource,
		StartedAt:   time.Now().UTC(),
		Status:      StatusRunning,
	}
	s.runs[run.ID] = run
	out := *run
	return &out, nil
}

func (s *MemoryStore) FinishRun(_ context.Context, runID, status string, processed, failed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.FinishedAt = time.Now().UTC()
	run.Status = status
	run.Processed = processed
	run.Failed = failed
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *run
	return &out, nil
}

func (s *MemoryStore) CompletedCount(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return int64(len(s.completed)), nil
}

func (s *MemoryStore) FailedCount(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return int64(len(s.failed)), nil
}

func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.completed = make(map[int64]string)
	s.failed = make(map[int64]FailedLine)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
