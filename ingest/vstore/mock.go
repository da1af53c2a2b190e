package vstore

import (
	"context"
	"sync"
)

// MockClient is a scriptable in-memory Client for tests.
//
// Configure failures through the exported fields before use:
//   - FailCalls: the next N batch calls fail whole-call with CallErr
//   - ItemErrs: per-identifier failures returned inside otherwise
//     successful batches
//   - SchemaErr / HealthErr: returned verbatim
//
// Successful upserts are applied to Objects and deletes to Deleted, so a
// test can assert on the final store state. All methods are safe for
// concurrent use.
type MockClient struct {
	mu sync.Mutex

	SchemaErr error
	HealthErr error

	// CallErr is returned while FailCalls > 0. Defaults to a 503 status
	// error when unset, which classifies as retryable.
	CallErr   error
	FailCalls int

	ItemErrs map[string]error

	Objects map[string]Object
	Deleted []string

	SchemaCalls int
	UpsertCalls int
	DeleteCalls int
}

// NewMockClient returns an empty mock that succeeds at everything.
func NewMockClient() *MockClient {
	return &MockClient{
		Objects: make(map[string]Object),
	}
}

func (m *MockClient) callError() error {
	if m.FailCalls <= 0 {
		return nil
	}
	m.FailCalls--
	if m.CallErr != nil {
		return m.CallErr
	}
	return &StatusError{Code: 503, Body: "scripted failure"}
}

// EnsureSchema records the call and returns SchemaErr.
func (m *MockClient) EnsureSchema(_ context.Context, _ string, _ SchemaConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SchemaCalls++
	return m.SchemaErr
}

// BatchUpsert applies objects to the in-memory state, honoring scripted
// whole-call and per-item failures.
func (m *MockClient) BatchUpsert(_ context.Context, _ string, objects []Object) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpsertCalls++
	if err := m.callError(); err != nil {
		return nil, err
	}

	if m.Objects == nil {
		m.Objects = make(map[string]Object)
	}
	results := make([]Result, len(objects))
	for i, obj := range objects {
		if err := m.ItemErrs[obj.ID]; err != nil {
			results[i] = Result{ID: obj.ID, Err: err}
			continue
		}
		m.Objects[obj.ID] = obj
		results[i] = Result{ID: obj.ID}
	}
	return results, nil
}

// BatchDelete removes ids from the in-memory state, honoring scripted
// failures. Missing ids succeed.
func (m *MockClient) BatchDelete(_ context.Context, _ string, ids []string) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteCalls++
	if err := m.callError(); err != nil {
		return nil, err
	}

	results := make([]Result, len(ids))
	for i, id := range ids {
		if err := m.ItemErrs[id]; err != nil {
			results[i] = Result{ID: id, Err: err}
			continue
		}
		delete(m.Objects, id)
		m.Deleted = append(m.Deleted, id)
		results[i] = Result{ID: id}
	}
	return results, nil
}

// Health returns HealthErr.
func (m *MockClient) Health(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.HealthErr
}

// Object returns the stored object for id and whether it exists.
func (m *MockClient) Object(id string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.Objects[id]
	return obj, ok
}

// Len returns the number of stored objects.
func (m *MockClient) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Objects)
}
