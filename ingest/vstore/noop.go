package vstore

import (
	"context"
	"sync"
)

// NoopClient accepts every call without touching any store. Dry runs swap it
// in so the rest of the pipeline runs unchanged while nothing is written.
// Call counters let the final report say what would have happened.
type NoopClient struct {
	mu      sync.Mutex
	upserts int64
	deletes int64
	schemas int64
}

// NewNoopClient returns a client that succeeds at everything.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// EnsureSchema records the call and succeeds.
func (c *NoopClient) EnsureSchema(_ context.Context, _ string, _ SchemaConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemas++
	return nil
}

// BatchUpsert reports success for every object without writing it.
func (c *NoopClient) BatchUpsert(_ context.Context, _ string, objects []Object) ([]Result, error) {
	c.mu.Lock()
	c.upserts += int64(len(objects))
	c.mu.Unlock()

	results := make([]Result, len(objects))
	for i, obj := range objects {
		results[i] = Result{ID: obj.ID}
	}
	return results, nil
}

// BatchDelete reports success for every identifier without deleting it.
func (c *NoopClient) BatchDelete(_ context.Context, _ string, ids []string) ([]Result, error) {
	c.mu.Lock()
	c.deletes += int64(len(ids))
	c.mu.Unlock()

	results := make([]Result, len(ids))
	for i, id := range ids {
		results[i] = Result{ID: id}
	}
	return results, nil
}

// Health always succeeds.
func (c *NoopClient) Health(_ context.Context) error {
	return nil
}

// Upserts returns how many objects would have been written.
func (c *NoopClient) Upserts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upserts
}

// Deletes returns how many identifiers would have been removed.
func (c *NoopClient) Deletes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deletes
}
