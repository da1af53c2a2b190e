// Package vstore is the only place that knows the vector store's wire
// dialect. The pipeline talks to the Client interface; everything else in
// this package is one concrete way to satisfy it.
package vstore

import (
	"context"
	"fmt"
)

// Object is one indexed document, keyed by a caller-supplied identifier.
// Upsert semantics apply: writing an existing ID replaces the stored object.
type Object struct {
	ID         string
	Properties map[string]interface{}
	Vector     []float32
}

// Result reports the outcome of a single object within a batch call. A nil
// Err means the store accepted the item.
type Result struct {
	ID  string
	Err error
}

// SchemaConfig controls collection creation. The zero value asks for the
// store's defaults.
type SchemaConfig struct {
	// ReplicationFactor of the collection. Zero leaves it to the store.
	ReplicationFactor int

	// Description is attached to the collection when it is first created.
	Description string
}

// Client is the surface the sync pipeline needs from a vector store.
//
// All methods honor the context deadline. Batch calls return per-item
// results whenever the request itself was delivered, so a caller can commit
// the items that landed and retry the rest; a non-nil error means the whole
// call failed and no per-item results exist.
type Client interface {
	// EnsureSchema creates the collection if absent. Idempotent: an
	// existing collection is not an error.
	EnsureSchema(ctx context.Context, collection string, cfg SchemaConfig) error

	// BatchUpsert writes objects by identifier, replacing existing ones.
	BatchUpsert(ctx context.Context, collection string, objects []Object) ([]Result, error)

	// BatchDelete removes identifiers. Absent identifiers are not errors
	// (delete-if-exists).
	BatchDelete(ctx context.Context, collection string, ids []string) ([]Result, error)

	// Health reports whether the store is reachable and ready.
	Health(ctx context.Context) error
}

// StatusError is a non-2xx reply from the vector store. The body is
// truncated and kept for diagnostics.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("vector store returned status %d", e.Code)
	}
	return fmt.Sprintf("vector store returned status %d: %s", e.Code, e.Body)
}
