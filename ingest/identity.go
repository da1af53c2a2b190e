package ingest

import "github.com/google/uuid"

// identityNamespace is the fixed namespace for object identifiers. Changing
// it would orphan every object already written, so it never changes.
var identityNamespace = uuid.MustParse("c59f1d8a-42b1-4b6f-9a3e-7d25c04c8f11")

// Identify derives the vector-store object identifier for a file.
//
// The identifier is a name-based UUID over "{collection}:{repo}:{path}" in a
// fixed namespace: deterministic, collision-resistant, and requiring no
// lookup state. Re-indexing the same path therefore lands as an upsert on
// the same object, and a delete can address its target without querying the
// store first.
func Identify(collection, repo, path string) uuid.UUID {
	name := collection + ":" + repo + ":" + path
	return uuid.NewSHA1(identityNamespace, []byte(name))
}
