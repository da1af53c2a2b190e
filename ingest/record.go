// Package ingest implements the incremental synchronization pipeline that
// keeps a vector-search collection consistent with the contents of many
// source repositories.
//
// The pipeline consumes a line-oriented stream of per-file change records,
// resolves the referenced content, transforms it into indexed objects in a
// vector store, and records durable line-granular progress so an interrupted
// run resumes without duplicating work and without losing changes.
//
// Data flow:
//
//	input stream → Parser → shard fan-out → (per Worker:
//	    resume filter → Resolver → Batcher → embedder →
//	    vector-store client → checkpoint commit) → progress Reporter
//
// The Coordinator owns the fan-out and joins worker completion; the
// checkpoint.Store owns all durable state.
package ingest

// Op is the kind of file-level operation a change record describes.
type Op string

// Operations recognized on the change stream. Renames may arrive either as
// an explicit OpRename carrying new_path, or as a delete of the old path
// followed by an add of the new one; both forms are accepted.
const (
	OpAdd    Op = "add"
	OpModify Op = "modify"
	OpDelete Op = "delete"
	OpRename Op = "rename"
)

// Valid reports whether op is one of the recognized operations.
func (op Op) Valid() bool {
	switch op {
	case OpAdd, OpModify, OpDelete, OpRename:
		return true
	}
	return false
}

// Tier identifies how a change record delivers its content.
type Tier string

// Content tiers, in resolver priority order. TierRef covers both explicit
// content_ref records and the legacy plain-path form, since both end in a
// filesystem read.
const (
	TierSkip   Tier = "skip"
	TierPlain  Tier = "plain"
	TierBase64 Tier = "base64"
	TierRef    Tier = "reference"
)

// ChangeRecord is one line of the change stream after parsing.
//
// The three content fields are pointers because presence matters: an empty
// inline content string is still inline content, while an absent field falls
// through to the next tier. The JSON tags match the producer's wire format,
// which also makes the struct reusable for failure export.
type ChangeRecord struct {
	Repo          string  `json:"repo,omitempty"`
	Op            Op      `json:"op,omitempty"`
	Path          string  `json:"path"`
	NewPath       string  `json:"new_path,omitempty"`
	Content       *string `json:"content,omitempty"`
	ContentBase64 *string `json:"content_base64,omitempty"`
	ContentRef    *string `json:"content_ref,omitempty"`
	Size          int64   `json:"size,omitempty"`
	MIME          string  `json:"mime,omitempty"`
	SkipIndex     bool    `json:"skip_index,omitempty"`

	// Line is the 1-based input line number assigned by the parser. It is
	// the unit of checkpointing and never appears on the wire.
	Line int64 `json:"-"`

	// Raw preserves the original input line so failures can be recorded
	// and exported in the producer's own shape.
	Raw string `json:"-"`

	// Retries carries the persisted retry count when a previously failed
	// line is re-injected into the pipeline.
	Retries int `json:"-"`
}

// TargetPath returns the path whose content this record indexes: NewPath
// for renames, Path for everything else.
func (rec *ChangeRecord) TargetPath() string {
	if rec.Op == OpRename && rec.NewPath != "" {
		return rec.NewPath
	}
	return rec.Path
}

// Item is one unit of downstream work derived from a change record: either
// an object to upsert (with decoded content and a vector) or an identifier
// to delete.
type Item struct {
	// Line is the input line this item completes. Zero means the item is
	// a side effect of another line (the delete half of a rename) and
	// owns no checkpoint entry of its own.
	Line    int64
	Op      Op
	ID      string
	Repo    string
	Path    string
	Content string
	MIME    string
	Size    int64
	Raw     string
	Retries int
	Vector  []float32
}
