package ingest

// BatchKind separates upserts from deletes. The two are different API calls
// and never share a batch; keeping them separate also preserves per-path
// ordering, because a kind change flushes whatever came before it.
type BatchKind string

const (
	BatchUpsert BatchKind = "upsert"
	BatchDelete BatchKind = "delete"
)

func kindOf(op Op) BatchKind {
	if op == OpDelete {
		return BatchDelete
	}
	return BatchUpsert
}

// Batch is one homogeneous group of items bound for a single vector-store
// call. Lines lists the input lines that become committable when the batch
// lands; rename delete-halves ride along without a line of their own.
type Batch struct {
	Kind  BatchKind
	Items []Item
	Lines []int64
	Bytes int64
}

// Batcher groups items into batches bounded by item count and content
// bytes. Each shard worker owns one; it is not safe for concurrent use.
type Batcher struct {
	maxItems int
	maxBytes int64
	cur      *Batch
}

// NewBatcher builds a batcher that flushes at maxItems items or maxBytes of
// content, whichever comes first. maxItems must be positive; maxBytes of
// zero means no byte bound.
func NewBatcher(maxItems int, maxBytes int64) *Batcher {
	if maxItems < 1 {
		maxItems = 1
	}
	return &Batcher{maxItems: maxItems, maxBytes: maxBytes}
}

// Add appends item to the in-progress batch and returns any batches that
// became ready: at most one flushed by a kind change and one by a full
// batch. Most calls return nothing.
func (b *Batcher) Add(item Item) []*Batch {
	var ready []*Batch

	kind := kindOf(item.Op)
	if b.cur != nil && b.cur.Kind != kind {
		ready = append(ready, b.cur)
		b.cur = nil
	}
	if b.cur == nil {
		b.cur = &Batch{Kind: kind}
	}

	b.cur.Items = append(b.cur.Items, item)
	b.cur.Bytes += int64(len(item.Content))
	if item.Line > 0 {
		b.cur.Lines = append(b.cur.Lines, item.Line)
	}

	if len(b.cur.Items) >= b.maxItems || (b.maxBytes > 0 && b.cur.Bytes >= b.maxBytes) {
		ready = append(ready, b.cur)
		b.cur = nil
	}
	return ready
}

// Flush returns the in-progress batch, or nil when there is nothing
// pending. Callers flush at end of stream and at drain boundaries.
func (b *Batcher) Flush() *Batch {
	batch := b.cur
	b.cur = nil
	return batch
}

// Pending reports how many items are waiting in the unfinished batch.
func (b *Batcher) Pending() int {
	if b.cur == nil {
		return 0
	}
	return len(b.cur.Items)
}
