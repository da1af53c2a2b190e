package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/AeyeOps/elysiactl-sub001/ingest/emit"
)

// Counters aggregates pipeline progress across workers. Every field is
// updated with atomics, so reads are cheap enough for a ticker and writes
// never contend on a lock in the hot path.
type Counters struct {
	Parsed         atomic.Int64
	Indexed        atomic.Int64
	SkippedPolicy  atomic.Int64
	SkippedResume  atomic.Int64
	Failed         atomic.Int64
	Malformed      atomic.Int64
	Batches        atomic.Int64
	Retries        atomic.Int64
	BytesIn        atomic.Int64
	EmbedFallbacks atomic.Int64

	byCategory map[Category]*atomic.Int64
}

// NewCounters returns zeroed counters with a slot for every failure
// category. The category map is never written after construction, so
// concurrent reads need no lock.
func NewCounters() *Counters {
	c := &Counters{byCategory: make(map[Category]*atomic.Int64, len(Categories))}
	for _, cat := range Categories {
		c.byCategory[cat] = new(atomic.Int64)
	}
	return c
}

// FailLine counts one line reaching the failed state under cat.
func (c *Counters) FailLine(cat Category) {
	c.Failed.Add(1)
	ctr, ok := c.byCategory[cat]
	if !ok {
		ctr = c.byCategory[CategoryUnknown]
	}
	ctr.Add(1)
}

// Stats is a point-in-time snapshot of pipeline progress.
type Stats struct {
	// Processed is the number of lines that reached a terminal state this
	// run: indexed, skipped, or failed.
	Processed      int64              `json:"processed"`
	Indexed        int64              `json:"indexed"`
	SkippedPolicy  int64              `json:"skipped_policy"`
	SkippedResume  int64              `json:"skipped_resume"`
	Failed         int64              `json:"failed"`
	Malformed      int64              `json:"malformed"`
	Batches        int64              `json:"batches"`
	Retries        int64              `json:"retries"`
	BytesIn        int64              `json:"bytes_in"`
	EmbedFallbacks int64              `json:"embed_fallbacks"`
	ByCategory     map[Category]int64 `json:"by_category,omitempty"`
	Elapsed        time.Duration      `json:"elapsed"`
	Rate           float64            `json:"rate"` // terminal lines per second
}

// Snapshot captures the current counter values.
func (c *Counters) Snapshot(elapsed time.Duration) Stats {
	s := Stats{
		Indexed:        c.Indexed.Load(),
		SkippedPolicy:  c.SkippedPolicy.Load(),
		SkippedResume:  c.SkippedResume.Load(),
		Failed:         c.Failed.Load(),
		Malformed:      c.Malformed.Load(),
		Batches:        c.Batches.Load(),
		Retries:        c.Retries.Load(),
		BytesIn:        c.BytesIn.Load(),
		EmbedFallbacks: c.EmbedFallbacks.Load(),
		Elapsed:        elapsed,
	}
	s.Processed = s.Indexed + s.SkippedPolicy + s.SkippedResume + s.Failed

	byCat := make(map[Category]int64)
	for cat, v := range c.byCategory {
		if n := v.Load(); n > 0 {
			byCat[cat] = n
		}
	}
	if len(byCat) > 0 {
		s.ByCategory = byCat
	}
	if secs := elapsed.Seconds(); secs > 0 {
		s.Rate = float64(s.Processed) / secs
	}
	return s
}

// Reporter periodically logs a one-line progress summary and emits a
// machine-readable progress event. It only reads atomic counters, so it
// never blocks a worker.
type Reporter struct {
	counters *Counters
	interval time.Duration
	log      *logrus.Entry
	emitter  emit.Emitter
	runID    string
	start    time.Time

	// QueueDepths, when set, reports the per-worker channel backlog each
	// tick so the queue-depth gauge stays current.
	QueueDepths func() []int
	metrics     *Metrics

	out   io.Writer
	isTTY bool
}

// NewReporter builds a reporter over counters. interval <= 0 disables the
// ticker; Final still works.
func NewReporter(counters *Counters, interval time.Duration, log *logrus.Entry, emitter emit.Emitter, metrics *Metrics, runID string) *Reporter {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Reporter{
		counters: counters,
		interval: interval,
		log:      log,
		emitter:  emitter,
		metrics:  metrics,
		runID:    runID,
		start:    time.Now(),
		out:      os.Stderr,
		isTTY:    isatty.IsTerminal(os.Stderr.Fd()),
	}
}

// Run ticks until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	if r.interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report(false)
		}
	}
}

// Final emits the closing progress line once the run is over.
func (r *Reporter) Final() {
	r.report(true)
}

func (r *Reporter) report(final bool) {
	stats := r.counters.Snapshot(time.Since(r.start))

	if r.QueueDepths != nil {
		for i, depth := range r.QueueDepths() {
			r.metrics.SetQueueDepth(fmt.Sprintf("%d", i), depth)
		}
	}

	msg := "progress"
	meta := map[string]interface{}{
		"processed": stats.Processed,
		"indexed":   stats.Indexed,
		"skipped":   stats.SkippedPolicy + stats.SkippedResume,
		"failed":    stats.Failed,
		"retries":   stats.Retries,
		"bytes_in":  stats.BytesIn,
		"rate":      stats.Rate,
	}
	if final {
		msg = "progress_final"
		if len(stats.ByCategory) > 0 {
			meta["by_category"] = stats.ByCategory
		}
	}
	r.emitter.Emit(emit.Event{
		RunID: r.runID,
		Stage: "progress",
		Msg:   msg,
		Meta:  meta,
	})

	line := fmt.Sprintf("%s lines (%s indexed, %s skipped, %s failed) | %s read | %.0f lines/s",
		humanize.Comma(stats.Processed),
		humanize.Comma(stats.Indexed),
		humanize.Comma(stats.SkippedPolicy+stats.SkippedResume),
		humanize.Comma(stats.Failed),
		humanize.Bytes(uint64(stats.BytesIn)),
		stats.Rate,
	)

	if r.isTTY && !final {
		// Overwrite in place on an interactive terminal.
		fmt.Fprintf(r.out, "\r\033[K%s", line)
		return
	}
	if r.isTTY && final {
		fmt.Fprintf(r.out, "\r\033[K")
	}
	if r.log != nil {
		fields := logrus.Fields{
			"processed": stats.Processed,
			"indexed":   stats.Indexed,
			"failed":    stats.Failed,
			"elapsed":   stats.Elapsed.Round(time.Millisecond).String(),
		}
		if final {
			// The closing line accounts for every failure by category.
			for cat, n := range stats.ByCategory {
				fields["failed_"+string(cat)] = n
			}
		}
		r.log.WithFields(fields).Info(line)
	}
}
