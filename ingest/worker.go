package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AeyeOps/elysiactl-sub001/ingest/checkpoint"
	"github.com/AeyeOps/elysiactl-sub001/ingest/embed"
	"github.com/AeyeOps/elysiactl-sub001/ingest/emit"
	"github.com/AeyeOps/elysiactl-sub001/ingest/vstore"
)

// worker owns one shard of the line space: it resolves content, embeds it,
// batches the results, delivers them, and commits checkpoint state. Workers
// share nothing but the store, the client, and the atomic counters, so they
// never coordinate with each other.
type worker struct {
	id       int
	runID    string
	opts     *Options
	store    checkpoint.Store
	client   vstore.Client
	embedder embed.Embedder
	resolver *Resolver
	breakers *BreakerSet
	counters *Counters
	metrics  *Metrics
	emitter  emit.Emitter
	log      *logrus.Entry

	batcher *Batcher
	// pendingSkips are policy-skipped lines waiting to ride the next
	// checkpoint commit, so skip-only stretches stay cheap.
	pendingSkips []int64
}

func newWorker(id int, runID string, co *Coordinator) *worker {
	return &worker{
		id:       id,
		runID:    runID,
		opts:     &co.opts,
		store:    co.store,
		client:   co.client,
		embedder: co.embedder,
		resolver: co.resolver,
		breakers: co.breakers,
		counters: co.counters,
		metrics:  co.opts.Metrics,
		emitter:  co.opts.Emitter,
		log:      co.log.WithField("worker", id),
		batcher:  NewBatcher(co.opts.BatchSize, co.opts.BatchBytes),
	}
}

// run consumes records until the channel closes or drain is cancelled, then
// flushes the in-flight batch. ctx ending means a hard abort: uncommitted
// work is dropped and replays next run. A non-nil return is fatal for the
// whole pipeline.
func (w *worker) run(ctx, drain context.Context, records <-chan *ChangeRecord) error {
	for {
		// Checked every iteration so at most one extra record is processed
		// after a drain is signalled.
		if drain.Err() != nil {
			return w.finish(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-drain.Done():
			return w.finish(ctx)
		case rec, ok := <-records:
			if !ok {
				return w.finish(ctx)
			}
			if err := w.process(ctx, rec); err != nil {
				return err
			}
		}
	}
}

// finish flushes the in-progress batch and commits any policy skips still
// waiting for a commit to ride on.
func (w *worker) finish(ctx context.Context) error {
	if err := w.submit(ctx, w.batcher.Flush()); err != nil {
		return err
	}
	return w.commitSkips(ctx)
}

func (w *worker) process(ctx context.Context, rec *ChangeRecord) error {
	done, err := w.store.IsCompleted(ctx, rec.Line)
	if err != nil {
		return fmt.Errorf("checkpoint lookup for line %d: %w", rec.Line, err)
	}
	if done {
		w.counters.SkippedResume.Add(1)
		w.metrics.AddLines(LineResultSkippedResume, 1)
		return nil
	}

	switch rec.Op {
	case OpDelete:
		return w.enqueue(ctx, Item{
			Line:    rec.Line,
			Op:      OpDelete,
			ID:      Identify(w.opts.Collection, rec.Repo, rec.Path).String(),
			Repo:    rec.Repo,
			Path:    rec.Path,
			Raw:     rec.Raw,
			Retries: rec.Retries,
		})

	case OpRename:
		// The delete half addresses the old path and owns no line of its
		// own; replaying it after a crash is harmless because deletes are
		// delete-if-exists.
		del := Item{
			Op:   OpDelete,
			ID:   Identify(w.opts.Collection, rec.Repo, rec.Path).String(),
			Repo: rec.Repo,
			Path: rec.Path,
			Raw:  rec.Raw,
		}
		if err := w.enqueue(ctx, del); err != nil {
			return err
		}
		return w.upsertFromContent(ctx, rec)

	default: // add, modify
		return w.upsertFromContent(ctx, rec)
	}
}

func (w *worker) upsertFromContent(ctx context.Context, rec *ChangeRecord) error {
	var res Resolution
	resolve := func() error {
		var rerr error
		res, rerr = w.resolver.Resolve(rec)
		return rerr
	}

	var err error
	if rec.Content == nil && rec.ContentBase64 == nil && !rec.SkipIndex {
		// Resolution will touch the filesystem; guard that surface.
		err = w.breakers.Do(CategoryFilesystem, resolve)
	} else {
		err = resolve()
	}
	if err != nil {
		if errors.Is(err, ErrBreakerExhausted) || Classify(err) == CategoryMemory {
			return fmt.Errorf("resolving line %d: %w", rec.Line, err)
		}
		return w.failLine(ctx, rec.Line, rec.Raw, "resolve", err, rec.Retries)
	}

	if res.Skipped() {
		w.counters.SkippedPolicy.Add(1)
		w.metrics.AddLines(LineResultSkippedPolicy, 1)
		w.emitter.Emit(emit.Event{
			RunID: w.runID, Line: rec.Line, Stage: "resolve", Msg: "line_skipped",
			Meta: map[string]interface{}{"reason": res.Reason, "path": rec.TargetPath()},
		})
		w.pendingSkips = append(w.pendingSkips, rec.Line)
		if len(w.pendingSkips) >= w.opts.BatchSize {
			return w.commitSkips(ctx)
		}
		return nil
	}

	vec, err := w.embedder.Embed(ctx, res.Content)
	if err != nil {
		if errors.Is(err, ErrBreakerExhausted) || Classify(err) == CategoryMemory {
			return fmt.Errorf("embedding line %d: %w", rec.Line, err)
		}
		return w.failLine(ctx, rec.Line, rec.Raw, "embed", err, rec.Retries)
	}

	w.counters.BytesIn.Add(int64(len(res.Content)))
	w.metrics.AddBytesRead(len(res.Content))

	path := rec.TargetPath()
	return w.enqueue(ctx, Item{
		Line:    rec.Line,
		Op:      rec.Op,
		ID:      Identify(w.opts.Collection, rec.Repo, path).String(),
		Repo:    rec.Repo,
		Path:    path,
		Content: res.Content,
		MIME:    rec.MIME,
		Size:    int64(len(res.Content)),
		Raw:     rec.Raw,
		Retries: rec.Retries,
		Vector:  vec,
	})
}

func (w *worker) enqueue(ctx context.Context, item Item) error {
	for _, batch := range w.batcher.Add(item) {
		if err := w.submit(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// submit delivers one batch, retrying whole-call failures and per-item
// rejections within each category's budget, commits the lines that landed,
// and records terminal failures for the rest. A non-nil return aborts the
// worker.
func (w *worker) submit(ctx context.Context, batch *Batch) error {
	if batch == nil || len(batch.Items) == 0 {
		return nil
	}
	start := time.Now()
	pending := batch.Items

	for attempt := 1; ; attempt++ {
		results, err := w.deliver(ctx, batch.Kind, pending)
		if err != nil {
			retry, fatal := w.handleCallFailure(ctx, batch.Kind, pending, attempt, err)
			if fatal != nil {
				return fatal
			}
			if !retry {
				return nil
			}
			continue
		}
		if len(results) != len(pending) {
			return fmt.Errorf("vector store returned %d results for %d items", len(results), len(pending))
		}

		done := make([]int64, 0, len(pending))
		var redo []Item
		for i, res := range results {
			item := pending[i]
			if res.Err == nil {
				if item.Line > 0 {
					done = append(done, item.Line)
				}
				continue
			}
			cat := Classify(res.Err)
			if attempt < w.opts.Policies.For(cat).MaxAttempts {
				w.counters.Retries.Add(1)
				w.metrics.IncRetry(cat)
				redo = append(redo, item)
				continue
			}
			if item.Line == 0 {
				continue
			}
			if err := w.failLine(ctx, item.Line, item.Raw, string(batch.Kind), res.Err, item.Retries); err != nil {
				return err
			}
		}

		if err := w.commit(ctx, done); err != nil {
			return err
		}

		if len(redo) == 0 {
			w.counters.Batches.Add(1)
			w.metrics.ObserveBatch(batch.Kind, time.Since(start))
			w.emitter.Emit(emit.Event{
				RunID: w.runID, Stage: "submit", Msg: "batch_committed",
				Meta: map[string]interface{}{
					"kind":   string(batch.Kind),
					"items":  len(batch.Items),
					"lines":  len(batch.Lines),
					"worker": w.id,
				},
			})
			return nil
		}

		pending = redo
		if err := w.pause(ctx, w.opts.Policies.For(CategoryVectorStore).Backoff(attempt-1)); err != nil {
			return err
		}
	}
}

// handleCallFailure decides what a whole-call delivery failure means:
// retry (true, nil), give up on the batch with every line recorded failed
// (false, nil), or abort the worker (false, err).
func (w *worker) handleCallFailure(ctx context.Context, kind BatchKind, pending []Item, attempt int, callErr error) (bool, error) {
	if errors.Is(callErr, ErrBreakerExhausted) {
		return false, fmt.Errorf("%s batch: %w", kind, callErr)
	}
	cat := Classify(callErr)
	if cat == CategoryMemory {
		return false, fmt.Errorf("%s batch: %w", kind, callErr)
	}

	policy := w.opts.Policies.For(cat)
	if attempt < policy.MaxAttempts {
		w.counters.Retries.Add(1)
		w.metrics.IncRetry(cat)
		w.log.WithFields(logrus.Fields{
			"attempt":  attempt,
			"category": cat,
			"kind":     kind,
		}).Warnf("batch delivery failed, retrying: %v", callErr)
		w.emitter.Emit(emit.Event{
			RunID: w.runID, Stage: "submit", Msg: "batch_retry",
			Meta: map[string]interface{}{
				"kind":     string(kind),
				"attempt":  attempt,
				"category": string(cat),
				"error":    callErr.Error(),
				"worker":   w.id,
			},
		})
		if err := w.pause(ctx, policy.Backoff(attempt-1)); err != nil {
			return false, err
		}
		return true, nil
	}

	for _, item := range pending {
		if item.Line == 0 {
			continue
		}
		if err := w.failLine(ctx, item.Line, item.Raw, string(kind), callErr, item.Retries); err != nil {
			return false, err
		}
	}
	return false, nil
}

// deliver performs one vector-store call with a bounded deadline, guarded
// by that surface's breaker.
func (w *worker) deliver(ctx context.Context, kind BatchKind, items []Item) ([]vstore.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.opts.CallTimeout)
	defer cancel()

	var results []vstore.Result
	err := w.breakers.Do(CategoryVectorStore, func() error {
		var cerr error
		switch kind {
		case BatchDelete:
			ids := make([]string, len(items))
			for i, item := range items {
				ids[i] = item.ID
			}
			results, cerr = w.client.BatchDelete(callCtx, w.opts.Collection, ids)
		default:
			objects := make([]vstore.Object, len(items))
			for i, item := range items {
				objects[i] = vstore.Object{
					ID: item.ID,
					Properties: map[string]interface{}{
						"repo":       item.Repo,
						"path":       item.Path,
						"content":    item.Content,
						"mime":       item.MIME,
						"size_bytes": item.Size,
						"updated_at": time.Now().UTC().Format(time.RFC3339),
					},
					Vector: item.Vector,
				}
			}
			results, cerr = w.client.BatchUpsert(callCtx, w.opts.Collection, objects)
		}
		return cerr
	})
	return results, err
}

// commit durably marks batch lines plus any pending policy skips completed.
func (w *worker) commit(ctx context.Context, batchLines []int64) error {
	lines := batchLines
	if len(w.pendingSkips) > 0 {
		lines = append(append([]int64{}, batchLines...), w.pendingSkips...)
	}
	if len(lines) == 0 {
		return nil
	}
	if err := w.store.CommitBatch(ctx, w.runID, lines); err != nil {
		return fmt.Errorf("committing %d lines: %w", len(lines), err)
	}
	w.pendingSkips = w.pendingSkips[:0]
	w.counters.Indexed.Add(int64(len(batchLines)))
	w.metrics.AddLines(LineResultIndexed, len(batchLines))
	return nil
}

func (w *worker) commitSkips(ctx context.Context) error {
	return w.commit(ctx, nil)
}

// failLine records one line's terminal failure. It only returns an error
// when the checkpoint store itself cannot be written, which aborts the run.
func (w *worker) failLine(ctx context.Context, line int64, raw, stage string, cause error, retries int) error {
	cat := Classify(cause)
	w.counters.FailLine(cat)
	w.metrics.AddLines(LineResultFailed, 1)
	w.log.WithFields(logrus.Fields{
		"line":     line,
		"category": cat,
		"stage":    stage,
	}).Warnf("line failed: %v", cause)
	w.emitter.Emit(emit.Event{
		RunID: w.runID, Line: line, Stage: stage, Msg: "line_failed",
		Meta: map[string]interface{}{"category": string(cat), "error": cause.Error(), "worker": w.id},
	})

	if err := w.store.RecordFailure(ctx, checkpoint.FailedLine{
		RunID:    w.runID,
		Line:     line,
		Payload:  raw,
		Error:    cause.Error(),
		Category: string(cat),
		Retries:  retries,
	}); err != nil {
		return fmt.Errorf("recording failure for line %d: %w", line, err)
	}
	return nil
}

// pause waits for d unless ctx ends first.
func (w *worker) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
