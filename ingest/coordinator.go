package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/AeyeOps/elysiactl-sub001/ingest/checkpoint"
	"github.com/AeyeOps/elysiactl-sub001/ingest/embed"
	"github.com/AeyeOps/elysiactl-sub001/ingest/emit"
	"github.com/AeyeOps/elysiactl-sub001/ingest/vstore"
)

// ExitStatus is the process-level outcome of a run.
type ExitStatus int

const (
	// ExitOK means every line landed or was deliberately skipped.
	ExitOK ExitStatus = 0
	// ExitPartial means the run completed but some lines failed and were
	// recorded for retry.
	ExitPartial ExitStatus = 1
	// ExitFatal means the run aborted before consuming the input.
	ExitFatal ExitStatus = 2
)

// Summary is the outcome of one Run.
type Summary struct {
	RunID  string
	Status ExitStatus
	Stats  Stats
	// Interrupted is set when the caller's context ended before the input
	// was exhausted. Checkpoint state is kept so the next run resumes.
	Interrupted bool
}

// Coordinator owns one synchronization run: it parses the change stream,
// fans records out to shard workers, and settles the run's checkpoint
// record. A Coordinator is built for a single Run call.
type Coordinator struct {
	opts     Options
	store    checkpoint.Store
	client   vstore.Client
	embedder embed.Embedder
	resolver *Resolver
	breakers *BreakerSet
	counters *Counters
	log      *logrus.Entry
	runID    string

	mu    sync.Mutex
	abort context.CancelFunc
}

// NewCoordinator validates the options and assembles the pipeline. A nil
// embedder falls back to the deterministic hash embedder; any other
// embedder is wrapped so an outage degrades to hash vectors instead of
// failing lines. In dry-run mode the vector store client is replaced with
// a counting no-op.
func NewCoordinator(store checkpoint.Store, client vstore.Client, embedder embed.Embedder, options ...Option) (*Coordinator, error) {
	opts := defaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: checkpoint store is required", ErrInvalidConfig)
	}
	if opts.DryRun {
		client = vstore.NewNoopClient()
	} else if client == nil {
		return nil, fmt.Errorf("%w: vector store client is required", ErrInvalidConfig)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Emitter == nil {
		opts.Emitter = emit.NewNullEmitter()
	}

	co := &Coordinator{
		opts:     opts,
		store:    store,
		client:   client,
		resolver: NewResolver(opts.Resolver),
		counters: NewCounters(),
		log:      opts.Logger.WithField("component", "sync"),
	}

	co.breakers = NewBreakerSet(opts.Breaker, func(surface string, from, to gobreaker.State) {
		co.opts.Metrics.RecordBreakerTransition(surface, to.String())
		co.log.WithFields(logrus.Fields{
			"breaker": surface,
			"from":    from.String(),
			"to":      to.String(),
		}).Warn("circuit breaker state change")
		co.opts.Emitter.Emit(emit.Event{
			RunID: co.runID, Stage: "breaker", Msg: "breaker_transition",
			Meta: map[string]interface{}{"breaker": surface, "from": from.String(), "to": to.String()},
		})
	})

	if embedder == nil {
		co.embedder = embed.NewHashEmbedder(0)
	} else {
		// The breaker sits between the fallback and the provider so repeated
		// provider failures trip it and later lines degrade to hash vectors
		// without waiting out the provider's timeout each time.
		guarded := breakerEmbedder{inner: embedder, breakers: co.breakers}
		co.embedder = embed.NewFallback(guarded, func(err error) {
			co.counters.EmbedFallbacks.Add(1)
			co.opts.Metrics.IncEmbedFallback()
			co.log.WithError(err).Warn("embedder unavailable, using hash fallback")
		})
	}

	return co, nil
}

// breakerEmbedder funnels provider calls through the network-surface
// breaker. An open circuit fails fast, which the surrounding fallback
// turns into an immediate hash vector.
type breakerEmbedder struct {
	inner    embed.Embedder
	breakers *BreakerSet
}

func (b breakerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := b.breakers.Do(CategoryNetwork, func() error {
		var eerr error
		vec, eerr = b.inner.Embed(ctx, text)
		return eerr
	})
	return vec, err
}

func (b breakerEmbedder) Dimensions() int { return b.inner.Dimensions() }

// Abort cancels the run immediately, dropping in-flight batches. Uncommitted
// lines replay on the next run.
func (co *Coordinator) Abort() {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.abort != nil {
		co.abort()
	}
}

// Run drives one synchronization pass over input. Cancelling ctx starts a
// graceful drain: workers flush and commit their in-flight batch within the
// configured grace period, then the run stops without consuming the rest of
// the input. The returned error is non-nil only when the run aborted.
func (co *Coordinator) Run(ctx context.Context, input io.Reader) (*Summary, error) {
	start := time.Now()

	if !co.opts.Resume {
		if err := co.store.Reset(ctx); err != nil {
			return nil, fmt.Errorf("resetting checkpoint state: %w", err)
		}
	}

	run, err := co.store.StartRun(ctx, co.opts.InputSource)
	if err != nil {
		return nil, fmt.Errorf("starting run: %w", err)
	}
	co.runID = run.ID
	co.log = co.log.WithField("run_id", run.ID)
	finCtx := context.WithoutCancel(ctx)

	if err := co.client.Health(ctx); err != nil {
		return co.settle(finCtx, start, nil, fmt.Errorf("vector store not ready: %w", err), ctx.Err() != nil)
	}
	if err := co.client.EnsureSchema(ctx, co.opts.Collection, co.opts.Schema); err != nil {
		return co.settle(finCtx, start, nil, fmt.Errorf("ensuring collection %q: %w", co.opts.Collection, err), ctx.Err() != nil)
	}

	co.opts.Emitter.Emit(emit.Event{
		RunID: run.ID, Stage: "run", Msg: "run_started",
		Meta: map[string]interface{}{
			"input_source": co.opts.InputSource,
			"workers":      co.opts.Workers,
			"dry_run":      co.opts.DryRun,
		},
	})
	co.log.WithFields(logrus.Fields{
		"workers": co.opts.Workers,
		"dry_run": co.opts.DryRun,
	}).Info("run started")

	// Workers outlive the caller's context by the grace period so in-flight
	// batches can land and commit instead of being torn mid-call.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	intakeCtx, cancelIntake := context.WithCancel(workCtx)
	defer cancelIntake()

	co.mu.Lock()
	co.abort = cancelWork
	co.mu.Unlock()

	runDone := make(chan struct{})
	go func() {
		select {
		case <-runDone:
		case <-ctx.Done():
			co.log.Info("interrupt received, draining workers")
			cancelIntake()
			select {
			case <-runDone:
			case <-time.After(co.opts.Grace):
				co.log.Warn("grace period expired, aborting workers")
				cancelWork()
			}
		}
	}()

	chans := make([]chan *ChangeRecord, co.opts.Workers)
	for i := range chans {
		chans[i] = make(chan *ChangeRecord, co.opts.ChannelBuffer)
	}

	reporter := NewReporter(co.counters, co.opts.ProgressInterval, co.log, co.opts.Emitter, co.opts.Metrics, run.ID)
	reporter.QueueDepths = func() []int {
		depths := make([]int, len(chans))
		for i, ch := range chans {
			depths[i] = len(ch)
		}
		return depths
	}
	repCtx, cancelReport := context.WithCancel(context.Background())
	repDone := make(chan struct{})
	go func() {
		defer close(repDone)
		reporter.Run(repCtx)
	}()

	readErr := make(chan error, 1)
	go func() {
		readErr <- co.read(intakeCtx, input, chans)
	}()

	g := new(errgroup.Group)
	for i := range chans {
		w := newWorker(i, run.ID, co)
		ch := chans[i]
		g.Go(func() error {
			if err := w.run(workCtx, intakeCtx, ch); err != nil {
				// One worker going down stops intake; the others drain
				// and flush what they already hold.
				cancelIntake()
				return fmt.Errorf("worker %d: %w", w.id, err)
			}
			return nil
		})
	}

	werr := g.Wait()
	var rerr error
	select {
	case rerr = <-readErr:
	default:
		// Workers normally outlive the reader, since they exit when it
		// closes the shard channels. The reader can only lag when intake
		// was cancelled while it sat in a blocking read; give it a moment,
		// then move on. It exits once the input source closes.
		select {
		case rerr = <-readErr:
		case <-time.After(time.Second):
			co.log.Warn("input reader still blocked on the change stream, abandoning it")
		}
	}
	close(runDone)
	cancelReport()
	<-repDone

	return co.settle(finCtx, start, reporter, errors.Join(rerr, werr), ctx.Err() != nil)
}

// settle writes the run's terminal checkpoint record, resets line state
// after a fully clean run, and shapes the summary.
func (co *Coordinator) settle(ctx context.Context, start time.Time, reporter *Reporter, runErr error, interrupted bool) (*Summary, error) {
	stats := co.counters.Snapshot(time.Since(start))

	status := ExitOK
	saved := checkpoint.StatusOK
	switch {
	case runErr != nil:
		status = ExitFatal
		saved = checkpoint.StatusFatal
	case stats.Failed > 0:
		status = ExitPartial
		saved = checkpoint.StatusPartial
	}

	if err := co.store.FinishRun(ctx, co.runID, saved, stats.Processed, stats.Failed); err != nil {
		co.log.WithError(err).Warn("failed to finalize run record")
	}

	if status == ExitOK && !interrupted && !co.opts.KeepCheckpoint && !co.opts.DryRun {
		if err := co.store.Reset(ctx); err != nil {
			co.log.WithError(err).Warn("failed to reset checkpoint state after clean run")
		}
	}

	if reporter != nil {
		reporter.Final()
	}
	co.opts.Emitter.Emit(emit.Event{
		RunID: co.runID, Stage: "run", Msg: "run_complete",
		Meta: map[string]interface{}{
			"status":      saved,
			"processed":   stats.Processed,
			"indexed":     stats.Indexed,
			"failed":      stats.Failed,
			"interrupted": interrupted,
			"elapsed":     stats.Elapsed.String(),
		},
	})
	co.log.WithFields(logrus.Fields{
		"status":      saved,
		"processed":   stats.Processed,
		"failed":      stats.Failed,
		"interrupted": interrupted,
	}).Info("run complete")

	summary := &Summary{
		RunID:       co.runID,
		Status:      status,
		Stats:       stats,
		Interrupted: interrupted,
	}
	return summary, runErr
}

// read parses the change stream and dispatches records to shard channels,
// recording malformed lines as validation failures without stopping. After
// the stream is exhausted it optionally replays previously failed lines.
// The shard channels are closed on return.
func (co *Coordinator) read(ctx context.Context, input io.Reader, chans []chan *ChangeRecord) error {
	defer func() {
		for _, ch := range chans {
			close(ch)
		}
	}()

	parser := NewParser(input, co.opts.MaxLineBytes)
	for {
		rec, err := parser.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			var mle *MalformedLineError
			if errors.As(err, &mle) {
				if ferr := co.failMalformed(ctx, mle); ferr != nil {
					return ferr
				}
				continue
			}
			return fmt.Errorf("reading change stream: %w", err)
		}
		co.counters.Parsed.Add(1)
		if !co.dispatch(ctx, chans, rec) {
			return nil
		}
	}

	if co.opts.RetryFailed {
		return co.replayFailed(ctx, chans)
	}
	return nil
}

func (co *Coordinator) dispatch(ctx context.Context, chans []chan *ChangeRecord, rec *ChangeRecord) bool {
	select {
	case <-ctx.Done():
		return false
	case chans[shardOf(rec.Line, len(chans))] <- rec:
		return true
	}
}

// failMalformed records an unparseable line so it shows up in failure
// exports and counts, then lets the run continue. Only a checkpoint write
// failure is returned, which aborts the run.
func (co *Coordinator) failMalformed(ctx context.Context, mle *MalformedLineError) error {
	co.counters.Parsed.Add(1)
	co.counters.Malformed.Add(1)
	co.counters.FailLine(CategoryValidation)
	co.opts.Metrics.AddLines(LineResultFailed, 1)
	co.log.WithFields(logrus.Fields{
		"line":   mle.Line,
		"reason": mle.Reason,
	}).Warn("skipping malformed line")
	co.opts.Emitter.Emit(emit.Event{
		RunID: co.runID, Line: mle.Line, Stage: "parse", Msg: "line_failed",
		Meta: map[string]interface{}{"category": string(CategoryValidation), "error": mle.Reason},
	})

	if err := co.store.RecordFailure(ctx, checkpoint.FailedLine{
		RunID:    co.runID,
		Line:     mle.Line,
		Payload:  mle.Raw,
		Error:    mle.Error(),
		Category: string(CategoryValidation),
	}); err != nil {
		return fmt.Errorf("recording malformed line %d: %w", mle.Line, err)
	}
	return nil
}

// replayFailed re-dispatches previously failed lines under their original
// line numbers. Rows are snapshotted first because workers delete failure
// rows as replayed lines succeed.
func (co *Coordinator) replayFailed(ctx context.Context, chans []chan *ChangeRecord) error {
	var rows []checkpoint.FailedLine
	err := co.store.ScanFailed(ctx, func(row checkpoint.FailedLine) error {
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning failed lines: %w", err)
	}
	co.log.WithField("count", len(rows)).Info("replaying failed lines")

	for _, row := range rows {
		rec, kind, perr := parseLine(row.Payload, row.Line)
		if perr != nil || kind != lineRecord {
			co.log.WithField("line", row.Line).Warn("stored failure payload is not replayable, leaving it recorded")
			continue
		}
		rec.Raw = row.Payload
		rec.Retries = row.Retries + 1
		co.counters.Parsed.Add(1)
		if !co.dispatch(ctx, chans, rec) {
			return nil
		}
	}
	return nil
}

// shardOf maps a line number onto one of n workers. The splitmix64 finisher
// spreads sequential line numbers uniformly so no worker starves.
func shardOf(line int64, n int) int {
	if n <= 1 {
		return 0
	}
	z := uint64(line) + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return int(z % uint64(n))
}
