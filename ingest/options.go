package ingest

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AeyeOps/elysiactl-sub001/ingest/emit"
	"github.com/AeyeOps/elysiactl-sub001/ingest/vstore"
)

// Options configures a sync run. Build one through NewCoordinator's
// functional options; zero fields take the defaults below.
type Options struct {
	// Collection is the target vector-store collection. Required.
	Collection string
	// InputSource labels where the stream came from, for run metadata.
	InputSource string

	// Workers is the shard worker count.
	Workers int
	// BatchSize is the maximum items per batch.
	BatchSize int
	// BatchBytes is the maximum content bytes per batch. Zero disables the
	// byte bound.
	BatchBytes int64
	// ChannelBuffer is how many records each worker's queue holds before
	// the reader blocks.
	ChannelBuffer int
	// MaxLineBytes bounds one input line.
	MaxLineBytes int

	// CallTimeout is the per-call deadline on downstream requests.
	CallTimeout time.Duration
	// Grace is how long workers get to commit in-flight batches after an
	// interrupt before they are cut off.
	Grace time.Duration
	// ProgressInterval is the progress report cadence. <= 0 disables it.
	ProgressInterval time.Duration

	// DryRun replaces the vector-store client with a counting no-op.
	DryRun bool
	// Resume keeps completed lines from an existing checkpoint store. When
	// false, line state is wiped at startup and everything reprocesses.
	Resume bool
	// RetryFailed re-enqueues persisted failures after the stream drains.
	RetryFailed bool
	// KeepCheckpoint skips the automatic reset after a fully clean run.
	KeepCheckpoint bool

	Resolver ResolverConfig
	Policies Policies
	Breaker  BreakerConfig
	Schema   vstore.SchemaConfig

	Logger  *logrus.Logger
	Emitter emit.Emitter
	Metrics *Metrics
}

// Option mutates Options before validation.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		Workers:          4,
		BatchSize:        64,
		BatchBytes:       4 * 1024 * 1024,
		ChannelBuffer:    64,
		MaxLineBytes:     defaultMaxLineBytes,
		CallTimeout:      30 * time.Second,
		Grace:            10 * time.Second,
		ProgressInterval: 5 * time.Second,
		Resume:           true,
		Policies:         DefaultPolicies(),
		Breaker:          DefaultBreakerConfig(),
	}
}

func (o *Options) validate() error {
	if o.Collection == "" {
		return fmt.Errorf("%w: collection name is required", ErrInvalidConfig)
	}
	if o.Workers < 1 {
		return fmt.Errorf("%w: worker count %d, need at least 1", ErrInvalidConfig, o.Workers)
	}
	if o.BatchSize < 1 {
		return fmt.Errorf("%w: batch size %d, need at least 1", ErrInvalidConfig, o.BatchSize)
	}
	if o.BatchBytes < 0 {
		return fmt.Errorf("%w: negative batch byte bound", ErrInvalidConfig)
	}
	if o.ChannelBuffer < 1 {
		return fmt.Errorf("%w: channel buffer %d, need at least 1", ErrInvalidConfig, o.ChannelBuffer)
	}
	if o.CallTimeout <= 0 {
		return fmt.Errorf("%w: call timeout must be positive", ErrInvalidConfig)
	}
	if o.Grace < 0 {
		return fmt.Errorf("%w: negative grace interval", ErrInvalidConfig)
	}
	if err := o.Policies.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := o.Breaker.Validate(); err != nil {
		return err
	}
	return nil
}

// WithCollection sets the target collection name.
func WithCollection(name string) Option { return func(o *Options) { o.Collection = name } }

// WithInputSource labels the stream's origin in run metadata.
func WithInputSource(src string) Option { return func(o *Options) { o.InputSource = src } }

// WithWorkers sets the shard worker count.
func WithWorkers(n int) Option { return func(o *Options) { o.Workers = n } }

// WithBatchSize sets the maximum items per batch.
func WithBatchSize(n int) Option { return func(o *Options) { o.BatchSize = n } }

// WithBatchBytes sets the maximum content bytes per batch.
func WithBatchBytes(n int64) Option { return func(o *Options) { o.BatchBytes = n } }

// WithChannelBuffer sets the per-worker queue capacity.
func WithChannelBuffer(n int) Option { return func(o *Options) { o.ChannelBuffer = n } }

// WithMaxLineBytes bounds one input line.
func WithMaxLineBytes(n int) Option { return func(o *Options) { o.MaxLineBytes = n } }

// WithCallTimeout sets the per-call downstream deadline.
func WithCallTimeout(d time.Duration) Option { return func(o *Options) { o.CallTimeout = d } }

// WithGrace sets the drain window after an interrupt.
func WithGrace(d time.Duration) Option { return func(o *Options) { o.Grace = d } }

// WithProgressInterval sets the progress report cadence.
func WithProgressInterval(d time.Duration) Option {
	return func(o *Options) { o.ProgressInterval = d }
}

// WithDryRun toggles dry-run mode.
func WithDryRun(on bool) Option { return func(o *Options) { o.DryRun = on } }

// WithResume toggles reuse of completed-line state.
func WithResume(on bool) Option { return func(o *Options) { o.Resume = on } }

// WithRetryFailed re-enqueues persisted failures after the stream drains.
func WithRetryFailed(on bool) Option { return func(o *Options) { o.RetryFailed = on } }

// WithKeepCheckpoint keeps line state after a fully clean run.
func WithKeepCheckpoint(on bool) Option { return func(o *Options) { o.KeepCheckpoint = on } }

// WithResolverConfig tunes the content-resolution policies.
func WithResolverConfig(cfg ResolverConfig) Option { return func(o *Options) { o.Resolver = cfg } }

// WithPolicies replaces the whole retry table.
func WithPolicies(ps Policies) Option { return func(o *Options) { o.Policies = ps } }

// WithPolicy overrides the retry policy for one category.
func WithPolicy(cat Category, p RetryPolicy) Option {
	return func(o *Options) {
		if o.Policies == nil {
			o.Policies = Policies{}
		}
		o.Policies[cat] = p
	}
}

// WithBreakerConfig tunes the circuit breakers.
func WithBreakerConfig(cfg BreakerConfig) Option { return func(o *Options) { o.Breaker = cfg } }

// WithSchema configures collection creation.
func WithSchema(cfg vstore.SchemaConfig) Option { return func(o *Options) { o.Schema = cfg } }

// WithLogger sets the logger. Defaults to the standard logrus logger.
func WithLogger(log *logrus.Logger) Option { return func(o *Options) { o.Logger = log } }

// WithEmitter sets the event sink. Defaults to the null emitter.
func WithEmitter(e emit.Emitter) Option { return func(o *Options) { o.Emitter = e } }

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option { return func(o *Options) { o.Metrics = m } }
