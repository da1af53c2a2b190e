package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AeyeOps/elysiactl-sub001/common"
	"github.com/AeyeOps/elysiactl-sub001/ingest"
	"github.com/AeyeOps/elysiactl-sub001/ingest/checkpoint"
	"github.com/AeyeOps/elysiactl-sub001/ingest/embed"
	"github.com/AeyeOps/elysiactl-sub001/ingest/emit"
	"github.com/AeyeOps/elysiactl-sub001/ingest/vstore"
)

const (
	defaultCheckpointPath = ".elysiactl/checkpoint.db"
	defaultEndpoint       = "http://localhost:8080"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "synchronize a change stream into the vector store",
	Long: `sync consumes a JSONL change stream (one add/modify/delete/rename record
per line) and applies it to the target collection. Completed lines are
checkpointed per batch; rerunning over the same input skips them, so a
crashed or interrupted run picks up where it stopped.

The first interrupt drains in-flight batches within the grace window; a
second interrupt aborts immediately and leaves uncommitted lines for the
next run.`,
	Example: `  git-changes | elysiactl sync --collection SourceFiles
  elysiactl sync --input changes.jsonl --dry-run
  elysiactl sync --input changes.jsonl --retry-failed --failure-export failed.jsonl`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	fs := syncCmd.Flags()
	fs.String("input", "-", "change stream path, - for stdin")
	fs.String("collection", "SourceFiles", "target vector-store collection")
	fs.String("endpoint", defaultEndpoint, "vector store base URL")
	fs.String("api-key", "", "vector store API key")
	fs.String("checkpoint", defaultCheckpointPath, "checkpoint store path (sqlite driver)")
	fs.String("checkpoint-driver", "sqlite", "checkpoint backend: sqlite|mysql")
	fs.String("checkpoint-dsn", "", "MySQL DSN when --checkpoint-driver=mysql")
	fs.Int("workers", 4, "shard worker count")
	fs.Int("batch-size", 64, "max items per batch")
	fs.Int64("batch-bytes", 4<<20, "max content bytes per batch, 0 to disable")
	fs.Int("max-line-bytes", 16<<20, "largest accepted input line, in bytes")
	fs.Int64("max-file-size", 10<<20, "largest file content indexed, in bytes")
	fs.String("embedder", "hash", "embedding provider: hash|openai|google")
	fs.String("embed-model", "", "embedding model, empty for the provider default")
	fs.Int("embed-dims", 0, "embedding vector length, 0 for the provider default")
	fs.Duration("timeout", 30*time.Second, "per-call downstream deadline")
	fs.Duration("grace", 10*time.Second, "drain window after an interrupt")
	fs.Duration("progress-every", 5*time.Second, "progress report cadence, 0 to disable")
	fs.Bool("dry-run", false, "run the full pipeline without vector-store writes")
	fs.Bool("resume", true, "honor completed lines from an existing checkpoint store")
	fs.Bool("retry-failed", false, "re-enqueue stored failures after the stream drains")
	fs.Bool("keep-checkpoint", false, "keep line state after a fully clean run")
	fs.Int("replication-factor", 0, "collection replication factor, 0 leaves it to the store")
	fs.String("failure-export", "", "write outstanding failures to this JSONL file after the run")
	fs.String("archive-dir", "", "archive a copy of the consumed stream into this directory")

	bindFlags(syncCmd,
		"input", "collection", "endpoint", "api-key",
		"checkpoint", "checkpoint-driver", "checkpoint-dsn",
		"workers", "batch-size", "batch-bytes", "max-line-bytes", "max-file-size",
		"embedder", "embed-model", "embed-dims",
		"timeout", "grace", "progress-every",
		"dry-run", "resume", "retry-failed", "keep-checkpoint",
		"replication-factor", "failure-export", "archive-dir",
	)
}

// Metrics register collectors with the default Prometheus registry, which
// tolerates only one registration per process no matter how many times the
// command runs.
var (
	metricsOnce sync.Once
	metrics     *ingest.Metrics
)

func syncMetrics() *ingest.Metrics {
	metricsOnce.Do(func() { metrics = ingest.NewMetrics(nil) })
	return metrics
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	inputPath := viper.GetString("input")
	input, err := openInput(inputPath)
	if err != nil {
		return &exitError{code: codeUsage, err: err}
	}
	defer input.Close()

	stream, closeArchive, err := archiveInput(input, viper.GetString("archive-dir"))
	if err != nil {
		return &exitError{code: codeFatal, err: err}
	}
	defer func() {
		if cerr := closeArchive(); cerr != nil {
			common.Logger.WithError(cerr).Warn("failed to close input archive")
		}
	}()

	dryRun := viper.GetBool("dry-run")
	store, err := openStore(dryRun)
	if err != nil {
		return fail(err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			common.Logger.WithError(cerr).Warn("failed to close checkpoint store")
		}
	}()

	embedder, closeEmbedder, err := buildEmbedder(ctx)
	if err != nil {
		return fail(err)
	}
	defer func() {
		if cerr := closeEmbedder(); cerr != nil {
			common.Logger.WithError(cerr).Warn("failed to close embedder")
		}
	}()

	client := vstore.NewWeaviateClient(
		viper.GetString("endpoint"),
		viper.GetString("api-key"),
		viper.GetDuration("timeout"),
	)

	source := inputPath
	if source == "" || source == "-" {
		source = "stdin"
	}

	opts := []ingest.Option{
		ingest.WithCollection(viper.GetString("collection")),
		ingest.WithInputSource(source),
		ingest.WithWorkers(viper.GetInt("workers")),
		ingest.WithBatchSize(viper.GetInt("batch-size")),
		ingest.WithBatchBytes(viper.GetInt64("batch-bytes")),
		ingest.WithMaxLineBytes(viper.GetInt("max-line-bytes")),
		ingest.WithCallTimeout(viper.GetDuration("timeout")),
		ingest.WithGrace(viper.GetDuration("grace")),
		ingest.WithProgressInterval(viper.GetDuration("progress-every")),
		ingest.WithDryRun(dryRun),
		ingest.WithResume(viper.GetBool("resume")),
		ingest.WithRetryFailed(viper.GetBool("retry-failed")),
		ingest.WithKeepCheckpoint(viper.GetBool("keep-checkpoint")),
		ingest.WithResolverConfig(ingest.ResolverConfig{
			MaxFileSize: viper.GetInt64("max-file-size"),
		}),
		ingest.WithSchema(vstore.SchemaConfig{
			ReplicationFactor: viper.GetInt("replication-factor"),
			Description:       "source files indexed by elysiactl",
		}),
		ingest.WithLogger(common.Logger),
		ingest.WithMetrics(syncMetrics()),
	}
	if common.Logger.IsLevelEnabled(logrus.DebugLevel) {
		opts = append(opts, ingest.WithEmitter(emit.NewLogEmitter(os.Stderr, viper.GetBool("log-json"))))
	}

	co, err := ingest.NewCoordinator(store, client, embedder, opts...)
	if err != nil {
		return fail(err)
	}

	// First interrupt starts a graceful drain; a second one aborts outright.
	done := make(chan struct{})
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			common.Logger.Warn("interrupt: draining in-flight batches, interrupt again to abort")
			cancel()
		case <-done:
			return
		}
		select {
		case <-sigs:
			common.Logger.Warn("second interrupt: aborting")
			co.Abort()
		case <-done:
		}
	}()

	summary, runErr := co.Run(ctx, stream)
	close(done)

	if path := viper.GetString("failure-export"); path != "" {
		// The export is part of the contract even after an aborted run;
		// ctx may already be cancelled, so it runs on a fresh context.
		if xerr := exportFailures(store, path); xerr != nil {
			return &exitError{code: codeFatal, err: xerr}
		}
	}

	if runErr != nil {
		return &exitError{code: codeFatal, err: runErr}
	}
	if summary.Status == ingest.ExitPartial {
		return &exitError{
			code: codePartial,
			err: fmt.Errorf("%d of %d lines failed and are kept for retry; rerun with --retry-failed or export with --failure-export",
				summary.Stats.Failed, summary.Stats.Processed),
		}
	}
	return nil
}

// fail maps configuration mistakes to the usage exit code, everything else
// to fatal.
func fail(err error) *exitError {
	code := codeFatal
	if errors.Is(err, ingest.ErrInvalidConfig) || errors.Is(err, ingest.ErrInvalidRetryPolicy) {
		code = codeUsage
	}
	return &exitError{code: code, err: err}
}

// openInput returns the change stream source. "-" (or empty) means standard
// input, which is returned behind a no-op closer.
func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, nil
}

// archiveInput tees the stream into a timestamped copy under dir for audit.
// Only the consumed prefix lands in the archive when a run stops early.
func archiveInput(input io.Reader, dir string) (io.Reader, func() error, error) {
	if dir == "" {
		return input, func() error { return nil }, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	name := filepath.Join(dir, fmt.Sprintf("changes-%s.jsonl", time.Now().UTC().Format("20060102T150405Z")))
	f, err := os.Create(name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create archive file: %w", err)
	}
	return io.TeeReader(input, f), f.Close, nil
}

// openStore picks the checkpoint backend. Dry runs get a scratch in-memory
// store unless the configuration points somewhere deliberate.
func openStore(dryRun bool) (checkpoint.Store, error) {
	switch driver := viper.GetString("checkpoint-driver"); driver {
	case "sqlite":
		path := viper.GetString("checkpoint")
		if dryRun && path == defaultCheckpointPath {
			return checkpoint.NewMemoryStore(), nil
		}
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
			}
		}
		return checkpoint.NewSQLiteStore(path)
	case "mysql":
		dsn := viper.GetString("checkpoint-dsn")
		if dsn == "" {
			return nil, fmt.Errorf("%w: --checkpoint-dsn is required with the mysql driver", ingest.ErrInvalidConfig)
		}
		return checkpoint.NewMySQLStore(dsn)
	default:
		return nil, fmt.Errorf("%w: unknown checkpoint driver %q, want sqlite or mysql", ingest.ErrInvalidConfig, driver)
	}
}

// buildEmbedder constructs the configured embedding provider. The hash
// embedder needs no credentials; the API providers read their usual key
// variables. The returned closer releases provider connections.
func buildEmbedder(ctx context.Context) (embed.Embedder, func() error, error) {
	model := viper.GetString("embed-model")
	dims := viper.GetInt("embed-dims")
	noClose := func() error { return nil }

	switch provider := viper.GetString("embedder"); provider {
	case "", "hash":
		return embed.NewHashEmbedder(dims), noClose, nil
	case "openai":
		e, err := embed.NewOpenAIEmbedder(os.Getenv("OPENAI_API_KEY"), model, dims)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ingest.ErrInvalidConfig, err)
		}
		return e, noClose, nil
	case "google":
		e, err := embed.NewGeminiEmbedder(ctx, os.Getenv("GOOGLE_API_KEY"), model, dims)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ingest.ErrInvalidConfig, err)
		}
		return e, e.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown embedder %q, want hash, openai, or google", ingest.ErrInvalidConfig, provider)
	}
}

// exportFailures writes every outstanding failure row to path, one JSONL
// line per failure in the input shape plus error, category, and retries.
func exportFailures(store checkpoint.Store, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create failure export: %w", err)
	}
	n, err := checkpoint.ExportFailures(context.Background(), store, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to export failures: %w", err)
	}
	common.Logger.WithFields(logrus.Fields{"file": path, "failures": n}).Info("failure export written")
	return nil
}
