package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roach88/midst/internal/archive"
	"github.com/roach88/midst/internal/broker"
	"github.com/roach88/midst/internal/config"
	"github.com/roach88/midst/internal/replay"
	"github.com/roach88/midst/internal/session"
	"github.com/roach88/midst/internal/store"
	"github.com/roach88/midst/internal/worker"
)

// runtime is everything a document command needs: configuration, the
// broker and its workers, the journal and a running session.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	codec    *archive.Codec
	broker   *broker.Broker
	journal  *store.Store
	session  *session.Session

	cancel context.CancelFunc
	done   chan error
}

// flagKeys maps command flag names to config keys. Only flags the user set
// override the config. A key starting with "!" takes the negated bool.
type flagKeys map[string]string

// overrides returns the values of the changed flags in keys, keyed by
// config key.
func overrides(flags *pflag.FlagSet, keys flagKeys) map[string]any {
	out := map[string]any{}
	for name, key := range keys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if neg, ok := strings.CutPrefix(key, "!"); ok {
			v, err := strconv.ParseBool(f.Value.String())
			if err == nil {
				out[neg] = !v
			}
			continue
		}
		out[key] = f.Value.String()
	}
	return out
}

// loadConfig reads the configuration for cmd.
func loadConfig(opts *RootOptions, cmd *cobra.Command, keys flagKeys) (*config.Config, error) {
	cfg, err := config.Load(
		config.WithConfigFile(opts.Config),
		config.WithFlags(overrides(cmd.Flags(), keys)),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// newLogger configures the default logger on w from the verbose flag.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	logLevel := slog.LevelWarn
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// newSpawner returns the worker spawner for cfg.
func newSpawner(cfg *config.Config) (broker.Spawner, error) {
	if cfg.Worker.Mode == config.WorkerProcess {
		args := []string{"parse-worker"}
		if cfg.Worker.Validate {
			args = append(args, "--validate")
		}
		return broker.ProcessSpawner{Args: args, Stderr: os.Stderr}, nil
	}

	var wopts []worker.Option
	if cfg.Worker.Validate {
		v, err := worker.NewRawContentValidator()
		if err != nil {
			return nil, fmt.Errorf("build content validator: %w", err)
		}
		wopts = append(wopts, worker.WithValidator(v))
	}
	return broker.InProcessSpawner{Options: wopts}, nil
}

// openJournal opens the journal, creating its directory. A journal that
// cannot be opened is logged and skipped.
func openJournal(cfg *config.Config, logger *slog.Logger) *store.Store {
	if !cfg.Journal.Enabled {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
		logger.Warn("journal directory unavailable", "path", cfg.Journal.Path, "error", err)
		return nil
	}
	st, err := store.Open(cfg.Journal.Path)
	if err != nil {
		logger.Warn("journal unavailable", "path", cfg.Journal.Path, "error", err)
		return nil
	}
	return st
}

// runtimeOptions selects what a command needs from its runtime.
type runtimeOptions struct {
	keys flagKeys

	// readOnly commands never write the journal.
	readOnly bool

	session []session.Option
}

// openRuntime builds the runtime and starts the session loop.
func openRuntime(ctx context.Context, opts *RootOptions, cmd *cobra.Command, ro runtimeOptions) (*runtime, error) {
	cfg, err := loadConfig(opts, cmd, ro.keys)
	if err != nil {
		return nil, err
	}
	if ro.readOnly {
		cfg.Journal.Enabled = false
	}
	logger := newLogger(opts, cmd.ErrOrStderr())

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		codec:    archive.New(archive.WithVersionPolicy(cfg.Policy()), archive.WithLogger(logger)),
	}

	metrics, err := broker.NewMetrics(rt.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	spawner, err := newSpawner(cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to configure workers", err)
	}
	rt.broker = broker.New(spawner,
		broker.WithPoolSize(cfg.Broker.PoolSize),
		broker.WithResultBuffer(cfg.Broker.ResultBuffer),
		broker.WithLogger(logger),
		broker.WithMetrics(metrics),
	)

	sopts := []session.Option{
		session.WithCodec(rt.codec),
		session.WithLogger(logger),
		session.WithReplayOptions(replay.WithInterval(cfg.Replay.Interval)),
	}
	if rt.journal = openJournal(cfg, logger); rt.journal != nil {
		sopts = append(sopts, session.WithJournal(rt.journal))
	}
	rt.session = session.New(rt.broker, append(sopts, ro.session...)...)

	runCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	rt.done = make(chan error, 1)
	go func() { rt.done <- rt.session.Run(runCtx) }()

	logger.Debug("runtime started",
		"pool_size", cfg.Broker.PoolSize,
		"worker_mode", cfg.Worker.Mode,
		"journal", rt.journal != nil,
	)
	return rt, nil
}

// Close stops the session, the broker and the journal.
func (rt *runtime) Close() {
	rt.cancel()
	if err := <-rt.done; err != nil && !errors.Is(err, context.Canceled) {
		rt.logger.Error("session stopped with error", "error", err)
	}
	if err := rt.broker.Close(); err != nil {
		rt.logger.Error("error closing broker", "error", err)
	}
	rt.logMetrics()
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			rt.logger.Error("error closing journal", "error", err)
		}
	}
}

// logMetrics writes counter and gauge values at debug level.
func (rt *runtime) logMetrics() {
	families, err := rt.registry.Gather()
	if err != nil {
		rt.logger.Debug("gathering metrics failed", "error", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				rt.logger.Debug("metric", "name", mf.GetName(), "value", m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				rt.logger.Debug("metric", "name", mf.GetName(), "value", m.GetGauge().GetValue())
			case m.GetHistogram() != nil:
				rt.logger.Debug("metric", "name", mf.GetName(), "count", m.GetHistogram().GetSampleCount())
			}
		}
	}
}

// addRuntimeFlags registers the flags shared by commands that open a
// session and returns their config keys. Journal flags are only added when
// journal is set.
func addRuntimeFlags(cmd *cobra.Command, journal bool) flagKeys {
	cmd.Flags().Int("pool-size", 0, "number of parse workers (default from config)")
	cmd.Flags().String("worker", "", "worker mode: inprocess or process")
	cmd.Flags().Bool("validate", false, "validate parsed snapshots against the raw content schema")
	cmd.Flags().String("version-policy", "", "archive version policy: exact, compatible or warn")
	keys := flagKeys{
		"pool-size":      "broker.pool_size",
		"worker":         "worker.mode",
		"validate":       "worker.validate",
		"version-policy": "archive.version_policy",
	}
	if journal {
		addJournalFlags(cmd, keys)
	}
	return keys
}

func addJournalFlags(cmd *cobra.Command, keys flagKeys) {
	cmd.Flags().String("journal-path", "", "journal database path")
	cmd.Flags().Bool("no-journal", false, "disable the autosave journal")
	keys["journal-path"] = "journal.path"
	keys["no-journal"] = "!journal.enabled"
}

// commandContext returns cmd's context, or Background when it has none.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
