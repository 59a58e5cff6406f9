package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/noex/noex-rules/internal/config"
	"github.com/noex/noex-rules/internal/engine"
	"github.com/noex/noex-rules/internal/ident"
	"github.com/noex/noex-rules/internal/metrics"
	"github.com/noex/noex-rules/internal/persist"
	"github.com/noex/noex-rules/internal/reload"
	"github.com/noex/noex-rules/internal/rule"
	"github.com/noex/noex-rules/internal/trace"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath  string
	RulePaths   []string
	MetricsAddr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with hot-reloaded rule files",
		Long: `Start the rules engine, load rules from the configured paths, and keep
them in sync as the files change.

Example:
  noex-rules serve --config ./noex.yaml
  noex-rules serve --rules ./rules --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.Flags().StringSliceVar(&opts.RulePaths, "rules", nil, "rule file or directory (repeatable)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "address for the Prometheus /metrics endpoint")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	setupLogging(cfg.Logging.Level, cfg.Logging.Format, opts.Verbose)

	rulePaths := append(append([]string{}, cfg.HotReload.RulePaths...), opts.RulePaths...)
	if len(rulePaths) == 0 && cfg.Persistence.Driver == "none" {
		return NewExitError(ExitCommandError, "no rule paths configured; use --rules or hotReload.rulePaths")
	}

	tc := trace.NewCollector(cfg.Trace.MaxEntries, ident.UUIDv7Generator{})
	tc.SetEnabled(cfg.Trace.Enabled)

	eng := engine.New(
		engine.WithName(cfg.Engine.Name),
		engine.WithEventStoreSize(cfg.EventStore.MaxEvents),
		engine.WithTrace(tc),
		engine.WithLogger(slog.Default()),
	)

	// Metrics follow the trace stream; without trace there is nothing to
	// fold, so the endpoint still serves process metrics only.
	if opts.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		defer m.Attach(tc)()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: opts.MetricsAddr, Handler: mux}
		go func() {
			slog.Info("metrics endpoint listening", "addr", opts.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics endpoint failed", "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	store, err := openStore(cfg.Persistence)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open persistence", err)
	}
	if store != nil {
		defer store.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	defer eng.Stop()

	if store != nil {
		if err := restoreSnapshot(ctx, eng, store); err != nil {
			return WrapExitError(ExitCommandError, "failed to restore persisted rules", err)
		}
		defer saveSnapshot(eng, store)
	}

	var sources []reload.Source
	var fileSources []*reload.FileSource
	for i, p := range rulePaths {
		fs := reload.NewFileSource(fmt.Sprintf("files-%d", i), p)
		sources = append(sources, fs)
		fileSources = append(fileSources, fs)
	}

	var watcher *reload.Watcher
	if len(sources) > 0 {
		watcher = reload.NewWatcher(eng, reload.Config{
			Interval:            cfg.ReloadInterval(),
			Atomic:              cfg.HotReload.AtomicReload,
			ValidateBeforeApply: cfg.HotReload.ValidateBeforeApply,
		}, tc, sources...)
		if err := watcher.Start(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to start rule watcher", err)
		}
		defer watcher.Stop()
		for _, fs := range fileSources {
			go func(fs *reload.FileSource) {
				if err := fs.WatchFiles(ctx, watcher.Kick); err != nil && ctx.Err() == nil {
					slog.Warn("file watch stopped", "source", fs.Name(), "error", err)
				}
			}(fs)
		}
	}

	slog.Info("engine running",
		"name", cfg.Engine.Name, "rulePaths", rulePaths, "trace", cfg.Trace.Enabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())
	return nil
}

func openStore(cfg config.PersistConfig) (persist.Store, error) {
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "memory":
		return persist.NewMemoryStore(), nil
	case "sqlite":
		return persist.OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
	}
}

// restoreSnapshot registers persisted groups and rules. Individual bad
// records are logged and skipped so one stale rule cannot block startup.
func restoreSnapshot(ctx context.Context, eng *engine.Engine, store persist.Store) error {
	snap, err := store.Load(ctx)
	if err != nil {
		return err
	}
	for _, g := range snap.Groups {
		if _, err := eng.Rules().CreateGroup(g); err != nil {
			slog.Warn("skipping persisted group", "id", g.ID, "error", err)
		}
	}
	restored := 0
	for _, in := range snap.Rules {
		if _, err := eng.RegisterRule(in); err != nil {
			slog.Warn("skipping persisted rule", "id", in.ID, "error", err)
			continue
		}
		restored++
	}
	if restored > 0 {
		slog.Info("restored persisted rules", "count", restored, "store", store.Key())
	}
	return nil
}

// saveSnapshot persists the live rule set on shutdown.
func saveSnapshot(eng *engine.Engine, store persist.Store) {
	snap := persist.Snapshot{}
	for _, r := range eng.Rules().GetAll() {
		snap.Rules = append(snap.Rules, rule.InputOf(r))
	}
	for _, g := range eng.Rules().GetGroups() {
		snap.Groups = append(snap.Groups, *g)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Save(ctx, snap); err != nil {
		slog.Error("failed to persist rules on shutdown", "error", err)
		return
	}
	slog.Info("persisted rules", "count", len(snap.Rules), "store", store.Key())
}
