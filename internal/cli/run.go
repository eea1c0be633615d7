package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/scenehost/internal/config"
	"github.com/roach88/scenehost/internal/crdt"
	"github.com/roach88/scenehost/internal/engine"
	"github.com/roach88/scenehost/internal/lifecycle"
	"github.com/roach88/scenehost/internal/manifest"
	"github.com/roach88/scenehost/internal/rpc"
	"github.com/roach88/scenehost/internal/store"
	"github.com/roach88/scenehost/internal/telemetry"
	"github.com/roach88/scenehost/internal/world"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database    string
	Ticks       int
	MetricsAddr string
	Serialize   bool
}

// RunSummary is printed when the run command returns.
type RunSummary struct {
	Ticks   uint64           `json:"ticks"`
	Scenes  []string         `json:"scenes"`
	Failed  []string         `json:"failed,omitempty"`
	Stored  bool             `json:"stored"`
	Results []rpc.TestResult `json:"test_results,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <manifest>...",
		Short: "Run scenes until interrupted",
		Long: `Load scene manifests, start every scene in its own sandbox and tick
them on the shared clock until SIGINT or SIGTERM.

Settings come from SCENEHOST_* environment variables; flags override them.
With --db, each scene's final state is saved on shutdown and restored the
next time a scene with the same id starts.

Example:
  scenehost run scenes/plaza/scene.yaml
  scenehost run --db ./scenes.db --metrics-addr :9090 scenes/*/scene.yaml
  scenehost run --ticks 100 scenes/plaza/scene.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenes(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database for scene snapshots")
	cmd.Flags().IntVar(&opts.Ticks, "ticks", 0, "stop after this many ticks (0 runs until interrupted)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&opts.Serialize, "serialize", false, "run every scene under one global lock (default: platform setting)")

	return cmd
}

func runScenes(opts *RunOptions, paths []string, cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DatabasePath = opts.Database
	}
	if cmd.Flags().Changed("serialize") {
		cfg.Serialize = &opts.Serialize
	}
	if opts.Ticks < 0 {
		return NewExitError(ExitCommandError, "--ticks must not be negative")
	}
	level, _ := cfg.Level()
	configureLogging(opts.Verbose, level)

	manifests, err := manifest.LoadAll(resolvePaths(cfg.ContentRoot, paths))
	if err != nil {
		return WrapExitError(ExitFailure, "invalid manifests", err)
	}

	reg := prometheus.NewRegistry()
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to register metrics", err)
	}

	var persister lifecycle.Persister
	if cfg.DatabasePath != "" {
		slog.Info("opening database", "path", cfg.DatabasePath)
		st, err := store.Open(cfg.DatabasePath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing database", "error", closeErr)
			}
		}()
		persister = st
	}

	tests := &rpc.RecordingHarness{}
	eng := buildEngine(cfg, persister, metrics, tests)

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if opts.MetricsAddr != "" {
		go func() {
			if err := serveMetrics(ctx, opts.MetricsAddr, reg); err != nil {
				slog.Error("metrics server failed", "addr", opts.MetricsAddr, "error", err)
			}
		}()
	}

	summary := RunSummary{Stored: persister != nil}
	for _, m := range manifests {
		if _, err := eng.Activate(ctx, m.Descriptor()); err != nil {
			slog.Error("scene failed to start", "scene_id", m.ID, "path", m.Path, "error", err)
			summary.Failed = append(summary.Failed, m.ID)
			continue
		}
		slog.Info("scene started", "scene_id", m.ID, "path", m.Path)
		summary.Scenes = append(summary.Scenes, m.ID)
	}
	if len(summary.Scenes) == 0 {
		return NewExitError(ExitFailure, "no scene started")
	}

	runErr := drive(ctx, eng, opts.Ticks)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 2*cfg.TeardownTimeout)
	defer cancelShutdown()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Error("scene teardown incomplete", "error", err)
	}
	summary.Ticks = eng.Clock().Current()
	_, summary.Results, _ = tests.Snapshot()

	if runErr != nil {
		return WrapExitError(ExitFailure, "engine error", runErr)
	}
	return outputRunSummary(newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr()), summary)
}

// buildEngine wires the dispatcher, lifecycle manager, world view and bus
// for a host process.
func buildEngine(cfg config.Config, persister lifecycle.Persister, metrics *telemetry.Metrics, tests rpc.TestHarness) *engine.Engine {
	bus := world.NewMessageBus(nil)
	calls := rpc.NewDispatcher(rpc.WithMetrics(metrics))
	rpc.RegisterDefaults(calls, rpc.Collaborators{
		Comms:     bus,
		Players:   rpc.NewMemoryPlayers(),
		Textures:  rpc.StaticTextures{},
		Portables: rpc.NewMemoryPortables(),
		Identity:  rpc.StaticIdentity{UserID: "local", DisplayName: "local", IsGuest: true},
		Tests:     tests,
	})

	manager := lifecycle.NewManager(lifecycle.Config{
		Guard:               cfg.EngineGuard(),
		Calls:               calls,
		Metrics:             metrics,
		Persister:           persister,
		GrowOnlyCapacity:    cfg.GrowOnlyCapacity,
		ChannelCapacity:     cfg.ChannelCapacity,
		HardBudget:          cfg.HardBudget(),
		FaultThreshold:      cfg.FaultThreshold,
		TeardownConcurrency: cfg.TeardownConcurrency,
		TeardownInterval:    cfg.TeardownInterval,
		TeardownTimeout:     cfg.TeardownTimeout,
	})
	w := world.New(nil, metrics, crdt.WithGrowOnlyCapacity(cfg.GrowOnlyCapacity))
	return engine.New(manager, w, bus, engine.Config{
		TickInterval: cfg.TickInterval,
		TickBudget:   cfg.TickBudget,
		Workers:      cfg.Workers,
	}, engine.WithMetrics(metrics))
}

// drive runs a fixed number of ticks, or Run until ctx ends when ticks is
// zero.
func drive(ctx context.Context, eng *engine.Engine, ticks int) error {
	if ticks == 0 {
		err := eng.Run(ctx)
		if errors.Is(err, context.Canceled) || engine.IsClosedError(err) {
			return nil
		}
		return err
	}
	for i := 0; i < ticks; i++ {
		if _, err := eng.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

// resolvePaths joins relative manifest paths onto root.
func resolvePaths(root string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		if root == "" || root == "." || filepath.IsAbs(p) {
			out[i] = p
			continue
		}
		out[i] = filepath.Join(root, p)
	}
	return out
}

// serveMetrics exposes reg over HTTP until ctx ends.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	slog.Info("metrics listening", "addr", addr)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics: %w", err)
	}
}

func outputRunSummary(f *OutputFormatter, s RunSummary) error {
	if f.JSON() {
		return f.Success(s)
	}
	fmt.Fprintf(f.Writer, "Ran %d tick(s) across %d scene(s)\n", s.Ticks, len(s.Scenes))
	for _, id := range s.Failed {
		fmt.Fprintf(f.Writer, "✗ %s failed to start\n", id)
	}
	for _, r := range s.Results {
		mark := "✓"
		if !r.OK {
			mark = "✗"
		}
		fmt.Fprintf(f.Writer, "%s test %s\n", mark, r.Name)
	}
	if s.Stored {
		fmt.Fprintln(f.Writer, "Scene snapshots saved.")
	}
	return nil
}
