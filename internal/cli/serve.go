package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/signalflow/internal/analytics"
	"github.com/roach88/signalflow/internal/api"
	"github.com/roach88/signalflow/internal/bus"
	"github.com/roach88/signalflow/internal/cache"
	"github.com/roach88/signalflow/internal/compiler"
	"github.com/roach88/signalflow/internal/config"
	"github.com/roach88/signalflow/internal/edge"
	"github.com/roach88/signalflow/internal/engine"
	"github.com/roach88/signalflow/internal/metrics"
	"github.com/roach88/signalflow/internal/model"
	"github.com/roach88/signalflow/internal/store"
	"github.com/roach88/signalflow/internal/stream"
)

// logBufferSize is how many recent records /system/logs can serve.
const logBufferSize = 1000

// pruneInterval is how often samples past retention are deleted.
const pruneInterval = time.Hour

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Database   string
	Addr       string
	Topology   string
	MQTTBroker string
	NoWatch    bool

	// IDGenerator overrides engine ids (for testing).
	// If nil, the engine uses UUIDv7Generator.
	IDGenerator engine.IDGenerator

	// Ready is called with the bound HTTP address once the server is
	// accepting connections (for testing).
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the edge coordinator",
		Long: `Run the signal coordinator with its HTTP API, websocket traffic stream,
Prometheus metrics, MQTT device bridge and topology hot reload.

The topology directory is validated and written to the database before
the engine restores its state. Flags override the config file, which
overrides built-in defaults.

Examples:
  signalflow serve
  signalflow serve --config /etc/signalflow.yaml --topology ./topology
  signalflow serve --db /tmp/sf.db --addr :8080 --mqtt-broker tcp://localhost:1883`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Topology, "topology", "", "CUE topology directory (overrides config)")
	cmd.Flags().StringVar(&opts.MQTTBroker, "mqtt-broker", "", "MQTT broker URL; enables the device bridge")
	cmd.Flags().BoolVar(&opts.NoWatch, "no-watch", false, "disable topology hot reload")

	return cmd
}

// applyFlags layers command-line overrides onto cfg.
func (o *ServeOptions) applyFlags(cfg *config.Config) {
	if o.Database != "" {
		cfg.Database.Path = o.Database
	}
	if o.Addr != "" {
		cfg.HTTP.Addr = o.Addr
	}
	if o.Topology != "" {
		cfg.Topology.Dir = o.Topology
	}
	if o.MQTTBroker != "" {
		cfg.MQTT.Broker = o.MQTTBroker
		cfg.MQTT.Enabled = true
	}
	if o.NoWatch {
		cfg.Topology.Watch = false
	}
}

func runServe(parent context.Context, opts *ServeOptions, cmd *cobra.Command) (err error) {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	opts.applyFlags(cfg)

	handler, err := newLogHandler(cmd.ErrOrStderr(), cfg.Log, opts.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log config", err)
	}
	logs := api.NewLogBuffer(logBufferSize, handler)
	slog.SetDefault(slog.New(logs))
	log := slog.With("component", "serve")

	metrics.Register()
	metrics.RecordBuildInfo(Version)

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info("opening database", "path", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	if _, statErr := os.Stat(cfg.Topology.Dir); cfg.Topology.Dir != "" && os.IsNotExist(statErr) && opts.Topology == "" {
		log.Warn("topology directory not found, serving stored intersections", "dir", cfg.Topology.Dir)
		cfg.Topology.Dir = ""
	}
	if cfg.Topology.Dir != "" {
		if err := seedTopology(ctx, st, cfg.Topology.Dir, log); err != nil {
			return err
		}
	}

	b := bus.New()
	defer b.Close()

	engOpts := []engine.EngineOption{
		engine.WithPublisher(b),
		engine.WithTickInterval(cfg.Engine.TickInterval.Std()),
		engine.WithAdaptEvery(cfg.Engine.AdaptEvery),
		engine.WithBudget(cfg.Engine.MaxPreemptions, cfg.Engine.BudgetWindow.Std()),
	}
	if opts.IDGenerator != nil {
		engOpts = append(engOpts, engine.WithIDGenerator(opts.IDGenerator))
	}
	eng := engine.New(st, engOpts...)

	report, err := eng.Restore(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to restore engine state", err)
	}
	log.Info("engine restored",
		"intersections", report.Intersections,
		"emergencies", report.Emergencies,
		"samples", report.Samples,
		"seq", report.Seq)

	c := cache.New(cfg.HTTP.CacheTTL.Std())

	live := stream.New(eng, stream.WithInterval(cfg.HTTP.StreamInterval.Std()))
	server := api.New(api.Deps{
		Engine:    eng,
		Store:     st,
		Analytics: analytics.New(st),
		Cache:     c,
		Logs:      logs,
		Stream:    live,
		BackupDir: cfg.Database.BackupDir,
	})

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := eng.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("engine: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		live.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Std())
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return c.Run(gctx)
	})

	g.Go(func() error {
		return c.Watch(gctx, b)
	})

	if cfg.Database.RetentionDays > 0 {
		g.Go(func() error {
			pruneSamples(gctx, st, cfg.Database.RetentionDays, log)
			return nil
		})
	}

	if cfg.Topology.Dir != "" && cfg.Topology.Watch {
		watcher := compiler.NewWatcher(cfg.Topology.Dir, reloadInto(eng),
			compiler.WithDebounce(cfg.Topology.Debounce.Std()))
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	if cfg.MQTT.Enabled {
		client := edge.NewPahoClient(edge.PahoConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		bridge := edge.NewBridge(client, eng, st, b)
		g.Go(func() error {
			if err := bridge.Run(gctx); err != nil {
				return fmt.Errorf("mqtt bridge: %w", err)
			}
			return nil
		})
	}

	addr := ln.Addr().String()
	log.Info("coordinator started", "addr", addr, "db", cfg.Database.Path, "mqtt", cfg.MQTT.Enabled)
	fmt.Fprintf(cmd.OutOrStdout(), "signalflow listening on %s\n", addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready(addr)
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "coordinator error", err)
	}
	log.Info("coordinator stopped gracefully")
	return nil
}

// seedTopology validates the topology directory and writes it to the
// store so Restore builds controllers for it.
func seedTopology(ctx context.Context, st *store.Store, dir string, log *slog.Logger) error {
	result, err := LoadTopology(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load topology", err)
	}
	if !result.Valid() {
		var errs error
		for _, e := range result.Errors {
			errs = multierr.Append(errs, e)
		}
		return WrapExitError(ExitCommandError, "topology invalid", errs)
	}
	for _, warn := range result.Warnings {
		log.Warn("adjacency", "level", warn.Level, "message", warn.Message)
	}
	for _, in := range result.Intersections {
		if err := st.UpsertIntersection(ctx, in); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to store %s", in.ID), err)
		}
	}
	log.Info("topology loaded", "dir", dir, "intersections", len(result.Intersections))
	return nil
}

// reloadInto hands recompiled topologies to the engine loop.
func reloadInto(eng *engine.Engine) compiler.ReloadFunc {
	return func(ctx context.Context, topology []model.Intersection) error {
		_, err := eng.Submit(ctx, engine.Event{Type: engine.EventReload, Topology: topology})
		return err
	}
}

// pruneSamples deletes traffic samples older than the retention period,
// once at start and then every pruneInterval, until ctx is cancelled.
func pruneSamples(ctx context.Context, st *store.Store, days int, log *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		cutoff := time.Now().AddDate(0, 0, -days)
		n, err := st.PruneSamples(ctx, cutoff)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Error("prune samples failed", "error", err)
		case n > 0:
			log.Info("pruned samples", "count", n, "before", cutoff.UTC())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
