package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/flowq/internal/config"
	"github.com/roach88/flowq/internal/engine"
	"github.com/roach88/flowq/internal/flowdb"
	"github.com/roach88/flowq/internal/protocol"
	"github.com/roach88/flowq/internal/querystate"
	"github.com/roach88/flowq/internal/schema"
	"github.com/roach88/flowq/internal/server"
	"github.com/roach88/flowq/internal/store"
	"github.com/roach88/flowq/internal/store/redisstore"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath  string
	Listen      string
	Backend     string
	SQLitePath  string
	RedisAddr   string
	DSN         string
	DryRun      bool
	Workers     int
	LogFormat   string
	PrintConfig bool

	// Listener, if set, is served instead of listening on the configured
	// address (for testing).
	Listener net.Listener
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the query server",
		Long: `Start the flowq server.

The server accepts protocol requests over websocket on the listen address
and serves /metrics and /healthz on the same port. Query state is kept in
the configured backend (memory, sqlite or redis); results are materialized
into the PostgreSQL cache schema, or only logged with --dry-run.

Flags override values from --config.

Examples:
  flowq serve --config flowq.yaml
  flowq serve --dry-run --listen 127.0.0.1:5555
  flowq serve --backend redis --redis-addr 127.0.0.1:6379 --dsn postgres://flowq@db/flowdb
  flowq serve --config flowq.cue --print-config`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "configuration file (.yaml, .yml or .cue)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides server.listen_addr)")
	cmd.Flags().StringVar(&opts.Backend, "backend", "", "state backend: memory, sqlite or redis (overrides state.backend)")
	cmd.Flags().StringVar(&opts.SQLitePath, "sqlite-path", "", "SQLite state file (overrides state.sqlite_path)")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis-addr", "", "Redis address (overrides state.redis_addr)")
	cmd.Flags().StringVar(&opts.DSN, "dsn", "", "PostgreSQL connection string (overrides flowdb.dsn)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "log statements instead of materializing them")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "concurrent materializations (overrides engine.workers)")
	cmd.Flags().StringVar(&opts.LogFormat, "log-format", "", "log format: text or json (overrides log.format)")
	cmd.Flags().BoolVar(&opts.PrintConfig, "print-config", false, "print the effective configuration and exit")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadServeConfig(opts, cmd)
	if err != nil {
		_ = newFormatter(opts.RootOptions, cmd).Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	if opts.PrintConfig {
		data, err := cfg.YAML()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to render configuration", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}

	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format, opts.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log configuration", err)
	}
	slog.SetDefault(logger)

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
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	backend, err := openBackend(ctx, cfg.State, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open state backend", err)
	}
	defer func() {
		if closeErr := backend.close(); closeErr != nil {
			logger.Error("error closing state backend", "error", closeErr)
		}
	}()

	mat, db, err := openMaterializer(ctx, cfg.FlowDB, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open data source", err)
	}
	if db != nil {
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				logger.Error("error closing data source", "error", closeErr)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	registry := schema.Default()
	coord, err := engine.New(querystate.New(backend.store), backend.catalog, mat,
		engine.WithConfig(engineConfig(cfg)),
		engine.WithMetrics(engine.NewMetrics(reg)),
		engine.WithLogger(logger),
		engine.WithRebuild(registry.Rebuild),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create coordinator", err)
	}

	dispatcher, err := server.NewDispatcher(registry, coord,
		protocol.WithMetrics(protocol.NewMetrics(reg)),
		protocol.WithLogger(logger),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create dispatcher", err)
	}

	srv := server.New(dispatcher,
		server.WithConfig(server.Config{
			MaxInFlight:     int64(cfg.Server.MaxInFlight),
			RequestTimeout:  cfg.Server.RequestTimeout.Std(),
			MaxMessageBytes: cfg.Server.MaxMessageBytes,
			PongWait:        cfg.Server.PongWait.Std(),
		}),
		server.WithGatherer(reg),
		server.WithHealth(func(ctx context.Context) error {
			if err := backend.ping(ctx); err != nil {
				return fmt.Errorf("state backend: %w", err)
			}
			if db != nil {
				if err := db.Ping(ctx); err != nil {
					return fmt.Errorf("data source: %w", err)
				}
			}
			return nil
		}),
		server.WithLogger(logger),
	)

	addr := cfg.Server.ListenAddr
	if opts.Listener != nil {
		addr = opts.Listener.Addr().String()
	}
	logger.Info("flowq starting",
		"addr", addr,
		"backend", cfg.State.Backend,
		"workers", cfg.Engine.Workers,
		"dry_run", cfg.FlowDB.DryRun,
	)
	fmt.Fprintf(cmd.OutOrStdout(), "flowq listening on %s\n", addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error {
		if opts.Listener != nil {
			return srv.Serve(gctx, opts.Listener)
		}
		return srv.ListenAndServe(gctx, cfg.Server.ListenAddr)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}

	logger.Info("flowq stopped gracefully")
	return nil
}

// loadServeConfig reads --config (or the defaults) and applies flag
// overrides.
func loadServeConfig(opts *ServeOptions, cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Server.ListenAddr = opts.Listen
	}
	if flags.Changed("backend") {
		cfg.State.Backend = opts.Backend
	}
	if flags.Changed("sqlite-path") {
		cfg.State.SQLitePath = opts.SQLitePath
	}
	if flags.Changed("redis-addr") {
		cfg.State.RedisAddr = opts.RedisAddr
	}
	if flags.Changed("dsn") {
		cfg.FlowDB.DSN = opts.DSN
	}
	if flags.Changed("dry-run") {
		cfg.FlowDB.DryRun = opts.DryRun
	}
	if flags.Changed("workers") {
		cfg.Engine.Workers = opts.Workers
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = opts.LogFormat
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if cfg.Server.ListenAddr == "" {
		return config.Config{}, fmt.Errorf("server.listen_addr is required")
	}
	if !cfg.FlowDB.DryRun && cfg.FlowDB.DSN == "" {
		return config.Config{}, fmt.Errorf("flowdb.dsn is required unless flowdb.dry_run is set")
	}
	return cfg, nil
}

func engineConfig(cfg config.Config) engine.Config {
	return engine.Config{
		Workers:         cfg.Engine.Workers,
		QueueCapacity:   cfg.Engine.QueueCapacity,
		MaxRunning:      cfg.Engine.MaxRunning.Std(),
		ReclaimInterval: cfg.Engine.ReclaimInterval.Std(),
		ResultSchema:    cfg.FlowDB.CacheSchema,
		GraphCacheSize:  cfg.Engine.GraphCacheSize,
	}
}

// stateBackend is the opened shared state store and its catalog.
type stateBackend struct {
	store   querystate.Store
	catalog querystate.Catalog
	ping    func(context.Context) error
	close   func() error
}

func openBackend(ctx context.Context, cfg config.StateConfig, logger *slog.Logger) (*stateBackend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory state; query states are lost on restart and not shared between processes")
		return &stateBackend{
			store:   querystate.NewMemoryStore(),
			catalog: querystate.NewMemoryCatalog(),
			ping:    func(context.Context) error { return nil },
			close:   func() error { return nil },
		}, nil
	case config.BackendSQLite:
		logger.Info("opening state database", "path", cfg.SQLitePath)
		st, err := store.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &stateBackend{store: st, catalog: st, ping: st.Ping, close: st.Close}, nil
	case config.BackendRedis:
		logger.Info("connecting to redis", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
		st, err := redisstore.Dial(ctx, redisstore.Options{
			Addr:      cfg.RedisAddr,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return &stateBackend{store: st, catalog: st, ping: st.Ping, close: st.Close}, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// openMaterializer returns the PostgreSQL materializer, or a logging one
// for dry runs. db is nil for dry runs.
func openMaterializer(ctx context.Context, cfg config.FlowDBConfig, logger *slog.Logger) (engine.Materializer, *flowdb.DB, error) {
	if cfg.DryRun {
		logger.Warn("dry run: statements are logged, not executed")
		return flowdb.Discard{Logger: logger}, nil, nil
	}
	db, err := flowdb.Open(ctx, cfg.DSN, cfg.CacheSchema, flowdb.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return db, db, nil
}
