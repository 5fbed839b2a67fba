package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/urfave/cli/v3"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/executor/wasmtask"
	"github.com/loomworks/loom/internal/gateway"
	"github.com/loomworks/loom/internal/reconciler"
	"github.com/loomworks/loom/internal/secrets"
	"github.com/loomworks/loom/internal/services"
	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/trigger"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the Loom gateway and processor",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runServe,
	}
}

func runServe(_ context.Context, cmd *cli.Command) error {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Warn("config not found, using defaults", "path", configPath, "error", err)
		cfg = config.Default()
	}
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Event bus
	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	if cfg.Events.LogDir != "" {
		logger := storage.NewEventLogger(cfg.Events.LogDir, bus)
		defer logger.Close()
	}

	// Run store
	var storeOpts []store.Option
	if cfg.Store.Encrypt {
		keyFile := cfg.Store.KeyFile
		if keyFile == "" {
			keyFile = secrets.KeyPath()
		}
		sealer, err := secrets.OpenSealer(keyFile)
		if err != nil {
			return fmt.Errorf("open continuation sealer: %w", err)
		}
		storeOpts = append(storeOpts, store.WithSealer(sealer))
		slog.Info("continuation encryption enabled", "key_file", keyFile)
	}
	st, err := store.OpenSQLite(cfg.Store.Path, storeOpts...)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer st.Close()

	// Service adapters
	registry := services.NewRegistry()
	services.RegisterBuiltins(registry)

	// Task runtime — WASM modules from the task directory
	runtime := wasmtask.NewRuntime()
	if err := runtime.LoadDir(ctx, cfg.Tasks.Dir); err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	defer runtime.Close(ctx)
	slog.Info("tasks loaded", "count", len(runtime.Tasks()))

	// Processor + chaining transport
	proc := engine.NewProcessor(st, executor.NewRouter(runtime, registry), bus)

	var trig, dispatch trigger.Trigger
	switch {
	case cfg.Trigger.Endpoint != "":
		trig = trigger.NewHTTP(cfg.Trigger.Endpoint)
		dispatch = trigger.NewLocal(proc)
	case cfg.Trigger.Workers > 0:
		pool := trigger.NewPool(proc, cfg.Trigger.Workers, cfg.Trigger.QueueSize)
		pool.Start()
		defer pool.Stop()
		trig, dispatch = pool, pool
	default:
		local := trigger.NewLocal(proc)
		trig, dispatch = local, local
	}
	proc.SetTrigger(trig)

	// Reconciler — crash recovery now, sweep thereafter
	rec := reconciler.New(st, proc, trig, bus, reconciler.Config{
		Interval:   cfg.Reconciler.Interval.Duration(),
		Threshold:  cfg.Reconciler.Threshold.Duration(),
		MaxRetries: cfg.Reconciler.MaxRetries,
	})
	if err := rec.RecoverAll(ctx); err != nil {
		slog.Warn("startup recovery failed", "error", err)
	}
	rec.Start(ctx)
	defer rec.Stop()

	// Gateway server
	server := gateway.NewServer(st, dispatch, bus, cfg.Gateway.Host, cfg.Gateway.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	return server.Shutdown(context.Background())
}
