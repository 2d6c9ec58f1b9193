package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/api"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/database"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/gateway"
	"github.com/nugget/parley/internal/history"
	"github.com/nugget/parley/internal/mqtt"
	"github.com/nugget/parley/internal/policy"
	"github.com/nugget/parley/internal/tools"
	"github.com/nugget/parley/internal/vectormem"
)

const shutdownTimeout = 15 * time.Second

// runServe is the primary operating mode. It opens the database, wires
// the agent behind the bridge gateway, starts the HTTP server and
// blocks until SIGINT or SIGTERM.
//
// Shutdown stops accepting bridges first, then cancels running turns,
// then waits for queued frame handlers before closing the database.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Parley", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"backend", cfg.Backend,
		"gateway_path", cfg.Gateway.Path,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	dbPath := cfg.DatabasePath()
	db, err := database.Open(ctx, dbPath, logger)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close()
	logger.Info("database opened", "path", dbPath)

	store := history.NewSQLiteStore(db)
	pol := policy.NewStore(db, string(tools.KindSendMessage))

	// --- Model backend and tools ---
	be := newBackend(cfg, logger)
	dispatcher := &tools.Dispatcher{
		Memory: vectormem.New(db, be.embedder, logger),
		Images: be.images,
		Speech: be.speech,
		Logger: logger,
	}

	prompt := agent.NewCompositeContextProvider(logger,
		agent.NewChannelProvider(cfg.Agent.BotUserID, cfg.Agent.ServerName),
	)
	if cfg.Agent.PromptNote != "" {
		prompt.Add(agent.NoteProvider(cfg.Agent.PromptNote))
	}

	bus := events.New()

	loop := agent.NewLoop(agent.Config{
		History:       store,
		Model:         be.decider,
		Dispatcher:    dispatcher,
		Policy:        pol,
		Prompt:        prompt,
		MaxIterations: cfg.Agent.MaxIterations,
		TurnTimeout:   cfg.Agent.TurnTimeout,
		MessageLimit:  cfg.Agent.MessageLimit,
		Logger:        logger,
		Bus:           bus,
	})
	sched := agent.NewScheduler(loop,
		agent.WithStartHook(gateway.PersistInbound(store)),
		agent.WithReporter(gateway.ReportFailures(logger)),
		agent.WithSchedulerLogger(logger),
		agent.WithSchedulerBus(bus),
	)

	// --- Gateway and HTTP ---
	gw := gateway.New(sched, store, pol, gateway.Options{
		Token:              cfg.Gateway.Token,
		OwnerID:            cfg.Agent.OwnerUserID,
		DevUserID:          cfg.Agent.DevUserID,
		MaxAttachmentBytes: cfg.Gateway.MaxAttachmentBytes,
		Logger:             logger,
		Bus:                bus,
	})
	if cfg.Gateway.Token == "" {
		logger.Warn("gateway token not set, bridges connect without authentication")
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, sched, store, logger)
	server.SetBridge(cfg.Gateway.Path, gw)

	// --- Connection watching ---
	connMgr := connwatch.NewManager(logger, bus)
	defer connMgr.Stop()
	server.SetServiceHealth(connMgr)
	server.SetEventBus(bus)

	if _, err := connMgr.Watch(ctx, connwatch.ServiceModel, be.client.Ping, connwatch.DefaultBackoffConfig()); err != nil {
		return err
	}
	if _, err := connMgr.Watch(ctx, connwatch.ServiceEmbeddings, func(pctx context.Context) error {
		_, err := be.embedder.Generate(pctx, "ping")
		return err
	}, connwatch.DefaultBackoffConfig()); err != nil {
		return err
	}

	// --- Background services ---
	services := pool.New().WithContext(ctx).WithCancelOnError()

	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, bus, sched, logger)
		services.Go(func(ctx context.Context) error {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher stopped", "error", err)
			}
			return nil
		})
		if _, err := connMgr.Watch(ctx, connwatch.ServiceMQTT, func(pctx context.Context) error {
			return publisher.AwaitConnection(pctx)
		}, connwatch.DefaultBackoffConfig()); err != nil {
			return err
		}
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	}

	services.Go(func(ctx context.Context) error {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	// Block until a signal arrives or the server fails to start.
	serverErr := make(chan error, 1)
	go func() { serverErr <- services.Wait() }()

	var runErr error
	waited := false
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		waited = true
		if runErr != nil {
			logger.Error("service failed", "error", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown failed", "error", err)
	}
	gw.Close()
	if err := sched.Close(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown failed", "error", err)
	}
	if err := gw.Drain(); err != nil {
		logger.Error("gateway handler panicked", "error", err)
	}
	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt disconnect failed", "error", err)
		}
	}
	stop()
	if !waited {
		<-serverErr
	}

	logger.Info("Parley stopped")
	return runErr
}
