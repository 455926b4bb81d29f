package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"listing_watcher/internal/broker"
	"listing_watcher/internal/config"
	"listing_watcher/internal/parser"
	"listing_watcher/internal/parser/leboncoin"
	"listing_watcher/internal/parser/pap"
	"listing_watcher/internal/registry"
	"listing_watcher/internal/scheduler"
	"listing_watcher/internal/service"
	"listing_watcher/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	seedOnly := flag.Bool("seed-only", false, "register configured targets and exit")
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	txManager := postgres.NewTransactionManager(db)
	targetStore := postgres.NewTargetStore(db)
	parsers := parser.NewRegistry(leboncoin.New(), pap.New())

	targets := registry.New(targetStore, parsers, txManager, logger)
	if err := targets.Load(ctx, cfg.Targets); err != nil {
		logger.Error("failed to register targets", "error", err)
		os.Exit(1)
	}
	if *seedOnly {
		logger.Info("targets registered", "count", len(cfg.Targets))
		return
	}

	rabbitMQ, err := broker.NewRabbitMQ(brokerConfig(cfg.RabbitMQ), logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer rabbitMQ.Close()

	engine := service.NewEngine(
		postgres.NewListingStore(db),
		postgres.NewImageStore(db),
		postgres.NewHistoryStore(db),
		txManager,
		service.EngineConfig{ChunkSize: cfg.Reconcile.ChunkSize},
		logger,
	)

	orchestrator := service.NewOrchestrator(
		postgres.NewJobStore(db),
		postgres.NewLeaseStore(db),
		postgres.NewCycleStore(db),
		targetStore,
		engine,
		rabbitMQ,
		rabbitMQ,
		txManager,
		service.OrchestratorConfig{
			MaxAttempts: cfg.Orchestrator.MaxAttempts,
			BackoffBase: cfg.Orchestrator.BackoffBase,
			BackoffCap:  cfg.Orchestrator.BackoffCap,
			LeaseTTL:    cfg.Orchestrator.LeaseTTL,
		},
		logger,
	)

	sched := scheduler.NewScheduler(targets, orchestrator, scheduler.Config{
		Interval:        cfg.Orchestrator.Interval,
		RecoverInterval: cfg.Orchestrator.RecoverInterval,
		RunTimeout:      cfg.Orchestrator.RunTimeout,
	}, logger)

	logger.Info("starting orchestrator",
		"targets", len(cfg.Targets),
		"sites", parsers.Sites(),
		"interval", cfg.Orchestrator.Interval,
		"consumers", cfg.Orchestrator.Consumers,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Start(gctx)
	})
	g.Go(func() error {
		return rabbitMQ.ConsumeResults(gctx, cfg.Orchestrator.Consumers, orchestrator.HandleResult)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("orchestrator stopped", "error", err)
		os.Exit(1)
	}
}

func brokerConfig(c config.RabbitMQConfig) broker.Config {
	return broker.Config{
		URL:            c.URL,
		JobsExchange:   c.JobsExchange,
		JobsQueue:      c.JobsQueue,
		DelayQueue:     c.DelayQueue,
		ResultsQueue:   c.ResultsQueue,
		EventsExchange: c.EventsExchange,
		EventsQueue:    c.EventsQueue,
		EventsKey:      c.EventsKey,
		Prefetch:       c.Prefetch,
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler).With("service", "orchestrator")
}
