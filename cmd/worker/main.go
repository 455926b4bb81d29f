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

	"listing_watcher/internal/broker"
	"listing_watcher/internal/config"
	"listing_watcher/internal/fetch"
	"listing_watcher/internal/parser"
	"listing_watcher/internal/parser/leboncoin"
	"listing_watcher/internal/parser/pap"
	"listing_watcher/internal/proxy"
	"listing_watcher/internal/storage/postgres"
	"listing_watcher/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
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
	db.SetMaxOpenConns(cfg.Worker.PoolSize + 1)

	rabbitMQ, err := broker.NewRabbitMQ(broker.Config{
		URL:            cfg.RabbitMQ.URL,
		JobsExchange:   cfg.RabbitMQ.JobsExchange,
		JobsQueue:      cfg.RabbitMQ.JobsQueue,
		DelayQueue:     cfg.RabbitMQ.DelayQueue,
		ResultsQueue:   cfg.RabbitMQ.ResultsQueue,
		EventsExchange: cfg.RabbitMQ.EventsExchange,
		EventsQueue:    cfg.RabbitMQ.EventsQueue,
		EventsKey:      cfg.RabbitMQ.EventsKey,
		Prefetch:       cfg.RabbitMQ.Prefetch,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer rabbitMQ.Close()

	hosts := make(map[string]proxy.HostLimit, len(cfg.Proxy.Hosts))
	for host, hl := range cfg.Proxy.Hosts {
		hosts[host] = proxy.HostLimit{Rate: hl.Rate, Burst: hl.Burst}
	}
	proxies := proxy.NewManager(proxy.Config{
		Username:       cfg.Proxy.Username,
		Password:       cfg.Proxy.Password,
		Host:           cfg.Proxy.Host,
		Port:           cfg.Proxy.Port,
		Country:        cfg.Proxy.Country,
		UserAgent:      cfg.Proxy.UserAgent,
		DefaultRate:    cfg.Proxy.DefaultRate,
		DefaultBurst:   cfg.Proxy.DefaultBurst,
		Hosts:          hosts,
		BlockThreshold: cfg.Proxy.BlockThreshold,
		CooldownBase:   cfg.Proxy.CooldownBase,
		CooldownMax:    cfg.Proxy.CooldownMax,
	}, logger)

	w := worker.New(
		parser.NewRegistry(leboncoin.New(), pap.New()),
		fetch.NewHTTPFetcher(fetch.Options{Timeout: cfg.Worker.PageTimeout}),
		proxies,
		worker.Config{
			PageCap:         cfg.Worker.PageCap,
			MaxPageFailures: cfg.Worker.MaxPageFailures,
			PageTimeout:     cfg.Worker.PageTimeout,
			JobTimeout:      cfg.Worker.JobTimeout,
		},
		logger,
	)
	processor := worker.NewProcessor(w, postgres.NewJobStore(db), rabbitMQ, cfg.Worker.JobTimeout, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("starting worker",
		"pool_size", cfg.Worker.PoolSize,
		"page_cap", cfg.Worker.PageCap,
		"proxy", cfg.Proxy.Host != "",
	)

	if err := rabbitMQ.ConsumeJobs(ctx, cfg.Worker.PoolSize, processor.Handle); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
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
	return slog.New(handler).With("service", "worker")
}
