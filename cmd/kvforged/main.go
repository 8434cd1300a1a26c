package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/kvforge/kvforge/internal/config"
	"github.com/kvforge/kvforge/internal/database"
	"github.com/kvforge/kvforge/internal/jobs"
	"github.com/kvforge/kvforge/internal/metrics"
	"github.com/kvforge/kvforge/internal/realtime"
	"github.com/kvforge/kvforge/internal/service"
	"github.com/kvforge/kvforge/internal/stateengine"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: kvforged <command>\n\nCommands:\n  serve      Start the propagation daemon\n  migrate    Run database migrations\n  reconcile  Delete orphaned commit snapshots\n")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "migrate":
		cmdMigrate(os.Args[2:])
	case "reconcile":
		cmdReconcile(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func cmdServe(args []string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateServe(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	traceShutdown, err := initTracing(context.Background(), cfg.Tracing)
	if err != nil {
		slog.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(ctx); err != nil {
			slog.Error("shutdown tracing", "error", err)
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Auto-migrate on startup
	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}

	logger := slog.Default()
	set := metrics.Default()

	retryBackoff, _ := cfg.RetryBackoff()
	webhookTimeout, _ := cfg.WebhookTimeout()

	refreshQueue := jobs.NewQueue(db, jobs.QueueBranchRefresh, jobs.QueueOptions{
		RetryBackoff: retryBackoff,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Terminal:     service.IsTerminal,
		Metrics:      set,
	})
	webhookQueue := jobs.NewQueue(db, jobs.QueueWebhook, jobs.QueueOptions{
		RetryBackoff: retryBackoff,
		MaxAttempts:  cfg.Webhook.MaxAttempts,
		Terminal:     service.IsTerminal,
		Metrics:      set,
	})
	notifyQueue := jobs.NewQueue(db, jobs.QueueNotification, jobs.QueueOptions{
		RetryBackoff: retryBackoff,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Terminal:     service.IsTerminal,
		Metrics:      set,
	})

	engine := stateengine.NewKVEngine()
	commits := service.NewCommitService(db, engine, logger)
	evaluator := service.NewEvaluator(engine, commits.DataSource(), logger)
	hub := service.NewPropagationHub(logger,
		service.NewConflictRecomputeCollaborator(refreshQueue),
		service.NewPreMergeSynthesisCollaborator(refreshQueue),
		service.NewWebhookCollaborator(db, webhookQueue),
		service.NewNotificationCollaborator(notifyQueue),
	)
	branches := service.NewBranchService(db, commits, evaluator, engine, hub, logger)
	mergeRequests := service.NewMergeRequestService(db, commits, evaluator, engine, hub, logger)

	var publisher *realtime.Publisher
	if cfg.Realtime.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Realtime.RedisAddr})
		publisher = realtime.NewPublisher(rdb, cfg.Realtime.Channel, logger)
		defer publisher.Close()
	}

	refresh := service.NewBranchRefreshHandler(mergeRequests, branches)
	dispatcher := service.NewWebhookDispatcher(db, webhookTimeout, int64(cfg.Webhook.Concurrency), logger)
	notifier := service.NewNotificationService(db, publisher, logger)

	pools := []*jobs.WorkerPool{
		jobs.NewWorkerPool(refreshQueue, refresh.Process, jobs.WorkerPoolOptions{
			Workers:      cfg.Queue.Workers,
			PollInterval: cfg.PollInterval(),
			Logger:       logger,
		}),
		jobs.NewWorkerPool(webhookQueue, dispatcher.Process, jobs.WorkerPoolOptions{
			Workers:      cfg.Queue.Workers,
			PollInterval: cfg.PollInterval(),
			Logger:       logger,
		}),
		jobs.NewWorkerPool(notifyQueue, notifier.Process, jobs.WorkerPoolOptions{
			Workers:      cfg.Queue.Workers,
			PollInterval: cfg.PollInterval(),
			Logger:       logger,
		}),
	}
	for _, pool := range pools {
		if err := pool.Start(context.Background()); err != nil {
			slog.Error("start worker pool", "error", err)
			os.Exit(1)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt)

	go func() {
		slog.Info("kvforged listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, pool := range pools {
		if err := pool.Stop(ctx); err != nil {
			slog.Error("stop worker pool", "error", err)
		}
	}
	httpServer.Shutdown(ctx)
}

func cmdMigrate(args []string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations complete")
}

func cmdReconcile(args []string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	commits := service.NewCommitService(db, stateengine.NewKVEngine(), slog.Default())
	removed, err := commits.ReconcileOrphanedSnapshots(context.Background())
	if err != nil {
		slog.Error("reconcile", "error", err)
		os.Exit(1)
	}
	slog.Info("reconcile complete", "removed", removed)
}

func openDB(cfg *config.Config) (database.DB, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return database.OpenSQLite(cfg.Database.DSN)
	case "postgres":
		return database.OpenPostgres(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
