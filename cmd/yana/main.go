// Command yana runs the background job subsystem of the Yana aggregator:
// the durable task queue, the worker pool, the beat scheduler, and the
// operator HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fa-krug/Yana-sub000/internal/aggregate"
	"github.com/fa-krug/Yana-sub000/internal/config"
	"github.com/fa-krug/Yana-sub000/internal/db"
	"github.com/fa-krug/Yana-sub000/internal/events"
	"github.com/fa-krug/Yana-sub000/internal/feeds"
	"github.com/fa-krug/Yana-sub000/internal/logging"
	"github.com/fa-krug/Yana-sub000/internal/metrics"
	"github.com/fa-krug/Yana-sub000/internal/queue"
	"github.com/fa-krug/Yana-sub000/internal/web"
	"github.com/fa-krug/Yana-sub000/internal/worker"
)

const Version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Printf("yana version %s\n", Version)
		return
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "beat":
		runBeat(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "enqueue":
		runEnqueue(os.Args[2:])
	case "triage":
		runTriage(os.Args[2:])
	case "prune":
		runPrune(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: yana <serve|worker|beat|migrate|enqueue|triage|prune|version> [args]")
}

// loadConfig applies defaults, config file, environment and flags for one
// subcommand, in that precedence order.
func loadConfig(name string, args []string, bind func(*config.Config, *flag.FlagSet)) *config.Config {
	cfg, err := config.Load(args)
	if err != nil {
		log.Fatal(err)
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.String("config", "", "Path to yana config file")
	cfg.BindFlags(fs)
	if bind != nil {
		bind(cfg, fs)
	}
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	return cfg
}

// app bundles the shared wiring of the database-backed subcommands.
type app struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	store    *queue.Store
	feeds    *feeds.Store
	service  *queue.Service
	registry *worker.Registry
	orch     *aggregate.Orchestrator
}

func buildApp(ctx context.Context, cfg *config.Config, pub events.Publisher) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	store := queue.NewStore(pool)
	service := queue.NewService(store, pub, nil, queue.ServiceOptions{
		NodeID:        cfg.NodeID,
		LeaseDuration: cfg.LeaseDuration,
		SyncMode:      cfg.DisableWorkers,
	})

	feedStore := feeds.NewStore(pool)
	registry := worker.NewRegistry()
	detector := aggregate.NewHeuristicDetector(feedStore)
	thumbs := aggregate.NewThumbnailResolver(nil)
	saver := aggregate.NewSaver(feedStore, detector, thumbs, nil)
	orch := aggregate.NewOrchestrator(feedStore, feedStore, saver, service, nil, aggregate.OrchestratorOptions{})
	orch.RegisterHandlers(registry)
	service.SetInlineRunner(registry)

	return &app{
		cfg:      cfg,
		pool:     pool,
		store:    store,
		feeds:    feedStore,
		service:  service,
		registry: registry,
		orch:     orch,
	}, nil
}

func (a *app) poolOptions() worker.PoolOptions {
	return worker.PoolOptions{
		NodeID:           a.cfg.NodeID,
		Count:            a.cfg.WorkerCount,
		PollInterval:     a.cfg.PollInterval,
		LeaseDuration:    a.cfg.LeaseDuration,
		ReclaimInterval:  a.cfg.ReclaimInterval,
		RetryBackoffBase: a.cfg.RetryBackoffBase,
		RetryBackoffMax:  a.cfg.RetryBackoffMax,
		ShutdownTimeout:  a.cfg.ShutdownTimeout,
	}
}

// runServe is the all-in-one node: HTTP API, worker pool (unless
// disabled), beat sweep, metrics collector, and retention sweeps.
func runServe(args []string) {
	cfg := loadConfig("serve", args, nil)
	logger := logging.Init(cfg.NodeID, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	startMemoryLogger(ctx, logger, memoryLogIntervalFromEnv(logger))

	broker := events.NewBroker(200)
	a, err := buildApp(ctx, cfg, broker)
	if err != nil {
		log.Fatal(err)
	}
	defer a.pool.Close()

	var wp *worker.Pool
	if cfg.DisableWorkers {
		logger.Warn("workers disabled, handlers run inline at enqueue time")
	} else {
		wp = worker.NewPool(a.service, a.registry, logger, a.poolOptions())
		go func() {
			if err := wp.Start(ctx); err != nil {
				logger.Error("worker pool stopped", "error", err)
			}
		}()
	}

	go runBeatLoop(ctx, a.service, cfg.BeatInterval, logger)
	go runRetentionLoop(ctx, a, logger)
	metrics.StartCollector(ctx, a.pool, 5*time.Second, logger)

	allowlist, err := web.ParseCIDRAllowlist(strings.Join(cfg.AllowCIDRs, ","))
	if err != nil {
		log.Fatal(err)
	}
	tlsConfig, err := web.BuildTLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.TLSClientCA)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.AuthToken == "" && allowlist == nil {
		logger.Warn("operator API has no auth; bind to localhost or set --auth-token", "addr", cfg.HTTPAddr)
	}

	serverOpts := web.ServerOptions{
		Addr:           cfg.HTTPAddr,
		DB:             a.pool,
		Queue:          a.service,
		Schedules:      a.store,
		Feeds:          a.feeds,
		Previewer:      a.orch,
		Broker:         broker,
		PreviewTimeout: cfg.PreviewTimeout,
		AuthToken:      cfg.AuthToken,
		Allowlist:      allowlist,
		AuthLimit:      cfg.AuthLimit,
		AuthWindow:     cfg.AuthWindow,
		AuthMaxEntries: cfg.AuthMaxEntries,
		TLS:            tlsConfig,
		Logger:         logger,
	}
	if wp != nil {
		serverOpts.Workers = wp
	}
	server := web.NewServer(serverOpts)

	logger.Info("yana serving", "addr", cfg.HTTPAddr, "workers", cfg.WorkerCount,
		"sync_mode", cfg.DisableWorkers, "version", Version)
	if err := server.Start(ctx); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// runWorker runs only the pool, for deployments that split the API node
// from the crunching nodes.
func runWorker(args []string) {
	cfg := loadConfig("worker", args, nil)
	logger := logging.Init(cfg.NodeID, cfg.LogLevel)
	if cfg.DisableWorkers {
		log.Fatal("DISABLE_WORKERS is set; the worker subcommand needs a pool")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	startMemoryLogger(ctx, logger, memoryLogIntervalFromEnv(logger))

	a, err := buildApp(ctx, cfg, events.NoopPublisher{})
	if err != nil {
		log.Fatal(err)
	}
	defer a.pool.Close()

	wp := worker.NewPool(a.service, a.registry, logger, a.poolOptions())
	if err := wp.Start(ctx); err != nil {
		log.Fatal(err)
	}
}

// runBeat sweeps due schedules into tasks on an interval.
func runBeat(args []string) {
	var once bool
	cfg := loadConfig("beat", args, func(_ *config.Config, fs *flag.FlagSet) {
		fs.BoolVar(&once, "once", false, "Enqueue due tasks once and exit")
	})
	logger := logging.Init(cfg.NodeID, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, events.NoopPublisher{})
	if err != nil {
		log.Fatal(err)
	}
	defer a.pool.Close()

	if once {
		if n, err := a.service.RunDueSchedules(ctx); err != nil {
			log.Fatal(err)
		} else {
			fmt.Printf("Enqueued %d scheduled task(s)\n", n)
		}
		return
	}
	logger.Info("yana beat running", "interval", cfg.BeatInterval.String())
	runBeatLoop(ctx, a.service, cfg.BeatInterval, logger)
}

func runBeatLoop(ctx context.Context, service *queue.Service, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweep := func() {
		n, err := service.RunDueSchedules(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("schedule sweep failed", "error", err)
			}
			return
		}
		if n > 0 {
			logger.Info("enqueued scheduled tasks", "count", n)
		}
	}

	sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// runRetentionLoop prunes terminal tasks and execution audit rows daily.
func runRetentionLoop(ctx context.Context, a *app, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.service.ClearHistory(ctx, a.cfg.TaskRetentionDays); err != nil {
				logger.Error("task retention sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("pruned terminal tasks", "count", n, "older_than_days", a.cfg.TaskRetentionDays)
			}
			olderThan := time.Duration(a.cfg.ExecutionRetentionDays) * 24 * time.Hour
			if n, err := a.store.ClearExecutions(ctx, olderThan); err != nil {
				logger.Error("execution retention sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("pruned execution audit rows", "count", n, "older_than_days", a.cfg.ExecutionRetentionDays)
			}
		}
	}
}

func runMigrate(args []string) {
	command := ""
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		command = args[0]
		args = args[1:]
	}
	cfg := loadConfig("migrate", args, nil)
	logger := logging.Init(cfg.NodeID, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if err := db.Migrate(cfg.DatabaseURL, command, logger); err != nil {
		log.Fatal(err)
	}
}

func runEnqueue(args []string) {
	var taskType, payload string
	var maxRetries int
	cfg := loadConfig("enqueue", args, func(_ *config.Config, fs *flag.FlagSet) {
		fs.StringVar(&taskType, "type", "", "Task type to enqueue")
		fs.StringVar(&payload, "payload", "{}", "JSON payload")
		fs.IntVar(&maxRetries, "max-retries", 0, "Retry budget (0 uses the default)")
	})
	logging.Init(cfg.NodeID, cfg.LogLevel)

	if taskType == "" {
		log.Fatal("--type is required")
	}
	if !json.Valid([]byte(payload)) {
		log.Fatal("--payload must be valid JSON")
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, events.NoopPublisher{})
	if err != nil {
		log.Fatal(err)
	}
	defer a.pool.Close()

	var opts *queue.EnqueueOptions
	if maxRetries > 0 {
		opts = &queue.EnqueueOptions{MaxRetries: maxRetries}
	}
	task, err := a.service.Enqueue(ctx, taskType, json.RawMessage(payload), opts)
	if err != nil {
		log.Fatal(err)
	}
	out, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(out))
}

func runTriage(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: yana triage <list|inspect|retry> [args]")
		return
	}

	switch args[0] {
	case "list":
		var limit int
		var taskType string
		cfg := loadConfig("triage list", args[1:], func(_ *config.Config, fs *flag.FlagSet) {
			fs.IntVar(&limit, "limit", 50, "Max tasks to list")
			fs.StringVar(&taskType, "type", "", "Filter by task type")
		})
		ctx := context.Background()
		a, err := buildApp(ctx, cfg, events.NoopPublisher{})
		if err != nil {
			log.Fatal(err)
		}
		defer a.pool.Close()

		items, err := a.store.ListFailed(ctx, limit, taskType)
		if err != nil {
			log.Fatal(err)
		}
		if len(items) == 0 {
			fmt.Println("No failed tasks.")
			return
		}
		fmt.Println("ID\tType\tRetries\tFailedAt\tError")
		for _, item := range items {
			failedAt := ""
			if item.CompletedAt != nil {
				failedAt = item.CompletedAt.Format(time.RFC3339)
			}
			errMsg := ""
			if item.Error != nil {
				errMsg = *item.Error
			}
			fmt.Printf("%d\t%s\t%d/%d\t%s\t%s\n", item.ID, item.Type, item.Retries, item.MaxRetries, failedAt, errMsg)
		}
	case "inspect":
		var id int64
		cfg := loadConfig("triage inspect", args[1:], func(_ *config.Config, fs *flag.FlagSet) {
			fs.Int64Var(&id, "id", 0, "Task ID to inspect")
		})
		if id == 0 {
			log.Fatal("--id required")
		}
		ctx := context.Background()
		a, err := buildApp(ctx, cfg, events.NoopPublisher{})
		if err != nil {
			log.Fatal(err)
		}
		defer a.pool.Close()

		task, err := a.service.Get(ctx, id)
		if err != nil {
			log.Fatal(err)
		}
		out, err := json.MarshalIndent(task, "", "  ")
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(string(out))
	case "retry":
		var id int64
		var all bool
		cfg := loadConfig("triage retry", args[1:], func(_ *config.Config, fs *flag.FlagSet) {
			fs.Int64Var(&id, "id", 0, "Task ID to requeue")
			fs.BoolVar(&all, "all", false, "Requeue all failed tasks")
		})
		if id == 0 && !all {
			log.Fatal("Provide --id or --all")
		}
		ctx := context.Background()
		a, err := buildApp(ctx, cfg, events.NoopPublisher{})
		if err != nil {
			log.Fatal(err)
		}
		defer a.pool.Close()

		var updated int64
		if all {
			updated, err = a.store.RequeueAllFailed(ctx)
		} else {
			updated, err = a.store.RequeueFailed(ctx, id)
		}
		if err != nil {
			log.Fatal(err)
		}
		if updated == 0 {
			fmt.Println("No failed tasks updated.")
			return
		}
		fmt.Printf("Requeued %d task(s)\n", updated)
	default:
		fmt.Println("usage: yana triage <list|inspect|retry> [args]")
	}
}

func runPrune(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: yana prune <tasks|executions> [args]")
		return
	}

	switch args[0] {
	case "tasks":
		var days int
		cfg := loadConfig("prune tasks", args[1:], func(c *config.Config, fs *flag.FlagSet) {
			fs.IntVar(&days, "days", c.TaskRetentionDays, "Delete terminal tasks older than this many days")
		})
		ctx := context.Background()
		a, err := buildApp(ctx, cfg, events.NoopPublisher{})
		if err != nil {
			log.Fatal(err)
		}
		defer a.pool.Close()

		count, err := a.service.ClearHistory(ctx, days)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Pruned %d task(s)\n", count)
	case "executions":
		var days int
		cfg := loadConfig("prune executions", args[1:], func(c *config.Config, fs *flag.FlagSet) {
			fs.IntVar(&days, "days", c.ExecutionRetentionDays, "Delete execution audit rows older than this many days")
		})
		ctx := context.Background()
		a, err := buildApp(ctx, cfg, events.NoopPublisher{})
		if err != nil {
			log.Fatal(err)
		}
		defer a.pool.Close()

		count, err := a.store.ClearExecutions(ctx, time.Duration(days)*24*time.Hour)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Pruned %d execution record(s)\n", count)
	default:
		fmt.Println("usage: yana prune <tasks|executions> [args]")
	}
}
