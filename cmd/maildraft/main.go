package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/maildraft/maildraft/internal/ai"
	"github.com/maildraft/maildraft/internal/compose"
	"github.com/maildraft/maildraft/internal/config"
	"github.com/maildraft/maildraft/internal/crypto"
	"github.com/maildraft/maildraft/internal/database"
	"github.com/maildraft/maildraft/internal/events"
	"github.com/maildraft/maildraft/internal/extract"
	"github.com/maildraft/maildraft/internal/imapx"
	"github.com/maildraft/maildraft/internal/jobs"
	"github.com/maildraft/maildraft/internal/kvstore"
	"github.com/maildraft/maildraft/internal/locks"
	"github.com/maildraft/maildraft/internal/pipeline"
	"github.com/maildraft/maildraft/internal/relate"
	"github.com/maildraft/maildraft/internal/scheduler"
	"github.com/maildraft/maildraft/internal/server"
	"github.com/maildraft/maildraft/internal/styleagg"
	"github.com/maildraft/maildraft/internal/tokens"
	"github.com/maildraft/maildraft/internal/vector"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting maildraft")

	// Connect to database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations completed")

	// Durable key-value store for schedules and leases
	kv, err := kvstore.Open(cfg.KVStorePath)
	if err != nil {
		logger.Error("failed to open kv store", "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	// Event broadcaster
	broadcaster := events.NewBroadcaster(events.Config{}, logger)

	// Job queue: AMQP when configured, in-process otherwise
	var queue jobs.Queue
	if cfg.AMQPURL != "" {
		amqpQueue, err := jobs.NewAMQPQueue(cfg.AMQPURL, cfg.JobWorkers, logger)
		if err != nil {
			logger.Error("failed to connect to AMQP", "error", err)
			os.Exit(1)
		}
		queue = amqpQueue
		logger.Info("using AMQP job queue")
	} else {
		queue = jobs.NewMemoryQueue(0)
		logger.Info("using in-process job queue")
	}
	defer queue.Close()

	runtime := jobs.NewRuntime(queue, broadcaster, jobs.RuntimeConfig{
		Workers:     cfg.JobWorkers,
		MaxAttempts: cfg.JobMaxAttempts,
		RetryBase:   cfg.JobRetryBase,
	}, logger)

	// Connection pool and mailbox operations
	tokenProvider := tokens.NewProvider(tokens.Config{
		BaseURL: cfg.TokenServiceURL,
		APIKey:  cfg.TokenServiceAPIKey,
		Timeout: cfg.TokenServiceTimeout,
	}, logger)
	decrypt := crypto.DecryptFunc([]byte(cfg.EncryptionKey), logger)

	pool := imapx.NewPool(db, tokenProvider, decrypt, imapx.PoolConfig{
		MaxSessions:    cfg.PoolMaxSessions,
		IdleTimeout:    cfg.PoolIdleTimeout,
		DialTimeout:    cfg.IMAPDialTimeout,
		CommandTimeout: cfg.IMAPCommandTimeout,
	}, logger)
	mail := imapx.NewMailboxOps(pool, logger)

	// Processing pipeline
	llm := ai.NewClient(ai.Config{
		BaseURL:    cfg.LLMBaseURL,
		APIKey:     cfg.LLMAPIKey,
		Model:      cfg.LLMModel,
		EmbedModel: cfg.EmbedModel,
		Timeout:    cfg.LLMTimeout,
	}, logger)
	vectors := vector.NewClient(vector.Config{
		BaseURL: cfg.VectorBaseURL,
		APIKey:  cfg.VectorAPIKey,
		Timeout: cfg.VectorTimeout,
	}, logger)

	leaseLock := locks.NewLeaseLock(kv, cfg.LockLeaseTTL, logger)
	extractor := extract.NewExtractor()
	resolver := relate.NewResolver(db, logger)
	styles := styleagg.NewAggregator(db, logger)
	composer := compose.NewComposer()

	processor := pipeline.NewProcessor(mail, db, leaseLock, extractor, resolver, styles, composer,
		llm, vectors, broadcaster, pipeline.Config{
			GenerateRetries: cfg.GenerateRetries,
			ExampleLimit:    cfg.ExampleLimit,
			ScoreThreshold:  cfg.ScoreThreshold,
		}, logger)
	profiles := pipeline.NewProfileBuilder(mail, db, extractor, resolver, llm, vectors,
		cfg.ProfileSampleLimit, logger)

	handlers := pipeline.NewHandlers(processor, profiles, mail, db, runtime, logger)
	handlers.Register(runtime, cfg.JobWorkers)

	if err := runtime.Start(ctx); err != nil {
		logger.Error("failed to start job runtime", "error", err)
		os.Exit(1)
	}

	// Scheduler: restore durable entries, then reconcile against the accounts table
	sched := scheduler.NewManager(kv, runtime, db, scheduler.Config{
		DefaultInterval: cfg.MonitorPollInterval,
	}, logger)
	if err := sched.Restore(); err != nil {
		logger.Error("failed to restore schedules", "error", err)
		os.Exit(1)
	}
	if err := sched.Reconcile(ctx); err != nil {
		logger.Error("failed to reconcile schedules", "error", err)
		os.Exit(1)
	}

	// Mailbox monitors for every monitored account
	registry := imapx.NewRegistry(pool, runtime, db, broadcaster, imapx.MonitorConfig{
		PollInterval: cfg.MonitorPollInterval,
		MaxRetries:   cfg.MonitorMaxRetries,
		BackoffCeil:  cfg.MonitorBackoffCeil,
	}, logger)

	accounts, err := db.GetMonitoredAccounts(ctx)
	if err != nil {
		logger.Error("failed to load monitored accounts", "error", err)
		os.Exit(1)
	}
	registry.StartAll(accounts)

	// HTTP API
	srv := server.New(server.Deps{
		DB:          db,
		Processor:   processor,
		Scheduler:   sched,
		Registry:    registry,
		Runtime:     runtime,
		Broadcaster: broadcaster,
		Mail:        mail,
		Queue:       runtime,
		Logger:      logger,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Listen(cfg.ListenAddr)
	}()

	// Graceful shutdown: stop intake first, then the workers, then connections
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	logger.Info("shutting down...")
	if err := srv.Shutdown(); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	sched.Close()
	registry.StopAll()
	runtime.Stop()
	pool.Close()
	broadcaster.Close()

	logger.Info("maildraft stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
