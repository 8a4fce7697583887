package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quizpix/scanworker/internal/batch"
	"github.com/quizpix/scanworker/internal/core/config"
	"github.com/quizpix/scanworker/internal/core/worker"
	"github.com/quizpix/scanworker/internal/health"
	"github.com/quizpix/scanworker/internal/infra/ai"
	"github.com/quizpix/scanworker/internal/infra/ai/keypool"
	redisclient "github.com/quizpix/scanworker/internal/infra/redis"
	"github.com/quizpix/scanworker/internal/infra/storage"
	"github.com/quizpix/scanworker/internal/infra/storage/memory"
	"github.com/quizpix/scanworker/internal/infra/storage/postgres"
)

// Worker is the main application struct that manages the pipeline lifecycle.
type Worker struct {
	cfg          Config
	scheduler    *batch.Scheduler
	pruner       *worker.Pruner
	keys         *keypool.Pool
	healthMon    *health.Monitor
	healthServer *health.Server
	store        *memory.MemoryStorage
	db           *postgres.DB
	redisClient  *redisclient.Client
	log          *slog.Logger
	done         chan struct{}
}

// Config holds the application configuration.
type Config struct {
	Port          int
	AI            config.AIConfig
	Batch         config.BatchConfig
	Redis         redisclient.Config
	Database      postgres.Config
	MigrationsDir string
}

// NewWorker creates a new Worker instance with all dependencies initialized.
func NewWorker(cfg Config) (*Worker, error) {
	log := slog.Default()

	// 1. Initialize Storage
	var pageRepo storage.PageRepository
	var imageRepo storage.ImageRepository
	var analysisRepo storage.AnalysisRepository
	var finished worker.FinishedPageStore
	var store *memory.MemoryStorage // Only for cleanup if used
	var db *postgres.DB

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		migrationsDir := cfg.MigrationsDir
		if migrationsDir == "" {
			migrationsDir = "migrations"
		}
		if err := db.Migrate(migrationsDir); err != nil {
			return nil, err
		}

		pgPages := postgres.NewPageRepo(db)
		pageRepo = pgPages
		finished = pgPages
		imageRepo = postgres.NewImageRepo(db)
		analysisRepo = postgres.NewAnalysisRepo(db)

		log.Info("Using PostgreSQL storage")
	} else {
		store = memory.NewMemoryStorage()
		memPages := memory.NewPageRepo(store)
		pageRepo = memPages
		finished = memPages
		imageRepo = memory.NewImageRepo(store)
		analysisRepo = memory.NewAnalysisRepo(store)

		log.Info("Using Memory storage")
	}

	// 2. Initialize Credential Pool
	apiKeys, err := keypool.LoadFile(cfg.AI.KeysFile)
	if err != nil {
		return nil, err
	}
	pool, err := keypool.New(apiKeys, cfg.AI.KeyDelay, cfg.AI.KeyMaxDelay)
	if err != nil {
		return nil, err
	}
	log.Info("Loaded API keys", "count", pool.Len())

	// 3. Initialize Stats Sink
	var redisClient *redisclient.Client
	var stats ai.StatsSink = ai.NoopStats{}
	if cfg.Redis.URL != "" {
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("Failed to connect to Redis, attempt stats disabled", "error", err)
			redisClient = nil
		} else {
			stats = redisclient.NewStatsSink(redisClient, log)
		}
	}

	// 4. Initialize AI Client and Orchestrators
	client := ai.NewClient(cfg.AI.BaseURL, cfg.AI.RequestTimeout, log)
	// Detection and analysis keep independent retry budgets over the shared
	// credential pool.
	detectRetry := cfg.AI.DetectRetry()
	analyzeRetry := cfg.AI.AnalyzeRetry()
	detect := ai.NewOrchestrator(client, pool, stats, ai.RetryConfig{
		MaxAttempts: detectRetry.MaxAttempts,
		BaseDelay:   detectRetry.BaseDelay,
		MaxDelay:    detectRetry.MaxDelay,
	}, log)
	analyze := ai.NewOrchestrator(client, pool, stats, ai.RetryConfig{
		MaxAttempts: analyzeRetry.MaxAttempts,
		BaseDelay:   analyzeRetry.BaseDelay,
		MaxDelay:    analyzeRetry.MaxDelay,
	}, log)

	processor := batch.NewPageProcessor(
		imageRepo,
		detect, analyze,
		cfg.AI.DetectModel, cfg.AI.AnalyzeModel,
		cfg.AI.Stream,
		log,
	)

	// 5. Initialize Scheduler
	scheduler := batch.NewScheduler(batch.Config{
		BatchSize:     cfg.Batch.BatchSize,
		Concurrency:   cfg.Batch.Concurrency,
		MaxItemRounds: cfg.Batch.MaxItemRounds,
		RetryInterval: cfg.Batch.RetryInterval,
		IdleInterval:  cfg.Batch.IdleInterval,
	}, pageRepo, analysisRepo, processor, log)

	pruner := worker.NewPruner(cfg.Batch.RetentionPeriod, finished, log)

	// 6. Initialize Health Monitor
	var dbPinger, cachePinger health.Pinger
	if db != nil {
		dbPinger = db
	}
	if redisClient != nil {
		cachePinger = redisClient
	}
	healthMon := health.NewMonitor(dbPinger, cachePinger, pageRepo, pool)
	healthServer := health.NewServer(healthMon, cfg.Port)

	return &Worker{
		cfg:          cfg,
		scheduler:    scheduler,
		pruner:       pruner,
		keys:         pool,
		healthMon:    healthMon,
		healthServer: healthServer,
		store:        store,
		db:           db,
		redisClient:  redisClient,
		log:          log,
		done:         make(chan struct{}),
	}, nil
}

// Start starts the health server and the scheduler. It returns immediately;
// the scheduler runs until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	go func() {
		if err := w.healthServer.Start(); err != nil && err != http.ErrServerClosed {
			w.log.Error("Health server failed", "error", err)
		}
	}()

	go w.pruner.Start(ctx)

	go func() {
		defer close(w.done)
		if err := w.scheduler.Run(ctx); err != nil {
			w.log.Error("Scheduler failed", "error", err)
		}
	}()

	return nil
}

// Stop waits for the scheduler to drain its current window, then releases
// the backing connections.
func (w *Worker) Stop(ctx context.Context) error {
	w.log.Info("Stopping Worker...")

	select {
	case <-w.done:
	case <-ctx.Done():
		w.log.Warn("Scheduler did not stop in time", "error", ctx.Err())
	case <-time.After(30 * time.Second):
		w.log.Warn("Scheduler did not stop in time")
	}

	if w.redisClient != nil {
		if err := w.redisClient.Close(); err != nil {
			w.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if w.db != nil {
		if err := w.db.Close(); err != nil {
			w.log.Warn("Failed to close database", "error", err)
		}
	}

	return w.healthServer.Stop(ctx)
}

// Store exposes the in-memory backing store in DB-less mode, nil otherwise.
func (w *Worker) Store() *memory.MemoryStorage {
	return w.store
}
