package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/phrazzld/jobfit/internal/config"
	"github.com/phrazzld/jobfit/internal/events"
	"github.com/phrazzld/jobfit/internal/gate"
	"github.com/phrazzld/jobfit/internal/gatestore"
	"github.com/phrazzld/jobfit/internal/generation"
	"github.com/phrazzld/jobfit/internal/lock"
	"github.com/phrazzld/jobfit/internal/metrics"
	"github.com/phrazzld/jobfit/internal/platform/gemini"
	"github.com/phrazzld/jobfit/internal/platform/postgres"
	"github.com/phrazzld/jobfit/internal/queue"
	"github.com/phrazzld/jobfit/internal/routing"
	"github.com/phrazzld/jobfit/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
)

// sweepInterval is how often the in-process gate store drops expired keys.
const sweepInterval = time.Minute

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	pool      *pgxpool.Pool
	redis     *redis.Client
	gateStore gatestore.GateStore

	registry *prometheus.Registry
	broker   events.Broker
	pipeline *task.Pipeline
	producer *task.Producer

	// Exactly one delivery path is set, depending on queue.mode.
	memQueue     *queue.MemoryQueue
	insertClient *river.Client[pgx.Tx]
	workClient   *river.Client[pgx.Tx]

	// verifier is set in push mode, where this process also serves the
	// delivery callback.
	verifier *queue.Verifier
}

// newApplication creates a new application instance with all dependencies initialized.
// Resources opened before a failure are released before returning.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *application, err error) {
	app := &application{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			app.cleanup()
		}
	}()

	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if app.pool, err = setupDatabase(ctx, cfg.Database, logger); err != nil {
		return nil, err
	}
	if err = postgres.Migrate(ctx, app.pool, logger); err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if cfg.Queue.Mode != "memory" {
		if err = queue.Migrate(ctx, app.pool, logger); err != nil {
			return nil, err
		}
	}

	if cfg.Redis.URL != "" {
		if app.redis, err = setupRedis(ctx, cfg.Redis.URL, logger); err != nil {
			return nil, err
		}
	}

	app.gateStore = app.setupGateStore()
	gates := gate.New(app.gateStore, cfg.Gates)
	locker := lock.New(app.gateStore, time.Duration(cfg.Gates.LockTTLSec)*time.Second)
	router := routing.NewRouter(cfg.Routing)
	app.broker = app.setupBroker()
	m := metrics.New(app.registry)

	model, err := gemini.New(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	logger.Info("LLM client initialized", "primary_model", cfg.Routing.PrimaryModel)

	var validator *generation.OutputValidator
	if cfg.LLM.SchemaDir != "" {
		if validator, err = generation.NewOutputValidator(cfg.LLM.SchemaDir); err != nil {
			return nil, fmt.Errorf("failed to load output schemas: %w", err)
		}
	}

	pipelineCfg := task.PipelineConfigFrom(cfg.Queue, cfg.Events)

	q, err := app.setupQueue(logger)
	if err != nil {
		return nil, err
	}

	quota := postgres.NewQuotaStore(app.pool, logger)

	app.pipeline, err = task.NewPipeline(task.PipelineDeps{
		Gates:     gates,
		Locker:    locker,
		Router:    router,
		Quota:     quota,
		Model:     model,
		Validator: validator,
		Outputs:   postgres.NewOutputStore(app.pool, logger),
		Usage:     postgres.NewUsageStore(app.pool),
		Queue:     q,
		Publisher: app.broker,
		Metrics:   m,
		Logger:    logger,
	}, pipelineCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	app.producer, err = task.NewProducer(gates, locker, router, quota, q, m,
		task.ProducerConfig{BackpressureRetry: pipelineCfg.GuardRetryDelay}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	if err = app.setupDelivery(pipelineCfg); err != nil {
		return nil, err
	}

	return app, nil
}

// setupDatabase opens the connection pool and checks it is reachable.
func setupDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established", "max_conns", poolCfg.MaxConns)
	return pool, nil
}

func setupRedis(ctx context.Context, url string, logger *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// The gate store degrades to in-process counters while Redis is
		// down, so an unreachable Redis is not fatal at startup.
		logger.Warn("redis not reachable at startup", "error", err)
	} else {
		logger.Info("redis connection established", "addr", opts.Addr)
	}
	return client, nil
}

func (app *application) setupGateStore() gatestore.GateStore {
	cooldown := time.Duration(app.config.Redis.FallbackCooldownSec) * time.Second
	// A nil *redis.Client is not a nil UniversalClient.
	if app.redis == nil {
		return gatestore.New(nil, cooldown, app.logger)
	}
	return gatestore.New(app.redis, cooldown, app.logger)
}

func (app *application) setupBroker() events.Broker {
	ev := app.config.Events
	if app.redis == nil {
		return events.NewInMemoryBroker(int(ev.BufferSize), ev.SubscriberBacklog, app.logger)
	}
	return events.NewRedisBroker(app.redis, ev.BufferSize, time.Duration(ev.BufferTTLSec)*time.Second, app.logger)
}

// setupQueue creates the queue tasks are published to.
func (app *application) setupQueue(logger *slog.Logger) (task.Queue, error) {
	qc := app.config.Queue
	if qc.Mode == "memory" {
		cfg := queue.DefaultMemoryQueueConfig()
		cfg.Workers = qc.WorkersPerQueue
		cfg.RedeliveryDelay = time.Duration(qc.RetryBaseDelayMs) * time.Millisecond
		cfg.MaxAttempts = qc.MaxRetries + 1
		cfg.Timeouts = task.PipelineConfigFrom(qc, app.config.Events)
		app.memQueue = queue.NewMemoryQueue(cfg, logger)
		logger.Warn("using in-memory queue, pending tasks are lost on restart")
		return app.memQueue, nil
	}

	client, err := queue.NewInsertClient(app.pool, logger)
	if err != nil {
		return nil, err
	}
	app.insertClient = client
	return queue.NewRiverQueue(client), nil
}

// setupDelivery builds the River worker client for direct and push modes.
func (app *application) setupDelivery(pipelineCfg task.PipelineConfig) error {
	qc := app.config.Queue
	if qc.Mode == "memory" {
		return nil
	}

	var forwarder *queue.PushForwarder
	if qc.Mode == "push" {
		ttl := time.Duration(qc.SignatureTTLSec) * time.Second
		signer, err := queue.NewSigner(qc.CurrentSigningKey, ttl)
		if err != nil {
			return fmt.Errorf("failed to create delivery signer: %w", err)
		}
		if app.verifier, err = queue.NewVerifier(qc.CurrentSigningKey, qc.NextSigningKey); err != nil {
			return fmt.Errorf("failed to create delivery verifier: %w", err)
		}
		forwarder = queue.NewPushForwarder(qc.CallbackBaseURL, signer, nil, app.logger)
	}

	worker := queue.NewDeliveryWorker(app.pipeline, forwarder, pipelineCfg, app.logger)
	client, err := queue.NewRiverClient(
		app.pool,
		app.config.Routing.Queues(),
		qc.WorkersPerQueue,
		worker,
		app.logger,
	)
	if err != nil {
		return err
	}
	app.workClient = client
	return nil
}

// start launches the background workers.
func (app *application) start(ctx context.Context) error {
	// Both the in-process store and the Redis fallback keep local entries.
	if sw, ok := app.gateStore.(gatestore.Sweeper); ok {
		go sw.RunSweeper(ctx, sweepInterval)
	}
	if app.memQueue != nil {
		app.memQueue.Start(ctx, app.pipeline)
	}
	if app.workClient != nil {
		if err := app.workClient.Start(ctx); err != nil {
			return fmt.Errorf("failed to start river client: %w", err)
		}
		app.logger.Info("river client started",
			"queues", app.config.Routing.Queues(),
			"workers_per_queue", app.config.Queue.WorkersPerQueue)
	}
	return nil
}

// cleanup releases resources in reverse order of creation.
func (app *application) cleanup() {
	app.logger.Info("cleaning up application resources")

	if app.workClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), app.shutdownTimeout())
		if err := app.workClient.Stop(ctx); err != nil {
			app.logger.Error("error stopping river client", "error", err)
		}
		cancel()
	}
	if app.memQueue != nil {
		app.memQueue.Stop()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis client", "error", err)
		}
	}
	if app.pool != nil {
		app.pool.Close()
	}
}

func (app *application) shutdownTimeout() time.Duration {
	if app.config.Server.ShutdownTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(app.config.Server.ShutdownTimeoutSec) * time.Second
}
