package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/flowrunner/pkg/cache"
	"github.com/dukex/flowrunner/pkg/cmd"
	"github.com/dukex/flowrunner/pkg/eventbus"
	"github.com/dukex/flowrunner/pkg/httpaction"
	"github.com/dukex/flowrunner/pkg/otelhelper"
	"github.com/dukex/flowrunner/pkg/persistence"
	"github.com/dukex/flowrunner/pkg/queue"
	"github.com/dukex/flowrunner/pkg/runtimestate"
	"github.com/dukex/flowrunner/pkg/services"
	"github.com/dukex/flowrunner/pkg/workflow"
)

const serviceName = "flowrunner-worker"

type Config struct {
	WorkerID         string
	DatabaseURL      string
	RedisURL         string
	QueueName        string
	Concurrency      int
	BatchConcurrency int
	StalledInterval  time.Duration
	MaxStalledCount  int
	LockDuration     time.Duration
	LockRenew        time.Duration
	JobAttempts      int
	Timezone         string
	EventBus         string
	KafkaBrokers     string
	ActionRateLimit  float64
	Tracing          bool
}

// WorkerManager owns the connections of one worker process.
type WorkerManager struct {
	config Config
	logger *slog.Logger

	persistence persistence.Persistence
	redis       *redis.Client
	eventBus    eventbus.EventBus
	queue       *queue.RedisQueue
	shutdown    otelhelper.Shutdown
}

func NewWorkerManager(config Config, logger *slog.Logger) *WorkerManager {
	return &WorkerManager{
		config: config,
		logger: logger,
	}
}

// Start wires the worker, recovers interrupted jobs and consumes the queue
// until SIGINT or SIGTERM.
func (w *WorkerManager) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer w.close()

	tracer, err := w.tracer(ctx)
	if err != nil {
		return err
	}

	location := cmd.NewLocation(w.config.Timezone)

	w.persistence = cmd.NewPersistence(ctx, w.logger, w.config.DatabaseURL)
	w.redis = cmd.NewRedisClient(ctx, w.config.RedisURL)
	w.eventBus = cmd.NewEventBus(w.config.EventBus, w.config.KafkaBrokers, serviceName, w.logger)
	w.queue = queue.NewRedisQueue(w.redis, w.config.QueueName, queue.Options{
		DefaultAttempts: w.config.JobAttempts,
		Location:        location,
	}, w.logger)

	state := runtimestate.NewRedisStore(w.redis, runtimestate.Options{})
	configCache := cache.NewRedisCache(w.redis, cache.DefaultTTL)

	var invokerOpts []httpaction.Option
	if w.config.ActionRateLimit > 0 {
		invokerOpts = append(invokerOpts, httpaction.WithRateLimit(w.config.ActionRateLimit))
	}

	registry := cmd.NewProcessorRegistry(
		w.persistence,
		configCache,
		w.queue,
		httpaction.NewHTTPInvoker(w.logger, invokerOpts...),
		location,
		w.logger,
	)

	engine := workflow.NewEngine(w.persistence, state, registry, w.logger,
		workflow.WithBatchConcurrency(w.config.BatchConcurrency),
		workflow.WithEventPublisher(w.eventBus),
		workflow.WithTracer(tracer),
		workflow.WithWorkerID(w.config.WorkerID),
		workflow.WithEdgeCache(configCache),
	)
	runner := workflow.NewRunner(w.persistence, state, engine, w.logger)

	executions := services.NewExecution(w.persistence, w.queue, state, w.logger,
		services.WithPublisher(w.eventBus),
		services.WithJobAttempts(w.config.JobAttempts),
	)
	triggers := services.NewTrigger(w.persistence, w.queue, executions, w.logger)

	recovered, err := executions.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover pending jobs: %w", err)
	}

	w.logger.InfoContext(ctx, "recovered pending jobs", "count", recovered)

	worker := queue.NewWorker(w.queue, map[string]queue.Handler{
		queue.JobWorkflow: runner.HandleJob,
		queue.JobCron:     triggers.HandleJob,
		queue.JobSchedule: triggers.HandleJob,
	}, queue.WorkerOptions{
		Concurrency:     w.config.Concurrency,
		LockDuration:    w.config.LockDuration,
		LockRenew:       w.config.LockRenew,
		StalledInterval: w.config.StalledInterval,
		MaxStalledCount: w.config.MaxStalledCount,
	}, w.logger)

	if err := worker.Run(ctx); err != nil {
		return err
	}

	w.logger.Info("Shutting down worker...")

	return nil
}

// nolint:ireturn // trace.Tracer is the OpenTelemetry contract
func (w *WorkerManager) tracer(ctx context.Context) (trace.Tracer, error) {
	if !w.config.Tracing {
		return otelhelper.NoopTracer(serviceName), nil
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	w.shutdown = shutdown

	return tracer, nil
}

func (w *WorkerManager) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if w.queue != nil {
		if err := w.queue.Close(); err != nil {
			w.logger.ErrorContext(ctx, "Failed to close queue", "error", err)
		}
	}

	if w.eventBus != nil {
		if err := w.eventBus.Close(); err != nil {
			w.logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}

	if w.redis != nil {
		if err := w.redis.Close(); err != nil {
			w.logger.ErrorContext(ctx, "Failed to close redis", "error", err)
		}
	}

	if w.persistence != nil {
		if err := w.persistence.Close(ctx); err != nil {
			w.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}

	if w.shutdown != nil {
		if err := w.shutdown(ctx); err != nil {
			w.logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
		}
	}
}
