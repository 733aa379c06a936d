package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	cli "github.com/urfave/cli/v3"

	"github.com/dukex/flowrunner/pkg/log"
	"github.com/dukex/flowrunner/pkg/queue"
	"github.com/dukex/flowrunner/pkg/workflow"
)

func main() {
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:                  "flowrunner-worker",
		EnableShellCompletion: true,
		Usage:                 "Consume workflow, cron and schedule jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres:// or memory://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the job queue, runtime state and node config cache",
				Value:   "redis://localhost:6379/0",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "queue-name",
				Usage:   "Name of the job queue",
				Value:   queue.DefaultQueueName,
				Sources: cli.EnvVars("QUEUE_NAME"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Number of jobs processed at once",
				Value:   5,
				Sources: cli.EnvVars("WORKER_CONCURRENCY"),
			},
			&cli.IntFlag{
				Name:    "batch-concurrency",
				Usage:   "Number of nodes of one batch processed at once",
				Value:   workflow.DefaultBatchConcurrency,
				Sources: cli.EnvVars("BATCH_CONCURRENCY"),
			},
			&cli.DurationFlag{
				Name:  "stalled-interval",
				Usage: "How often active jobs with expired locks are checked",
				Value: 30 * time.Second,
			},
			&cli.IntFlag{
				Name:  "max-stalled-count",
				Usage: "How often a job may stall before it fails",
				Value: 1,
			},
			&cli.DurationFlag{
				Name:  "lock-duration",
				Usage: "Lock duration of an active job",
				Value: 60 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "lock-renew",
				Usage: "Lock renew interval of an active job",
				Value: 15 * time.Second,
			},
			&cli.IntFlag{
				Name:  "job-attempts",
				Usage: "Attempts of a root workflow job",
				Value: 1,
			},
			&cli.StringFlag{
				Name:    "cron-timezone",
				Usage:   "Timezone of cron triggers and delay until times",
				Value:   "Asia/Kolkata",
				Sources: cli.EnvVars("CRON_TIMEZONE"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, kafka-go, gochannel, none)",
				Value:   "none",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.FloatFlag{
				Name:    "action-rate-limit",
				Usage:   "Outbound action requests per second (0 = unlimited)",
				Sources: cli.EnvVars("ACTION_RATE_LIMIT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("flowrunner-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing flowrunner worker")

			manager := NewWorkerManager(Config{
				WorkerID:         workerID,
				DatabaseURL:      command.String("database-url"),
				RedisURL:         command.String("redis-url"),
				QueueName:        command.String("queue-name"),
				Concurrency:      command.Int("concurrency"),
				BatchConcurrency: command.Int("batch-concurrency"),
				StalledInterval:  command.Duration("stalled-interval"),
				MaxStalledCount:  command.Int("max-stalled-count"),
				LockDuration:     command.Duration("lock-duration"),
				LockRenew:        command.Duration("lock-renew"),
				JobAttempts:      command.Int("job-attempts"),
				Timezone:         command.String("cron-timezone"),
				EventBus:         command.String("event-bus"),
				KafkaBrokers:     command.String("kafka-brokers"),
				ActionRateLimit:  command.Float("action-rate-limit"),
				Tracing:          command.Bool("tracing"),
			}, logger)

			return manager.Start(ctx)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
