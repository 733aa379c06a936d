package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	cli "github.com/urfave/cli/v3"

	"github.com/dukex/flowrunner/pkg/cmd"
	"github.com/dukex/flowrunner/pkg/log"
	"github.com/dukex/flowrunner/pkg/queue"
	"github.com/dukex/flowrunner/pkg/runtimestate"
)

const (
	defaultPort = 9091
	serviceName = "flowrunner-api"
)

func main() {
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:                  serviceName,
		Usage:                 "Start, stop and inspect workflow executions and manage triggers",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres:// or memory://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL of the job queue and runtime state",
				Value:   "redis://localhost:6379/0",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "queue-name",
				Usage:   "Name of the job queue",
				Value:   queue.DefaultQueueName,
				Sources: cli.EnvVars("QUEUE_NAME"),
			},
			&cli.StringFlag{
				Name:    "cron-timezone",
				Usage:   "Timezone of cron triggers",
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

			logger := log.WithModule("api")

			logger.InfoContext(ctx, "Initializing flowrunner API")

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			redisClient := cmd.NewRedisClient(ctx, command.String("redis-url"))
			defer func() {
				if err := redisClient.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close redis", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), serviceName, logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			jobs := queue.NewRedisQueue(redisClient, command.String("queue-name"), queue.Options{
				Location: cmd.NewLocation(command.String("cron-timezone")),
			}, logger)

			api := NewAPI(
				logger,
				persistence,
				jobs,
				runtimestate.NewRedisStore(redisClient, runtimestate.Options{}),
				eventBus,
			)

			if err := api.setupEventSubscriptions(ctx); err != nil {
				logger.ErrorContext(ctx, "Failed to subscribe to events", "error", err)

				return err
			}

			if err := api.Start(command.Int("port")); err != nil {
				logger.ErrorContext(ctx, "Failed to start API", "error", err)

				return err
			}

			return nil
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
