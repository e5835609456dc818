package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/fluxor-io/fluxor/pkg/cmd"
	"github.com/fluxor-io/fluxor/pkg/log"
	"github.com/fluxor-io/fluxor/pkg/otelhelper"
	"github.com/fluxor-io/fluxor/pkg/triggers/queue"
)

const version = "0.1.0"

func main() {
	app := &cli.Command{
		Name:                  "fluxor-scheduler",
		Usage:                 "Fire schedule triggers, wake suspended executions, and expire approvals",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "scheduler-id",
				Aliases: []string{"id"},
				Usage:   "Scheduler instance identifier (auto-generated when empty)",
				Sources: cli.EnvVars("FLUXOR_SCHEDULER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL (postgres://... or file://...)",
				Required: true,
				Sources:  cli.EnvVars("FLUXOR_DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (gochannel or kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("FLUXOR_EVENT_BUS"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka broker addresses",
				Sources: cli.EnvVars("FLUXOR_KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Directory containing agent plugins",
				Value:   "./plugins",
				Sources: cli.EnvVars("FLUXOR_PLUGINS_PATH"),
			},
			&cli.DurationFlag{
				Name:    "tick-interval",
				Usage:   "How often to sweep due suspensions, timeouts, and approvals",
				Value:   defaultTickInterval,
				Sources: cli.EnvVars("FLUXOR_TICK_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "refresh-interval",
				Usage:   "How often to reconcile schedule triggers with the store",
				Value:   defaultRefreshInterval,
				Sources: cli.EnvVars("FLUXOR_REFRESH_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for the webhook delivery queue (disabled when empty)",
				Sources: cli.EnvVars("FLUXOR_REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password for the webhook delivery queue",
				Sources: cli.EnvVars("FLUXOR_REDIS_PASSWORD"),
			},
			&cli.StringFlag{
				Name:    "redis-queue",
				Usage:   "Redis list holding queued webhook deliveries",
				Value:   queue.DefaultQueue,
				Sources: cli.EnvVars("FLUXOR_REDIS_QUEUE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("FLUXOR_LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))
			logger := log.WithModule("fluxor-scheduler")

			schedulerID := command.String("scheduler-id")
			if schedulerID == "" {
				schedulerID = "scheduler-" + uuid.New().String()[:8]
			}

			logger.InfoContext(ctx, "Initializing Fluxor scheduler", "scheduler_id", schedulerID)

			if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
				_, shutdown, err := otelhelper.NewTracer(ctx, "fluxor-scheduler", version)
				if err != nil {
					return err
				}

				defer func() {
					if err := shutdown(ctx); err != nil {
						logger.ErrorContext(ctx, "Failed to shut down tracer", "error", err)
					}
				}()
			}

			reg := cmd.NewRegistry(logger, command.String("plugins-path"))

			persist := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := persist.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "fluxor-scheduler", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			scheduler := NewScheduler(
				schedulerID,
				persist,
				eventBus,
				logger,
				reg,
				command.Duration("tick-interval"),
				command.Duration("refresh-interval"),
				queue.Config{
					Addr:     command.String("redis-addr"),
					Password: command.String("redis-password"),
					Queue:    command.String("redis-queue"),
				},
			)

			scheduler.Start(ctx)

			return nil
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
