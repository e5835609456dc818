package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/fluxor-io/fluxor/pkg/cmd"
	"github.com/fluxor-io/fluxor/pkg/log"
	"github.com/fluxor-io/fluxor/pkg/otelhelper"
)

const version = "0.1.0"

func main() {
	app := &cli.Command{
		Name:                  "fluxor-worker",
		Usage:                 "Drive workflow executions in response to lifecycle events",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Worker instance identifier (auto-generated when empty)",
				Sources: cli.EnvVars("FLUXOR_WORKER_ID"),
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
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("FLUXOR_LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))
			logger := log.WithModule("fluxor-worker")

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger.InfoContext(ctx, "Initializing Fluxor worker", "worker_id", workerID)

			if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
				_, shutdown, err := otelhelper.NewTracer(ctx, "fluxor-worker", version)
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

			eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "fluxor-worker", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			worker := NewWorkerManager(workerID, persist, eventBus, logger, reg)

			return worker.Start(ctx)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
