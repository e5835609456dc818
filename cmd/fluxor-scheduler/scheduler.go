// Package main provides the fluxor scheduler, the process that owns
// time-driven work: firing schedule triggers, waking suspended executions,
// and expiring approvals.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxor-io/fluxor/pkg/approval"
	"github.com/fluxor-io/fluxor/pkg/eventbus"
	"github.com/fluxor-io/fluxor/pkg/models"
	"github.com/fluxor-io/fluxor/pkg/persistence"
	"github.com/fluxor-io/fluxor/pkg/registry"
	"github.com/fluxor-io/fluxor/pkg/services"
	"github.com/fluxor-io/fluxor/pkg/triggers/queue"
	"github.com/fluxor-io/fluxor/pkg/triggers/schedule"
	"github.com/fluxor-io/fluxor/pkg/workflow"
)

const (
	defaultTickInterval    = 5 * time.Second
	defaultRefreshInterval = time.Minute
)

// Scheduler runs the periodic passes no event drives on its own: the sweep
// that advances due delays, webhook deadlines, subworkflow joins, and
// execution timeouts, the approval expiry pass, and the cron entries behind
// schedule triggers. Exactly one scheduler instance should run per store;
// the optimistic writes underneath make a second instance safe, just
// wasteful.
type Scheduler struct {
	id              string
	logger          *slog.Logger
	engine          *workflow.Engine
	approvals       *approval.Manager
	schedules       *schedule.Scheduler
	queueConfig     queue.Config
	deliver         queue.Deliverer
	queue           *queue.Consumer
	tickInterval    time.Duration
	refreshInterval time.Duration
	restartCount    int
}

func NewScheduler(
	id string,
	persist persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	reg *registry.Registry,
	tickInterval time.Duration,
	refreshInterval time.Duration,
	queueConfig queue.Config,
) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = defaultTickInterval
	}

	if refreshInterval <= 0 {
		refreshInterval = defaultRefreshInterval
	}

	engine := workflow.NewEngine(persist, reg, eventBus, logger, id)
	approvals := approval.NewManager(persist, eventBus, logger, id)
	executions := services.NewExecution(persist, engine, approvals, eventBus, logger)

	schedules := schedule.NewScheduler(persist, func(ctx context.Context, workflowID string, trigger *models.Trigger, payload map[string]any) error {
		_, err := executions.Trigger(ctx, workflowID, trigger, payload)

		return err
	}, logger)

	return &Scheduler{
		id:        id,
		logger:    logger.With("module", "scheduler", "scheduler_id", id),
		engine:    engine,
		approvals: approvals,
		schedules: schedules,
		deliver: func(ctx context.Context, token string, payload map[string]any) error {
			_, err := executions.DeliverWebhook(ctx, token, payload)

			return err
		},
		queueConfig:     queueConfig,
		tickInterval:    tickInterval,
		refreshInterval: refreshInterval,
	}
}

// Start begins the scheduler service.
func (s *Scheduler) Start(ctx context.Context) {
	sCtx, cancel := context.WithCancel(ctx)

	s.logger.Info("Starting scheduler")

	s.handleSignals(sCtx, cancel)
	s.run(sCtx)
}

// handleSignals sets up signal handling for graceful shutdown and restart.
func (s *Scheduler) handleSignals(ctx context.Context, cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		s.logger.Info("Received signal", "signal", sig)

		switch sig {
		case syscall.SIGHUP:
			s.logger.Info("Reloading...")
			s.restart(ctx, cancel)
		case syscall.SIGINT, syscall.SIGTERM:
			s.logger.Info("Shutting down gracefully...")
			s.stop(cancel)
			os.Exit(0)
		default:
			s.logger.Warn("Unhandled signal received", "signal", sig)
		}
	}()
}

// restart tears the loops down and starts over with backoff.
func (s *Scheduler) restart(ctx context.Context, cancel context.CancelFunc) {
	s.restartCount++
	newCtx := context.WithoutCancel(ctx)

	s.stop(cancel)

	if s.restartCount > 5 {
		s.logger.Error("Restart limit reached, exiting...")
		os.Exit(1)
	}

	backoff := time.Duration(s.restartCount) * time.Second
	s.logger.Info("Restarting scheduler...", "backoff", backoff)
	time.Sleep(backoff)

	s.Start(newCtx)
}

// run starts the schedule triggers and the optional queue consumer, then
// ticks until the context is cancelled.
func (s *Scheduler) run(ctx context.Context) {
	if err := s.schedules.Start(ctx); err != nil {
		s.logger.Error("Failed to start schedule triggers", "error", err)

		return
	}

	if s.queueConfig.Addr != "" {
		consumer, err := queue.NewConsumer(s.queueConfig, s.deliver, s.logger)
		if err != nil {
			s.logger.Error("Failed to build queue consumer", "error", err)

			return
		}

		if err := consumer.Start(ctx); err != nil {
			s.logger.Error("Failed to start queue consumer", "error", err)

			return
		}

		s.queue = consumer
	}

	s.logger.Info("Scheduler started successfully",
		"schedule_triggers", s.schedules.TriggerCount(),
		"tick_interval", s.tickInterval,
		"refresh_interval", s.refreshInterval)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	refresh := time.NewTicker(s.refreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping...")

			return
		case <-ticker.C:
			s.tick(ctx)
		case <-refresh.C:
			if err := s.schedules.Refresh(ctx); err != nil {
				s.logger.Error("Failed to refresh schedule triggers", "error", err)
			}
		}
	}
}

// tick runs one pass of everything that is due. Failures are logged; the
// next tick retries against fresh state.
func (s *Scheduler) tick(ctx context.Context) {
	if err := s.engine.Sweep(ctx); err != nil {
		s.logger.Error("Sweep pass failed", "error", err)
	}

	if err := s.approvals.SweepExpired(ctx); err != nil {
		s.logger.Error("Approval expiry pass failed", "error", err)
	}
}

// stop gracefully shuts the loops down.
func (s *Scheduler) stop(cancel context.CancelFunc) {
	s.logger.Info("Stopping scheduler")

	s.schedules.Stop()

	if s.queue != nil {
		if err := s.queue.Stop(context.Background()); err != nil {
			s.logger.Error("Failed to stop queue consumer", "error", err)
		}

		s.queue = nil
	}

	if cancel != nil {
		cancel()
	}
}
