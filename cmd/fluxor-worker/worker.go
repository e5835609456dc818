// Package main provides the fluxor worker, the process that drives
// executions forward in response to lifecycle events.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxor-io/fluxor/pkg/approval"
	"github.com/fluxor-io/fluxor/pkg/eventbus"
	"github.com/fluxor-io/fluxor/pkg/events"
	"github.com/fluxor-io/fluxor/pkg/expression"
	"github.com/fluxor-io/fluxor/pkg/models"
	"github.com/fluxor-io/fluxor/pkg/otelhelper"
	"github.com/fluxor-io/fluxor/pkg/persistence"
	"github.com/fluxor-io/fluxor/pkg/registry"
	"github.com/fluxor-io/fluxor/pkg/services"
	"github.com/fluxor-io/fluxor/pkg/workflow"
)

const triggerScanPageSize = 100

// WorkerManager consumes the event stream and drives executions through
// the engine. Any number of workers may run against the same store; the
// engine's optimistic writes decide who advances each execution.
type WorkerManager struct {
	id          string
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	engine      *workflow.Engine
	executions  *services.Execution
	expressions *expression.Engine
	tracer      trace.Tracer
}

func NewWorkerManager(
	id string,
	persist persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	reg *registry.Registry,
) *WorkerManager {
	engine := workflow.NewEngine(persist, reg, eventBus, logger, id)
	approvals := approval.NewManager(persist, eventBus, logger, id)

	return &WorkerManager{
		id:          id,
		logger:      logger.With("module", "fluxor-worker", "worker_id", id),
		persistence: persist,
		registry:    reg,
		eventBus:    eventBus,
		engine:      engine,
		executions:  services.NewExecution(persist, engine, approvals, eventBus, logger),
		expressions: expression.NewEngine(),
		tracer:      otel.Tracer("fluxor-worker"),
	}
}

// Start registers the event handlers and blocks until SIGINT or SIGTERM.
func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager")

	if err := w.eventBus.Handle(events.ExecutionRequestedEvent, w.handleExecutionRequested); err != nil {
		return err
	}

	if err := w.eventBus.Handle(events.ExecutionResumedEvent, w.handleExecutionResumed); err != nil {
		return err
	}

	if err := w.eventBus.Handle(events.ExecutionCompletedEvent, w.handleExecutionCompleted); err != nil {
		return err
	}

	if err := w.eventBus.Subscribe(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	w.logger.InfoContext(ctx, "Shutting down worker...")

	return nil
}

func (w *WorkerManager) handleExecutionRequested(ctx context.Context, event any) error {
	requested, ok := event.(*events.ExecutionRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ExecutionRequested")

		return nil
	}

	logger := w.logger.With(
		"execution_id", requested.ExecutionID,
		"workflow_id", requested.WorkflowID,
		"event_id", requested.ID,
	)
	logger.InfoContext(ctx, "Processing execution requested event")

	return w.drive(ctx, logger, "execution.requested", requested.ExecutionID)
}

func (w *WorkerManager) handleExecutionResumed(ctx context.Context, event any) error {
	resumed, ok := event.(*events.ExecutionResumed)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ExecutionResumed")

		return nil
	}

	logger := w.logger.With(
		"execution_id", resumed.ExecutionID,
		"workflow_id", resumed.WorkflowID,
		"event_id", resumed.ID,
	)
	logger.InfoContext(ctx, "Processing execution resumed event")

	return w.drive(ctx, logger, "execution.resumed", resumed.ExecutionID)
}

// drive advances one execution as far as it will go. A missing execution
// is dropped rather than redelivered forever.
func (w *WorkerManager) drive(ctx context.Context, logger *slog.Logger, reason, executionID string) error {
	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "worker.drive",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
		attribute.String(otelhelper.WorkerIDKey, w.id),
		attribute.String("fluxor.drive.reason", reason),
	)
	defer span.End()

	err := w.engine.Resume(ctx, executionID)
	if err == nil {
		return nil
	}

	if errors.Is(err, persistence.ErrExecutionNotFound) {
		logger.WarnContext(ctx, "Dropping event for unknown execution", "error", err)

		return nil
	}

	otelhelper.SetError(span, err)
	logger.ErrorContext(ctx, "Failed to drive execution", "error", err)

	return err
}

// handleExecutionCompleted fires completion and condition triggers that
// watch the finished execution. Launch failures are logged, not retried:
// redelivering the completion event would double-fire every other
// matching trigger.
func (w *WorkerManager) handleExecutionCompleted(ctx context.Context, event any) error {
	completed, ok := event.(*events.ExecutionCompleted)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ExecutionCompleted")

		return nil
	}

	logger := w.logger.With(
		"execution_id", completed.ExecutionID,
		"workflow_id", completed.WorkflowID,
		"event_id", completed.ID,
	)

	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "worker.fan_out",
		attribute.String(otelhelper.ExecutionIDKey, completed.ExecutionID),
		attribute.String(otelhelper.WorkflowIDKey, completed.WorkflowID),
	)
	defer span.End()

	fired, err := w.fireDownstreamTriggers(ctx, logger, completed)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Failed to scan for downstream triggers", "error", err)

		return err
	}

	if fired > 0 {
		logger.InfoContext(ctx, "Fired downstream triggers", "count", fired)
	}

	return nil
}

func (w *WorkerManager) fireDownstreamTriggers(ctx context.Context, logger *slog.Logger, completed *events.ExecutionCompleted) (int, error) {
	fired := 0
	offset := 0

	for {
		page, err := w.persistence.WorkflowRepository().List(ctx, persistence.ListWorkflowsOptions{
			Limit:  triggerScanPageSize,
			Offset: offset,
		})
		if err != nil {
			return fired, fmt.Errorf("failed to list workflows: %w", err)
		}

		for _, def := range page.Workflows {
			for _, trigger := range def.Triggers {
				if trigger == nil || !w.triggerMatches(ctx, logger, def, trigger, completed) {
					continue
				}

				if _, err := w.executions.Trigger(ctx, def.ID, trigger, completed.Outputs); err != nil {
					logger.ErrorContext(ctx, "Failed to start downstream execution",
						"downstream_workflow_id", def.ID,
						"trigger_id", trigger.ID,
						"error", err)

					continue
				}

				fired++
			}
		}

		if !page.HasNextPage || len(page.Workflows) == 0 {
			return fired, nil
		}

		offset += len(page.Workflows)
	}
}

// triggerMatches decides whether one declared trigger fires for the
// completed execution. A workflow never triggers itself; that would loop
// without bound.
func (w *WorkerManager) triggerMatches(ctx context.Context, logger *slog.Logger, def *models.WorkflowDefinition, trigger *models.Trigger, completed *events.ExecutionCompleted) bool {
	if def.ID == completed.WorkflowID {
		return false
	}

	switch trigger.Type {
	case models.TriggerTypeCompletion:
		return trigger.Condition == completed.WorkflowID
	case models.TriggerTypeCondition:
		env := map[string]any{
			"workflow_id":  completed.WorkflowID,
			"execution_id": completed.ExecutionID,
			"outputs":      completed.Outputs,
		}

		matched, err := w.expressions.EvaluateBool(trigger.Condition, env)
		if err != nil {
			logger.WarnContext(ctx, "Condition trigger did not evaluate",
				"trigger_id", trigger.ID, "error", err)

			return false
		}

		return matched
	default:
		return false
	}
}
