package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fluxor-io/fluxor/pkg/eventbus"
	"github.com/fluxor-io/fluxor/pkg/events"
	"github.com/fluxor-io/fluxor/pkg/expression"
	"github.com/fluxor-io/fluxor/pkg/models"
	"github.com/fluxor-io/fluxor/pkg/persistence"
	"github.com/fluxor-io/fluxor/pkg/registry"
)

// maxSubworkflowDepth bounds both how many subworkflow levels an execution
// chain may nest and how deep one drive call recurses into children before
// handing the rest to the scheduler sweep.
const maxSubworkflowDepth = 16

// sweepPageSize caps how many executions one timeout sweep examines per
// status.
const sweepPageSize = 200

// ErrAlreadyTerminal is returned when an operation targets an execution
// that already reached a terminal status.
var ErrAlreadyTerminal = errors.New("execution is already terminal")

// ErrUnknownCallbackToken is returned by DeliverCallback when no execution
// is waiting on the presented token.
var ErrUnknownCallbackToken = errors.New("no execution waits on this callback token")

// errCancelledInFlight signals that a concurrent cancel won the optimistic
// race while this worker was advancing; the worker's progress is discarded.
var errCancelledInFlight = errors.New("execution cancelled while advancing")

// StartOptions carries per-execution settings supplied at creation time.
type StartOptions struct {
	// AutoApprove makes every human approval gate pass immediately.
	AutoApprove bool

	// Initiator records who or what requested the execution.
	Initiator string
}

// Engine advances workflow executions. It is stateless between calls:
// every operation loads the execution, moves it as far as it will go, and
// persists the result under an optimistic guard, so any number of engine
// instances can share one store and any worker can pick up any execution.
//
// The evaluator decides what has to happen next; the engine performs the
// effects (agent calls, approvals, delays, webhooks, subworkflows), records
// step results, and emits lifecycle events to the bus. A nil bus is
// accepted and turns publishing into a no-op.
type Engine struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	bus         eventbus.EventPublisher
	evaluator   *Evaluator
	expressions *expression.Engine
	logger      *slog.Logger
	httpClient  *http.Client
	workerID    string
	now         func() int64
}

// NewEngine builds an engine on the given collaborators. The workerID is
// stamped onto every event the engine emits.
func NewEngine(persist persistence.Persistence, reg *registry.Registry, bus eventbus.EventPublisher, logger *slog.Logger, workerID string) *Engine {
	expressions := expression.NewEngine()

	return &Engine{
		persistence: persist,
		registry:    reg,
		bus:         bus,
		evaluator:   NewEvaluator(expressions),
		expressions: expressions,
		logger:      logger.With("module", "engine", "worker_id", workerID),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		workerID:    workerID,
		now:         models.NowMillis,
	}
}

func (e *Engine) workflows() persistence.WorkflowRepository {
	return e.persistence.WorkflowRepository()
}

func (e *Engine) executions() persistence.ExecutionRepository {
	return e.persistence.ExecutionRepository()
}

func (e *Engine) steps() persistence.StepResultRepository {
	return e.persistence.StepResultRepository()
}

func (e *Engine) approvals() persistence.ApprovalRepository {
	return e.persistence.ApprovalRepository()
}

// CreateExecution records a new pending execution of the given workflow.
// Nothing runs until the execution is resumed, which is how the API can
// acknowledge a request before any work happens.
func (e *Engine) CreateExecution(ctx context.Context, workflowID string, inputs map[string]any, opts StartOptions) (*models.WorkflowExecution, error) {
	def, err := e.loadDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	exec := models.NewWorkflowExecution(uuid.NewString(), def, inputs)
	exec.AutoApprove = opts.AutoApprove
	exec.Initiator = opts.Initiator

	if err := e.executions().Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to create execution for workflow %s: %w", workflowID, err)
	}

	e.logger.InfoContext(ctx, "Execution created",
		"execution_id", exec.ID,
		"workflow_id", workflowID,
		"initiator", opts.Initiator)

	return exec, nil
}

// Start creates an execution and drives it synchronously on the calling
// goroutine until it completes, fails, or suspends. The returned execution
// reflects the state after the drive.
func (e *Engine) Start(ctx context.Context, workflowID string, inputs map[string]any, opts StartOptions) (*models.WorkflowExecution, error) {
	exec, err := e.CreateExecution(ctx, workflowID, inputs, opts)
	if err != nil {
		return nil, err
	}

	if err := e.Resume(ctx, exec.ID); err != nil {
		return nil, err
	}

	return e.loadExecution(ctx, exec.ID)
}

// Resume loads an execution and drives it as far as it will go. Pending
// executions are activated first; terminal ones are left untouched, which
// makes redelivered resume events harmless.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	exec, err := e.loadExecution(ctx, executionID)
	if err != nil {
		return err
	}

	return e.resume(ctx, exec, 0)
}

func (e *Engine) resume(ctx context.Context, exec *models.WorkflowExecution, depth int) error {
	if exec.Status.IsTerminal() {
		e.logger.DebugContext(ctx, "Execution already terminal, nothing to do",
			"execution_id", exec.ID,
			"status", exec.Status)

		return nil
	}

	def, err := e.loadDefinition(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}

	if exec.Status == models.ExecutionStatusPending {
		if err := e.activate(ctx, def, exec); err != nil {
			if persistence.IsConcurrentUpdate(err) {
				e.logger.InfoContext(ctx, "Execution was picked up by another worker",
					"execution_id", exec.ID)

				return nil
			}

			return err
		}
	}

	return e.drive(ctx, def, exec, depth)
}

// activate flips a pending execution to running and announces the start.
func (e *Engine) activate(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution) error {
	expectedStatus, expectedAt := exec.Status, exec.UpdatedAt
	exec.Status = models.ExecutionStatusRunning

	if err := e.executions().Update(ctx, exec, expectedStatus, expectedAt); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "Execution started",
		"execution_id", exec.ID,
		"workflow_id", exec.WorkflowID)

	e.publish(ctx, exec.ID, events.ExecutionStarted{
		BaseEvent:    e.newEvent(events.ExecutionStartedEvent, exec.WorkflowID),
		ExecutionID:  exec.ID,
		WorkflowName: def.Name,
		Inputs:       exec.Variables.Inputs,
		Initiator:    exec.Initiator,
	})

	return nil
}

// drive is the engine's main loop: ask the evaluator for the next decision
// and act on it until the execution parks or terminates. Each ready batch
// is executed and persisted in one optimistic write, so a crash between
// writes replays at most one batch, and step-result reuse makes the replay
// idempotent.
func (e *Engine) drive(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution, depth int) error {
	for {
		if exec.Status.IsTerminal() {
			return nil
		}

		if execErr := e.timedOut(def, exec); execErr != nil {
			return e.failExecution(ctx, exec, execErr)
		}

		decision := e.evaluator.Next(def, exec)

		switch decision.Kind {
		case DecisionComplete:
			return e.complete(ctx, exec, decision.Outputs)

		case DecisionFail:
			return e.failExecution(ctx, exec, decision.Err)

		case DecisionSuspend:
			if decision.Reason != models.SuspendReasonSubworkflow {
				return nil
			}

			progressed, err := e.pollSubworkflow(ctx, def, exec, decision.NodeID, depth)
			if err != nil || !progressed {
				return err
			}

		case DecisionRun:
			expectedStatus, expectedAt := exec.Status, exec.UpdatedAt

			fatal, err := e.executeBatch(ctx, def, exec, decision.Targets)
			if err != nil {
				return err
			}

			if fatal != nil {
				return e.failExecution(ctx, exec, fatal)
			}

			if err := e.save(ctx, exec, expectedStatus, expectedAt); err != nil {
				if errors.Is(err, errCancelledInFlight) {
					return nil
				}

				return err
			}

		default:
			return e.failExecution(ctx, exec, models.NewExecutionError(models.ErrCodeInternal,
				fmt.Sprintf("unexpected decision kind %q", decision.Kind)))
		}
	}
}

// complete finishes an execution and publishes its accumulated outputs.
func (e *Engine) complete(ctx context.Context, exec *models.WorkflowExecution, outputs map[string]any) error {
	expectedStatus, expectedAt := exec.Status, exec.UpdatedAt
	now := e.now()
	exec.Status = models.ExecutionStatusCompleted
	exec.CompletedAt = &now
	exec.ClearSuspension()

	if err := e.save(ctx, exec, expectedStatus, expectedAt); err != nil {
		if errors.Is(err, errCancelledInFlight) {
			return nil
		}

		return err
	}

	e.logger.InfoContext(ctx, "Workflow execution completed",
		"execution_id", exec.ID,
		"workflow_id", exec.WorkflowID,
		"duration_ms", now-exec.StartedAt)

	e.publish(ctx, exec.ID, events.ExecutionCompleted{
		BaseEvent:   e.newEvent(events.ExecutionCompletedEvent, exec.WorkflowID),
		ExecutionID: exec.ID,
		DurationMs:  now - exec.StartedAt,
		Outputs:     outputs,
	})

	return nil
}

// failExecution terminates an execution with a structured error.
func (e *Engine) failExecution(ctx context.Context, exec *models.WorkflowExecution, execErr *models.ExecutionError) error {
	expectedStatus, expectedAt := exec.Status, exec.UpdatedAt
	now := e.now()
	exec.Status = models.ExecutionStatusFailed
	exec.Error = execErr
	exec.CompletedAt = &now
	exec.ClearSuspension()

	if err := e.save(ctx, exec, expectedStatus, expectedAt); err != nil {
		if errors.Is(err, errCancelledInFlight) {
			return nil
		}

		return err
	}

	e.logger.WarnContext(ctx, "Workflow execution failed",
		"execution_id", exec.ID,
		"workflow_id", exec.WorkflowID,
		"error_code", execErr.Code,
		"step_id", execErr.StepID,
		"error", execErr.Message)

	e.publish(ctx, exec.ID, events.ExecutionFailed{
		BaseEvent:   e.newEvent(events.ExecutionFailedEvent, exec.WorkflowID),
		ExecutionID: exec.ID,
		DurationMs:  now - exec.StartedAt,
		Error: events.ExecutionFailure{
			StepID:  execErr.StepID,
			Code:    string(execErr.Code),
			Message: execErr.Message,
			Details: execErr.Details,
		},
	})

	return nil
}

// Cancel force-terminates a non-terminal execution. The optimistic guard
// decides the winner against a concurrently advancing worker: either the
// worker sees the cancellation on its next save, or its progress lands
// first and this call reports the conflict.
func (e *Engine) Cancel(ctx context.Context, executionID, reason, cancelledBy string) (*models.WorkflowExecution, error) {
	exec, err := e.loadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if exec.Status.IsTerminal() {
		return exec, ErrAlreadyTerminal
	}

	expectedStatus, expectedAt := exec.Status, exec.UpdatedAt
	now := e.now()
	approvalID := exec.PendingApprovalID
	exec.Status = models.ExecutionStatusCancelled
	exec.CompletedAt = &now
	exec.ClearSuspension()

	if err := e.executions().Update(ctx, exec, expectedStatus, expectedAt); err != nil {
		return nil, fmt.Errorf("failed to cancel execution %s: %w", executionID, err)
	}

	if approvalID != "" {
		e.expirePendingApproval(ctx, approvalID)
	}

	e.logger.InfoContext(ctx, "Execution cancelled",
		"execution_id", exec.ID,
		"workflow_id", exec.WorkflowID,
		"cancelled_by", cancelledBy)

	e.publish(ctx, exec.ID, events.ExecutionCancelled{
		BaseEvent:   e.newEvent(events.ExecutionCancelledEvent, exec.WorkflowID),
		ExecutionID: exec.ID,
		DurationMs:  now - exec.StartedAt,
		Reason:      reason,
		CancelledBy: cancelledBy,
	})

	return exec, nil
}

// expirePendingApproval closes the approval a cancelled execution was
// waiting on so it stops showing up as actionable. Best effort.
func (e *Engine) expirePendingApproval(ctx context.Context, approvalID string) {
	approval, err := e.approvals().GetByID(ctx, approvalID)
	if err != nil || approval == nil || approval.Status != models.ApprovalStatusPending {
		return
	}

	now := e.now()
	approval.Status = models.ApprovalStatusExpired
	approval.RespondedAt = &now

	if err := e.approvals().Update(ctx, approval, models.ApprovalStatusPending); err != nil {
		e.logger.DebugContext(ctx, "Failed to expire approval of cancelled execution",
			"approval_id", approvalID,
			"error", err)
	}
}

// Tick re-examines one execution: due delays resolve, webhook waits past
// their deadline fail, subworkflow children get driven, and the wall-clock
// timeout is enforced regardless of what the execution is doing. Safe to
// call on any execution at any time.
func (e *Engine) Tick(ctx context.Context, executionID string) error {
	exec, err := e.loadExecution(ctx, executionID)
	if err != nil {
		return err
	}

	if exec.Status.IsTerminal() {
		return nil
	}

	def, err := e.loadDefinition(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}

	if execErr := e.timedOut(def, exec); execErr != nil {
		return e.failExecution(ctx, exec, execErr)
	}

	switch exec.SuspendReason {
	case models.SuspendReasonDelay:
		if exec.WaitUntil == 0 || e.now() < exec.WaitUntil {
			return nil
		}

		if err := e.resumeDelay(ctx, def, exec); err != nil {
			if errors.Is(err, errCancelledInFlight) {
				return nil
			}

			return err
		}

		return e.drive(ctx, def, exec, 0)

	case models.SuspendReasonWebhook:
		if exec.WaitUntil == 0 || e.now() < exec.WaitUntil {
			return nil
		}

		return e.failExecution(ctx, exec, models.NewExecutionError(models.ErrCodeWebhookTimeout,
			"webhook callback did not arrive before the deadline").
			WithStep(exec.SuspendedNodeID).
			WithDetails("wait_until", exec.WaitUntil))

	case models.SuspendReasonSubworkflow:
		return e.drive(ctx, def, exec, 0)

	case models.SuspendReasonApproval:
		// Approval expiry is the approval sweep's concern.
		return nil

	default:
		// Not suspended. Re-drive in case a worker died mid-advance.
		return e.drive(ctx, def, exec, 0)
	}
}

// resumeDelay lifts a due delay suspension: the step completes, the cursor
// moves past the node, and the resumption is announced.
func (e *Engine) resumeDelay(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution) error {
	nodeID := exec.SuspendedNodeID

	row, err := e.steps().Get(ctx, exec.ID, nodeID, 0)
	if err != nil {
		return fmt.Errorf("failed to load step result for %s: %w", nodeID, err)
	}

	if row != nil && row.Status == models.StepStatusRunning {
		row.Complete(nil)

		if err := e.steps().Save(ctx, row); err != nil {
			return fmt.Errorf("failed to record delay completion: %w", err)
		}
	}

	expectedStatus, expectedAt := exec.Status, exec.UpdatedAt
	exec.ClearSuspension()

	if err := e.evaluator.Advance(def, exec, nodeID); err != nil {
		return e.failExecution(ctx, exec, models.NewExecutionError(models.ErrCodeInternal, err.Error()).WithStep(nodeID))
	}

	if err := e.save(ctx, exec, expectedStatus, expectedAt); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "Delay elapsed, execution resumed",
		"execution_id", exec.ID,
		"node_id", nodeID)

	e.publish(ctx, exec.ID, events.ExecutionResumed{
		BaseEvent:   e.newEvent(events.ExecutionResumedEvent, exec.WorkflowID),
		ExecutionID: exec.ID,
		Reason:      string(models.SuspendReasonDelay),
	})

	return nil
}

// DeliverCallback resolves a webhook wait: the execution holding the token
// records the payload as the node's output and advances. A resumed event
// goes out so a worker picks the execution up.
func (e *Engine) DeliverCallback(ctx context.Context, token string, payload map[string]any) (*models.WorkflowExecution, error) {
	exec, err := e.executions().GetByCallbackToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve callback token: %w", err)
	}

	if exec == nil || exec.SuspendReason != models.SuspendReasonWebhook {
		return nil, ErrUnknownCallbackToken
	}

	exec.Variables.EnsureMaps()

	def, err := e.loadDefinition(ctx, exec.WorkflowID)
	if err != nil {
		return nil, err
	}

	nodeID := exec.SuspendedNodeID

	node := def.FindNode(nodeID)
	if node == nil {
		execErr := models.NewExecutionError(models.ErrCodeInternal,
			fmt.Sprintf("suspended node %q is not in the definition", nodeID)).WithStep(nodeID)
		if failErr := e.failExecution(ctx, exec, execErr); failErr != nil {
			return nil, failErr
		}

		return nil, execErr
	}

	row, err := e.steps().Get(ctx, exec.ID, nodeID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load step result for %s: %w", nodeID, err)
	}

	if row == nil {
		row = &models.WorkflowStepResult{ExecutionID: exec.ID, NodeID: nodeID, StartedAt: e.now()}
	}

	row.Complete(payload)

	if err := e.steps().Save(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to record callback result: %w", err)
	}

	expectedStatus, expectedAt := exec.Status, exec.UpdatedAt
	WriteOutput(exec, ScopeOf(exec, nodeID), node, payload)
	exec.ClearSuspension()

	if err := e.evaluator.Advance(def, exec, nodeID); err != nil {
		return nil, fmt.Errorf("failed to advance past %s: %w", nodeID, err)
	}

	if err := e.save(ctx, exec, expectedStatus, expectedAt); err != nil {
		if errors.Is(err, errCancelledInFlight) {
			return nil, ErrAlreadyTerminal
		}

		return nil, err
	}

	e.logger.InfoContext(ctx, "Webhook callback delivered",
		"execution_id", exec.ID,
		"node_id", nodeID)

	e.publish(ctx, exec.ID, events.ExecutionResumed{
		BaseEvent:   e.newEvent(events.ExecutionResumedEvent, exec.WorkflowID),
		ExecutionID: exec.ID,
		Reason:      string(models.SuspendReasonWebhook),
	})

	return exec, nil
}

// Sweep advances everything that is due: delays past their wake time,
// webhook waits past their deadline, parents whose subworkflow children may
// have finished, and executions past their wall-clock timeout. The
// scheduler calls this on a short interval; per-execution failures are
// logged and do not stop the pass.
func (e *Engine) Sweep(ctx context.Context) error {
	now := e.now()

	if err := e.sweepSuspended(ctx, models.SuspendReasonDelay, now); err != nil {
		return err
	}

	if err := e.sweepSuspended(ctx, models.SuspendReasonWebhook, now); err != nil {
		return err
	}

	if err := e.sweepSuspended(ctx, models.SuspendReasonSubworkflow, 0); err != nil {
		return err
	}

	return e.sweepTimeouts(ctx)
}

func (e *Engine) sweepSuspended(ctx context.Context, reason models.SuspendReason, dueBefore int64) error {
	suspended, err := e.executions().ListSuspended(ctx, reason, dueBefore)
	if err != nil {
		return fmt.Errorf("failed to list %s suspensions: %w", reason, err)
	}

	for _, exec := range suspended {
		if err := e.Tick(ctx, exec.ID); err != nil {
			e.logger.ErrorContext(ctx, "Failed to advance suspended execution",
				"execution_id", exec.ID,
				"reason", reason,
				"error", err)
		}
	}

	return nil
}

// sweepTimeouts fails running and approval-waiting executions whose
// definition timeout elapsed, covering suspensions that carry no due time
// of their own.
func (e *Engine) sweepTimeouts(ctx context.Context) error {
	defs := make(map[string]*models.WorkflowDefinition)

	for _, status := range []models.ExecutionStatus{models.ExecutionStatusRunning, models.ExecutionStatusWaitingApproval} {
		filter := status

		page, err := e.executions().List(ctx, persistence.ListExecutionsOptions{Status: &filter, Limit: sweepPageSize})
		if err != nil {
			return fmt.Errorf("failed to list %s executions: %w", status, err)
		}

		for _, exec := range page.Executions {
			def, ok := defs[exec.WorkflowID]
			if !ok {
				def, err = e.workflows().GetByID(ctx, exec.WorkflowID)
				if err != nil || def == nil {
					continue
				}

				defs[exec.WorkflowID] = def
			}

			if execErr := e.timedOut(def, exec); execErr != nil {
				exec.Variables.EnsureMaps()

				if err := e.failExecution(ctx, exec, execErr); err != nil {
					e.logger.ErrorContext(ctx, "Failed to time out execution",
						"execution_id", exec.ID,
						"error", err)
				}
			}
		}
	}

	return nil
}

// timedOut reports the timeout error when the definition's wall-clock
// budget is spent, nil otherwise.
func (e *Engine) timedOut(def *models.WorkflowDefinition, exec *models.WorkflowExecution) *models.ExecutionError {
	if def.TimeoutMs <= 0 {
		return nil
	}

	elapsed := e.now() - exec.StartedAt
	if elapsed < def.TimeoutMs {
		return nil
	}

	return models.NewExecutionError(models.ErrCodeExecutionTimeout,
		fmt.Sprintf("execution exceeded its %dms timeout", def.TimeoutMs)).
		WithDetails("timeout_ms", def.TimeoutMs).
		WithDetails("elapsed_ms", elapsed)
}

// save persists exec under the optimistic guard. A write that loses to a
// concurrent cancel discards this worker's progress and reports
// errCancelledInFlight; any other conflict is returned as is, and the next
// delivery of the triggering event re-reads fresh state.
func (e *Engine) save(ctx context.Context, exec *models.WorkflowExecution, expectedStatus models.ExecutionStatus, expectedAt int64) error {
	err := e.executions().Update(ctx, exec, expectedStatus, expectedAt)
	if err == nil {
		return nil
	}

	if !persistence.IsConcurrentUpdate(err) {
		return fmt.Errorf("failed to persist execution %s: %w", exec.ID, err)
	}

	latest, loadErr := e.executions().GetByID(ctx, exec.ID)
	if loadErr == nil && latest != nil && latest.Status == models.ExecutionStatusCancelled {
		e.logger.InfoContext(ctx, "Execution was cancelled concurrently, discarding progress",
			"execution_id", exec.ID)

		return errCancelledInFlight
	}

	return err
}

func (e *Engine) loadExecution(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	exec, err := e.executions().GetByID(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	if exec == nil {
		return nil, persistence.NewExecutionError("load", executionID, persistence.ErrExecutionNotFound)
	}

	exec.Variables.EnsureMaps()

	return exec, nil
}

func (e *Engine) loadDefinition(ctx context.Context, workflowID string) (*models.WorkflowDefinition, error) {
	def, err := e.workflows().GetByID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}

	if def == nil {
		return nil, persistence.NewWorkflowError("load", workflowID, persistence.ErrWorkflowNotFound)
	}

	return def, nil
}

// publish sends an event, logging instead of failing: by the time an event
// goes out the progress it describes is already persisted, and consumers
// tolerate gaps by re-reading state.
func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	if err := e.bus.Publish(ctx, key, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(),
			"error", err)
	}
}

func (e *Engine) newEvent(eventType events.EventType, workflowID string) events.BaseEvent {
	base := events.NewBaseEvent(eventType, workflowID)
	base.WorkerID = e.workerID

	return base
}
