// Package approval resolves human-approval gates. The engine opens a
// request and parks the execution; everything after that, the response, the
// parameter overrides an approver attaches, and the expiry sweep, happens
// here. Approval is never granted implicitly: a request either receives an
// explicit response or expires and fails its execution.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fluxor-io/fluxor/pkg/eventbus"
	"github.com/fluxor-io/fluxor/pkg/events"
	"github.com/fluxor-io/fluxor/pkg/expression"
	"github.com/fluxor-io/fluxor/pkg/models"
	"github.com/fluxor-io/fluxor/pkg/persistence"
	"github.com/fluxor-io/fluxor/pkg/workflow"
)

// ErrAlreadyResolved is returned when a response arrives for a request that
// already has one, lost a race against a concurrent responder, or no longer
// matches what its execution is waiting on.
var ErrAlreadyResolved = errors.New("approval request is already resolved")

// ErrRequestExpired is returned when a response arrives past the request's
// deadline. The late response is not honored; the request is settled as
// expired instead.
var ErrRequestExpired = errors.New("approval request has expired")

// Decision is one response to an approval request.
type Decision struct {
	Approved      bool
	Comment       string
	RespondedBy   string
	Modifications *models.ApprovalModifications
}

// Manager owns the response and expiry sides of approval requests. It
// mutates executions through the same optimistic guard the engine uses, so
// a response racing a cancellation or a sweep resolves to exactly one
// winner. Request creation stays with the engine's approval gate, where it
// is inseparable from the drive loop's suspension bookkeeping.
type Manager struct {
	persistence persistence.Persistence
	bus         eventbus.EventPublisher
	evaluator   *workflow.Evaluator
	logger      *slog.Logger
	workerID    string

	now func() int64
}

// NewManager creates an approval manager on the given persistence and bus.
func NewManager(persist persistence.Persistence, bus eventbus.EventPublisher, logger *slog.Logger, workerID string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		persistence: persist,
		bus:         bus,
		evaluator:   workflow.NewEvaluator(expression.NewEngine()),
		logger:      logger.With("module", "approval", "worker_id", workerID),
		workerID:    workerID,
		now:         models.NowMillis,
	}
}

// Respond records the decision on a pending request. It is the only way a
// request resolves besides expiry. On approval the gate completes, any
// modification parameters overwrite the gated node's parameters for its
// run, and the execution resumes. On rejection the execution fails with a
// structured error referencing the request.
func (m *Manager) Respond(ctx context.Context, requestID string, decision Decision) (*models.ApprovalRequest, error) {
	approval, err := m.approvals().GetByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load approval %s: %w", requestID, err)
	}

	if approval == nil {
		return nil, persistence.NewApprovalError("respond", requestID, persistence.ErrApprovalNotFound)
	}

	if approval.Status.IsResolved() {
		return approval, ErrAlreadyResolved
	}

	if approval.Expired(m.now()) {
		if err := m.expire(ctx, approval); err != nil {
			return nil, err
		}

		return approval, ErrRequestExpired
	}

	exec, err := m.executions().GetByID(ctx, approval.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", approval.ExecutionID, err)
	}

	if exec == nil {
		return nil, persistence.NewExecutionError("load", approval.ExecutionID, persistence.ErrExecutionNotFound)
	}

	exec.Variables.EnsureMaps()

	if exec.Status.IsTerminal() {
		m.closeOrphan(ctx, approval)

		return approval, workflow.ErrAlreadyTerminal
	}

	if exec.Status != models.ExecutionStatusWaitingApproval || exec.PendingApprovalID != approval.ID {
		// The execution moved on without this request, typically after a
		// worker crashed between opening the request and persisting the
		// suspension. Nothing is waiting on it anymore.
		m.closeOrphan(ctx, approval)

		return approval, ErrAlreadyResolved
	}

	def, err := m.workflows().GetByID(ctx, exec.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", exec.WorkflowID, err)
	}

	if def == nil {
		return nil, persistence.NewWorkflowError("load", exec.WorkflowID, persistence.ErrWorkflowNotFound)
	}

	if decision.Approved {
		err = m.applyApproval(ctx, def, exec, approval, decision)
	} else {
		err = m.applyRejection(ctx, exec, approval, decision)
	}

	if err != nil {
		return nil, err
	}

	m.resolveRequest(ctx, approval, decision)

	m.publish(ctx, exec.ID, events.ApprovalResponded{
		BaseEvent:   m.newEvent(events.ApprovalRespondedEvent, exec.WorkflowID),
		ExecutionID: exec.ID,
		ApprovalID:  approval.ID,
		Approved:    decision.Approved,
	})

	return approval, nil
}

// SweepExpired settles every pending request whose deadline has passed:
// the request is marked expired and its execution, when still parked on
// it, fails. The scheduler calls this on a short interval; per-request
// failures are logged and do not stop the pass.
func (m *Manager) SweepExpired(ctx context.Context) error {
	expired, err := m.approvals().ListExpired(ctx, m.now())
	if err != nil {
		return fmt.Errorf("failed to list expired approvals: %w", err)
	}

	for _, approval := range expired {
		if err := m.expire(ctx, approval); err != nil {
			m.logger.ErrorContext(ctx, "Failed to expire approval request",
				"approval_id", approval.ID,
				"execution_id", approval.ExecutionID,
				"error", err)
		}
	}

	return nil
}

// applyApproval completes the gate and puts the execution back on the
// runnable path. Modification parameters are staged as overrides on the
// gate's successor, the node whose run the approver was gating.
func (m *Manager) applyApproval(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution, approval *models.ApprovalRequest, decision Decision) error {
	nodeID := approval.StepID

	node := def.FindNode(nodeID)
	if node == nil {
		execErr := models.NewExecutionError(models.ErrCodeInternal,
			fmt.Sprintf("approved node %q is not in the definition", nodeID)).WithStep(nodeID)
		if failErr := m.failExecution(ctx, exec, execErr); failErr != nil {
			return failErr
		}

		return execErr
	}

	output := map[string]any{"approved": true}
	if decision.Comment != "" {
		output["comment"] = decision.Comment
	}

	row, err := m.steps().Get(ctx, exec.ID, nodeID, 0)
	if err != nil {
		return fmt.Errorf("failed to load step result for %s: %w", nodeID, err)
	}

	if row == nil {
		row = &models.WorkflowStepResult{ExecutionID: exec.ID, NodeID: nodeID, StartedAt: m.now()}
	}

	row.Complete(output)

	if err := m.steps().Save(ctx, row); err != nil {
		return fmt.Errorf("failed to record approval outcome: %w", err)
	}

	expectedStatus, expectedAt := exec.Status, exec.UpdatedAt

	workflow.WriteOutput(exec, workflow.ScopeOf(exec, nodeID), node, output)

	if decision.Modifications != nil && len(decision.Modifications.Parameters) > 0 {
		if next := def.Successors(nodeID); len(next) > 0 {
			if exec.NodeOverrides == nil {
				exec.NodeOverrides = make(map[string]map[string]any)
			}

			exec.NodeOverrides[next[0]] = decision.Modifications.Parameters
		}
	}

	exec.Status = models.ExecutionStatusRunning
	exec.ClearSuspension()

	if err := m.evaluator.Advance(def, exec, nodeID); err != nil {
		execErr := models.NewExecutionError(models.ErrCodeInternal, err.Error()).WithStep(nodeID)
		if failErr := m.failExecution(ctx, exec, execErr); failErr != nil {
			return failErr
		}

		return execErr
	}

	if err := m.executions().Update(ctx, exec, expectedStatus, expectedAt); err != nil {
		if persistence.IsConcurrentUpdate(err) {
			return ErrAlreadyResolved
		}

		return fmt.Errorf("failed to persist execution %s: %w", exec.ID, err)
	}

	m.logger.InfoContext(ctx, "Approval granted, execution resumed",
		"execution_id", exec.ID,
		"approval_id", approval.ID,
		"node_id", nodeID,
		"responded_by", decision.RespondedBy)

	m.publish(ctx, exec.ID, events.ExecutionResumed{
		BaseEvent:   m.newEvent(events.ExecutionResumedEvent, exec.WorkflowID),
		ExecutionID: exec.ID,
		Reason:      string(models.SuspendReasonApproval),
		ResumedBy:   decision.RespondedBy,
	})

	return nil
}

// applyRejection fails the gate and the execution.
func (m *Manager) applyRejection(ctx context.Context, exec *models.WorkflowExecution, approval *models.ApprovalRequest, decision Decision) error {
	execErr := models.NewExecutionError(models.ErrCodeApprovalRejected,
		fmt.Sprintf("approval request %s was rejected", approval.ID)).
		WithStep(approval.StepID).
		WithDetails("approval_id", approval.ID)

	if decision.RespondedBy != "" {
		execErr = execErr.WithDetails("responded_by", decision.RespondedBy)
	}

	if decision.Comment != "" {
		execErr = execErr.WithDetails("comment", decision.Comment)
	}

	if err := m.failStepRow(ctx, exec.ID, approval.StepID, execErr); err != nil {
		return err
	}

	if err := m.failExecution(ctx, exec, execErr); err != nil {
		if persistence.IsConcurrentUpdate(err) {
			return ErrAlreadyResolved
		}

		return err
	}

	return nil
}

// expire settles one overdue request. The execution fails first and the
// request flips second: a crash in between leaves the request pending and
// the next sweep retries, whereas the reverse order would strand a waiting
// execution behind a request no sweep will list again.
func (m *Manager) expire(ctx context.Context, approval *models.ApprovalRequest) error {
	exec, err := m.executions().GetByID(ctx, approval.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", approval.ExecutionID, err)
	}

	waiting := exec != nil &&
		exec.Status == models.ExecutionStatusWaitingApproval &&
		exec.PendingApprovalID == approval.ID

	if waiting {
		exec.Variables.EnsureMaps()

		execErr := models.NewExecutionError(models.ErrCodeApprovalExpired,
			fmt.Sprintf("approval request %s expired without a response", approval.ID)).
			WithStep(approval.StepID).
			WithDetails("approval_id", approval.ID).
			WithDetails("expires_at", approval.ExpiresAt)

		if err := m.failStepRow(ctx, exec.ID, approval.StepID, execErr); err != nil {
			return err
		}

		if err := m.failExecution(ctx, exec, execErr); err != nil {
			if persistence.IsConcurrentUpdate(err) {
				// A responder got to the execution first; the request is
				// theirs to settle.
				return nil
			}

			return err
		}
	}

	now := m.now()
	approval.Status = models.ApprovalStatusExpired
	approval.RespondedAt = &now

	if err := m.approvals().Update(ctx, approval, models.ApprovalStatusPending); err != nil {
		if persistence.IsConcurrentUpdate(err) {
			return nil
		}

		return fmt.Errorf("failed to expire approval %s: %w", approval.ID, err)
	}

	m.logger.InfoContext(ctx, "Approval request expired",
		"approval_id", approval.ID,
		"execution_id", approval.ExecutionID)

	return nil
}

// failExecution terminates an execution with a structured error. The
// optimistic guard is the caller's to interpret: a concurrent update here
// means someone else settled the execution.
func (m *Manager) failExecution(ctx context.Context, exec *models.WorkflowExecution, execErr *models.ExecutionError) error {
	expectedStatus, expectedAt := exec.Status, exec.UpdatedAt
	now := m.now()
	exec.Status = models.ExecutionStatusFailed
	exec.Error = execErr
	exec.CompletedAt = &now
	exec.ClearSuspension()

	if err := m.executions().Update(ctx, exec, expectedStatus, expectedAt); err != nil {
		return err
	}

	m.logger.WarnContext(ctx, "Workflow execution failed",
		"execution_id", exec.ID,
		"workflow_id", exec.WorkflowID,
		"error_code", execErr.Code,
		"step_id", execErr.StepID,
		"error", execErr.Message)

	m.publish(ctx, exec.ID, events.ExecutionFailed{
		BaseEvent:   m.newEvent(events.ExecutionFailedEvent, exec.WorkflowID),
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

// failStepRow records the gate's terminal error on its step row, keeping
// whatever iteration context the row was opened under.
func (m *Manager) failStepRow(ctx context.Context, executionID, nodeID string, execErr *models.ExecutionError) error {
	row, err := m.steps().Get(ctx, executionID, nodeID, 0)
	if err != nil {
		return fmt.Errorf("failed to load step result for %s: %w", nodeID, err)
	}

	if row == nil {
		row = &models.WorkflowStepResult{ExecutionID: executionID, NodeID: nodeID, StartedAt: m.now()}
	}

	row.Fail(execErr)

	if err := m.steps().Save(ctx, row); err != nil {
		return fmt.Errorf("failed to record approval outcome: %w", err)
	}

	return nil
}

// resolveRequest flips the request to its final status. The execution has
// already moved by this point, so a failure here only degrades the audit
// record and is logged rather than surfaced.
func (m *Manager) resolveRequest(ctx context.Context, approval *models.ApprovalRequest, decision Decision) {
	now := m.now()

	if decision.Approved {
		approval.Status = models.ApprovalStatusApproved
	} else {
		approval.Status = models.ApprovalStatusRejected
	}

	approval.RespondedAt = &now
	approval.Response = &models.ApprovalResponse{
		Approved:      decision.Approved,
		Comment:       decision.Comment,
		RespondedBy:   decision.RespondedBy,
		Modifications: decision.Modifications,
	}

	if err := m.approvals().Update(ctx, approval, models.ApprovalStatusPending); err != nil {
		m.logger.ErrorContext(ctx, "Failed to record approval response",
			"approval_id", approval.ID,
			"error", err)
	}
}

// closeOrphan expires a pending request nothing is waiting on.
func (m *Manager) closeOrphan(ctx context.Context, approval *models.ApprovalRequest) {
	now := m.now()
	approval.Status = models.ApprovalStatusExpired
	approval.RespondedAt = &now

	if err := m.approvals().Update(ctx, approval, models.ApprovalStatusPending); err != nil {
		m.logger.DebugContext(ctx, "Failed to close orphaned approval",
			"approval_id", approval.ID,
			"error", err)
	}
}

func (m *Manager) publish(ctx context.Context, key string, event eventbus.Event) {
	if m.bus == nil {
		return
	}

	if err := m.bus.Publish(ctx, key, event); err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(),
			"error", err)
	}
}

func (m *Manager) newEvent(eventType events.EventType, workflowID string) events.BaseEvent {
	base := events.NewBaseEvent(eventType, workflowID)
	base.WorkerID = m.workerID

	return base
}

func (m *Manager) workflows() persistence.WorkflowRepository {
	return m.persistence.WorkflowRepository()
}

func (m *Manager) executions() persistence.ExecutionRepository {
	return m.persistence.ExecutionRepository()
}

func (m *Manager) steps() persistence.StepResultRepository {
	return m.persistence.StepResultRepository()
}

func (m *Manager) approvals() persistence.ApprovalRepository {
	return m.persistence.ApprovalRepository()
}
