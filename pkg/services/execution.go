package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/fluxor-io/fluxor/pkg/approval"
	"github.com/fluxor-io/fluxor/pkg/eventbus"
	"github.com/fluxor-io/fluxor/pkg/events"
	"github.com/fluxor-io/fluxor/pkg/models"
	"github.com/fluxor-io/fluxor/pkg/persistence"
	"github.com/fluxor-io/fluxor/pkg/workflow"
)

// webhookScanPageSize bounds the definition pages walked when resolving a
// webhook token against declared triggers.
const webhookScanPageSize = 100

// Execution launches, inspects, and settles workflow executions. Launching
// is asynchronous: Execute records a pending execution and publishes an
// ExecutionRequested event for a worker to pick up.
type Execution struct {
	persistence persistence.Persistence
	engine      *workflow.Engine
	approvals   *approval.Manager
	bus         eventbus.EventPublisher
	logger      *slog.Logger
}

// NewExecution creates a new execution service around an engine and an
// approval manager.
func NewExecution(persist persistence.Persistence, engine *workflow.Engine, approvals *approval.Manager, bus eventbus.EventPublisher, logger *slog.Logger) *Execution {
	return &Execution{
		persistence: persist,
		engine:      engine,
		approvals:   approvals,
		bus:         bus,
		logger:      logger.With("module", "services"),
	}
}

// ExecuteWorkflowRequest carries the parameters of a manual launch.
type ExecuteWorkflowRequest struct {
	WorkflowID  string
	Inputs      map[string]any
	AutoApprove bool
	Initiator   string
}

// Execute records a pending execution of the workflow and asks the worker
// pool to drive it. The returned execution is still pending; callers poll
// Get for progress.
func (e *Execution) Execute(ctx context.Context, req ExecuteWorkflowRequest) (*models.WorkflowExecution, error) {
	exec, err := e.engine.CreateExecution(ctx, req.WorkflowID, req.Inputs, workflow.StartOptions{
		AutoApprove: req.AutoApprove,
		Initiator:   req.Initiator,
	})
	if err != nil {
		return nil, err
	}

	e.requestRun(ctx, exec, string(models.TriggerTypeManual), "")

	return exec, nil
}

// Trigger starts an execution on behalf of a declared trigger. The
// trigger's parameters seed the inputs and the firing payload overrides
// them key by key.
func (e *Execution) Trigger(ctx context.Context, workflowID string, trigger *models.Trigger, payload map[string]any) (*models.WorkflowExecution, error) {
	inputs := make(map[string]any, len(trigger.Parameters)+len(payload))

	for key, value := range trigger.Parameters {
		inputs[key] = value
	}

	for key, value := range payload {
		inputs[key] = value
	}

	exec, err := e.engine.CreateExecution(ctx, workflowID, inputs, workflow.StartOptions{
		Initiator: string(trigger.Type) + ":" + trigger.ID,
	})
	if err != nil {
		return nil, err
	}

	e.requestRun(ctx, exec, string(trigger.Type), trigger.ID)

	return exec, nil
}

// requestRun publishes the event a worker resumes the execution from.
func (e *Execution) requestRun(ctx context.Context, exec *models.WorkflowExecution, triggerType, triggerID string) {
	e.publish(ctx, exec.ID, events.ExecutionRequested{
		BaseEvent:   events.NewBaseEvent(events.ExecutionRequestedEvent, exec.WorkflowID),
		ExecutionID: exec.ID,
		TriggerType: triggerType,
		TriggerID:   triggerID,
	})
}

// GetExecutionResponse bundles an execution with its recorded step
// attempts, oldest first.
type GetExecutionResponse struct {
	Execution *models.WorkflowExecution    `json:"execution"`
	Steps     []*models.WorkflowStepResult `json:"steps"`
}

// Get returns the execution and its step results.
func (e *Execution) Get(ctx context.Context, executionID string) (*GetExecutionResponse, error) {
	exec, err := e.persistence.ExecutionRepository().GetByID(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}

	if exec == nil {
		return nil, ErrExecutionNotFound
	}

	steps, err := e.persistence.StepResultRepository().ListByExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load step results: %w", err)
	}

	return &GetExecutionResponse{Execution: exec, Steps: steps}, nil
}

// ListExecutionsRequest contains options for listing executions.
type ListExecutionsRequest struct {
	WorkflowID string
	OwnerID    string
	Status     string
	Limit      int
	Offset     int
}

// ListExecutionsResponse contains the result of listing executions.
type ListExecutionsResponse struct {
	Executions  []*models.WorkflowExecution `json:"executions"`
	TotalCount  int64                       `json:"total_count"`
	HasNextPage bool                        `json:"has_next_page"`
}

var executionStatuses = []models.ExecutionStatus{
	models.ExecutionStatusPending,
	models.ExecutionStatusRunning,
	models.ExecutionStatusWaitingApproval,
	models.ExecutionStatusCompleted,
	models.ExecutionStatusFailed,
	models.ExecutionStatusCancelled,
}

// List retrieves executions newest first, optionally filtered by workflow,
// owner, and status.
func (e *Execution) List(ctx context.Context, req ListExecutionsRequest) (*ListExecutionsResponse, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	if req.Limit > 100 {
		req.Limit = 100
	}

	if req.Offset < 0 {
		req.Offset = 0
	}

	opts := persistence.ListExecutionsOptions{
		WorkflowID: req.WorkflowID,
		OwnerID:    req.OwnerID,
		Limit:      req.Limit,
		Offset:     req.Offset,
	}

	if req.Status != "" {
		status := models.ExecutionStatus(req.Status)
		if !slices.Contains(executionStatuses, status) {
			return nil, NewValidationError(
				"ListExecutions",
				"INVALID_STATUS",
				fmt.Sprintf("invalid execution status '%s'", req.Status),
				ErrInvalidStatus,
			)
		}

		opts.Status = &status
	}

	result, err := e.persistence.ExecutionRepository().List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	return &ListExecutionsResponse{
		Executions:  result.Executions,
		TotalCount:  result.TotalCount,
		HasNextPage: result.HasNextPage,
	}, nil
}

// Cancel stops a non-terminal execution.
func (e *Execution) Cancel(ctx context.Context, executionID, reason, cancelledBy string) (*models.WorkflowExecution, error) {
	return e.engine.Cancel(ctx, executionID, reason, cancelledBy)
}

// RespondApproval records a decision on a pending approval request and
// resumes or fails the execution it gates.
func (e *Execution) RespondApproval(ctx context.Context, requestID string, decision approval.Decision) (*models.ApprovalRequest, error) {
	return e.approvals.Respond(ctx, requestID, decision)
}

// GetApproval retrieves an approval request by its id.
func (e *Execution) GetApproval(ctx context.Context, requestID string) (*models.ApprovalRequest, error) {
	request, err := e.persistence.ApprovalRepository().GetByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load approval: %w", err)
	}

	if request == nil {
		return nil, ErrApprovalNotFound
	}

	return request, nil
}

var approvalStatuses = []models.ApprovalStatus{
	models.ApprovalStatusPending,
	models.ApprovalStatusApproved,
	models.ApprovalStatusRejected,
	models.ApprovalStatusExpired,
}

// ListApprovals returns the approval requests of an execution, oldest
// first, optionally filtered by status.
func (e *Execution) ListApprovals(ctx context.Context, executionID, status string) ([]*models.ApprovalRequest, error) {
	exec, err := e.persistence.ExecutionRepository().GetByID(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}

	if exec == nil {
		return nil, ErrExecutionNotFound
	}

	if status != "" && !slices.Contains(approvalStatuses, models.ApprovalStatus(status)) {
		return nil, NewValidationError(
			"ListApprovals",
			"INVALID_STATUS",
			fmt.Sprintf("invalid approval status '%s'", status),
			ErrInvalidStatus,
		)
	}

	requests, err := e.persistence.ApprovalRepository().ListByExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}

	if status == "" {
		return requests, nil
	}

	filtered := make([]*models.ApprovalRequest, 0, len(requests))

	for _, request := range requests {
		if request.Status == models.ApprovalStatus(status) {
			filtered = append(filtered, request)
		}
	}

	return filtered, nil
}

// WebhookDeliveryResponse reports what a webhook delivery did: resumed the
// execution waiting on the token, or started executions for every
// definition declaring the token as a trigger.
type WebhookDeliveryResponse struct {
	Resumed *models.WorkflowExecution   `json:"resumed,omitempty"`
	Started []*models.WorkflowExecution `json:"started,omitempty"`
}

// DeliverWebhook routes an inbound webhook payload. Callback tokens win:
// when an execution waits on the token, the payload resumes it. Otherwise
// every definition declaring a webhook trigger with this token gets a new
// execution seeded with the payload.
func (e *Execution) DeliverWebhook(ctx context.Context, token string, payload map[string]any) (*WebhookDeliveryResponse, error) {
	exec, err := e.engine.DeliverCallback(ctx, token, payload)
	if err == nil {
		return &WebhookDeliveryResponse{Resumed: exec}, nil
	}

	if !errors.Is(err, workflow.ErrUnknownCallbackToken) {
		return nil, err
	}

	started, err := e.fireWebhookTriggers(ctx, token, payload)
	if err != nil {
		return nil, err
	}

	if len(started) == 0 {
		return nil, ErrUnknownWebhookToken
	}

	return &WebhookDeliveryResponse{Started: started}, nil
}

// fireWebhookTriggers starts one execution per definition declaring a
// webhook trigger whose token matches. A launch failure on one definition
// does not stop the others.
func (e *Execution) fireWebhookTriggers(ctx context.Context, token string, payload map[string]any) ([]*models.WorkflowExecution, error) {
	var started []*models.WorkflowExecution

	offset := 0

	for {
		page, err := e.persistence.WorkflowRepository().List(ctx, persistence.ListWorkflowsOptions{
			Limit:  webhookScanPageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflows for webhook triggers: %w", err)
		}

		for _, def := range page.Workflows {
			for _, trigger := range def.Triggers {
				if trigger.Type != models.TriggerTypeWebhook || trigger.Condition != token {
					continue
				}

				exec, err := e.Trigger(ctx, def.ID, trigger, payload)
				if err != nil {
					e.logger.ErrorContext(ctx, "Failed to start webhook-triggered execution",
						"workflow_id", def.ID,
						"trigger_id", trigger.ID,
						"error", err)

					continue
				}

				started = append(started, exec)
			}
		}

		if !page.HasNextPage || len(page.Workflows) == 0 {
			return started, nil
		}

		offset += len(page.Workflows)
	}
}

func (e *Execution) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	if err := e.bus.Publish(ctx, key, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}
