package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/fluxor-io/fluxor/pkg/eventbus"
	"github.com/fluxor-io/fluxor/pkg/events"
	"github.com/fluxor-io/fluxor/pkg/expression"
	"github.com/fluxor-io/fluxor/pkg/models"
	"github.com/fluxor-io/fluxor/pkg/persistence"
	"github.com/fluxor-io/fluxor/pkg/registry"
	"github.com/fluxor-io/fluxor/pkg/workflow"
)

// Workflow registers and serves workflow definitions. Create is
// validate-or-reject: a definition with any structural defect is reported
// back in full and never persisted.
type Workflow struct {
	persistence persistence.Persistence
	validator   *workflow.Validator
	expressions *expression.Engine
	bus         eventbus.EventPublisher
	logger      *slog.Logger
}

// NewWorkflow creates a new workflow service. The registry supplies
// per-node-type config schemas; a nil registry skips config validation.
func NewWorkflow(persist persistence.Persistence, reg *registry.Registry, bus eventbus.EventPublisher, logger *slog.Logger) *Workflow {
	expressions := expression.NewEngine()

	var configs workflow.ConfigValidator
	if reg != nil {
		configs = reg
	}

	return &Workflow{
		persistence: persist,
		validator:   workflow.NewValidator(expressions, configs),
		expressions: expressions,
		bus:         bus,
		logger:      logger.With("module", "services"),
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Create validates the submitted definition and persists it when clean.
// Structural defects come back as the second return value, one entry per
// violation, and a definition with any defect is never saved. The
// definition's id and timestamps are server-assigned.
func (w *Workflow) Create(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, []models.ValidationError, error) {
	if def == nil {
		return nil, nil, ErrDefinitionNil
	}

	if errs := scrubDefinition(def); len(errs) > 0 {
		return nil, errs, nil
	}

	var errs []models.ValidationError

	if strings.TrimSpace(def.Name) == "" {
		errs = append(errs, models.ValidationError{
			Code:    models.ErrCodeInvalidConfig,
			Message: "workflow name is required",
		})
	}

	errs = append(errs, w.validator.Validate(def)...)
	errs = append(errs, w.validateTriggers(def.Triggers)...)

	if len(errs) > 0 {
		return nil, errs, nil
	}

	now := models.NowMillis()
	def.ID = uuid.New().String()
	def.CreatedAt = now
	def.UpdatedAt = now

	for _, edge := range def.Edges {
		if edge.ID == "" {
			edge.ID = uuid.New().String()
		}
	}

	for _, trigger := range def.Triggers {
		if trigger.ID == "" {
			trigger.ID = uuid.New().String()
		}

		trigger.WorkflowID = def.ID
	}

	if err := w.persistence.WorkflowRepository().Save(ctx, def); err != nil {
		return nil, nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "Workflow created",
		"workflow_id", def.ID,
		"name", def.Name,
		"owner_id", def.OwnerID)

	w.publish(ctx, def.ID, events.WorkflowCreated{
		BaseEvent: events.NewBaseEvent(events.WorkflowCreatedEvent, def.ID),
		Name:      def.Name,
		OwnerID:   def.OwnerID,
	})

	return def, nil, nil
}

// scrubDefinition rejects null entries and canonicalizes node types before
// the structural checks run.
func scrubDefinition(def *models.WorkflowDefinition) []models.ValidationError {
	for _, node := range def.Nodes {
		if node == nil {
			return []models.ValidationError{{Code: models.ErrCodeInvalidGraph, Message: "definition contains a null node"}}
		}

		node.Type = node.Type.Normalize()
	}

	for _, edge := range def.Edges {
		if edge == nil {
			return []models.ValidationError{{Code: models.ErrCodeInvalidGraph, Message: "definition contains a null edge"}}
		}
	}

	for _, trigger := range def.Triggers {
		if trigger == nil {
			return []models.ValidationError{{Code: models.ErrCodeInvalidGraph, Message: "definition contains a null trigger"}}
		}
	}

	return nil
}

// validateTriggers checks the declared triggers: schedule conditions must
// parse as five-field cron expressions, webhook triggers need an ingress
// token, completion triggers a workflow id, condition triggers a
// compilable expression.
func (w *Workflow) validateTriggers(triggers []*models.Trigger) []models.ValidationError {
	var errs []models.ValidationError

	for i, trigger := range triggers {
		if !trigger.Type.Valid() {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeInvalidConfig,
				Message: fmt.Sprintf("trigger %d: unsupported trigger type %q", i, trigger.Type),
			})

			continue
		}

		switch trigger.Type {
		case models.TriggerTypeSchedule:
			if _, err := cron.ParseStandard(trigger.Condition); err != nil {
				errs = append(errs, models.ValidationError{
					Code:    models.ErrCodeInvalidConfig,
					Message: fmt.Sprintf("trigger %d: %q is not a valid cron expression: %v", i, trigger.Condition, err),
				})
			}
		case models.TriggerTypeWebhook:
			if strings.TrimSpace(trigger.Condition) == "" {
				errs = append(errs, models.ValidationError{
					Code:    models.ErrCodeInvalidConfig,
					Message: fmt.Sprintf("trigger %d: webhook trigger requires an ingress token", i),
				})
			}
		case models.TriggerTypeCompletion:
			if strings.TrimSpace(trigger.Condition) == "" {
				errs = append(errs, models.ValidationError{
					Code:    models.ErrCodeInvalidConfig,
					Message: fmt.Sprintf("trigger %d: completion trigger requires a workflow id", i),
				})
			}
		case models.TriggerTypeCondition:
			if err := w.expressions.Compile(trigger.Condition); err != nil {
				errs = append(errs, models.ValidationError{
					Code:    models.ErrCodeExpression,
					Message: fmt.Sprintf("trigger %d: condition %q does not compile: %v", i, trigger.Condition, err),
				})
			}
		}
	}

	return errs
}

// FetchByID retrieves a definition by its id.
func (w *Workflow) FetchByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	def, err := w.persistence.WorkflowRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if def == nil {
		return nil, ErrWorkflowNotFound
	}

	return def, nil
}

// ListWorkflowsRequest contains options for listing workflows.
type ListWorkflowsRequest struct {
	// Pagination
	Limit  int
	Offset int

	// Filtering
	OwnerID string

	// Sorting
	SortBy    string
	SortOrder string
}

// ListWorkflowsResponse contains the result of listing workflows.
type ListWorkflowsResponse struct {
	Workflows   []*models.WorkflowDefinition `json:"workflows"`
	TotalCount  int64                        `json:"total_count"`
	HasNextPage bool                         `json:"has_next_page"`
}

// List retrieves definitions with filtering, sorting, and pagination.
func (w *Workflow) List(ctx context.Context, req ListWorkflowsRequest) (*ListWorkflowsResponse, error) {
	if err := w.validateListWorkflowsRequest(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	result, err := w.persistence.WorkflowRepository().List(ctx, persistence.ListWorkflowsOptions{
		Limit:     req.Limit,
		Offset:    req.Offset,
		OwnerID:   req.OwnerID,
		SortBy:    req.SortBy,
		SortOrder: req.SortOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return &ListWorkflowsResponse{
		Workflows:   result.Workflows,
		TotalCount:  result.TotalCount,
		HasNextPage: result.HasNextPage,
	}, nil
}

// validateListWorkflowsRequest validates and sets defaults for the request.
func (w *Workflow) validateListWorkflowsRequest(req *ListWorkflowsRequest) error {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	if req.Limit > 100 {
		req.Limit = 100
	}

	if req.Offset < 0 {
		req.Offset = 0
	}

	if req.SortBy == "" {
		req.SortBy = "created_at"
	}

	if req.SortOrder == "" {
		req.SortOrder = "desc"
	}

	allowedSorts := []string{"created_at", "updated_at", "name"}

	if !slices.Contains(allowedSorts, req.SortBy) {
		return NewValidationError(
			"validateListWorkflowsRequest",
			"INVALID_SORT_FIELD",
			fmt.Sprintf("invalid sort field '%s', allowed: %s", req.SortBy, strings.Join(allowedSorts, ", ")),
			ErrInvalidSortField,
		)
	}

	if req.SortOrder != "asc" && req.SortOrder != "desc" {
		return NewValidationError(
			"validateListWorkflowsRequest",
			"INVALID_SORT_ORDER",
			fmt.Sprintf("invalid sort order '%s', allowed: asc, desc", req.SortOrder),
			ErrInvalidSortOrder,
		)
	}

	req.OwnerID = strings.TrimSpace(req.OwnerID)

	return nil
}

// Delete removes a definition by its id. Definitions with recorded
// executions are refused; the execution history references them.
func (w *Workflow) Delete(ctx context.Context, workflowID string) error {
	existing, err := w.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return err
	}

	if existing == nil {
		return ErrWorkflowNotFound
	}

	executions, err := w.persistence.ExecutionRepository().List(ctx, persistence.ListExecutionsOptions{
		WorkflowID: workflowID,
		Limit:      1,
	})
	if err != nil {
		return fmt.Errorf("failed to check executions: %w", err)
	}

	if executions.TotalCount > 0 {
		return fmt.Errorf("%w: workflow %s", ErrWorkflowInUse, workflowID)
	}

	if err := w.persistence.WorkflowRepository().Delete(ctx, workflowID); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "Workflow deleted", "workflow_id", workflowID)

	w.publish(ctx, workflowID, events.WorkflowDeleted{
		BaseEvent: events.NewBaseEvent(events.WorkflowDeletedEvent, workflowID),
	})

	return nil
}

func (w *Workflow) publish(ctx context.Context, key string, event eventbus.Event) {
	if w.bus == nil {
		return
	}

	if err := w.bus.Publish(ctx, key, event); err != nil {
		w.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}
