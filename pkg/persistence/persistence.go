// Package persistence provides the data storage abstraction for workflow
// definitions, executions, step results, and approvals.
package persistence

import (
	"context"

	"github.com/fluxor-io/fluxor/pkg/models"
)

// Persistence groups the repositories of one storage backend. Workers are
// stateless; everything an execution needs to advance lives behind these
// interfaces.
type Persistence interface {
	WorkflowRepository() WorkflowRepository
	ExecutionRepository() ExecutionRepository
	StepResultRepository() StepResultRepository
	ApprovalRepository() ApprovalRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ListWorkflowsOptions filters and paginates workflow definition listings.
type ListWorkflowsOptions struct {
	OwnerID   string
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

// WorkflowListResult is one page of definitions plus paging metadata.
type WorkflowListResult struct {
	Workflows   []*models.WorkflowDefinition
	TotalCount  int64
	HasNextPage bool
}

// WorkflowRepository stores immutable workflow definitions.
type WorkflowRepository interface {
	// Save persists a definition, overwriting any previous version with the
	// same id.
	Save(ctx context.Context, def *models.WorkflowDefinition) error

	// GetByID returns the definition, or (nil, nil) when it does not exist.
	GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)

	List(ctx context.Context, opts ListWorkflowsOptions) (*WorkflowListResult, error)

	Delete(ctx context.Context, id string) error
}

// ListExecutionsOptions filters and paginates execution listings.
type ListExecutionsOptions struct {
	WorkflowID string
	OwnerID    string
	Status     *models.ExecutionStatus
	Limit      int
	Offset     int
}

// ExecutionListResult is one page of executions plus paging metadata.
type ExecutionListResult struct {
	Executions  []*models.WorkflowExecution
	TotalCount  int64
	HasNextPage bool
}

// ExecutionRepository stores execution state. Update is the only mutation
// path after creation and is guarded by optimistic concurrency: the stored
// row must still carry the status and updated-at the caller loaded, or the
// write is rejected with ErrConcurrentUpdate. Exactly one concurrent writer
// wins.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.WorkflowExecution) error

	// GetByID returns the execution, or (nil, nil) when it does not exist.
	GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error)

	// Update persists the execution if the stored copy still matches
	// expectedStatus and expectedUpdatedAt. The implementation bumps
	// execution.UpdatedAt to a value strictly greater than the expected one
	// before writing, so every successful update is observable.
	Update(ctx context.Context, execution *models.WorkflowExecution, expectedStatus models.ExecutionStatus, expectedUpdatedAt int64) error

	List(ctx context.Context, opts ListExecutionsOptions) (*ExecutionListResult, error)

	// ListSuspended returns non-terminal executions suspended for the given
	// reason. When dueBefore is positive only executions whose WaitUntil has
	// passed it are returned; zero means no due filter.
	ListSuspended(ctx context.Context, reason models.SuspendReason, dueBefore int64) ([]*models.WorkflowExecution, error)

	// GetByCallbackToken resolves the execution waiting on the given webhook
	// callback token, or (nil, nil) when no execution waits on it.
	GetByCallbackToken(ctx context.Context, token string) (*models.WorkflowExecution, error)
}

// StepResultRepository stores per-attempt node outcomes. Results are keyed
// by execution, node, and retry count; saving the same key twice overwrites,
// which is what makes recording idempotent under redelivery.
type StepResultRepository interface {
	Save(ctx context.Context, result *models.WorkflowStepResult) error

	// Get returns the result for one attempt, or (nil, nil) when absent.
	Get(ctx context.Context, executionID, nodeID string, retryCount int) (*models.WorkflowStepResult, error)

	ListByExecution(ctx context.Context, executionID string) ([]*models.WorkflowStepResult, error)
}

// ApprovalRepository stores human approval requests. Update carries the
// same optimistic guard as executions so exactly one response resolves a
// request.
type ApprovalRepository interface {
	Create(ctx context.Context, approval *models.ApprovalRequest) error

	// GetByID returns the approval, or (nil, nil) when it does not exist.
	GetByID(ctx context.Context, id string) (*models.ApprovalRequest, error)

	// Update persists the approval if the stored copy still has
	// expectedStatus, otherwise ErrConcurrentUpdate.
	Update(ctx context.Context, approval *models.ApprovalRequest, expectedStatus models.ApprovalStatus) error

	ListByExecution(ctx context.Context, executionID string) ([]*models.ApprovalRequest, error)

	// ListExpired returns pending approvals whose expiry has passed.
	ListExpired(ctx context.Context, asOf int64) ([]*models.ApprovalRequest, error)
}
