// Package services implements the use cases behind the HTTP API and the
// command-line tools: registering workflow definitions, launching and
// inspecting executions, settling approvals, and routing inbound webhooks.
package services

import (
	"errors"
	"fmt"

	"github.com/fluxor-io/fluxor/pkg/approval"
	"github.com/fluxor-io/fluxor/pkg/persistence"
	"github.com/fluxor-io/fluxor/pkg/workflow"
)

// Business logic errors. These indicate client errors (4xx responses).
var (
	// Validation errors (400 Bad Request).
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidSortField = errors.New("invalid sort field")
	ErrInvalidSortOrder = errors.New("invalid sort order")
	ErrInvalidStatus    = errors.New("invalid status")
	ErrDefinitionNil    = errors.New("definition cannot be nil")

	// Not-found errors (404 Not Found), aliased from the owning packages so
	// callers match one sentinel wherever the miss surfaced.
	ErrWorkflowNotFound  = persistence.ErrWorkflowNotFound
	ErrExecutionNotFound = persistence.ErrExecutionNotFound
	ErrApprovalNotFound  = persistence.ErrApprovalNotFound

	// ErrUnknownWebhookToken is returned when an inbound webhook matches
	// neither a waiting callback nor a declared trigger token.
	ErrUnknownWebhookToken = errors.New("unknown webhook token")

	// Business logic conflicts (409 Conflict).
	ErrWorkflowInUse = errors.New("workflow has recorded executions")
)

// ServiceError wraps service-level errors with operation context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidSortField) ||
		errors.Is(err, ErrInvalidSortOrder) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrDefinitionNil)
}

// IsNotFoundError checks if an error means the addressed resource does not exist (HTTP 404).
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrApprovalNotFound) ||
		errors.Is(err, ErrUnknownWebhookToken)
}

// IsConflictError checks if an error is a state conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrWorkflowInUse) ||
		errors.Is(err, workflow.ErrAlreadyTerminal) ||
		errors.Is(err, approval.ErrAlreadyResolved) ||
		errors.Is(err, persistence.ErrConcurrentUpdate)
}
