package models

import "fmt"

// ErrorCode names every failure class an execution can terminate with.
// Codes are persisted on executions and step results and surface verbatim
// through the API, so they are stable identifiers rather than display text.
type ErrorCode string

const (
	// Structural errors are raised at definition-creation time and never
	// occur mid-execution, because validation is mandatory before a
	// definition is registered.
	ErrCodeUnknownNode   ErrorCode = "UnknownNodeError"
	ErrCodeInvalidGraph  ErrorCode = "InvalidGraphError"
	ErrCodeInvalidConfig ErrorCode = "InvalidConfigError"

	// Branching errors are raised by the step evaluator and are always
	// fatal to the execution. There is no silent default branch.
	ErrCodeNoMatchingBranch    ErrorCode = "NoMatchingBranchError"
	ErrCodeConditionNotBoolean ErrorCode = "ConditionNotBooleanError"
	ErrCodeExpression          ErrorCode = "ExpressionError"

	// Task errors wrap whatever the agent collaborator reported after the
	// retry policy is exhausted.
	ErrCodeAgentExecution ErrorCode = "AgentExecutionError"
	ErrCodeAgentNotFound  ErrorCode = "AgentNotFoundError"

	// Approval errors are always fatal; approval is never auto-resolved.
	ErrCodeApprovalRejected ErrorCode = "ApprovalRejectedError"
	ErrCodeApprovalExpired  ErrorCode = "ApprovalExpiredError"

	ErrCodeExecutionTimeout  ErrorCode = "ExecutionTimeoutError"
	ErrCodeWebhookTimeout    ErrorCode = "WebhookTimeoutError"
	ErrCodeWebhookDelivery   ErrorCode = "WebhookDeliveryError"
	ErrCodeSubworkflowFailed ErrorCode = "SubworkflowFailedError"
	ErrCodeInternal          ErrorCode = "InternalError"
)

// ExecutionError is the structured error recorded on a failed execution or
// step result: which step failed, a stable code, and free-form details.
type ExecutionError struct {
	StepID  string         `json:"step_id,omitempty"`
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

// NewExecutionError builds an error with the given code and message.
func NewExecutionError(code ErrorCode, message string) *ExecutionError {
	return &ExecutionError{Code: code, Message: message}
}

func (e *ExecutionError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s at step %s: %s", e.Code, e.StepID, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *ExecutionError) Unwrap() error {
	return e.cause
}

// WithStep attaches the failing step id.
func (e *ExecutionError) WithStep(stepID string) *ExecutionError {
	e.StepID = stepID

	return e
}

// WithDetails attaches one key of structured detail.
func (e *ExecutionError) WithDetails(key string, value any) *ExecutionError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}

	e.Details[key] = value

	return e
}

// WithCause attaches the underlying error.
func (e *ExecutionError) WithCause(cause error) *ExecutionError {
	e.cause = cause

	return e
}

// ValidationError is one structural defect found in a definition. The
// validator accumulates every defect instead of stopping at the first, so
// a caller gets the complete report in one pass.
type ValidationError struct {
	Code    ErrorCode `json:"code"`
	NodeID  string    `json:"node_id,omitempty"`
	Message string    `json:"message"`
}

func (e ValidationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s (node %s): %s", e.Code, e.NodeID, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
