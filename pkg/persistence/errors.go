// Package persistence provides standardized error types for persistence
// operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow definition was not found by
	// the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowAlreadyExists indicates a definition with the same
	// identifier already exists.
	ErrWorkflowAlreadyExists = errors.New("workflow already exists")

	// ErrExecutionNotFound indicates an execution was not found by the given
	// identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionAlreadyExists indicates an execution with the same
	// identifier already exists.
	ErrExecutionAlreadyExists = errors.New("execution already exists")

	// ErrApprovalNotFound indicates an approval request was not found by the
	// given identifier.
	ErrApprovalNotFound = errors.New("approval not found")

	// ErrConcurrentUpdate indicates an optimistic-concurrency write lost the
	// race: the stored row no longer matches the state the caller loaded.
	ErrConcurrentUpdate = errors.New("concurrent update rejected")
)

// WorkflowError wraps definition-related errors with operation context.
type WorkflowError struct {
	Op         string
	WorkflowID string
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewWorkflowError creates a new workflow error with context.
func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{Op: op, WorkflowID: workflowID, Err: err}
}

// ExecutionError wraps execution-related errors with operation context.
type ExecutionError struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates a new execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// ApprovalError wraps approval-related errors with operation context.
type ApprovalError struct {
	Op         string
	ApprovalID string
	Err        error
}

func (e *ApprovalError) Error() string {
	return fmt.Sprintf("%s operation failed for approval %s: %v", e.Op, e.ApprovalID, e.Err)
}

func (e *ApprovalError) Unwrap() error {
	return e.Err
}

func (e *ApprovalError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewApprovalError creates a new approval error with context.
func NewApprovalError(op, approvalID string, err error) *ApprovalError {
	return &ApprovalError{Op: op, ApprovalID: approvalID, Err: err}
}

// IsWorkflowNotFound checks if an error indicates a definition was not
// found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsExecutionNotFound checks if an error indicates an execution was not
// found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsApprovalNotFound checks if an error indicates an approval was not
// found.
func IsApprovalNotFound(err error) bool {
	return errors.Is(err, ErrApprovalNotFound)
}

// IsConcurrentUpdate checks if an error indicates an optimistic write lost
// its race.
func IsConcurrentUpdate(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate)
}
