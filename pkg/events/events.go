// Package events defines event types and structures for workflow lifecycle
// notifications.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic is the single stream all lifecycle events are published to.
const Topic = "fluxor.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Definition lifecycle events.
	WorkflowCreatedEvent EventType = "workflow.created"
	WorkflowDeletedEvent EventType = "workflow.deleted"

	// Execution lifecycle events.
	ExecutionRequestedEvent EventType = "execution.requested"
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"
	ExecutionSuspendedEvent EventType = "execution.suspended"
	ExecutionResumedEvent   EventType = "execution.resumed"

	// Step events.
	StepCompletedEvent EventType = "step.completed"
	StepFailedEvent    EventType = "step.failed"

	// Approval events.
	ApprovalRequestedEvent EventType = "approval.requested"
	ApprovalRespondedEvent EventType = "approval.responded"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}

type WorkflowCreated struct {
	BaseEvent

	Name    string `json:"name"`
	OwnerID string `json:"owner_id,omitempty"`
}

func (w WorkflowCreated) GetType() EventType {
	return WorkflowCreatedEvent
}

type WorkflowDeleted struct {
	BaseEvent
}

func (w WorkflowDeleted) GetType() EventType {
	return WorkflowDeletedEvent
}

// ExecutionRequested asks a worker to pick up and drive a pending
// execution.
type ExecutionRequested struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	TriggerType string `json:"trigger_type,omitempty"`
	TriggerID   string `json:"trigger_id,omitempty"`
}

func (e ExecutionRequested) GetType() EventType {
	return ExecutionRequestedEvent
}

type ExecutionStarted struct {
	BaseEvent

	ExecutionID  string         `json:"execution_id"`
	WorkflowName string         `json:"workflow_name,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Initiator    string         `json:"initiator,omitempty"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID string         `json:"execution_id"`
	DurationMs  int64          `json:"duration_ms"`
	Outputs     map[string]any `json:"outputs,omitempty"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

// ExecutionFailure mirrors the structured error recorded on the execution.
type ExecutionFailure struct {
	StepID  string         `json:"step_id,omitempty"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ExecutionFailed struct {
	BaseEvent

	ExecutionID string           `json:"execution_id"`
	DurationMs  int64            `json:"duration_ms"`
	Error       ExecutionFailure `json:"error"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionCancelled struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	DurationMs  int64  `json:"duration_ms"`
	Reason      string `json:"reason,omitempty"`
	CancelledBy string `json:"cancelled_by,omitempty"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

type ExecutionSuspended struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason"`
	NodeID      string `json:"node_id"`
	WaitUntil   int64  `json:"wait_until,omitempty"`
	ApprovalID  string `json:"approval_id,omitempty"`
}

func (e ExecutionSuspended) GetType() EventType {
	return ExecutionSuspendedEvent
}

// ExecutionResumed signals that a suspension was lifted and the execution
// is ready to be driven again.
type ExecutionResumed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
	ResumedBy   string `json:"resumed_by,omitempty"`
}

func (e ExecutionResumed) GetType() EventType {
	return ExecutionResumedEvent
}

type StepCompleted struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	RetryCount  int    `json:"retry_count"`
	DurationMs  int64  `json:"duration_ms"`
}

func (e StepCompleted) GetType() EventType {
	return StepCompletedEvent
}

type StepFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	RetryCount  int    `json:"retry_count"`
	Error       string `json:"error"`
	DurationMs  int64  `json:"duration_ms"`
}

func (e StepFailed) GetType() EventType {
	return StepFailedEvent
}

type ApprovalRequested struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	ApprovalID  string `json:"approval_id"`
	NodeID      string `json:"node_id"`
	Message     string `json:"message,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
}

func (e ApprovalRequested) GetType() EventType {
	return ApprovalRequestedEvent
}

type ApprovalResponded struct {
	BaseEvent

	ExecutionID  string `json:"execution_id"`
	ApprovalID   string `json:"approval_id"`
	Approved     bool   `json:"approved"`
	AutoApproved bool   `json:"auto_approved,omitempty"`
}

func (e ApprovalResponded) GetType() EventType {
	return ApprovalRespondedEvent
}
