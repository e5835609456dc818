package models

// StepStatus is the lifecycle state of one node execution attempt.
type StepStatus string

const (
	StepStatusPending         StepStatus = "pending"
	StepStatusRunning         StepStatus = "running"
	StepStatusCompleted       StepStatus = "completed"
	StepStatusFailed          StepStatus = "failed"
	StepStatusWaitingApproval StepStatus = "waiting_approval"
)

// WorkflowStepResult records one attempt of one node within an execution.
// Attempts are keyed by (execution id, node id, retry count); rows are only
// appended or patched in place, never reordered, so the retry history of a
// node reads back in attempt order. A node revisited by a loop overwrites
// its rows; Iteration records the dotted loop-iteration context the attempt
// ran under, which is how crash recovery tells a replayable row from a
// stale one.
type WorkflowStepResult struct {
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id"`
	RetryCount  int             `json:"retry_count"`
	Iteration   string          `json:"iteration,omitempty"`
	Status      StepStatus      `json:"status"`
	Output      map[string]any  `json:"output,omitempty"`
	Error       *ExecutionError `json:"error,omitempty"`
	StartedAt   int64           `json:"started_at"`
	CompletedAt *int64          `json:"completed_at,omitempty"`
}

// Complete marks the attempt completed with the given output.
func (r *WorkflowStepResult) Complete(output map[string]any) {
	now := NowMillis()
	r.Status = StepStatusCompleted
	r.Output = output
	r.CompletedAt = &now
}

// Fail marks the attempt failed with the given error.
func (r *WorkflowStepResult) Fail(execErr *ExecutionError) {
	now := NowMillis()
	r.Status = StepStatusFailed
	r.Error = execErr
	r.CompletedAt = &now
}
