package models

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending         ExecutionStatus = "pending"
	ExecutionStatusRunning         ExecutionStatus = "running"
	ExecutionStatusWaitingApproval ExecutionStatus = "waiting_approval"
	ExecutionStatusCompleted       ExecutionStatus = "completed"
	ExecutionStatusFailed          ExecutionStatus = "failed"
	ExecutionStatusCancelled       ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// SuspendReason records why a non-terminal execution is not currently
// advancing.
type SuspendReason string

const (
	SuspendReasonApproval    SuspendReason = "approval"
	SuspendReasonDelay       SuspendReason = "delay"
	SuspendReasonWebhook     SuspendReason = "webhook"
	SuspendReasonSubworkflow SuspendReason = "subworkflow"
)

// FrameKind distinguishes the control frames an execution's stack is built
// from.
type FrameKind string

const (
	FrameKindSequence    FrameKind = "sequence"
	FrameKindParallel    FrameKind = "parallel"
	FrameKindLoop        FrameKind = "loop"
	FrameKindSubworkflow FrameKind = "subworkflow"
)

// BranchStatus is the lifecycle state of one branch of a parallel block.
type BranchStatus string

const (
	BranchStatusRunning   BranchStatus = "running"
	BranchStatusCompleted BranchStatus = "completed"
	BranchStatusFailed    BranchStatus = "failed"
)

// Frame is one element of an execution's explicit control stack. Control
// flow that would be recursion in a single-process engine (loops, parallel
// branches, subworkflows) is kept as serialized frames so an execution can
// suspend, migrate between workers, and resume.
//
// Sequence frames track a single active node. Loop frames own the loop node
// and the body position plus the iteration counter. Parallel frames hold one
// Branch per child, each with its own nested stack. Subworkflow frames
// point at the child execution.
type Frame struct {
	Kind             FrameKind `json:"kind"`
	NodeID           string    `json:"node_id,omitempty"`
	Current          string    `json:"current,omitempty"`
	Iteration        int       `json:"iteration,omitempty"`
	JoinID           string    `json:"join_id,omitempty"`
	Branches         []*Branch `json:"branches,omitempty"`
	ChildExecutionID string    `json:"child_execution_id,omitempty"`
}

// Branch is one concurrent leg of a parallel frame. Outputs collected while
// the branch runs stay on the branch until the join merges them into the
// shared variable context, so concurrent branches never write one map.
type Branch struct {
	Root    string          `json:"root"`
	Frames  []*Frame        `json:"frames"`
	Status  BranchStatus    `json:"status"`
	Outputs map[string]any  `json:"outputs,omitempty"`
	Error   *ExecutionError `json:"error,omitempty"`
}

// WorkflowExecution is one run of a definition: concrete inputs, the live
// control stack, accumulated variables, and lifecycle bookkeeping. All
// timestamps are epoch milliseconds.
type WorkflowExecution struct {
	ID         string             `json:"id"`
	WorkflowID string             `json:"workflow_id"`
	OwnerID    string             `json:"owner_id"`
	Status     ExecutionStatus    `json:"status"`
	Frames     []*Frame           `json:"frames"`
	Variables  *WorkflowVariables `json:"variables"`
	Error      *ExecutionError    `json:"error,omitempty"`

	AutoApprove bool `json:"auto_approve,omitempty"`

	// Initiator records who or what started the execution: an API caller, a
	// trigger id, or the parent execution for subworkflow children.
	Initiator string `json:"initiator,omitempty"`

	// Suspension bookkeeping. WaitUntil is the due time for delay waits and
	// the deadline for webhook callback waits.
	SuspendReason     SuspendReason `json:"suspend_reason,omitempty"`
	SuspendedNodeID   string        `json:"suspended_node_id,omitempty"`
	WaitUntil         int64         `json:"wait_until,omitempty"`
	PendingApprovalID string        `json:"pending_approval_id,omitempty"`
	CallbackToken     string        `json:"callback_token,omitempty"`

	// Approval modifications overwrite a node's resolved parameters before
	// the node runs, keyed by node id.
	NodeOverrides map[string]map[string]any `json:"node_overrides,omitempty"`

	// Set on child executions spawned by a subworkflow node.
	ParentExecutionID string `json:"parent_execution_id,omitempty"`
	ParentNodeID      string `json:"parent_node_id,omitempty"`

	StartedAt   int64  `json:"started_at"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
	UpdatedAt   int64  `json:"updated_at"`
}

// NewWorkflowExecution builds a pending execution positioned at the
// definition's start node.
func NewWorkflowExecution(id string, def *WorkflowDefinition, inputs map[string]any) *WorkflowExecution {
	now := NowMillis()

	merged := make(map[string]any)
	for key, value := range def.Variables {
		merged[key] = value
	}

	for key, value := range inputs {
		merged[key] = value
	}

	start := def.StartNode()

	var frames []*Frame
	if start != nil {
		frames = []*Frame{{Kind: FrameKindSequence, Current: start.ID}}
	}

	return &WorkflowExecution{
		ID:         id,
		WorkflowID: def.ID,
		OwnerID:    def.OwnerID,
		Status:     ExecutionStatusPending,
		Frames:     frames,
		Variables:  NewWorkflowVariables(merged),
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// TopFrame returns the innermost frame of the root stack, nil when the
// stack is empty.
func (e *WorkflowExecution) TopFrame() *Frame {
	if len(e.Frames) == 0 {
		return nil
	}

	return e.Frames[len(e.Frames)-1]
}

// PushFrame appends a frame to the root stack.
func (e *WorkflowExecution) PushFrame(frame *Frame) {
	e.Frames = append(e.Frames, frame)
}

// PopFrame removes and returns the innermost frame of the root stack.
func (e *WorkflowExecution) PopFrame() *Frame {
	if len(e.Frames) == 0 {
		return nil
	}

	top := e.Frames[len(e.Frames)-1]
	e.Frames = e.Frames[:len(e.Frames)-1]

	return top
}

// ClearSuspension resets all suspension bookkeeping, typically right before
// an execution is advanced again.
func (e *WorkflowExecution) ClearSuspension() {
	e.SuspendReason = ""
	e.SuspendedNodeID = ""
	e.WaitUntil = 0
	e.PendingApprovalID = ""
	e.CallbackToken = ""
}

// Clone returns a deep copy of the execution via its frame and variable
// structures. Step results are stored separately and are not part of the
// copy.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	copied := *e
	copied.Variables = e.Variables.Clone()
	copied.Frames = cloneFrames(e.Frames)

	if e.Error != nil {
		errCopy := *e.Error
		copied.Error = &errCopy
	}

	if e.CompletedAt != nil {
		at := *e.CompletedAt
		copied.CompletedAt = &at
	}

	if e.NodeOverrides != nil {
		overrides := make(map[string]map[string]any, len(e.NodeOverrides))
		for nodeID, params := range e.NodeOverrides {
			overrides[nodeID] = deepCopyMap(params)
		}

		copied.NodeOverrides = overrides
	}

	return &copied
}

func cloneFrames(frames []*Frame) []*Frame {
	if frames == nil {
		return nil
	}

	copied := make([]*Frame, len(frames))
	for i, frame := range frames {
		copied[i] = cloneFrame(frame)
	}

	return copied
}

func cloneFrame(frame *Frame) *Frame {
	copied := *frame

	if frame.Branches != nil {
		copied.Branches = make([]*Branch, len(frame.Branches))
		for i, branch := range frame.Branches {
			branchCopy := *branch
			branchCopy.Frames = cloneFrames(branch.Frames)
			branchCopy.Outputs = deepCopyMap(branch.Outputs)

			if branch.Error != nil {
				errCopy := *branch.Error
				branchCopy.Error = &errCopy
			}

			copied.Branches[i] = &branchCopy
		}
	}

	return &copied
}
