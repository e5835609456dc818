package models

// ApprovalStatus is the lifecycle state of a human-approval gate.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// IsResolved reports whether a decision (or expiry) has been recorded.
func (s ApprovalStatus) IsResolved() bool {
	return s != ApprovalStatusPending
}

// ApprovalResponse is the recorded decision on an approval request.
// Modifications.Parameters, when present on an approval, overwrite the
// gated node's resolved parameters before the node runs.
type ApprovalResponse struct {
	Approved      bool                   `json:"approved"`
	Comment       string                 `json:"comment,omitempty"`
	RespondedBy   string                 `json:"responded_by,omitempty"`
	Modifications *ApprovalModifications `json:"modifications,omitempty"`
	AutoApproved  bool                   `json:"auto_approved,omitempty"`
}

// ApprovalModifications carries approver-supplied overrides.
type ApprovalModifications struct {
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ApprovalRequest is a pending human decision an execution is suspended on.
// Requests expire: once ExpiresAt passes without a response the scheduler
// sweep marks the request expired and fails the execution. Approval is
// never granted implicitly.
type ApprovalRequest struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id"`
	Type        string            `json:"type"`
	Message     string            `json:"message"`
	Data        map[string]any    `json:"data,omitempty"`
	Status      ApprovalStatus    `json:"status"`
	Response    *ApprovalResponse `json:"response,omitempty"`
	ExpiresAt   int64             `json:"expires_at"`
	CreatedAt   int64             `json:"created_at"`
	RespondedAt *int64            `json:"responded_at,omitempty"`
}

// Expired reports whether the request is still pending past its deadline.
func (a *ApprovalRequest) Expired(nowMillis int64) bool {
	return a.Status == ApprovalStatusPending && a.ExpiresAt > 0 && nowMillis >= a.ExpiresAt
}
