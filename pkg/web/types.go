// Package web provides HTTP request and response types for the workflow API.
package web

import (
	"github.com/fluxor-io/fluxor/pkg/models"
)

// CreateWorkflowRequest is the body of POST /workflows. Nodes, edges, and
// triggers reuse the model types; their field tags drive the structural
// binding checks, while graph-level validation happens in the service.
type CreateWorkflowRequest struct {
	Name        string            `json:"name"        validate:"required,min=3"`
	Description string            `json:"description"`
	OwnerID     string            `json:"owner_id"`
	Nodes       []*models.Node    `json:"nodes"       validate:"required,min=1,dive,required"`
	Edges       []*models.Edge    `json:"edges"       validate:"dive,required"`
	Variables   map[string]any    `json:"variables"`
	TimeoutMs   int64             `json:"timeout_ms"  validate:"min=0"`
	Triggers    []*models.Trigger `json:"triggers"    validate:"dive,required"`
}

// definition assembles the submitted document for the service layer.
func (r CreateWorkflowRequest) definition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		Name:        r.Name,
		Description: r.Description,
		OwnerID:     r.OwnerID,
		Nodes:       r.Nodes,
		Edges:       r.Edges,
		Variables:   r.Variables,
		TimeoutMs:   r.TimeoutMs,
		Triggers:    r.Triggers,
	}
}

// ExecuteWorkflowRequest is the body of POST /workflows/:id/execute.
type ExecuteWorkflowRequest struct {
	Inputs      map[string]any `json:"inputs"`
	AutoApprove bool           `json:"auto_approve"`
	Initiator   string         `json:"initiator"`
}

// CancelExecutionRequest is the body of POST /executions/:id/cancel. The
// body is optional; an empty cancel is recorded without a reason.
type CancelExecutionRequest struct {
	Reason      string `json:"reason"`
	CancelledBy string `json:"cancelled_by"`
}

// RespondApprovalRequest is the body of POST /approvals/:id/respond.
type RespondApprovalRequest struct {
	Approved      bool                          `json:"approved"`
	Comment       string                        `json:"comment"`
	RespondedBy   string                        `json:"responded_by"`
	Modifications *models.ApprovalModifications `json:"modifications,omitempty"`
}
