package approval

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxor-io/fluxor/pkg/expression"
	"github.com/fluxor-io/fluxor/pkg/models"
	"github.com/fluxor-io/fluxor/pkg/persistence"
	"github.com/fluxor-io/fluxor/pkg/persistence/file"
	"github.com/fluxor-io/fluxor/pkg/protocol"
	"github.com/fluxor-io/fluxor/pkg/registry"
	"github.com/fluxor-io/fluxor/pkg/workflow"
)

type echoFactory struct{}

func (echoFactory) ID() string { return "echo" }

func (echoFactory) Create(_ map[string]any) (protocol.AgentRunner, error) {
	return protocol.AgentRunnerFunc(func(_ context.Context, req protocol.AgentRequest, _ *slog.Logger) (map[string]any, error) {
		return req.Parameters, nil
	}), nil
}

// managerHarness wires a manager and an engine to the same file-backed
// store. The engine parks executions on their gates with its own clock; the
// manager's clock is the controllable one, which is all expiry needs.
type managerHarness struct {
	manager *Manager
	engine  *workflow.Engine
	store   persistence.Persistence
	clock   *atomic.Int64
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := file.NewPersistence(t.TempDir())

	reg := registry.NewRegistry(logger)
	reg.RegisterAgent(echoFactory{})

	manager := NewManager(store, nil, logger, "worker-test")

	clock := &atomic.Int64{}
	clock.Store(models.NowMillis())
	manager.now = clock.Load

	return &managerHarness{
		manager: manager,
		engine:  workflow.NewEngine(store, reg, nil, logger, "worker-test"),
		store:   store,
		clock:   clock,
	}
}

// gatedWorkflow registers start -> gate -> charge -> end where gate is a
// human approval node and charge is an echo task.
func (h *managerHarness) gatedWorkflow(t *testing.T, id string, gateConfig, chargeParams map[string]any) *models.WorkflowDefinition {
	t.Helper()

	chargeConfig := map[string]any{"agentId": "echo"}
	if chargeParams != nil {
		chargeConfig["parameters"] = chargeParams
	}

	def := &models.WorkflowDefinition{
		ID:   id,
		Name: id,
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "gate", Type: models.NodeTypeHumanApproval, Config: gateConfig},
			{ID: "charge", Type: models.NodeTypeTask, Config: chargeConfig},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		Edges: []*models.Edge{
			{From: "start", To: "gate"},
			{From: "gate", To: "charge"},
			{From: "charge", To: "end"},
		},
	}

	require.Empty(t, workflow.NewValidator(expression.NewEngine(), nil).Validate(def))
	require.NoError(t, h.store.WorkflowRepository().Save(t.Context(), def))

	return def
}

// startWaiting starts the workflow and returns the parked execution with
// its pending approval request.
func (h *managerHarness) startWaiting(t *testing.T, workflowID string) (*models.WorkflowExecution, *models.ApprovalRequest) {
	t.Helper()

	exec, err := h.engine.Start(t.Context(), workflowID, nil, workflow.StartOptions{})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusWaitingApproval, exec.Status)
	require.NotEmpty(t, exec.PendingApprovalID)

	return exec, h.approval(t, exec.PendingApprovalID)
}

func (h *managerHarness) approval(t *testing.T, id string) *models.ApprovalRequest {
	t.Helper()

	approval, err := h.store.ApprovalRepository().GetByID(t.Context(), id)
	require.NoError(t, err)
	require.NotNil(t, approval)

	return approval
}

func (h *managerHarness) execution(t *testing.T, id string) *models.WorkflowExecution {
	t.Helper()

	exec, err := h.store.ExecutionRepository().GetByID(t.Context(), id)
	require.NoError(t, err)
	require.NotNil(t, exec)

	return exec
}

func (h *managerHarness) stepRow(t *testing.T, executionID, nodeID string) *models.WorkflowStepResult {
	t.Helper()

	row, err := h.store.StepResultRepository().Get(t.Context(), executionID, nodeID, 0)
	require.NoError(t, err)
	require.NotNil(t, row)

	return row
}

func TestManager_Respond_ApproveResumesExecution(t *testing.T) {
	h := newManagerHarness(t)
	h.gatedWorkflow(t, "wf-approve", map[string]any{"message": "Ship it?"}, nil)

	exec, approval := h.startWaiting(t, "wf-approve")

	resolved, err := h.manager.Respond(t.Context(), approval.ID, Decision{
		Approved:    true,
		Comment:     "go ahead",
		RespondedBy: "ops@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, models.ApprovalStatusApproved, resolved.Status)
	require.NotNil(t, resolved.Response)
	assert.True(t, resolved.Response.Approved)
	assert.Equal(t, "go ahead", resolved.Response.Comment)
	assert.Equal(t, "ops@example.com", resolved.Response.RespondedBy)
	require.NotNil(t, resolved.RespondedAt)

	resumed := h.execution(t, exec.ID)
	assert.Equal(t, models.ExecutionStatusRunning, resumed.Status)
	assert.Empty(t, resumed.SuspendReason)
	assert.Empty(t, resumed.PendingApprovalID)
	assert.Equal(t, map[string]any{"approved": true, "comment": "go ahead"}, resumed.Variables.Outputs["gate"])

	gate := h.stepRow(t, exec.ID, "gate")
	assert.Equal(t, models.StepStatusCompleted, gate.Status)
	assert.Equal(t, map[string]any{"approved": true, "comment": "go ahead"}, gate.Output)

	// A worker picks the resumed execution up and runs it to the end.
	require.NoError(t, h.engine.Resume(t.Context(), exec.ID))

	done := h.execution(t, exec.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, done.Status)
}

func TestManager_Respond_ModificationsOverrideGatedParameters(t *testing.T) {
	h := newManagerHarness(t)
	h.gatedWorkflow(t, "wf-modify",
		map[string]any{"message": "Approve charge?"},
		map[string]any{"amount": 100, "currency": "EUR"})

	exec, approval := h.startWaiting(t, "wf-modify")

	_, err := h.manager.Respond(t.Context(), approval.ID, Decision{
		Approved:      true,
		Modifications: &models.ApprovalModifications{Parameters: map[string]any{"amount": 25}},
	})
	require.NoError(t, err)

	resumed := h.execution(t, exec.ID)
	assert.Equal(t, map[string]any{"amount": float64(25)}, resumed.NodeOverrides["charge"])

	require.NoError(t, h.engine.Resume(t.Context(), exec.ID))

	done := h.execution(t, exec.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, done.Status)

	// The approver's amount replaces the configured one, the rest renders
	// as authored.
	assert.Equal(t, map[string]any{"amount": float64(25), "currency": "EUR"}, done.Variables.Outputs["charge"])
}

func TestManager_Respond_RejectFailsExecution(t *testing.T) {
	h := newManagerHarness(t)
	h.gatedWorkflow(t, "wf-reject", map[string]any{"message": "Ship it?"}, nil)

	exec, approval := h.startWaiting(t, "wf-reject")

	resolved, err := h.manager.Respond(t.Context(), approval.ID, Decision{
		Approved:    false,
		Comment:     "too costly",
		RespondedBy: "ops@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, models.ApprovalStatusRejected, resolved.Status)
	require.NotNil(t, resolved.Response)
	assert.False(t, resolved.Response.Approved)

	failed := h.execution(t, exec.ID)
	assert.Equal(t, models.ExecutionStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, models.ErrCodeApprovalRejected, failed.Error.Code)
	assert.Equal(t, "gate", failed.Error.StepID)
	assert.Equal(t, approval.ID, failed.Error.Details["approval_id"])
	assert.Equal(t, "too costly", failed.Error.Details["comment"])
	require.NotNil(t, failed.CompletedAt)
	assert.Empty(t, failed.SuspendReason)

	gate := h.stepRow(t, exec.ID, "gate")
	assert.Equal(t, models.StepStatusFailed, gate.Status)
	require.NotNil(t, gate.Error)
	assert.Equal(t, models.ErrCodeApprovalRejected, gate.Error.Code)
}

func TestManager_Respond_UnknownRequest(t *testing.T) {
	h := newManagerHarness(t)

	_, err := h.manager.Respond(t.Context(), "no-such-request", Decision{Approved: true})
	require.Error(t, err)
	assert.True(t, persistence.IsApprovalNotFound(err))
}

func TestManager_Respond_SecondResponseRejected(t *testing.T) {
	h := newManagerHarness(t)
	h.gatedWorkflow(t, "wf-twice", map[string]any{"message": "Ship it?"}, nil)

	exec, approval := h.startWaiting(t, "wf-twice")

	_, err := h.manager.Respond(t.Context(), approval.ID, Decision{Approved: true})
	require.NoError(t, err)

	resolved, err := h.manager.Respond(t.Context(), approval.ID, Decision{Approved: false})
	require.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Equal(t, models.ApprovalStatusApproved, resolved.Status)

	// The late rejection left the execution alone.
	assert.Equal(t, models.ExecutionStatusRunning, h.execution(t, exec.ID).Status)
}

func TestManager_Respond_ExpiredRequest(t *testing.T) {
	h := newManagerHarness(t)
	h.gatedWorkflow(t, "wf-late", map[string]any{"message": "Ship it?", "ttlMs": 60000}, nil)

	exec, approval := h.startWaiting(t, "wf-late")
	require.NotZero(t, approval.ExpiresAt)

	h.clock.Add(3600000)

	_, err := h.manager.Respond(t.Context(), approval.ID, Decision{Approved: true})
	require.ErrorIs(t, err, ErrRequestExpired)

	assert.Equal(t, models.ApprovalStatusExpired, h.approval(t, approval.ID).Status)

	failed := h.execution(t, exec.ID)
	assert.Equal(t, models.ExecutionStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, models.ErrCodeApprovalExpired, failed.Error.Code)
	assert.Equal(t, approval.ID, failed.Error.Details["approval_id"])

	gate := h.stepRow(t, exec.ID, "gate")
	assert.Equal(t, models.StepStatusFailed, gate.Status)
}

func TestManager_SweepExpired_FailsOverdueExecutions(t *testing.T) {
	h := newManagerHarness(t)
	h.gatedWorkflow(t, "wf-overdue", map[string]any{"message": "Ship it?", "ttlMs": 60000}, nil)
	h.gatedWorkflow(t, "wf-patient", map[string]any{"message": "No rush"}, nil)

	overdueExec, overdue := h.startWaiting(t, "wf-overdue")
	patientExec, patient := h.startWaiting(t, "wf-patient")

	h.clock.Add(3600000)

	require.NoError(t, h.manager.SweepExpired(t.Context()))

	assert.Equal(t, models.ApprovalStatusExpired, h.approval(t, overdue.ID).Status)

	failed := h.execution(t, overdueExec.ID)
	assert.Equal(t, models.ExecutionStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, models.ErrCodeApprovalExpired, failed.Error.Code)
	assert.Equal(t, "gate", failed.Error.StepID)

	// A request without a deadline waits as long as it has to.
	assert.Equal(t, models.ApprovalStatusPending, h.approval(t, patient.ID).Status)
	assert.Equal(t, models.ExecutionStatusWaitingApproval, h.execution(t, patientExec.ID).Status)

	// A second pass finds nothing left to settle.
	require.NoError(t, h.manager.SweepExpired(t.Context()))
	assert.Equal(t, models.ExecutionStatusWaitingApproval, h.execution(t, patientExec.ID).Status)
}

func TestManager_SweepExpired_LeavesMovedOnExecutionAlone(t *testing.T) {
	h := newManagerHarness(t)
	h.gatedWorkflow(t, "wf-moved-on", map[string]any{"message": "Ship it?"}, nil)

	exec, approval := h.startWaiting(t, "wf-moved-on")

	_, err := h.manager.Respond(t.Context(), approval.ID, Decision{Approved: true})
	require.NoError(t, err)
	require.NoError(t, h.engine.Resume(t.Context(), exec.ID))

	// A leftover pending request pointing at the finished execution, as a
	// crash between opening a request and parking the execution leaves
	// behind.
	stale := &models.ApprovalRequest{
		ID:          "stale-request",
		ExecutionID: exec.ID,
		StepID:      "gate",
		Type:        string(models.NodeTypeHumanApproval),
		Status:      models.ApprovalStatusPending,
		ExpiresAt:   h.clock.Load() - 1000,
		CreatedAt:   h.clock.Load() - 2000,
	}
	require.NoError(t, h.store.ApprovalRepository().Create(t.Context(), stale))

	require.NoError(t, h.manager.SweepExpired(t.Context()))

	assert.Equal(t, models.ApprovalStatusExpired, h.approval(t, "stale-request").Status)
	assert.Equal(t, models.ExecutionStatusCompleted, h.execution(t, exec.ID).Status)
}

func TestManager_Respond_TerminalExecution(t *testing.T) {
	h := newManagerHarness(t)
	h.gatedWorkflow(t, "wf-terminal", map[string]any{"message": "Ship it?"}, nil)

	exec, approval := h.startWaiting(t, "wf-terminal")

	// Force the execution terminal behind the manager's back, leaving the
	// request pending.
	tampered := h.execution(t, exec.ID)
	expectedStatus, expectedAt := tampered.Status, tampered.UpdatedAt
	now := models.NowMillis()
	tampered.Status = models.ExecutionStatusCancelled
	tampered.CompletedAt = &now
	require.NoError(t, h.store.ExecutionRepository().Update(t.Context(), tampered, expectedStatus, expectedAt))

	_, err := h.manager.Respond(t.Context(), approval.ID, Decision{Approved: true})
	require.ErrorIs(t, err, workflow.ErrAlreadyTerminal)

	// The request closes so it cannot be responded to later.
	assert.Equal(t, models.ApprovalStatusExpired, h.approval(t, approval.ID).Status)
	assert.Equal(t, models.ExecutionStatusCancelled, h.execution(t, exec.ID).Status)
}

func TestManager_Respond_StaleRequestClosed(t *testing.T) {
	h := newManagerHarness(t)
	h.gatedWorkflow(t, "wf-stale", map[string]any{"message": "Ship it?"}, nil)

	exec, approval := h.startWaiting(t, "wf-stale")

	orphan := &models.ApprovalRequest{
		ID:          "orphan-request",
		ExecutionID: exec.ID,
		StepID:      "gate",
		Type:        string(models.NodeTypeHumanApproval),
		Status:      models.ApprovalStatusPending,
		CreatedAt:   h.clock.Load(),
	}
	require.NoError(t, h.store.ApprovalRepository().Create(t.Context(), orphan))

	_, err := h.manager.Respond(t.Context(), "orphan-request", Decision{Approved: true})
	require.ErrorIs(t, err, ErrAlreadyResolved)

	assert.Equal(t, models.ApprovalStatusExpired, h.approval(t, "orphan-request").Status)

	// The execution still waits on its real request.
	parked := h.execution(t, exec.ID)
	assert.Equal(t, models.ExecutionStatusWaitingApproval, parked.Status)
	assert.Equal(t, approval.ID, parked.PendingApprovalID)
}
