package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxor-io/fluxor/pkg/approval"
	"github.com/fluxor-io/fluxor/pkg/models"
	"github.com/fluxor-io/fluxor/pkg/persistence"
	"github.com/fluxor-io/fluxor/pkg/persistence/file"
	"github.com/fluxor-io/fluxor/pkg/protocol"
	"github.com/fluxor-io/fluxor/pkg/registry"
	"github.com/fluxor-io/fluxor/pkg/services"
	"github.com/fluxor-io/fluxor/pkg/web"
	"github.com/fluxor-io/fluxor/pkg/workflow"
)

type echoAgentFactory struct{}

func (echoAgentFactory) ID() string { return "echo" }

func (echoAgentFactory) Create(_ map[string]any) (protocol.AgentRunner, error) {
	return protocol.AgentRunnerFunc(func(_ context.Context, req protocol.AgentRequest, _ *slog.Logger) (map[string]any, error) {
		return map[string]any{"echo": req.Parameters}, nil
	}), nil
}

// apiHarness serves the full route table against file-backed persistence.
// The engine is exposed so tests can play the worker's part.
type apiHarness struct {
	app    *fiber.App
	engine *workflow.Engine
	store  persistence.Persistence
}

func newTestAPI(t *testing.T) *apiHarness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := file.NewPersistence(t.TempDir())

	reg := registry.NewRegistry(logger)
	reg.RegisterAgent(echoAgentFactory{})

	engine := workflow.NewEngine(store, reg, nil, logger, "worker-test")
	approvals := approval.NewManager(store, nil, logger, "worker-test")

	workflowService := services.NewWorkflow(store, reg, nil, logger)
	executionService := services.NewExecution(store, engine, approvals, nil, logger)

	handlers := web.NewAPIHandlers(
		workflowService,
		executionService,
		validator.New(validator.WithRequiredStructEnabled()),
		reg,
	)

	app := fiber.New()
	handlers.Register(app)

	return &apiHarness{app: app, engine: engine, store: store}
}

func (h *apiHarness) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.app.Test(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func paymentWorkflowBody() web.CreateWorkflowRequest {
	return web.CreateWorkflowRequest{
		Name:    "collect-payment",
		OwnerID: "team-payments",
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart, Name: "Start"},
			{ID: "charge", Type: models.NodeTypeTask, Name: "Charge card", Config: map[string]any{
				"agentId":    "echo",
				"parameters": map[string]any{"currency": "EUR"},
			}},
			{ID: "end", Type: models.NodeTypeEnd, Name: "Done"},
		},
		Edges: []*models.Edge{
			{From: "start", To: "charge"},
			{From: "charge", To: "end"},
		},
	}
}

// createWorkflow posts the body and decodes the stored definition.
func (h *apiHarness) createWorkflow(t *testing.T, body web.CreateWorkflowRequest) *models.WorkflowDefinition {
	t.Helper()

	resp := h.request(t, http.MethodPost, "/workflows", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var def models.WorkflowDefinition
	decode(t, resp, &def)

	return &def
}

func TestCreateWorkflowEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("creates a clean definition", func(t *testing.T) {
		t.Parallel()

		h := newTestAPI(t)
		def := h.createWorkflow(t, paymentWorkflowBody())

		assert.NotEmpty(t, def.ID)
		assert.Equal(t, "collect-payment", def.Name)
		assert.Equal(t, "team-payments", def.OwnerID)
		assert.Len(t, def.Nodes, 3)
		assert.Positive(t, def.CreatedAt)

		stored, err := h.store.WorkflowRepository().GetByID(t.Context(), def.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
	})

	t.Run("rejects a structurally broken definition", func(t *testing.T) {
		t.Parallel()

		h := newTestAPI(t)

		body := paymentWorkflowBody()
		body.Nodes = body.Nodes[:2] // drop the end node
		body.Edges = body.Edges[:1]

		resp := h.request(t, http.MethodPost, "/workflows", body)
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

		var rejection struct {
			Type   string                   `json:"type"`
			Errors []models.ValidationError `json:"errors"`
		}
		decode(t, resp, &rejection)
		assert.Equal(t, "definition_rejected", rejection.Type)
		assert.NotEmpty(t, rejection.Errors)

		// Nothing was saved.
		result, err := h.store.WorkflowRepository().List(t.Context(), persistence.ListWorkflowsOptions{})
		require.NoError(t, err)
		assert.Zero(t, result.TotalCount)
	})

	t.Run("rejects malformed bodies before the service runs", func(t *testing.T) {
		t.Parallel()

		h := newTestAPI(t)

		tests := []struct {
			name string
			body any
		}{
			{name: "missing name", body: func() web.CreateWorkflowRequest {
				b := paymentWorkflowBody()
				b.Name = ""

				return b
			}()},
			{name: "name too short", body: func() web.CreateWorkflowRequest {
				b := paymentWorkflowBody()
				b.Name = "ab"

				return b
			}()},
			{name: "no nodes", body: func() web.CreateWorkflowRequest {
				b := paymentWorkflowBody()
				b.Nodes = nil

				return b
			}()},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				resp := h.request(t, http.MethodPost, "/workflows", tt.body)
				assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			})
		}

		req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.app.Test(req)
		require.NoError(t, err)

		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetWorkflowEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestAPI(t)
	def := h.createWorkflow(t, paymentWorkflowBody())

	resp := h.request(t, http.MethodGet, "/workflows/"+def.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched models.WorkflowDefinition
	decode(t, resp, &fetched)
	assert.Equal(t, def.ID, fetched.ID)

	resp = h.request(t, http.MethodGet, "/workflows/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetWorkflowsEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestAPI(t)

	for _, name := range []string{"alpha-flow", "beta-flow", "gamma-flow"} {
		body := paymentWorkflowBody()
		body.Name = name
		h.createWorkflow(t, body)
	}

	resp := h.request(t, http.MethodGet, "/workflows/?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Workflows   []*models.WorkflowDefinition `json:"workflows"`
		TotalCount  int64                        `json:"total_count"`
		HasNextPage bool                         `json:"has_next_page"`
	}
	decode(t, resp, &list)
	assert.Equal(t, int64(3), list.TotalCount)
	assert.Len(t, list.Workflows, 2)
	assert.True(t, list.HasNextPage)

	resp = h.request(t, http.MethodGet, "/workflows/?sort_by=price", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteWorkflowEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestAPI(t)
	def := h.createWorkflow(t, paymentWorkflowBody())

	resp := h.request(t, http.MethodDelete, "/workflows/"+def.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.request(t, http.MethodGet, "/workflows/"+def.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.request(t, http.MethodDelete, "/workflows/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A definition with recorded executions stays.
	executed := h.createWorkflow(t, paymentWorkflowBody())
	resp = h.request(t, http.MethodPost, "/workflows/"+executed.ID+"/execute", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = h.request(t, http.MethodDelete, "/workflows/"+executed.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestExecuteWorkflowEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestAPI(t)
	def := h.createWorkflow(t, paymentWorkflowBody())

	resp := h.request(t, http.MethodPost, "/workflows/"+def.ID+"/execute", web.ExecuteWorkflowRequest{
		Inputs:    map[string]any{"order_id": "ord-1"},
		Initiator: "ops@example.com",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var exec models.WorkflowExecution
	decode(t, resp, &exec)
	assert.NotEmpty(t, exec.ID)
	assert.Equal(t, models.ExecutionStatusPending, exec.Status)
	assert.Equal(t, "ops@example.com", exec.Initiator)

	resp = h.request(t, http.MethodPost, "/workflows/ghost/execute", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetExecutionEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestAPI(t)
	def := h.createWorkflow(t, paymentWorkflowBody())

	resp := h.request(t, http.MethodPost, "/workflows/"+def.ID+"/execute", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var exec models.WorkflowExecution
	decode(t, resp, &exec)

	// Play the worker's part.
	require.NoError(t, h.engine.Resume(t.Context(), exec.ID))

	resp = h.request(t, http.MethodGet, "/executions/"+exec.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var detail struct {
		Execution *models.WorkflowExecution    `json:"execution"`
		Steps     []*models.WorkflowStepResult `json:"steps"`
	}
	decode(t, resp, &detail)
	assert.Equal(t, models.ExecutionStatusCompleted, detail.Execution.Status)
	assert.NotEmpty(t, detail.Steps)

	resp = h.request(t, http.MethodGet, "/executions/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetExecutionsEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestAPI(t)
	def := h.createWorkflow(t, paymentWorkflowBody())

	for range 3 {
		resp := h.request(t, http.MethodPost, "/workflows/"+def.ID+"/execute", nil)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp := h.request(t, http.MethodGet, "/executions/?workflow_id="+def.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Executions []*models.WorkflowExecution `json:"executions"`
		TotalCount int64                       `json:"total_count"`
	}
	decode(t, resp, &list)
	assert.Equal(t, int64(3), list.TotalCount)

	resp = h.request(t, http.MethodGet, "/executions/?status=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelExecutionEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestAPI(t)
	def := h.createWorkflow(t, paymentWorkflowBody())

	resp := h.request(t, http.MethodPost, "/workflows/"+def.ID+"/execute", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var exec models.WorkflowExecution
	decode(t, resp, &exec)

	resp = h.request(t, http.MethodPost, "/executions/"+exec.ID+"/cancel", web.CancelExecutionRequest{
		Reason:      "superseded",
		CancelledBy: "ops@example.com",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cancelled models.WorkflowExecution
	decode(t, resp, &cancelled)
	assert.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)

	resp = h.request(t, http.MethodPost, "/executions/"+exec.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestApprovalEndpoints(t *testing.T) {
	t.Parallel()

	h := newTestAPI(t)

	def := h.createWorkflow(t, web.CreateWorkflowRequest{
		Name: "approve-charge",
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart, Name: "Start"},
			{ID: "gate", Type: models.NodeTypeHumanApproval, Name: "Manager sign-off", Config: map[string]any{
				"message": "Approve the charge",
			}},
			{ID: "end", Type: models.NodeTypeEnd, Name: "Done"},
		},
		Edges: []*models.Edge{
			{From: "start", To: "gate"},
			{From: "gate", To: "end"},
		},
	})

	resp := h.request(t, http.MethodPost, "/workflows/"+def.ID+"/execute", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var exec models.WorkflowExecution
	decode(t, resp, &exec)

	require.NoError(t, h.engine.Resume(t.Context(), exec.ID))

	resp = h.request(t, http.MethodGet, "/approvals/?execution_id="+exec.ID+"&status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Approvals []*models.ApprovalRequest `json:"approvals"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Approvals, 1)
	request := list.Approvals[0]
	assert.Equal(t, "Approve the charge", request.Message)

	resp = h.request(t, http.MethodGet, "/approvals/"+request.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.request(t, http.MethodGet, "/approvals/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.request(t, http.MethodGet, "/approvals/", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.request(t, http.MethodPost, "/approvals/"+request.ID+"/respond", web.RespondApprovalRequest{
		Approved:    true,
		Comment:     "within budget",
		RespondedBy: "ops@example.com",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var resolved models.ApprovalRequest
	decode(t, resp, &resolved)
	assert.Equal(t, models.ApprovalStatusApproved, resolved.Status)

	resp = h.request(t, http.MethodPost, "/approvals/"+request.ID+"/respond", web.RespondApprovalRequest{
		Approved: false,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, h.engine.Resume(t.Context(), exec.ID))

	resp = h.request(t, http.MethodGet, "/executions/"+exec.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var detail struct {
		Execution *models.WorkflowExecution `json:"execution"`
	}
	decode(t, resp, &detail)
	assert.Equal(t, models.ExecutionStatusCompleted, detail.Execution.Status)
}

func TestDeliverWebhookEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestAPI(t)

	body := paymentWorkflowBody()
	body.Name = "sync-orders"
	body.Triggers = []*models.Trigger{
		{Type: models.TriggerTypeWebhook, Condition: "tok-orders", Parameters: map[string]any{"channel": "shop"}},
	}
	h.createWorkflow(t, body)

	resp := h.request(t, http.MethodPost, "/webhooks/tok-orders", map[string]any{"order_id": "ord-9"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var delivery struct {
		Started []*models.WorkflowExecution `json:"started"`
	}
	decode(t, resp, &delivery)
	require.Len(t, delivery.Started, 1)
	assert.Equal(t, "shop", delivery.Started[0].Variables.Inputs["channel"])
	assert.Equal(t, "ord-9", delivery.Started[0].Variables.Inputs["order_id"])

	resp = h.request(t, http.MethodPost, "/webhooks/tok-ghost", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthCheckEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestAPI(t)

	resp := h.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status   string `json:"status"`
		Checkers struct {
			Registry   string `json:"registry"`
			Repository string `json:"repository"`
		} `json:"checkers"`
	}
	decode(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "Persistence layer is healthy", health.Checkers.Repository)
}
