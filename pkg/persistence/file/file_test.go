package file

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxor-io/fluxor/pkg/models"
	"github.com/fluxor-io/fluxor/pkg/persistence"
)

func TestNewPersistence(t *testing.T) {
	p := NewPersistence("/tmp/test")
	fp := p.(*Persistence)
	assert.Equal(t, "/tmp/test", fp.root)

	p = NewPersistence("file:///tmp/test")
	fp = p.(*Persistence)
	assert.Equal(t, "/tmp/test", fp.root)
}

func TestPersistence_Close(t *testing.T) {
	p := NewPersistence(t.TempDir())
	assert.NoError(t, p.Close(t.Context()))
}

func testDefinition(id string) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:      id,
		Name:    "order-fulfillment",
		OwnerID: "team-logistics",
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		Edges: []*models.Edge{{From: "start", To: "end"}},
	}
}

func TestWorkflowRepository_SaveAndGet(t *testing.T) {
	testDir := t.TempDir()
	p := NewPersistence(testDir)

	def := testDefinition("wf-1")
	require.NoError(t, p.WorkflowRepository().Save(t.Context(), def))

	assert.FileExists(t, filepath.Join(testDir, "workflows", "wf-1.json"))
	assert.Positive(t, def.CreatedAt)
	assert.Positive(t, def.UpdatedAt)

	loaded, err := p.WorkflowRepository().GetByID(t.Context(), "wf-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "order-fulfillment", loaded.Name)
	require.Len(t, loaded.Nodes, 2)
}

func TestWorkflowRepository_GetByID_Missing(t *testing.T) {
	p := NewPersistence(t.TempDir())

	loaded, err := p.WorkflowRepository().GetByID(t.Context(), "no-such")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestWorkflowRepository_List(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.WorkflowRepository()

	first := testDefinition("wf-a")
	first.OwnerID = "team-a"
	second := testDefinition("wf-b")
	second.OwnerID = "team-b"

	require.NoError(t, repo.Save(t.Context(), first))
	require.NoError(t, repo.Save(t.Context(), second))

	result, err := repo.List(t.Context(), persistence.ListWorkflowsOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.TotalCount)
	assert.False(t, result.HasNextPage)

	result, err = repo.List(t.Context(), persistence.ListWorkflowsOptions{OwnerID: "team-b"})
	require.NoError(t, err)
	require.Len(t, result.Workflows, 1)
	assert.Equal(t, "wf-b", result.Workflows[0].ID)

	_, err = repo.List(t.Context(), persistence.ListWorkflowsOptions{SortBy: "owner_id; DROP TABLE"})
	assert.Error(t, err)
}

func TestWorkflowRepository_Delete(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.WorkflowRepository()

	require.NoError(t, repo.Save(t.Context(), testDefinition("wf-del")))
	require.NoError(t, repo.Delete(t.Context(), "wf-del"))

	loaded, err := repo.GetByID(t.Context(), "wf-del")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// Deleting a missing definition is not an error.
	assert.NoError(t, repo.Delete(t.Context(), "wf-del"))
}

func testExecution(id string) *models.WorkflowExecution {
	return models.NewWorkflowExecution(id, testDefinition("wf-1"), map[string]any{"amount": 10})
}

func TestExecutionRepository_CreateAndGet(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.ExecutionRepository()

	execution := testExecution("exec-1")
	require.NoError(t, repo.Create(t.Context(), execution))

	err := repo.Create(t.Context(), execution)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrExecutionAlreadyExists)

	loaded, err := repo.GetByID(t.Context(), "exec-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, models.ExecutionStatusPending, loaded.Status)
	require.NotNil(t, loaded.Variables)
	assert.Equal(t, float64(10), loaded.Variables.Inputs["amount"])
}

func TestExecutionRepository_Update_OptimisticGuard(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.ExecutionRepository()

	execution := testExecution("exec-2")
	require.NoError(t, repo.Create(t.Context(), execution))

	expectedStatus := execution.Status
	expectedUpdatedAt := execution.UpdatedAt

	execution.Status = models.ExecutionStatusRunning
	require.NoError(t, repo.Update(t.Context(), execution, expectedStatus, expectedUpdatedAt))
	assert.Greater(t, execution.UpdatedAt, expectedUpdatedAt)

	// A second writer holding the stale snapshot loses.
	stale := execution.Clone()
	stale.Status = models.ExecutionStatusCancelled

	err := repo.Update(t.Context(), stale, expectedStatus, expectedUpdatedAt)
	require.Error(t, err)
	assert.True(t, persistence.IsConcurrentUpdate(err))
}

func TestExecutionRepository_ListSuspended(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.ExecutionRepository()

	due := testExecution("exec-due")
	due.Status = models.ExecutionStatusRunning
	due.SuspendReason = models.SuspendReasonDelay
	due.WaitUntil = models.NowMillis() - 1000
	require.NoError(t, repo.Create(t.Context(), due))

	notDue := testExecution("exec-not-due")
	notDue.Status = models.ExecutionStatusRunning
	notDue.SuspendReason = models.SuspendReasonDelay
	notDue.WaitUntil = models.NowMillis() + 60_000
	require.NoError(t, repo.Create(t.Context(), notDue))

	suspended, err := repo.ListSuspended(t.Context(), models.SuspendReasonDelay, models.NowMillis())
	require.NoError(t, err)
	require.Len(t, suspended, 1)
	assert.Equal(t, "exec-due", suspended[0].ID)

	// Without a due filter both show up.
	suspended, err = repo.ListSuspended(t.Context(), models.SuspendReasonDelay, 0)
	require.NoError(t, err)
	assert.Len(t, suspended, 2)
}

func TestExecutionRepository_GetByCallbackToken(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.ExecutionRepository()

	waiting := testExecution("exec-webhook")
	waiting.Status = models.ExecutionStatusRunning
	waiting.SuspendReason = models.SuspendReasonWebhook
	waiting.CallbackToken = "token-abc"
	require.NoError(t, repo.Create(t.Context(), waiting))

	loaded, err := repo.GetByCallbackToken(t.Context(), "token-abc")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "exec-webhook", loaded.ID)

	loaded, err = repo.GetByCallbackToken(t.Context(), "nope")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStepResultRepository_SaveIsUpsert(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.StepResultRepository()

	result := &models.WorkflowStepResult{
		ExecutionID: "exec-1",
		NodeID:      "work",
		RetryCount:  0,
		Status:      models.StepStatusRunning,
		StartedAt:   models.NowMillis(),
	}
	require.NoError(t, repo.Save(t.Context(), result))

	result.Complete(map[string]any{"value": 42})
	require.NoError(t, repo.Save(t.Context(), result))

	loaded, err := repo.Get(t.Context(), "exec-1", "work", 0)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, models.StepStatusCompleted, loaded.Status)

	// Another retry attempt is a distinct record.
	retry, err := repo.Get(t.Context(), "exec-1", "work", 1)
	require.NoError(t, err)
	assert.Nil(t, retry)

	results, err := repo.ListByExecution(t.Context(), "exec-1")
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestApprovalRepository_UpdateGuard(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.ApprovalRepository()

	approval := &models.ApprovalRequest{
		ID:          "appr-1",
		ExecutionID: "exec-1",
		StepID:      "review",
		Status:      models.ApprovalStatusPending,
		CreatedAt:   models.NowMillis(),
	}
	require.NoError(t, repo.Create(t.Context(), approval))

	approval.Status = models.ApprovalStatusApproved
	require.NoError(t, repo.Update(t.Context(), approval, models.ApprovalStatusPending))

	// The request is already resolved; a competing response loses.
	competing := *approval
	competing.Status = models.ApprovalStatusRejected

	err := repo.Update(t.Context(), &competing, models.ApprovalStatusPending)
	require.Error(t, err)
	assert.True(t, persistence.IsConcurrentUpdate(err))
}

func TestApprovalRepository_ListExpired(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.ApprovalRepository()

	now := models.NowMillis()

	expired := &models.ApprovalRequest{
		ID:          "appr-old",
		ExecutionID: "exec-1",
		Status:      models.ApprovalStatusPending,
		ExpiresAt:   now - 1000,
		CreatedAt:   now - 5000,
	}
	fresh := &models.ApprovalRequest{
		ID:          "appr-fresh",
		ExecutionID: "exec-1",
		Status:      models.ApprovalStatusPending,
		ExpiresAt:   now + 60_000,
		CreatedAt:   now,
	}
	unbounded := &models.ApprovalRequest{
		ID:          "appr-unbounded",
		ExecutionID: "exec-1",
		Status:      models.ApprovalStatusPending,
		CreatedAt:   now,
	}

	require.NoError(t, repo.Create(t.Context(), expired))
	require.NoError(t, repo.Create(t.Context(), fresh))
	require.NoError(t, repo.Create(t.Context(), unbounded))

	found, err := repo.ListExpired(t.Context(), now)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "appr-old", found[0].ID)

	byExecution, err := repo.ListByExecution(t.Context(), "exec-1")
	require.NoError(t, err)
	assert.Len(t, byExecution, 3)
}
