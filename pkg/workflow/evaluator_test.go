package workflow

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxor-io/fluxor/pkg/expression"
	"github.com/fluxor-io/fluxor/pkg/models"
)

func newTestEvaluator() *Evaluator {
	return NewEvaluator(expression.NewEngine())
}

// validDefinition runs the validator so computed joins are in place, the
// same state a definition has after registration.
func validDefinition(t *testing.T, nodes []*models.Node, edges []*models.Edge) *models.WorkflowDefinition {
	t.Helper()

	def := linearDefinition(nodes, edges)
	require.Empty(t, newTestValidator().Validate(def))

	return def
}

func startExecution(def *models.WorkflowDefinition, inputs map[string]any) *models.WorkflowExecution {
	exec := models.NewWorkflowExecution("exec-1", def, inputs)
	exec.Status = models.ExecutionStatusRunning

	return exec
}

// runSingle asserts the decision is a single-target run of the expected
// node and advances past it, simulating an engine that executed it.
func runSingle(t *testing.T, ev *Evaluator, def *models.WorkflowDefinition, exec *models.WorkflowExecution, nodeID string) {
	t.Helper()

	decision := ev.Next(def, exec)
	require.Equal(t, DecisionRun, decision.Kind)
	require.Len(t, decision.Targets, 1)
	require.Equal(t, nodeID, decision.Targets[0].Node.ID)
	require.NoError(t, ev.Advance(def, exec, nodeID))
}

func TestEvaluator_Next_LinearFlow(t *testing.T) {
	def := validDefinition(
		t,
		[]*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "work", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		[]*models.Edge{
			{From: "start", To: "work"},
			{From: "work", To: "end"},
		},
	)

	ev := newTestEvaluator()
	exec := startExecution(def, nil)

	runSingle(t, ev, def, exec, "work")

	decision := ev.Next(def, exec)
	require.Equal(t, DecisionComplete, decision.Kind)
}

func conditionDefinition(t *testing.T) *models.WorkflowDefinition {
	t.Helper()

	return validDefinition(
		t,
		[]*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "fork", Type: models.NodeTypeCondition, Config: map[string]any{"condition": "inputs.amount > 100"}},
			{ID: "big", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "small", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		[]*models.Edge{
			{From: "start", To: "fork"},
			{From: "fork", To: "big", Condition: "result == true"},
			{From: "fork", To: "small"},
			{From: "big", To: "end"},
			{From: "small", To: "end"},
		},
	)
}

func TestEvaluator_Next_ConditionRouting(t *testing.T) {
	testCases := []struct {
		name     string
		amount   int
		expected string
	}{
		{name: "condition true takes first matching edge", amount: 500, expected: "big"},
		{name: "condition false falls to default edge", amount: 50, expected: "small"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			def := conditionDefinition(t)
			ev := newTestEvaluator()
			exec := startExecution(def, map[string]any{"amount": testCase.amount})

			decision := ev.Next(def, exec)
			require.Equal(t, DecisionRun, decision.Kind)
			require.Len(t, decision.Targets, 1)
			assert.Equal(t, testCase.expected, decision.Targets[0].Node.ID)
		})
	}
}

func TestEvaluator_Next_NoMatchingBranch(t *testing.T) {
	def := validDefinition(
		t,
		[]*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "fork", Type: models.NodeTypeCondition, Config: map[string]any{"condition": "inputs.amount > 100"}},
			{ID: "big", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "huge", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		[]*models.Edge{
			{From: "start", To: "fork"},
			{From: "fork", To: "big", Condition: "result == true"},
			{From: "fork", To: "huge", Condition: "inputs.amount > 1000"},
			{From: "big", To: "end"},
			{From: "huge", To: "end"},
		},
	)

	ev := newTestEvaluator()
	exec := startExecution(def, map[string]any{"amount": 5})

	decision := ev.Next(def, exec)
	require.Equal(t, DecisionFail, decision.Kind)
	require.NotNil(t, decision.Err)
	assert.Equal(t, models.ErrCodeNoMatchingBranch, decision.Err.Code)
	assert.Equal(t, "fork", decision.Err.StepID)
}

func TestEvaluator_Next_ConditionNotBoolean(t *testing.T) {
	def := conditionDefinition(t)
	def.FindNode("fork").Config["condition"] = "inputs.amount"

	ev := newTestEvaluator()
	exec := startExecution(def, map[string]any{"amount": 5})

	decision := ev.Next(def, exec)
	require.Equal(t, DecisionFail, decision.Kind)
	require.NotNil(t, decision.Err)
	assert.Equal(t, models.ErrCodeConditionNotBoolean, decision.Err.Code)
}

func parallelDefinition(t *testing.T) *models.WorkflowDefinition {
	t.Helper()

	return validDefinition(
		t,
		[]*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "split", Type: models.NodeTypeParallel},
			{ID: "left", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "right", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "merge", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		[]*models.Edge{
			{From: "start", To: "split"},
			{From: "split", To: "left"},
			{From: "split", To: "right"},
			{From: "left", To: "merge"},
			{From: "right", To: "merge"},
			{From: "merge", To: "end"},
		},
	)
}

func TestEvaluator_Next_ParallelFanOutAndJoin(t *testing.T) {
	def := parallelDefinition(t)
	ev := newTestEvaluator()
	exec := startExecution(def, nil)

	decision := ev.Next(def, exec)
	require.Equal(t, DecisionRun, decision.Kind)
	require.Len(t, decision.Targets, 2)

	// Both branch nodes are runnable in one batch, each scoped to its own
	// branch.
	ids := []string{decision.Targets[0].Node.ID, decision.Targets[1].Node.ID}
	assert.ElementsMatch(t, []string{"left", "right"}, ids)

	for _, target := range decision.Targets {
		require.NotNil(t, target.Branch)
		target.Branch.Outputs[target.Node.ID] = map[string]any{"done": target.Node.ID}
		require.NoError(t, ev.Advance(def, exec, target.Node.ID))
	}

	decision = ev.Next(def, exec)
	require.Equal(t, DecisionRun, decision.Kind)
	require.Len(t, decision.Targets, 1)
	assert.Equal(t, "merge", decision.Targets[0].Node.ID)
	assert.Nil(t, decision.Targets[0].Branch)

	// The join merged both branch outputs into the shared context.
	assert.Contains(t, exec.Variables.Outputs, "left")
	assert.Contains(t, exec.Variables.Outputs, "right")

	require.NoError(t, ev.Advance(def, exec, "merge"))

	decision = ev.Next(def, exec)
	require.Equal(t, DecisionComplete, decision.Kind)
}

func TestEvaluator_Next_ParallelBranchFailure(t *testing.T) {
	def := validDefinition(
		t,
		[]*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "split", Type: models.NodeTypeParallel},
			{ID: "fork", Type: models.NodeTypeCondition, Config: map[string]any{"condition": "inputs.proceed == true"}},
			{ID: "a", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "b", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "right", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "merge", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		[]*models.Edge{
			{From: "start", To: "split"},
			{From: "split", To: "fork"},
			{From: "split", To: "right"},
			{From: "fork", To: "a", Condition: "result == true"},
			{From: "fork", To: "b", Condition: "result == false && inputs.fallback == true"},
			{From: "a", To: "merge"},
			{From: "b", To: "merge"},
			{From: "right", To: "merge"},
			{From: "merge", To: "end"},
		},
	)

	ev := newTestEvaluator()
	// proceed=false and no fallback: the condition branch has no matching
	// edge.
	exec := startExecution(def, map[string]any{"proceed": false})

	// The healthy branch still gets to run its node.
	decision := ev.Next(def, exec)
	require.Equal(t, DecisionRun, decision.Kind)
	require.Len(t, decision.Targets, 1)
	require.Equal(t, "right", decision.Targets[0].Node.ID)
	require.NoError(t, ev.Advance(def, exec, "right"))

	// With every branch settled the failure surfaces.
	decision = ev.Next(def, exec)
	require.Equal(t, DecisionFail, decision.Kind)
	require.NotNil(t, decision.Err)
	assert.Equal(t, models.ErrCodeNoMatchingBranch, decision.Err.Code)
	assert.Equal(t, "fork", decision.Err.StepID)
}

func loopDefinition(t *testing.T, config map[string]any) *models.WorkflowDefinition {
	t.Helper()

	return validDefinition(
		t,
		[]*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "repeat", Type: models.NodeTypeLoop, Config: config},
			{ID: "body", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		[]*models.Edge{
			{From: "start", To: "repeat"},
			{From: "repeat", To: "body"},
			{From: "repeat", To: "end"},
			{From: "body", To: "repeat"},
		},
	)
}

func TestEvaluator_Next_LoopIterationBound(t *testing.T) {
	def := loopDefinition(t, map[string]any{"maxIterations": 3})
	ev := newTestEvaluator()
	exec := startExecution(def, nil)

	for i := 0; i < 3; i++ {
		decision := ev.Next(def, exec)
		require.Equal(t, DecisionRun, decision.Kind)
		require.Len(t, decision.Targets, 1)
		require.Equal(t, "body", decision.Targets[0].Node.ID)
		// Each pass carries its own iteration context, so a revisit of the
		// body node is distinguishable from a replay of an earlier attempt.
		assert.Equal(t, strconv.Itoa(i), decision.Targets[0].Iteration)
		require.NoError(t, ev.Advance(def, exec, "body"))
	}

	decision := ev.Next(def, exec)
	require.Equal(t, DecisionComplete, decision.Kind)
}

func TestEvaluator_Next_LoopBreakCondition(t *testing.T) {
	def := loopDefinition(t, map[string]any{"condition": "iteration >= 1"})
	ev := newTestEvaluator()
	exec := startExecution(def, nil)

	runSingle(t, ev, def, exec, "body")

	decision := ev.Next(def, exec)
	require.Equal(t, DecisionComplete, decision.Kind)
}

func TestEvaluator_Next_LoopResetsTemp(t *testing.T) {
	def := loopDefinition(t, map[string]any{"maxIterations": 1})
	ev := newTestEvaluator()
	exec := startExecution(def, nil)
	exec.Variables.Temp["scratch"] = "stale"

	decision := ev.Next(def, exec)
	require.Equal(t, DecisionRun, decision.Kind)
	assert.Empty(t, exec.Variables.Temp)
}

func TestEvaluator_Next_SuspendEcho(t *testing.T) {
	def := conditionDefinition(t)
	ev := newTestEvaluator()
	exec := startExecution(def, nil)
	exec.SuspendReason = models.SuspendReasonApproval
	exec.SuspendedNodeID = "fork"

	decision := ev.Next(def, exec)
	require.Equal(t, DecisionSuspend, decision.Kind)
	assert.Equal(t, models.SuspendReasonApproval, decision.Reason)
	assert.Equal(t, "fork", decision.NodeID)
}

func TestEvaluator_Next_SubworkflowFramePending(t *testing.T) {
	def := conditionDefinition(t)
	ev := newTestEvaluator()
	exec := startExecution(def, nil)
	exec.PushFrame(&models.Frame{
		Kind:             models.FrameKindSubworkflow,
		NodeID:           "child-step",
		ChildExecutionID: "exec-child",
	})

	decision := ev.Next(def, exec)
	require.Equal(t, DecisionSuspend, decision.Kind)
	assert.Equal(t, models.SuspendReasonSubworkflow, decision.Reason)
	assert.Equal(t, "child-step", decision.NodeID)
}

func TestEvaluator_Advance_NoCursor(t *testing.T) {
	def := conditionDefinition(t)
	ev := newTestEvaluator()
	exec := startExecution(def, nil)

	assert.Error(t, ev.Advance(def, exec, "big"))
}

func TestEvaluator_Next_Deterministic(t *testing.T) {
	def := parallelDefinition(t)
	ev := newTestEvaluator()
	exec := startExecution(def, map[string]any{"amount": 7})

	first := exec.Clone()
	second := exec.Clone()

	decisionFirst := ev.Next(def, first)
	decisionSecond := ev.Next(def, second)

	require.Equal(t, decisionFirst.Kind, decisionSecond.Kind)
	require.Len(t, decisionSecond.Targets, len(decisionFirst.Targets))

	for i := range decisionFirst.Targets {
		assert.Equal(t, decisionFirst.Targets[i].Node.ID, decisionSecond.Targets[i].Node.ID)
	}

	framesFirst, err := json.Marshal(first.Frames)
	require.NoError(t, err)

	framesSecond, err := json.Marshal(second.Frames)
	require.NoError(t, err)

	assert.JSONEq(t, string(framesFirst), string(framesSecond))
}

func TestEvaluator_Environment_BranchOverlay(t *testing.T) {
	ev := newTestEvaluator()

	exec := startExecution(conditionDefinition(t), nil)
	exec.Variables.SetOutput("shared", "base")

	branch := &models.Branch{
		Root:    "left",
		Outputs: map[string]any{"local": "branch-only"},
	}

	env := ev.Environment(exec, branch)

	outputs, ok := env["outputs"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "base", outputs["shared"])
	assert.Equal(t, "branch-only", outputs["local"])

	// The overlay never leaks back into the execution's variables.
	assert.NotContains(t, exec.Variables.Outputs, "local")
}
