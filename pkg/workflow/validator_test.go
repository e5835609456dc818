package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxor-io/fluxor/pkg/expression"
	"github.com/fluxor-io/fluxor/pkg/models"
)

func newTestValidator() *Validator {
	return NewValidator(expression.NewEngine(), nil)
}

func linearDefinition(nodes []*models.Node, edges []*models.Edge) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:    "def-1",
		Name:  "test",
		Nodes: nodes,
		Edges: edges,
	}
}

func codesOf(errs []models.ValidationError) []models.ErrorCode {
	codes := make([]models.ErrorCode, 0, len(errs))
	for _, err := range errs {
		codes = append(codes, err.Code)
	}

	return codes
}

func TestValidator_Validate_AcceptsLinearWorkflow(t *testing.T) {
	def := linearDefinition(
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

	assert.Empty(t, newTestValidator().Validate(def))
}

func TestValidator_Validate_StartAndEndCounts(t *testing.T) {
	testCases := []struct {
		name  string
		nodes []*models.Node
	}{
		{
			name: "no start",
			nodes: []*models.Node{
				{ID: "end", Type: models.NodeTypeEnd},
			},
		},
		{
			name: "two starts",
			nodes: []*models.Node{
				{ID: "s1", Type: models.NodeTypeStart},
				{ID: "s2", Type: models.NodeTypeStart},
				{ID: "end", Type: models.NodeTypeEnd},
			},
		},
		{
			name: "no end",
			nodes: []*models.Node{
				{ID: "start", Type: models.NodeTypeStart},
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			def := linearDefinition(testCase.nodes, nil)
			errs := newTestValidator().Validate(def)
			assert.Contains(t, codesOf(errs), models.ErrCodeInvalidGraph)
		})
	}
}

func TestValidator_Validate_UnknownEdgeEndpoint(t *testing.T) {
	def := linearDefinition(
		[]*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		[]*models.Edge{
			{From: "start", To: "ghost"},
			{From: "start", To: "end"},
		},
	)

	errs := newTestValidator().Validate(def)
	assert.Contains(t, codesOf(errs), models.ErrCodeUnknownNode)
}

func TestValidator_Validate_Reachability(t *testing.T) {
	def := linearDefinition(
		[]*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "island", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		[]*models.Edge{
			{From: "start", To: "end"},
			{From: "island", To: "end"},
		},
	)

	errs := newTestValidator().Validate(def)
	require.NotEmpty(t, errs)

	found := false

	for _, err := range errs {
		if err.NodeID == "island" {
			found = true

			assert.Contains(t, err.Message, "not reachable")
		}
	}

	assert.True(t, found, "expected a reachability error for the island node")
}

func TestValidator_Validate_DeadEndDoesNotReachEnd(t *testing.T) {
	def := linearDefinition(
		[]*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "stuck", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		[]*models.Edge{
			{From: "start", To: "stuck"},
			{From: "start", To: "end"},
		},
	)

	errs := newTestValidator().Validate(def)

	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		messages = append(messages, err.Message)
	}

	assert.Contains(t, messages, "node has no outgoing edge")
	assert.Contains(t, messages, "node does not reach any end node")
	// Start gets fan-out rejected too, it is not a branching type.
	assert.Contains(t, messages, "start node cannot have multiple outgoing edges")
}

func TestValidator_Validate_TaskRequiresAgent(t *testing.T) {
	def := linearDefinition(
		[]*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "work", Type: models.NodeTypeTask},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		[]*models.Edge{
			{From: "start", To: "work"},
			{From: "work", To: "end"},
		},
	)

	errs := newTestValidator().Validate(def)
	assert.Contains(t, codesOf(errs), models.ErrCodeInvalidConfig)
}

func TestValidator_Validate_ConditionNodeShape(t *testing.T) {
	def := linearDefinition(
		[]*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "fork", Type: models.NodeTypeCondition},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		[]*models.Edge{
			{From: "start", To: "fork"},
			{From: "fork", To: "end"},
		},
	)

	errs := newTestValidator().Validate(def)

	var missingExpr, tooFewEdges bool

	for _, err := range errs {
		if err.NodeID != "fork" {
			continue
		}

		switch {
		case err.Code == models.ErrCodeInvalidConfig:
			missingExpr = true
		case err.Code == models.ErrCodeInvalidGraph:
			tooFewEdges = true
		}
	}

	assert.True(t, missingExpr, "expected a missing-expression error")
	assert.True(t, tooFewEdges, "expected a too-few-edges error")
}

func TestValidator_Validate_LoopNodeShape(t *testing.T) {
	// Loop with neither bound nor break condition and only one outgoing
	// edge collects both defects.
	def := linearDefinition(
		[]*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "repeat", Type: models.NodeTypeLoop},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		[]*models.Edge{
			{From: "start", To: "repeat"},
			{From: "repeat", To: "end"},
		},
	)

	errs := newTestValidator().Validate(def)

	count := 0

	for _, err := range errs {
		if err.NodeID == "repeat" {
			count++
		}
	}

	assert.GreaterOrEqual(t, count, 2)
}

func TestValidator_Validate_LoopWithBoundAccepted(t *testing.T) {
	def := linearDefinition(
		[]*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "repeat", Type: models.NodeTypeLoop, Config: map[string]any{"maxIterations": 3}},
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

	assert.Empty(t, newTestValidator().Validate(def))
}

func TestValidator_Validate_FanOutOnSequentialNode(t *testing.T) {
	def := linearDefinition(
		[]*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "work", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "end1", Type: models.NodeTypeEnd},
			{ID: "end2", Type: models.NodeTypeEnd},
		},
		[]*models.Edge{
			{From: "start", To: "work"},
			{From: "work", To: "end1"},
			{From: "work", To: "end2"},
		},
	)

	errs := newTestValidator().Validate(def)

	found := false

	for _, err := range errs {
		if err.NodeID == "work" && err.Code == models.ErrCodeInvalidGraph {
			found = true
		}
	}

	assert.True(t, found, "expected a fan-out error on the task node")
}

func TestValidator_Validate_ComputesParallelJoin(t *testing.T) {
	def := linearDefinition(
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

	errs := newTestValidator().Validate(def)
	require.Empty(t, errs)
	assert.Equal(t, "merge", def.Joins["split"])
}

func TestValidator_Validate_ParallelWithoutReconvergence(t *testing.T) {
	def := linearDefinition(
		[]*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "split", Type: models.NodeTypeParallel},
			{ID: "left", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "right", Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}},
			{ID: "end1", Type: models.NodeTypeEnd},
			{ID: "end2", Type: models.NodeTypeEnd},
		},
		[]*models.Edge{
			{From: "start", To: "split"},
			{From: "split", To: "left"},
			{From: "split", To: "right"},
			{From: "left", To: "end1"},
			{From: "right", To: "end2"},
		},
	)

	errs := newTestValidator().Validate(def)

	found := false

	for _, err := range errs {
		if err.NodeID == "split" {
			found = true

			assert.Contains(t, err.Message, "reconverge")
		}
	}

	assert.True(t, found)
	assert.Empty(t, def.Joins)
}

func TestValidator_Validate_NodeCountLimit(t *testing.T) {
	nodes := []*models.Node{{ID: "start", Type: models.NodeTypeStart}}
	edges := []*models.Edge{}

	previous := "start"

	for i := 0; i < models.MaxNodes; i++ {
		id := string(rune('a'+i%26)) + string(rune('a'+i/26))
		nodes = append(nodes, &models.Node{ID: id, Type: models.NodeTypeTask, Config: map[string]any{"agentId": "noop"}})
		edges = append(edges, &models.Edge{From: previous, To: id})
		previous = id
	}

	nodes = append(nodes, &models.Node{ID: "end", Type: models.NodeTypeEnd})
	edges = append(edges, &models.Edge{From: previous, To: "end"})

	def := linearDefinition(nodes, edges)
	errs := newTestValidator().Validate(def)

	found := false

	for _, err := range errs {
		if err.Code == models.ErrCodeInvalidGraph && err.NodeID == "" {
			found = true
		}
	}

	assert.True(t, found, "expected a node count error")
}

func TestValidator_Validate_ExpressionCompileCheck(t *testing.T) {
	def := linearDefinition(
		[]*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "fork", Type: models.NodeTypeCondition, Config: map[string]any{"condition": "inputs.amount >"}},
			{ID: "yes", Type: models.NodeTypeEnd},
			{ID: "no", Type: models.NodeTypeEnd},
		},
		[]*models.Edge{
			{From: "start", To: "fork"},
			{From: "fork", To: "yes", Condition: "result =="},
			{From: "fork", To: "no"},
		},
	)

	errs := newTestValidator().Validate(def)

	compileErrors := 0

	for _, err := range errs {
		if err.Code == models.ErrCodeExpression {
			compileErrors++
		}
	}

	assert.Equal(t, 2, compileErrors)
}

func TestValidator_Validate_AccumulatesAllErrors(t *testing.T) {
	def := linearDefinition(
		[]*models.Node{
			{ID: "work", Type: models.NodeTypeTask},
			{ID: "weird", Type: "teleport"},
		},
		[]*models.Edge{
			{From: "work", To: "ghost"},
		},
	)

	errs := newTestValidator().Validate(def)

	// No start, no end, unknown endpoint, missing agentId, bad type,
	// degree violations: the report carries them all at once.
	assert.GreaterOrEqual(t, len(errs), 5)
}
