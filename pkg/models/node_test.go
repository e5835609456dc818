package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeType_Normalize(t *testing.T) {
	assert.Equal(t, NodeTypeTask, NodeTypeAgentTask.Normalize())
	assert.Equal(t, NodeTypeTask, NodeTypeTask.Normalize())
	assert.Equal(t, NodeTypeLoop, NodeTypeLoop.Normalize())
}

func TestNodeType_Valid(t *testing.T) {
	for _, nodeType := range []NodeType{
		NodeTypeStart, NodeTypeEnd, NodeTypeTask, NodeTypeAgentTask,
		NodeTypeCondition, NodeTypeParallel, NodeTypeSequential, NodeTypeLoop,
		NodeTypeSubworkflow, NodeTypeHumanApproval, NodeTypeDelay, NodeTypeWebhook,
	} {
		assert.True(t, nodeType.Valid(), "expected %s to be valid", nodeType)
	}

	assert.False(t, NodeType("teleport").Valid())
}

func TestNodeType_IsControl(t *testing.T) {
	testCases := []struct {
		nodeType NodeType
		control  bool
	}{
		{NodeTypeStart, true},
		{NodeTypeEnd, true},
		{NodeTypeCondition, true},
		{NodeTypeParallel, true},
		{NodeTypeSequential, true},
		{NodeTypeLoop, true},
		{NodeTypeTask, false},
		{NodeTypeHumanApproval, false},
		{NodeTypeDelay, false},
		{NodeTypeWebhook, false},
		{NodeTypeSubworkflow, false},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.control, tc.nodeType.IsControl(), "type %s", tc.nodeType)
	}
}

func TestStringList_UnmarshalJSON_SingleString(t *testing.T) {
	var node Node

	err := json.Unmarshal([]byte(`{"id":"n1","type":"task","name":"t","next":"n2"}`), &node)
	require.NoError(t, err)
	assert.Equal(t, StringList{"n2"}, node.Next)
}

func TestStringList_UnmarshalJSON_Array(t *testing.T) {
	var node Node

	err := json.Unmarshal([]byte(`{"id":"n1","type":"parallel","name":"p","next":["n2","n3"]}`), &node)
	require.NoError(t, err)
	assert.Equal(t, StringList{"n2", "n3"}, node.Next)
}

func TestNode_ConfigAccessors(t *testing.T) {
	node := &Node{
		ID:   "task-1",
		Type: NodeTypeTask,
		Config: map[string]any{
			"agentId":       "summarizer",
			"maxIterations": float64(3),
			"maxRetries":    2,
			"durationMs":    float64(1500),
			"condition":     "iteration >= 3",
			"parameters":      map[string]any{"text": "{{.inputs.text}}"},
			"waitForCallback": true,
		},
	}

	assert.Equal(t, "summarizer", node.AgentID())
	assert.Equal(t, 3, node.MaxIterations())
	assert.Equal(t, 2, node.MaxRetries())
	assert.Equal(t, 1500*time.Millisecond, node.DelayDuration())
	assert.Equal(t, "iteration >= 3", node.ConditionExpression())
	assert.Equal(t, map[string]any{"text": "{{.inputs.text}}"}, node.Parameters())
	assert.True(t, node.ConfigBool("waitForCallback"))
}

func TestNode_ConfigAccessors_Absent(t *testing.T) {
	node := &Node{ID: "bare", Type: NodeTypeTask}

	assert.Empty(t, node.AgentID())
	assert.Zero(t, node.MaxIterations())
	assert.Zero(t, node.MaxRetries())
	assert.Zero(t, node.DelayDuration())
	assert.Nil(t, node.Parameters())
	assert.False(t, node.ConfigBool("waitForCallback"))
}
