package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType identifies the behavior of a node in a workflow definition.
type NodeType string

const (
	NodeTypeStart         NodeType = "start"
	NodeTypeEnd           NodeType = "end"
	NodeTypeTask          NodeType = "task"
	NodeTypeCondition     NodeType = "condition"
	NodeTypeParallel      NodeType = "parallel"
	NodeTypeSequential    NodeType = "sequential"
	NodeTypeLoop          NodeType = "loop"
	NodeTypeSubworkflow   NodeType = "subworkflow"
	NodeTypeHumanApproval NodeType = "human_approval"
	NodeTypeDelay         NodeType = "delay"
	NodeTypeWebhook       NodeType = "webhook"
)

// NodeTypeAgentTask is an accepted input alias for NodeTypeTask.
const NodeTypeAgentTask NodeType = "agent_task"

// Normalize maps input aliases onto their canonical node type.
func (t NodeType) Normalize() NodeType {
	if t == NodeTypeAgentTask {
		return NodeTypeTask
	}

	return t
}

// Valid reports whether the type is one of the supported node types.
func (t NodeType) Valid() bool {
	switch t.Normalize() {
	case NodeTypeStart, NodeTypeEnd, NodeTypeTask, NodeTypeCondition,
		NodeTypeParallel, NodeTypeSequential, NodeTypeLoop, NodeTypeSubworkflow,
		NodeTypeHumanApproval, NodeTypeDelay, NodeTypeWebhook:
		return true
	}

	return false
}

// IsControl reports whether nodes of this type are resolved by the step
// evaluator alone, without calling out to any collaborator.
func (t NodeType) IsControl() bool {
	switch t.Normalize() {
	case NodeTypeStart, NodeTypeEnd, NodeTypeCondition, NodeTypeParallel,
		NodeTypeSequential, NodeTypeLoop:
		return true
	}

	return false
}

// Node is one vertex of a workflow definition graph. Config holds the
// type-specific parameters documented per node type; Next is a denormalized
// successor hint that is only consulted when the definition declares no
// outgoing edges for the node.
type Node struct {
	ID          string         `json:"id"          validate:"required"`
	Type        NodeType       `json:"type"        validate:"required"`
	Name        string         `json:"name"        validate:"required"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Next        StringList     `json:"next,omitempty"`
}

// StringList unmarshals from either a single JSON string or an array of
// strings. Definitions in the wild use both shapes for a node's next hint.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringList{single}

		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("failed to unmarshal string list: %w", err)
	}

	*s = StringList(many)

	return nil
}

// ConfigString returns the string held under key, or "" when absent or not
// a string.
func (n *Node) ConfigString(key string) string {
	if n.Config == nil {
		return ""
	}

	value, ok := n.Config[key].(string)
	if !ok {
		return ""
	}

	return value
}

// ConfigInt returns the integer held under key. JSON unmarshals numbers as
// float64, so both numeric shapes are accepted.
func (n *Node) ConfigInt(key string) (int, bool) {
	if n.Config == nil {
		return 0, false
	}

	switch value := n.Config[key].(type) {
	case int:
		return value, true
	case int64:
		return int(value), true
	case float64:
		return int(value), true
	}

	return 0, false
}

// ConfigBool returns the boolean held under key, false when absent.
func (n *Node) ConfigBool(key string) bool {
	if n.Config == nil {
		return false
	}

	value, ok := n.Config[key].(bool)

	return ok && value
}

// ConfigMap returns the map held under key, nil when absent.
func (n *Node) ConfigMap(key string) map[string]any {
	if n.Config == nil {
		return nil
	}

	value, ok := n.Config[key].(map[string]any)
	if !ok {
		return nil
	}

	return value
}

// AgentID returns the agent identifier a task node invokes.
func (n *Node) AgentID() string {
	return n.ConfigString("agentId")
}

// ConditionExpression returns the boolean expression of condition and loop
// nodes.
func (n *Node) ConditionExpression() string {
	return n.ConfigString("condition")
}

// Parameters returns the parameter map passed to the agent or webhook after
// template resolution.
func (n *Node) Parameters() map[string]any {
	return n.ConfigMap("parameters")
}

// MaxIterations returns the loop iteration bound, 0 when unbounded.
func (n *Node) MaxIterations() int {
	bound, ok := n.ConfigInt("maxIterations")
	if !ok || bound < 0 {
		return 0
	}

	return bound
}

// MaxRetries returns how many times a failed attempt of this node may be
// retried.
func (n *Node) MaxRetries() int {
	retries, ok := n.ConfigInt("maxRetries")
	if !ok || retries < 0 {
		return 0
	}

	return retries
}

// DelayDuration returns the pause duration of a delay node.
func (n *Node) DelayDuration() time.Duration {
	ms, ok := n.ConfigInt("durationMs")
	if !ok || ms < 0 {
		return 0
	}

	return time.Duration(ms) * time.Millisecond
}

// OutputVariable returns the explicit output key a node publishes its result
// under. Empty means the node id is used.
func (n *Node) OutputVariable() string {
	return n.ConfigString("outputVariable")
}
