package models

import "time"

// MaxNodes bounds how many nodes a single definition may declare.
const MaxNodes = 50

// NowMillis returns the current wall-clock time as epoch milliseconds, the
// timestamp representation used across all persisted entities.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Edge is a directed connection between two nodes. Condition, when present,
// is a boolean expression evaluated against the execution's variable
// context; an absent condition means the edge is always taken.
type Edge struct {
	ID        string `json:"id,omitempty"`
	From      string `json:"from"      validate:"required"`
	To        string `json:"to"        validate:"required"`
	Condition string `json:"condition,omitempty"`
}

// WorkflowDefinition is the immutable description of a process: a directed
// graph of typed nodes plus the initial variable set and execution limits.
// Definitions are never updated in place; a new version is a new definition.
type WorkflowDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"     validate:"required"`
	Description string         `json:"description,omitempty"`
	OwnerID     string         `json:"owner_id"`
	Nodes       []*Node        `json:"nodes"    validate:"required"`
	Edges       []*Edge        `json:"edges"`
	Variables   map[string]any `json:"variables,omitempty"`
	TimeoutMs   int64          `json:"timeout_ms,omitempty"`
	Triggers    []*Trigger     `json:"triggers,omitempty"`

	// Joins maps each parallel node id to its join node id, the first
	// common descendant of all the parallel node's children. Populated by
	// the validator and persisted with the definition.
	Joins map[string]string `json:"joins,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// FindNode returns the node with the given id, nil when absent.
func (d *WorkflowDefinition) FindNode(id string) *Node {
	for _, node := range d.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}

// StartNode returns the definition's single start node, nil when the
// definition declares none.
func (d *WorkflowDefinition) StartNode() *Node {
	for _, node := range d.Nodes {
		if node.Type.Normalize() == NodeTypeStart {
			return node
		}
	}

	return nil
}

// OutgoingEdges returns the edges leaving a node in declaration order.
// Declaration order is load-bearing: condition nodes take the first edge
// whose condition holds, and loop nodes treat the first edge as the body
// entry and the second as the exit.
func (d *WorkflowDefinition) OutgoingEdges(nodeID string) []*Edge {
	var out []*Edge

	for _, edge := range d.Edges {
		if edge.From == nodeID {
			out = append(out, edge)
		}
	}

	return out
}

// IncomingEdges returns the edges arriving at a node in declaration order.
func (d *WorkflowDefinition) IncomingEdges(nodeID string) []*Edge {
	var in []*Edge

	for _, edge := range d.Edges {
		if edge.To == nodeID {
			in = append(in, edge)
		}
	}

	return in
}

// Successors returns the successor node ids of a node. Edges are
// authoritative; the node's next hint is consulted only when the definition
// declares no outgoing edges for it.
func (d *WorkflowDefinition) Successors(nodeID string) []string {
	edges := d.OutgoingEdges(nodeID)
	if len(edges) > 0 {
		targets := make([]string, 0, len(edges))
		for _, edge := range edges {
			targets = append(targets, edge.To)
		}

		return targets
	}

	node := d.FindNode(nodeID)
	if node == nil {
		return nil
	}

	return node.Next
}

// Timeout returns the definition-level execution timeout, zero when none is
// configured.
func (d *WorkflowDefinition) Timeout() time.Duration {
	if d.TimeoutMs <= 0 {
		return 0
	}

	return time.Duration(d.TimeoutMs) * time.Millisecond
}
