// Package workflow holds the definition builder and validator, the step
// evaluator, and the execution engine.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fluxor-io/fluxor/pkg/models"
)

// UnknownNodeError reports an edge endpoint that was never added to the
// builder, or a node reference that does not resolve.
type UnknownNodeError struct {
	NodeID string
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("unknown node: %s", e.NodeID)
}

// IsUnknownNodeError reports whether err is an UnknownNodeError.
func IsUnknownNodeError(err error) bool {
	var unknownErr *UnknownNodeError

	return errors.As(err, &unknownErr)
}

// Builder assembles a WorkflowDefinition incrementally. Graph-level
// invariants are deliberately not checked here; Build returns whatever was
// assembled so partial definitions can be inspected, and the Validator is
// the single place structural rules are enforced.
type Builder struct {
	name        string
	description string
	ownerID     string
	nodes       []*models.Node
	nodeIDs     map[string]bool
	edges       []*models.Edge
	variables   map[string]any
	timeout     time.Duration
	triggers    []*models.Trigger
}

// NewBuilder starts a definition with the given name and description.
func NewBuilder(name, description string) *Builder {
	return &Builder{
		name:        name,
		description: description,
		nodeIDs:     make(map[string]bool),
	}
}

// WithOwner sets the identity the definition will belong to.
func (b *Builder) WithOwner(ownerID string) *Builder {
	b.ownerID = ownerID

	return b
}

// AddNode appends a node. The node's type is normalized (agent_task becomes
// task) and its id must be unique within the definition.
func (b *Builder) AddNode(node *models.Node) error {
	if node == nil || node.ID == "" {
		return errors.New("node id is required")
	}

	if !node.Type.Valid() {
		return fmt.Errorf("unsupported node type: %s", node.Type)
	}

	if b.nodeIDs[node.ID] {
		return fmt.Errorf("duplicate node id: %s", node.ID)
	}

	node.Type = node.Type.Normalize()
	b.nodes = append(b.nodes, node)
	b.nodeIDs[node.ID] = true

	return nil
}

// AddEdge connects two previously added nodes. Referencing a node that was
// not added fails with UnknownNodeError.
func (b *Builder) AddEdge(from, to, condition string) error {
	if !b.nodeIDs[from] {
		return &UnknownNodeError{NodeID: from}
	}

	if !b.nodeIDs[to] {
		return &UnknownNodeError{NodeID: to}
	}

	b.edges = append(b.edges, &models.Edge{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Condition: condition,
	})

	return nil
}

// SetVariables sets the initial inputs every execution of the definition
// starts with.
func (b *Builder) SetVariables(variables map[string]any) *Builder {
	b.variables = variables

	return b
}

// SetTimeout sets the maximum wall-clock duration any execution of the
// definition may run for.
func (b *Builder) SetTimeout(timeout time.Duration) *Builder {
	b.timeout = timeout

	return b
}

// AddTrigger declares one way executions of this definition start.
func (b *Builder) AddTrigger(trigger *models.Trigger) *Builder {
	b.triggers = append(b.triggers, trigger)

	return b
}

// Build returns the assembled definition. The result owns fresh slices, so
// further builder mutation does not leak into it.
func (b *Builder) Build() (*models.WorkflowDefinition, error) {
	if b.name == "" {
		return nil, errors.New("workflow name is required")
	}

	now := models.NowMillis()

	def := &models.WorkflowDefinition{
		ID:          uuid.New().String(),
		Name:        b.name,
		Description: b.description,
		OwnerID:     b.ownerID,
		Nodes:       make([]*models.Node, len(b.nodes)),
		Edges:       make([]*models.Edge, len(b.edges)),
		Variables:   b.variables,
		TimeoutMs:   b.timeout.Milliseconds(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	copy(def.Nodes, b.nodes)
	copy(def.Edges, b.edges)

	if len(b.triggers) > 0 {
		def.Triggers = make([]*models.Trigger, len(b.triggers))
		copy(def.Triggers, b.triggers)

		for _, trigger := range def.Triggers {
			if trigger.ID == "" {
				trigger.ID = uuid.New().String()
			}

			trigger.WorkflowID = def.ID
		}
	}

	return def, nil
}
