package workflow

import (
	"fmt"

	"github.com/fluxor-io/fluxor/pkg/expression"
	"github.com/fluxor-io/fluxor/pkg/models"
)

// ConfigValidator checks a node's config map against the schema for its
// type. The registry implements this.
type ConfigValidator interface {
	ValidateNodeConfig(node *models.Node) []models.ValidationError
}

// Validator runs every structural check over a definition and accumulates
// all violations instead of stopping at the first, so a caller gets the
// complete defect report in one pass. A definition with any error is never
// registered for execution.
//
// As a side effect of a clean join computation, Validate populates
// def.Joins with the join node of every parallel node.
type Validator struct {
	expressions *expression.Engine
	configs     ConfigValidator
}

// NewValidator builds a validator. configs may be nil, in which case node
// config schemas are not checked.
func NewValidator(expressions *expression.Engine, configs ConfigValidator) *Validator {
	return &Validator{
		expressions: expressions,
		configs:     configs,
	}
}

// Validate returns every structural defect of the definition. An empty
// slice means the definition is fit for registration.
func (v *Validator) Validate(def *models.WorkflowDefinition) []models.ValidationError {
	var errs []models.ValidationError

	errs = append(errs, v.checkNodeTypes(def)...)
	errs = append(errs, v.checkStartEnd(def)...)
	errs = append(errs, v.checkEdgeEndpoints(def)...)
	errs = append(errs, v.checkDegrees(def)...)
	errs = append(errs, v.checkReachability(def)...)
	errs = append(errs, v.checkTaskNodes(def)...)
	errs = append(errs, v.checkConditionNodes(def)...)
	errs = append(errs, v.checkLoopNodes(def)...)
	errs = append(errs, v.checkFanOut(def)...)
	errs = append(errs, v.checkJoins(def)...)
	errs = append(errs, v.checkNodeCount(def)...)
	errs = append(errs, v.checkExpressions(def)...)
	errs = append(errs, v.checkConfigs(def)...)

	return errs
}

func (v *Validator) checkNodeTypes(def *models.WorkflowDefinition) []models.ValidationError {
	var errs []models.ValidationError

	seen := make(map[string]bool, len(def.Nodes))

	for _, node := range def.Nodes {
		if node.ID == "" {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeInvalidGraph,
				Message: "node without id",
			})

			continue
		}

		if seen[node.ID] {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeInvalidGraph,
				NodeID:  node.ID,
				Message: "duplicate node id",
			})
		}

		seen[node.ID] = true

		if !node.Type.Valid() {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeInvalidGraph,
				NodeID:  node.ID,
				Message: fmt.Sprintf("unsupported node type %q", node.Type),
			})
		}
	}

	return errs
}

func (v *Validator) checkStartEnd(def *models.WorkflowDefinition) []models.ValidationError {
	var errs []models.ValidationError

	starts, ends := 0, 0

	for _, node := range def.Nodes {
		switch node.Type.Normalize() {
		case models.NodeTypeStart:
			starts++
		case models.NodeTypeEnd:
			ends++
		}
	}

	if starts != 1 {
		errs = append(errs, models.ValidationError{
			Code:    models.ErrCodeInvalidGraph,
			Message: fmt.Sprintf("definition must have exactly one start node, found %d", starts),
		})
	}

	if ends == 0 {
		errs = append(errs, models.ValidationError{
			Code:    models.ErrCodeInvalidGraph,
			Message: "definition must have at least one end node",
		})
	}

	return errs
}

func (v *Validator) checkEdgeEndpoints(def *models.WorkflowDefinition) []models.ValidationError {
	var errs []models.ValidationError

	ids := nodeIDSet(def)

	for _, edge := range def.Edges {
		if !ids[edge.From] {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeUnknownNode,
				NodeID:  edge.From,
				Message: fmt.Sprintf("edge references unknown source node %q", edge.From),
			})
		}

		if !ids[edge.To] {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeUnknownNode,
				NodeID:  edge.To,
				Message: fmt.Sprintf("edge references unknown target node %q", edge.To),
			})
		}
	}

	return errs
}

func (v *Validator) checkDegrees(def *models.WorkflowDefinition) []models.ValidationError {
	var errs []models.ValidationError

	for _, node := range def.Nodes {
		nodeType := node.Type.Normalize()

		if nodeType != models.NodeTypeStart && len(def.IncomingEdges(node.ID)) == 0 {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeInvalidGraph,
				NodeID:  node.ID,
				Message: "node has no incoming edge",
			})
		}

		if nodeType != models.NodeTypeEnd && len(def.Successors(node.ID)) == 0 {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeInvalidGraph,
				NodeID:  node.ID,
				Message: "node has no outgoing edge",
			})
		}
	}

	return errs
}

// checkReachability walks the graph in both directions: every non-end node
// must be reachable forward from start, and every non-start node must reach
// some end node. Offenders are reported by id.
func (v *Validator) checkReachability(def *models.WorkflowDefinition) []models.ValidationError {
	var errs []models.ValidationError

	start := def.StartNode()
	if start != nil {
		forward := reachableFrom(def, start.ID)

		for _, node := range def.Nodes {
			if node.Type.Normalize() == models.NodeTypeEnd {
				continue
			}

			if !forward[node.ID] {
				errs = append(errs, models.ValidationError{
					Code:    models.ErrCodeInvalidGraph,
					NodeID:  node.ID,
					Message: "node is not reachable from start",
				})
			}
		}
	}

	reverse := reverseAdjacency(def)
	reachesEnd := make(map[string]bool)

	for _, node := range def.Nodes {
		if node.Type.Normalize() == models.NodeTypeEnd {
			bfs(node.ID, reverse, reachesEnd)
		}
	}

	for _, node := range def.Nodes {
		if node.Type.Normalize() == models.NodeTypeStart {
			continue
		}

		if !reachesEnd[node.ID] {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeInvalidGraph,
				NodeID:  node.ID,
				Message: "node does not reach any end node",
			})
		}
	}

	return errs
}

func (v *Validator) checkTaskNodes(def *models.WorkflowDefinition) []models.ValidationError {
	var errs []models.ValidationError

	for _, node := range def.Nodes {
		if node.Type.Normalize() != models.NodeTypeTask {
			continue
		}

		if node.AgentID() == "" {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeInvalidConfig,
				NodeID:  node.ID,
				Message: "task node must declare a non-empty agentId",
			})
		}
	}

	return errs
}

func (v *Validator) checkConditionNodes(def *models.WorkflowDefinition) []models.ValidationError {
	var errs []models.ValidationError

	for _, node := range def.Nodes {
		if node.Type.Normalize() != models.NodeTypeCondition {
			continue
		}

		if node.ConditionExpression() == "" {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeInvalidConfig,
				NodeID:  node.ID,
				Message: "condition node must declare a non-empty condition expression",
			})
		}

		if len(def.OutgoingEdges(node.ID)) < 2 {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeInvalidGraph,
				NodeID:  node.ID,
				Message: "condition node must have at least two outgoing edges",
			})
		}
	}

	return errs
}

func (v *Validator) checkLoopNodes(def *models.WorkflowDefinition) []models.ValidationError {
	var errs []models.ValidationError

	for _, node := range def.Nodes {
		if node.Type.Normalize() != models.NodeTypeLoop {
			continue
		}

		if node.MaxIterations() == 0 && node.ConditionExpression() == "" {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeInvalidConfig,
				NodeID:  node.ID,
				Message: "loop node must declare a maximum iteration bound or a break condition",
			})
		}

		if len(def.OutgoingEdges(node.ID)) != 2 {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeInvalidGraph,
				NodeID:  node.ID,
				Message: "loop node must have exactly two outgoing edges, body first and exit second",
			})
		}
	}

	return errs
}

// checkFanOut rejects multiple outgoing edges on node types where fan-out
// has no meaning. Only condition, parallel, and loop nodes branch.
func (v *Validator) checkFanOut(def *models.WorkflowDefinition) []models.ValidationError {
	var errs []models.ValidationError

	for _, node := range def.Nodes {
		switch node.Type.Normalize() {
		case models.NodeTypeCondition, models.NodeTypeParallel, models.NodeTypeLoop:
			continue
		}

		if len(def.OutgoingEdges(node.ID)) > 1 {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeInvalidGraph,
				NodeID:  node.ID,
				Message: fmt.Sprintf("%s node cannot have multiple outgoing edges", node.Type),
			})
		}
	}

	return errs
}

// checkJoins computes the join node of every parallel node, the first
// common descendant of all its children, and caches it on the definition.
// A parallel node whose branches never reconverge is a structural error.
func (v *Validator) checkJoins(def *models.WorkflowDefinition) []models.ValidationError {
	var errs []models.ValidationError

	joins := make(map[string]string)

	for _, node := range def.Nodes {
		if node.Type.Normalize() != models.NodeTypeParallel {
			continue
		}

		children := def.Successors(node.ID)
		if len(children) < 2 {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeInvalidGraph,
				NodeID:  node.ID,
				Message: "parallel node must have at least two outgoing edges",
			})

			continue
		}

		join, ok := computeJoin(def, node.ID, children)
		if !ok {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeInvalidGraph,
				NodeID:  node.ID,
				Message: "parallel branches never reconverge on a common node",
			})

			continue
		}

		joins[node.ID] = join
	}

	if len(errs) == 0 {
		def.Joins = joins
	}

	return errs
}

func (v *Validator) checkNodeCount(def *models.WorkflowDefinition) []models.ValidationError {
	if len(def.Nodes) <= models.MaxNodes {
		return nil
	}

	return []models.ValidationError{{
		Code:    models.ErrCodeInvalidGraph,
		Message: fmt.Sprintf("definition has %d nodes, maximum is %d", len(def.Nodes), models.MaxNodes),
	}}
}

// checkExpressions compile-checks every condition in the definition so
// malformed expressions are rejected at creation time instead of failing
// executions.
func (v *Validator) checkExpressions(def *models.WorkflowDefinition) []models.ValidationError {
	var errs []models.ValidationError

	for _, edge := range def.Edges {
		if edge.Condition == "" {
			continue
		}

		if err := v.expressions.Compile(edge.Condition); err != nil {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeExpression,
				NodeID:  edge.From,
				Message: fmt.Sprintf("edge condition %q does not compile: %v", edge.Condition, err),
			})
		}
	}

	for _, node := range def.Nodes {
		condition := node.ConditionExpression()
		if condition == "" {
			continue
		}

		if err := v.expressions.Compile(condition); err != nil {
			errs = append(errs, models.ValidationError{
				Code:    models.ErrCodeExpression,
				NodeID:  node.ID,
				Message: fmt.Sprintf("condition %q does not compile: %v", condition, err),
			})
		}
	}

	return errs
}

func (v *Validator) checkConfigs(def *models.WorkflowDefinition) []models.ValidationError {
	if v.configs == nil {
		return nil
	}

	var errs []models.ValidationError

	for _, node := range def.Nodes {
		errs = append(errs, v.configs.ValidateNodeConfig(node)...)
	}

	return errs
}

func nodeIDSet(def *models.WorkflowDefinition) map[string]bool {
	ids := make(map[string]bool, len(def.Nodes))
	for _, node := range def.Nodes {
		ids[node.ID] = true
	}

	return ids
}

// reachableFrom returns every node reachable from the given node, itself
// included.
func reachableFrom(def *models.WorkflowDefinition, from string) map[string]bool {
	visited := make(map[string]bool)
	queue := []string{from}
	visited[from] = true

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, next := range def.Successors(current) {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	return visited
}

func reverseAdjacency(def *models.WorkflowDefinition) map[string][]string {
	reverse := make(map[string][]string)

	for _, node := range def.Nodes {
		for _, next := range def.Successors(node.ID) {
			reverse[next] = append(reverse[next], node.ID)
		}
	}

	return reverse
}

func bfs(from string, adjacency map[string][]string, visited map[string]bool) {
	if visited[from] {
		return
	}

	visited[from] = true
	queue := []string{from}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, next := range adjacency[current] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
}

// computeJoin finds the first common descendant of all children of a
// parallel node: the node every branch reaches that sits closest to the
// parallel node in breadth-first order.
func computeJoin(def *models.WorkflowDefinition, parallelID string, children []string) (string, bool) {
	common := reachableFrom(def, children[0])

	for _, child := range children[1:] {
		reached := reachableFrom(def, child)

		for id := range common {
			if !reached[id] {
				delete(common, id)
			}
		}
	}

	delete(common, parallelID)

	if len(common) == 0 {
		return "", false
	}

	// Breadth-first from the parallel node; the first layer containing a
	// common descendant decides, with def.Nodes order as the tie-break.
	visited := map[string]bool{parallelID: true}
	layer := []string{parallelID}

	for len(layer) > 0 {
		var next []string

		for _, id := range layer {
			for _, succ := range def.Successors(id) {
				if !visited[succ] {
					visited[succ] = true
					next = append(next, succ)
				}
			}
		}

		var candidates []string

		for _, id := range next {
			if common[id] {
				candidates = append(candidates, id)
			}
		}

		if len(candidates) == 1 {
			return candidates[0], true
		}

		if len(candidates) > 1 {
			for _, node := range def.Nodes {
				for _, id := range candidates {
					if node.ID == id {
						return id, true
					}
				}
			}
		}

		layer = next
	}

	return "", false
}
