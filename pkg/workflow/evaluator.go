package workflow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fluxor-io/fluxor/pkg/expression"
	"github.com/fluxor-io/fluxor/pkg/models"
)

// maxControlSteps bounds how many control nodes a single Next call may
// resolve. A validated definition settles in far fewer steps; the bound
// turns a control-only cycle into a failed execution instead of a spin.
const maxControlSteps = 10_000

// DecisionKind classifies what the evaluator wants the engine to do next.
type DecisionKind string

const (
	DecisionRun      DecisionKind = "run"
	DecisionSuspend  DecisionKind = "suspend"
	DecisionComplete DecisionKind = "complete"
	DecisionFail     DecisionKind = "fail"
)

// RunTarget is one effect node ready to execute. Branch is the parallel
// branch the node runs inside, nil when it runs on the root stack; the
// engine writes the node's output into the branch scope so concurrent
// branches never share a map. Iteration is the dotted loop-iteration
// context the node runs under, empty outside loops; it keys step results
// so a loop revisit is never mistaken for a crash-recovery replay.
type RunTarget struct {
	Node      *models.Node
	Branch    *models.Branch
	Iteration string
}

// Decision is the evaluator's verdict for one advance of an execution:
// either a batch of effect nodes to run, a suspension, completion with the
// accumulated outputs, or a failure.
type Decision struct {
	Kind    DecisionKind
	Targets []*RunTarget
	Reason  models.SuspendReason
	NodeID  string
	Outputs map[string]any
	Err     *models.ExecutionError
}

// Evaluator resolves control flow. Next walks an execution's frame stack,
// folding away control nodes until it reaches effect nodes, a suspension, or
// a terminal state. It performs no I/O and never blocks; given equal inputs
// it mutates the execution identically and returns an identical decision,
// which is what lets any worker pick up any execution.
type Evaluator struct {
	expressions *expression.Engine
}

// NewEvaluator builds an evaluator on the given expression engine.
func NewEvaluator(expressions *expression.Engine) *Evaluator {
	return &Evaluator{expressions: expressions}
}

// Next advances the execution's control state to the next decision point.
// Control nodes are resolved in place; the returned decision tells the
// engine what has to happen before control flow can move again.
func (ev *Evaluator) Next(def *models.WorkflowDefinition, exec *models.WorkflowExecution) *Decision {
	if exec.SuspendReason != "" {
		return &Decision{
			Kind:   DecisionSuspend,
			Reason: exec.SuspendReason,
			NodeID: exec.SuspendedNodeID,
		}
	}

	return ev.advanceStack(def, exec, &exec.Frames, nil, "", "")
}

// Advance moves the cursor positioned at the given node past it, onto the
// node's single successor. The engine calls this after an effect node
// completes or a suspension at the node is resolved.
func (ev *Evaluator) Advance(def *models.WorkflowDefinition, exec *models.WorkflowExecution, nodeID string) error {
	frame := findCursor(exec.Frames, nodeID)
	if frame == nil {
		return fmt.Errorf("no active cursor at node %q", nodeID)
	}

	next := firstSuccessor(def, nodeID)
	if next == "" {
		return fmt.Errorf("node %q has no successor to advance to", nodeID)
	}

	frame.Current = next

	return nil
}

// Environment builds the expression and template environment for the given
// scope: the execution's flattened variables, with the branch's unmerged
// outputs overlaid when the scope is a parallel branch.
func (ev *Evaluator) Environment(exec *models.WorkflowExecution, scope *models.Branch) map[string]any {
	env := exec.Variables.Flatten()

	if scope != nil && len(scope.Outputs) > 0 {
		merged := make(map[string]any)

		if outputs, ok := env["outputs"].(map[string]any); ok {
			for key, value := range outputs {
				merged[key] = value
			}
		}

		for key, value := range scope.Outputs {
			merged[key] = value
		}

		env["outputs"] = merged
	}

	return env
}

// advanceStack drives one frame stack until it yields. frames is the root
// stack or a branch's nested stack; scope is the branch the stack belongs
// to, nil at the root; joinID, when non-empty, is the node the stack stops
// in front of instead of executing, which is how a branch parks at its
// parallel join; iterPrefix is the loop-iteration context inherited from
// enclosing stacks.
func (ev *Evaluator) advanceStack(def *models.WorkflowDefinition, exec *models.WorkflowExecution, frames *[]*models.Frame, scope *models.Branch, joinID, iterPrefix string) *Decision {
	for range maxControlSteps {
		if len(*frames) == 0 {
			return &Decision{Kind: DecisionComplete, Outputs: exec.Variables.Outputs}
		}

		top := (*frames)[len(*frames)-1]

		if joinID != "" && top.Kind != models.FrameKindParallel && top.Current == joinID {
			return &Decision{Kind: DecisionComplete}
		}

		var decision *Decision

		switch top.Kind {
		case models.FrameKindParallel:
			decision = ev.resolveParallel(def, exec, frames, top, scope, iterPrefix)
		case models.FrameKindSubworkflow:
			return &Decision{
				Kind:   DecisionSuspend,
				Reason: models.SuspendReasonSubworkflow,
				NodeID: top.NodeID,
			}
		case models.FrameKindLoop:
			if top.Current == "" || top.Current == top.NodeID {
				decision = ev.resolveLoopHead(def, exec, frames, top, scope)
			} else {
				decision = ev.resolveCursor(def, exec, frames, top, scope, iterPrefix)
			}
		default:
			decision = ev.resolveCursor(def, exec, frames, top, scope, iterPrefix)
		}

		if decision != nil {
			return decision
		}
	}

	return failDecision(models.NewExecutionError(models.ErrCodeInternal,
		"control flow did not settle, definition contains a control-only cycle"))
}

// resolveCursor handles the node a cursor frame points at. A nil return
// means the frame mutated and stepping continues.
func (ev *Evaluator) resolveCursor(def *models.WorkflowDefinition, exec *models.WorkflowExecution, frames *[]*models.Frame, frame *models.Frame, scope *models.Branch, iterPrefix string) *Decision {
	node := def.FindNode(frame.Current)
	if node == nil {
		return failDecision(models.NewExecutionError(models.ErrCodeInternal,
			fmt.Sprintf("execution cursor points at unknown node %q", frame.Current)))
	}

	switch node.Type.Normalize() {
	case models.NodeTypeStart, models.NodeTypeSequential:
		next := firstSuccessor(def, node.ID)
		if next == "" {
			return failDecision(models.NewExecutionError(models.ErrCodeInternal,
				fmt.Sprintf("node %q has no successor", node.ID)).WithStep(node.ID))
		}

		frame.Current = next

		return nil

	case models.NodeTypeEnd:
		if scope != nil {
			return &Decision{Kind: DecisionComplete}
		}

		return &Decision{Kind: DecisionComplete, Outputs: exec.Variables.Outputs}

	case models.NodeTypeCondition:
		return ev.resolveCondition(def, exec, frame, node, scope)

	case models.NodeTypeParallel:
		return ev.openParallel(def, frames, node)

	case models.NodeTypeLoop:
		*frames = append(*frames, &models.Frame{Kind: models.FrameKindLoop, NodeID: node.ID})

		return nil

	default:
		return &Decision{
			Kind:    DecisionRun,
			Targets: []*RunTarget{{Node: node, Branch: scope, Iteration: iterationPath(iterPrefix, *frames)}},
		}
	}
}

// resolveCondition evaluates a condition node's expression, exposes it to
// the outgoing edges as result, and routes down the first edge whose
// condition holds. Edges are tried in declaration order; an edge without a
// condition always matches.
func (ev *Evaluator) resolveCondition(def *models.WorkflowDefinition, exec *models.WorkflowExecution, frame *models.Frame, node *models.Node, scope *models.Branch) *Decision {
	env := ev.Environment(exec, scope)

	result, err := ev.expressions.EvaluateBool(node.ConditionExpression(), env)
	if err != nil {
		return failDecision(conditionError(err, node.ConditionExpression()).WithStep(node.ID))
	}

	env["result"] = result

	for _, edge := range def.OutgoingEdges(node.ID) {
		if edge.Condition == "" {
			frame.Current = edge.To

			return nil
		}

		matched, err := ev.expressions.EvaluateBool(edge.Condition, env)
		if err != nil {
			return failDecision(conditionError(err, edge.Condition).WithStep(node.ID))
		}

		if matched {
			frame.Current = edge.To

			return nil
		}
	}

	return failDecision(models.NewExecutionError(models.ErrCodeNoMatchingBranch,
		fmt.Sprintf("no outgoing edge of condition node %q matched", node.ID)).
		WithStep(node.ID).
		WithDetails("result", result))
}

// openParallel pushes a parallel frame with one running branch per child,
// each branch holding its own nested stack positioned at the child.
func (ev *Evaluator) openParallel(def *models.WorkflowDefinition, frames *[]*models.Frame, node *models.Node) *Decision {
	join := def.Joins[node.ID]
	if join == "" {
		return failDecision(models.NewExecutionError(models.ErrCodeInternal,
			fmt.Sprintf("parallel node %q has no computed join", node.ID)).WithStep(node.ID))
	}

	children := def.Successors(node.ID)
	branches := make([]*models.Branch, 0, len(children))

	for _, child := range children {
		branches = append(branches, &models.Branch{
			Root:    child,
			Frames:  []*models.Frame{{Kind: models.FrameKindSequence, Current: child}},
			Status:  models.BranchStatusRunning,
			Outputs: make(map[string]any),
		})
	}

	*frames = append(*frames, &models.Frame{
		Kind:     models.FrameKindParallel,
		NodeID:   node.ID,
		JoinID:   join,
		Branches: branches,
	})

	return nil
}

// resolveLoopHead runs the loop's pre-iteration test. The frame is at the
// head either freshly pushed (Current empty) or via the body's back edge
// (Current equals the loop node), which is when the iteration counter
// advances. The first outgoing edge is the body entry, the second the exit.
func (ev *Evaluator) resolveLoopHead(def *models.WorkflowDefinition, exec *models.WorkflowExecution, frames *[]*models.Frame, frame *models.Frame, scope *models.Branch) *Decision {
	node := def.FindNode(frame.NodeID)
	if node == nil {
		return failDecision(models.NewExecutionError(models.ErrCodeInternal,
			fmt.Sprintf("loop frame references unknown node %q", frame.NodeID)))
	}

	edges := def.OutgoingEdges(node.ID)
	if len(edges) != 2 {
		return failDecision(models.NewExecutionError(models.ErrCodeInternal,
			fmt.Sprintf("loop node %q does not have exactly two outgoing edges", node.ID)).WithStep(node.ID))
	}

	if frame.Current == frame.NodeID {
		frame.Iteration++
	}

	stop := false

	if bound := node.MaxIterations(); bound > 0 && frame.Iteration >= bound {
		stop = true
	}

	if !stop {
		if condition := node.ConditionExpression(); condition != "" {
			env := ev.Environment(exec, scope)
			env["iteration"] = frame.Iteration

			broke, err := ev.expressions.EvaluateBool(condition, env)
			if err != nil {
				return failDecision(conditionError(err, condition).WithStep(node.ID))
			}

			stop = broke
		}
	}

	if stop {
		*frames = (*frames)[:len(*frames)-1]

		if len(*frames) == 0 {
			return failDecision(models.NewExecutionError(models.ErrCodeInternal,
				fmt.Sprintf("loop node %q has no enclosing frame", node.ID)).WithStep(node.ID))
		}

		enclosing := (*frames)[len(*frames)-1]
		enclosing.Current = edges[1].To

		return nil
	}

	// Entering an iteration discards the temp layer.
	exec.Variables.ResetTemp()
	frame.Current = edges[0].To

	return nil
}

// resolveParallel steps every running branch. Runnable effect nodes across
// branches are batched into one decision; a branch that reaches the join,
// an end node, or exhausts its stack completes, and a branch whose control
// flow fails marks itself failed without stopping its siblings. Only once
// every branch is terminal does the frame either fail the execution or
// merge branch outputs, in declaration order, and hand the cursor to the
// join node.
func (ev *Evaluator) resolveParallel(def *models.WorkflowDefinition, exec *models.WorkflowExecution, frames *[]*models.Frame, frame *models.Frame, scope *models.Branch, iterPrefix string) *Decision {
	var targets []*RunTarget

	var suspended *Decision

	branchPrefix := iterationPath(iterPrefix, *frames)

	for _, branch := range frame.Branches {
		if branch.Status != models.BranchStatusRunning {
			continue
		}

		micro := ev.advanceStack(def, exec, &branch.Frames, branch, frame.JoinID, branchPrefix)

		switch micro.Kind {
		case DecisionRun:
			targets = append(targets, micro.Targets...)
		case DecisionSuspend:
			if suspended == nil {
				suspended = micro
			}
		case DecisionComplete:
			branch.Status = models.BranchStatusCompleted
			branch.Frames = nil
		case DecisionFail:
			branch.Status = models.BranchStatusFailed
			branch.Error = micro.Err
			branch.Frames = nil
		}
	}

	if len(targets) > 0 {
		return &Decision{Kind: DecisionRun, Targets: targets}
	}

	if suspended != nil {
		return suspended
	}

	for _, branch := range frame.Branches {
		if branch.Status == models.BranchStatusFailed {
			*frames = (*frames)[:len(*frames)-1]

			err := branch.Error
			if err == nil {
				err = models.NewExecutionError(models.ErrCodeInternal,
					fmt.Sprintf("branch rooted at %q failed without an error", branch.Root))
			}

			return failDecision(err)
		}
	}

	for _, branch := range frame.Branches {
		for key, value := range branch.Outputs {
			if scope != nil {
				scope.Outputs[key] = value
			} else {
				exec.Variables.SetOutput(key, value)
			}
		}
	}

	*frames = (*frames)[:len(*frames)-1]

	if len(*frames) == 0 {
		return failDecision(models.NewExecutionError(models.ErrCodeInternal,
			fmt.Sprintf("parallel node %q has no enclosing frame", frame.NodeID)).WithStep(frame.NodeID))
	}

	enclosing := (*frames)[len(*frames)-1]
	enclosing.Current = frame.JoinID

	return nil
}

func conditionError(err error, code string) *models.ExecutionError {
	errCode := models.ErrCodeExpression
	if errors.Is(err, expression.ErrNotBoolean) {
		errCode = models.ErrCodeConditionNotBoolean
	}

	return models.NewExecutionError(errCode, err.Error()).
		WithDetails("expression", code).
		WithCause(err)
}

func failDecision(err *models.ExecutionError) *Decision {
	return &Decision{Kind: DecisionFail, Err: err}
}

func firstSuccessor(def *models.WorkflowDefinition, nodeID string) string {
	successors := def.Successors(nodeID)
	if len(successors) == 0 {
		return ""
	}

	return successors[0]
}

// iterationPath renders the loop-iteration context of a stack: the
// inherited prefix plus the iteration counter of every loop frame on the
// stack, outermost first, dot separated.
func iterationPath(prefix string, frames []*models.Frame) string {
	parts := make([]string, 0, 2)
	if prefix != "" {
		parts = append(parts, prefix)
	}

	for _, frame := range frames {
		if frame.Kind == models.FrameKindLoop {
			parts = append(parts, strconv.Itoa(frame.Iteration))
		}
	}

	return strings.Join(parts, ".")
}

// ScopeOf returns the parallel branch whose stack holds the cursor at the
// given node, nil when the cursor sits on the root stack or no cursor is at
// the node.
func ScopeOf(exec *models.WorkflowExecution, nodeID string) *models.Branch {
	return scopeIn(exec.Frames, nodeID)
}

func scopeIn(frames []*models.Frame, nodeID string) *models.Branch {
	for i := len(frames) - 1; i >= 0; i-- {
		frame := frames[i]

		if frame.Kind == models.FrameKindParallel {
			for _, branch := range frame.Branches {
				if branch.Status != models.BranchStatusRunning {
					continue
				}

				if nested := scopeIn(branch.Frames, nodeID); nested != nil {
					return nested
				}

				if findCursor(branch.Frames, nodeID) != nil {
					return branch
				}
			}

			continue
		}

		if frame.Current == nodeID || (frame.Kind == models.FrameKindSubworkflow && frame.NodeID == nodeID) {
			return nil
		}
	}

	return nil
}

// WriteOutput merges a node's output into the right scope: the branch's
// buffered outputs when the node ran inside a parallel branch, otherwise
// the execution's shared output layer. The key is the node's declared
// output variable, falling back to the node id.
func WriteOutput(exec *models.WorkflowExecution, scope *models.Branch, node *models.Node, output map[string]any) {
	if output == nil {
		return
	}

	key := node.OutputVariable()
	if key == "" {
		key = node.ID
	}

	if scope != nil {
		if scope.Outputs == nil {
			scope.Outputs = make(map[string]any)
		}

		scope.Outputs[key] = output

		return
	}

	exec.Variables.SetOutput(key, output)
}

// findCursor locates the frame whose cursor sits at the given node,
// searching innermost first and descending into running parallel branches.
// Node visits across concurrent branches are disjoint before the join, so
// at most one cursor can sit at a node.
func findCursor(frames []*models.Frame, nodeID string) *models.Frame {
	for i := len(frames) - 1; i >= 0; i-- {
		frame := frames[i]

		if frame.Kind == models.FrameKindParallel {
			for _, branch := range frame.Branches {
				if branch.Status != models.BranchStatusRunning {
					continue
				}

				if found := findCursor(branch.Frames, nodeID); found != nil {
					return found
				}
			}

			continue
		}

		if frame.Current == nodeID {
			return frame
		}
	}

	return nil
}
