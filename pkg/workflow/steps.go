package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/fluxor-io/fluxor/pkg/events"
	"github.com/fluxor-io/fluxor/pkg/models"
	"github.com/fluxor-io/fluxor/pkg/persistence"
	"github.com/fluxor-io/fluxor/pkg/protocol"
	"github.com/fluxor-io/fluxor/pkg/template"
)

// maxWebhookResponseBytes caps how much of a webhook response body is kept
// as node output.
const maxWebhookResponseBytes = 1 << 20

// stepOutcome is the result of one task node's attempt chain.
type stepOutcome struct {
	target     *RunTarget
	output     map[string]any
	retryCount int
	durationMs int64
	execErr    *models.ExecutionError
	infraErr   error
}

// executeBatch runs one evaluator batch: task nodes first, concurrently
// when the batch holds more than one, then the remaining effect nodes
// serially. Only the agent calls overlap; every mutation of the execution
// happens on the calling goroutine after the tasks settle. The returned
// execution error fails the whole run, while branch-scoped failures are
// absorbed into their branch and the siblings keep going.
func (e *Engine) executeBatch(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution, targets []*RunTarget) (*models.ExecutionError, error) {
	var tasks, effects []*RunTarget

	for _, target := range targets {
		if target.Node.Type.Normalize() == models.NodeTypeTask {
			tasks = append(tasks, target)
		} else {
			effects = append(effects, target)
		}
	}

	outcomes := make([]stepOutcome, len(tasks))

	if len(tasks) == 1 {
		outcomes[0] = e.runTask(ctx, exec, tasks[0])
	} else if len(tasks) > 1 {
		var wg sync.WaitGroup

		for i, target := range tasks {
			wg.Add(1)

			go func() {
				defer wg.Done()

				outcomes[i] = e.runTask(ctx, exec, target)
			}()
		}

		wg.Wait()
	}

	for i := range outcomes {
		execErr, err := e.applyOutcome(ctx, def, exec, &outcomes[i])
		if execErr != nil || err != nil {
			return execErr, err
		}
	}

	for _, target := range effects {
		execErr, err := e.runEffect(ctx, def, exec, target)
		if err != nil {
			return nil, err
		}

		if execErr != nil {
			if e.absorbFailure(ctx, exec, target.Node, target.Branch, 0, execErr) {
				continue
			}

			return execErr, nil
		}
	}

	return nil, nil
}

// applyOutcome folds one settled task outcome into the execution state.
func (e *Engine) applyOutcome(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution, outcome *stepOutcome) (*models.ExecutionError, error) {
	if outcome.infraErr != nil {
		return nil, outcome.infraErr
	}

	target := outcome.target

	if outcome.execErr != nil {
		if e.absorbFailure(ctx, exec, target.Node, target.Branch, outcome.retryCount, outcome.execErr) {
			return nil, nil
		}

		return outcome.execErr, nil
	}

	WriteOutput(exec, target.Branch, target.Node, outcome.output)

	if err := e.evaluator.Advance(def, exec, target.Node.ID); err != nil {
		return models.NewExecutionError(models.ErrCodeInternal, err.Error()).WithStep(target.Node.ID), nil
	}

	e.publishStepCompleted(ctx, exec, target.Node.ID, outcome.retryCount, outcome.durationMs)

	return nil, nil
}

// absorbFailure records a step failure. Failures inside a parallel branch
// stop only that branch; sibling branches keep running and the join decides
// what the collective result means. Root-scope failures are not absorbed
// and report false.
func (e *Engine) absorbFailure(ctx context.Context, exec *models.WorkflowExecution, node *models.Node, branch *models.Branch, retryCount int, execErr *models.ExecutionError) bool {
	e.publish(ctx, exec.ID, events.StepFailed{
		BaseEvent:   e.newEvent(events.StepFailedEvent, exec.WorkflowID),
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		RetryCount:  retryCount,
		Error:       execErr.Message,
	})

	if branch == nil {
		return false
	}

	e.logger.WarnContext(ctx, "Parallel branch failed",
		"execution_id", exec.ID,
		"branch_root", branch.Root,
		"node_id", node.ID,
		"error", execErr.Message)

	branch.Status = models.BranchStatusFailed
	branch.Error = execErr
	branch.Frames = nil

	return true
}

// runTask executes one task node against its agent, retrying per the
// node's policy and recording every attempt as a step result. A completed
// attempt found in storage for the same iteration context is reused
// instead of re-run, which is what makes event redelivery and crash
// recovery idempotent.
func (e *Engine) runTask(ctx context.Context, exec *models.WorkflowExecution, target *RunTarget) stepOutcome {
	node := target.Node
	logger := e.logger.With("execution_id", exec.ID, "node_id", node.ID, "agent_id", node.AgentID())
	outcome := stepOutcome{target: target}
	started := e.now()

	env := e.evaluator.Environment(exec, target.Branch)

	params, err := template.RenderParameters(node.Parameters(), env)
	if err != nil {
		outcome.execErr = models.NewExecutionError(models.ErrCodeExpression,
			fmt.Sprintf("failed to render parameters: %v", err)).WithStep(node.ID).WithCause(err)

		return outcome
	}

	for key, value := range exec.NodeOverrides[node.ID] {
		params[key] = value
	}

	runner, err := e.registry.CreateAgentRunner(node.AgentID(), node.Config)
	if err != nil {
		outcome.execErr = models.NewExecutionError(models.ErrCodeAgentNotFound, err.Error()).WithStep(node.ID)

		return outcome
	}

	policy := RetryPolicyFromNode(node)

	for attempt := 0; ; attempt++ {
		outcome.retryCount = attempt

		existing, err := e.steps().Get(ctx, exec.ID, node.ID, attempt)
		if err != nil {
			outcome.infraErr = fmt.Errorf("failed to load step result for %s: %w", node.ID, err)

			return outcome
		}

		if existing != nil && existing.Iteration == target.Iteration {
			if existing.Status == models.StepStatusCompleted {
				logger.InfoContext(ctx, "Reusing recorded step result", "retry_count", attempt)
				outcome.output = existing.Output

				return outcome
			}

			if existing.Status == models.StepStatusFailed {
				if attempt >= policy.MaxRetries {
					outcome.execErr = recordedFailure(existing, node.ID)

					return outcome
				}

				continue
			}
		}

		// Fresh attempt, or a row left by an earlier loop iteration or an
		// interrupted run; execute in place.
		row := &models.WorkflowStepResult{
			ExecutionID: exec.ID,
			NodeID:      node.ID,
			RetryCount:  attempt,
			Iteration:   target.Iteration,
			Status:      models.StepStatusRunning,
			StartedAt:   e.now(),
		}

		if err := e.steps().Save(ctx, row); err != nil {
			outcome.infraErr = fmt.Errorf("failed to record step attempt: %w", err)

			return outcome
		}

		output, runErr := runner.Run(ctx, protocol.AgentRequest{
			AgentID:     node.AgentID(),
			ExecutionID: exec.ID,
			NodeID:      node.ID,
			RetryCount:  attempt,
			Parameters:  params,
		}, logger)

		if runErr == nil {
			row.Complete(output)

			if err := e.steps().Save(ctx, row); err != nil {
				outcome.infraErr = fmt.Errorf("failed to record step result: %w", err)

				return outcome
			}

			outcome.output = output
			outcome.durationMs = e.now() - started

			return outcome
		}

		execErr := models.NewExecutionError(models.ErrCodeAgentExecution, runErr.Error()).
			WithStep(node.ID).
			WithDetails("agent_id", node.AgentID()).
			WithDetails("retry_count", attempt).
			WithCause(runErr)

		row.Fail(execErr)

		if err := e.steps().Save(ctx, row); err != nil {
			outcome.infraErr = fmt.Errorf("failed to record step failure: %w", err)

			return outcome
		}

		if !IsRetryable(runErr) || attempt >= policy.MaxRetries {
			logger.WarnContext(ctx, "Task failed", "retry_count", attempt, "error", runErr)
			outcome.execErr = execErr

			return outcome
		}

		delay := policy.Delay(attempt + 1)
		logger.InfoContext(ctx, "Retrying task", "retry_count", attempt, "backoff", delay)

		if err := WaitForBackoff(ctx, delay); err != nil {
			outcome.infraErr = err

			return outcome
		}
	}
}

// recordedFailure rebuilds the terminal error of an exhausted attempt
// chain from its stored row.
func recordedFailure(row *models.WorkflowStepResult, nodeID string) *models.ExecutionError {
	if row.Error != nil {
		return row.Error
	}

	return models.NewExecutionError(models.ErrCodeAgentExecution,
		"task failed with no recorded error").WithStep(nodeID)
}

// runEffect dispatches the non-task effect nodes.
func (e *Engine) runEffect(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution, target *RunTarget) (*models.ExecutionError, error) {
	switch target.Node.Type.Normalize() {
	case models.NodeTypeHumanApproval:
		return e.gateApproval(ctx, def, exec, target)
	case models.NodeTypeDelay:
		return e.beginDelay(ctx, def, exec, target)
	case models.NodeTypeWebhook:
		return e.callWebhook(ctx, def, exec, target)
	case models.NodeTypeSubworkflow:
		return e.launchSubworkflow(ctx, exec, target)
	default:
		return models.NewExecutionError(models.ErrCodeInternal,
			fmt.Sprintf("node type %q is not executable", target.Node.Type)).WithStep(target.Node.ID), nil
	}
}

// completeEffectStep records an effect node's completion and moves the
// cursor past it.
func (e *Engine) completeEffectStep(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution, target *RunTarget, output map[string]any) (*models.ExecutionError, error) {
	row := &models.WorkflowStepResult{
		ExecutionID: exec.ID,
		NodeID:      target.Node.ID,
		Iteration:   target.Iteration,
		StartedAt:   e.now(),
	}
	row.Complete(output)

	if err := e.steps().Save(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to record step result: %w", err)
	}

	WriteOutput(exec, target.Branch, target.Node, output)

	if err := e.evaluator.Advance(def, exec, target.Node.ID); err != nil {
		return models.NewExecutionError(models.ErrCodeInternal, err.Error()).WithStep(target.Node.ID), nil
	}

	e.publishStepCompleted(ctx, exec, target.Node.ID, 0, 0)

	return nil, nil
}

// gateApproval handles a human approval node. Auto-approve passes straight
// through; otherwise an approval request opens and the execution parks
// until a response or expiry. The engine holds one suspension at a time:
// when the execution is already parked the node is left untouched and the
// evaluator re-yields it after the first suspension resolves.
func (e *Engine) gateApproval(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution, target *RunTarget) (*models.ExecutionError, error) {
	node := target.Node

	if exec.AutoApprove {
		output := map[string]any{"approved": true, "auto_approved": true}

		execErr, err := e.completeEffectStep(ctx, def, exec, target, output)
		if execErr != nil || err != nil {
			return execErr, err
		}

		e.logger.InfoContext(ctx, "Approval auto-granted",
			"execution_id", exec.ID,
			"node_id", node.ID)

		e.publish(ctx, exec.ID, events.ApprovalResponded{
			BaseEvent:    e.newEvent(events.ApprovalRespondedEvent, exec.WorkflowID),
			ExecutionID:  exec.ID,
			Approved:     true,
			AutoApproved: true,
		})

		return nil, nil
	}

	if exec.SuspendReason != "" {
		return nil, nil
	}

	env := e.evaluator.Environment(exec, target.Branch)

	message, err := renderString(node.ConfigString("message"), env)
	if err != nil {
		return models.NewExecutionError(models.ErrCodeExpression,
			fmt.Sprintf("failed to render approval message: %v", err)).WithStep(node.ID).WithCause(err), nil
	}

	data, err := template.RenderParameters(node.ConfigMap("data"), env)
	if err != nil {
		return models.NewExecutionError(models.ErrCodeExpression,
			fmt.Sprintf("failed to render approval data: %v", err)).WithStep(node.ID).WithCause(err), nil
	}

	now := e.now()
	approval := &models.ApprovalRequest{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		StepID:      node.ID,
		Type:        string(models.NodeTypeHumanApproval),
		Message:     message,
		Data:        data,
		Status:      models.ApprovalStatusPending,
		CreatedAt:   now,
	}

	if ttl, ok := node.ConfigInt("ttlMs"); ok && ttl > 0 {
		approval.ExpiresAt = now + int64(ttl)
	}

	if err := e.approvals().Create(ctx, approval); err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}

	row := &models.WorkflowStepResult{
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		Iteration:   target.Iteration,
		Status:      models.StepStatusWaitingApproval,
		StartedAt:   now,
	}

	if err := e.steps().Save(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to record approval step: %w", err)
	}

	exec.Status = models.ExecutionStatusWaitingApproval
	exec.SuspendReason = models.SuspendReasonApproval
	exec.SuspendedNodeID = node.ID
	exec.PendingApprovalID = approval.ID

	e.logger.InfoContext(ctx, "Execution waiting for approval",
		"execution_id", exec.ID,
		"node_id", node.ID,
		"approval_id", approval.ID)

	e.publish(ctx, exec.ID, events.ApprovalRequested{
		BaseEvent:   e.newEvent(events.ApprovalRequestedEvent, exec.WorkflowID),
		ExecutionID: exec.ID,
		ApprovalID:  approval.ID,
		NodeID:      node.ID,
		Message:     message,
		ExpiresAt:   approval.ExpiresAt,
	})

	e.publish(ctx, exec.ID, events.ExecutionSuspended{
		BaseEvent:   e.newEvent(events.ExecutionSuspendedEvent, exec.WorkflowID),
		ExecutionID: exec.ID,
		Reason:      string(models.SuspendReasonApproval),
		NodeID:      node.ID,
		ApprovalID:  approval.ID,
	})

	return nil, nil
}

// beginDelay parks the execution until the delay elapses. A missing or
// zero duration completes the node immediately.
func (e *Engine) beginDelay(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution, target *RunTarget) (*models.ExecutionError, error) {
	node := target.Node

	duration := node.DelayDuration()
	if duration <= 0 {
		return e.completeEffectStep(ctx, def, exec, target, nil)
	}

	if exec.SuspendReason != "" {
		return nil, nil
	}

	now := e.now()
	row := &models.WorkflowStepResult{
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		Iteration:   target.Iteration,
		Status:      models.StepStatusRunning,
		StartedAt:   now,
	}

	if err := e.steps().Save(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to record delay step: %w", err)
	}

	exec.SuspendReason = models.SuspendReasonDelay
	exec.SuspendedNodeID = node.ID
	exec.WaitUntil = now + duration.Milliseconds()

	e.logger.InfoContext(ctx, "Execution delayed",
		"execution_id", exec.ID,
		"node_id", node.ID,
		"wait_until", exec.WaitUntil)

	e.publish(ctx, exec.ID, events.ExecutionSuspended{
		BaseEvent:   e.newEvent(events.ExecutionSuspendedEvent, exec.WorkflowID),
		ExecutionID: exec.ID,
		Reason:      string(models.SuspendReasonDelay),
		NodeID:      node.ID,
		WaitUntil:   exec.WaitUntil,
	})

	return nil, nil
}

// callWebhook delivers the outbound request and either completes the node
// with the response or parks the execution until the counterpart calls
// back. Delivery happens once per drive; it is deliberately outside the
// retry machinery because the remote side may have acted on a request
// whose response was lost.
func (e *Engine) callWebhook(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution, target *RunTarget) (*models.ExecutionError, error) {
	node := target.Node
	wait := node.ConfigBool("waitForCallback")

	if wait && exec.SuspendReason != "" {
		return nil, nil
	}

	env := e.evaluator.Environment(exec, target.Branch)

	url, err := renderString(node.ConfigString("url"), env)
	if err != nil {
		return models.NewExecutionError(models.ErrCodeExpression,
			fmt.Sprintf("failed to render webhook url: %v", err)).WithStep(node.ID).WithCause(err), nil
	}

	if url == "" {
		return models.NewExecutionError(models.ErrCodeInvalidConfig,
			"webhook node has no url").WithStep(node.ID), nil
	}

	method := strings.ToUpper(node.ConfigString("method"))
	if method == "" {
		method = http.MethodPost
	}

	params, err := template.RenderParameters(node.Parameters(), env)
	if err != nil {
		return models.NewExecutionError(models.ErrCodeExpression,
			fmt.Sprintf("failed to render webhook payload: %v", err)).WithStep(node.ID).WithCause(err), nil
	}

	row := &models.WorkflowStepResult{
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		Iteration:   target.Iteration,
		Status:      models.StepStatusRunning,
		StartedAt:   e.now(),
	}

	if err := e.steps().Save(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to record webhook step: %w", err)
	}

	status, body, callErr := e.deliverWebhook(ctx, method, url, node.ConfigMap("headers"), params, env)
	if callErr != nil {
		execErr := models.NewExecutionError(models.ErrCodeWebhookDelivery, callErr.Error()).
			WithStep(node.ID).
			WithDetails("url", url).
			WithCause(callErr)
		if status != 0 {
			execErr = execErr.WithDetails("status", status)
		}

		row.Fail(execErr)

		if err := e.steps().Save(ctx, row); err != nil {
			return nil, fmt.Errorf("failed to record webhook failure: %w", err)
		}

		return execErr, nil
	}

	output := map[string]any{"status": status, "body": body}

	if !wait {
		row.Complete(output)

		if err := e.steps().Save(ctx, row); err != nil {
			return nil, fmt.Errorf("failed to record webhook result: %w", err)
		}

		WriteOutput(exec, target.Branch, node, output)

		if err := e.evaluator.Advance(def, exec, node.ID); err != nil {
			return models.NewExecutionError(models.ErrCodeInternal, err.Error()).WithStep(node.ID), nil
		}

		e.publishStepCompleted(ctx, exec, node.ID, 0, 0)

		return nil, nil
	}

	exec.SuspendReason = models.SuspendReasonWebhook
	exec.SuspendedNodeID = node.ID
	exec.CallbackToken = uuid.NewString()

	if timeout, ok := node.ConfigInt("timeoutMs"); ok && timeout > 0 {
		exec.WaitUntil = e.now() + int64(timeout)
	}

	e.logger.InfoContext(ctx, "Execution waiting for webhook callback",
		"execution_id", exec.ID,
		"node_id", node.ID,
		"wait_until", exec.WaitUntil)

	e.publish(ctx, exec.ID, events.ExecutionSuspended{
		BaseEvent:   e.newEvent(events.ExecutionSuspendedEvent, exec.WorkflowID),
		ExecutionID: exec.ID,
		Reason:      string(models.SuspendReasonWebhook),
		NodeID:      node.ID,
		WaitUntil:   exec.WaitUntil,
	})

	return nil, nil
}

// deliverWebhook performs the outbound HTTP call. The response body is
// decoded as JSON when possible and kept as a string otherwise, truncated
// either way.
func (e *Engine) deliverWebhook(ctx context.Context, method, url string, headers, params, env map[string]any) (int, any, error) {
	var payload io.Reader

	if method != http.MethodGet && method != http.MethodHead {
		encoded, err := json.Marshal(params)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode webhook payload: %w", err)
		}

		payload = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	for key, value := range headers {
		header, ok := value.(string)
		if !ok {
			continue
		}

		rendered, err := renderString(header, env)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to render header %q: %w", key, err)
		}

		req.Header.Set(key, rendered)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("webhook call failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read webhook response: %w", err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		return resp.StatusCode, nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	var body any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			body = string(raw)
		}
	}

	return resp.StatusCode, body, nil
}

// launchSubworkflow parks the execution behind a subworkflow frame. The
// child execution is created lazily on the first poll, so a crash before
// this suspension persists cannot leak an orphaned child.
func (e *Engine) launchSubworkflow(ctx context.Context, exec *models.WorkflowExecution, target *RunTarget) (*models.ExecutionError, error) {
	node := target.Node

	if exec.SuspendReason != "" {
		return nil, nil
	}

	if node.ConfigString("workflowId") == "" {
		return models.NewExecutionError(models.ErrCodeInvalidConfig,
			"subworkflow node names no workflow").WithStep(node.ID), nil
	}

	frame := &models.Frame{
		Kind:             models.FrameKindSubworkflow,
		NodeID:           node.ID,
		ChildExecutionID: uuid.NewString(),
	}

	if target.Branch != nil {
		target.Branch.Frames = append(target.Branch.Frames, frame)
	} else {
		exec.PushFrame(frame)
	}

	exec.SuspendReason = models.SuspendReasonSubworkflow
	exec.SuspendedNodeID = node.ID

	row := &models.WorkflowStepResult{
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		Iteration:   target.Iteration,
		Status:      models.StepStatusRunning,
		StartedAt:   e.now(),
	}

	if err := e.steps().Save(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to record subworkflow step: %w", err)
	}

	e.logger.InfoContext(ctx, "Subworkflow launched",
		"execution_id", exec.ID,
		"node_id", node.ID,
		"child_execution_id", frame.ChildExecutionID)

	e.publish(ctx, exec.ID, events.ExecutionSuspended{
		BaseEvent:   e.newEvent(events.ExecutionSuspendedEvent, exec.WorkflowID),
		ExecutionID: exec.ID,
		Reason:      string(models.SuspendReasonSubworkflow),
		NodeID:      node.ID,
	})

	return nil, nil
}

// pollSubworkflow drives or absorbs the child the execution is parked
// behind. Returns true when the parent advanced past the subworkflow node
// and the drive loop should continue.
func (e *Engine) pollSubworkflow(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution, nodeID string, depth int) (bool, error) {
	frame := findSubworkflowFrame(exec.Frames, nodeID)
	if frame == nil {
		return false, e.failExecution(ctx, exec, models.NewExecutionError(models.ErrCodeInternal,
			fmt.Sprintf("no subworkflow frame for node %q", nodeID)).WithStep(nodeID))
	}

	node := def.FindNode(nodeID)
	if node == nil {
		return false, e.failExecution(ctx, exec, models.NewExecutionError(models.ErrCodeInternal,
			fmt.Sprintf("subworkflow node %q is not in the definition", nodeID)).WithStep(nodeID))
	}

	child, err := e.executions().GetByID(ctx, frame.ChildExecutionID)
	if err != nil {
		return false, fmt.Errorf("failed to load subworkflow execution: %w", err)
	}

	if child == nil {
		spawned, execErr, err := e.spawnChild(ctx, exec, node, frame)
		if err != nil {
			return false, err
		}

		if execErr != nil {
			return e.absorbChild(ctx, def, exec, node, frame, nil, execErr)
		}

		child = spawned
	}

	child.Variables.EnsureMaps()

	if !child.Status.IsTerminal() {
		if depth >= maxSubworkflowDepth {
			// Too deep to keep recursing inline; the sweep keeps the chain
			// moving.
			return false, nil
		}

		if err := e.resume(ctx, child, depth+1); err != nil {
			e.logger.ErrorContext(ctx, "Failed to drive subworkflow execution",
				"execution_id", exec.ID,
				"child_execution_id", child.ID,
				"error", err)
		}

		child, err = e.loadExecution(ctx, child.ID)
		if err != nil {
			return false, err
		}
	}

	switch child.Status {
	case models.ExecutionStatusCompleted:
		return e.absorbChild(ctx, def, exec, node, frame, child, nil)

	case models.ExecutionStatusFailed, models.ExecutionStatusCancelled:
		execErr := models.NewExecutionError(models.ErrCodeSubworkflowFailed,
			fmt.Sprintf("subworkflow execution %s %s", child.ID, child.Status)).
			WithStep(node.ID).
			WithDetails("child_execution_id", child.ID)

		if child.Error != nil {
			execErr = execErr.
				WithDetails("child_error_code", string(child.Error.Code)).
				WithDetails("child_error", child.Error.Message)
		}

		return e.absorbChild(ctx, def, exec, node, frame, child, execErr)

	default:
		// The child is parked on its own suspension; the parent waits with
		// it.
		return false, nil
	}
}

// spawnChild creates the child execution a subworkflow frame points at.
// The frame carries the child id, so a crashed creation is retried under
// the same identity instead of leaking a duplicate.
func (e *Engine) spawnChild(ctx context.Context, exec *models.WorkflowExecution, node *models.Node, frame *models.Frame) (*models.WorkflowExecution, *models.ExecutionError, error) {
	childWorkflowID := node.ConfigString("workflowId")

	childDef, err := e.workflows().GetByID(ctx, childWorkflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load subworkflow %s: %w", childWorkflowID, err)
	}

	if childDef == nil {
		return nil, models.NewExecutionError(models.ErrCodeSubworkflowFailed,
			fmt.Sprintf("subworkflow %q does not exist", childWorkflowID)).WithStep(node.ID), nil
	}

	nesting, err := e.nestingDepth(ctx, exec)
	if err != nil {
		return nil, nil, err
	}

	if nesting+1 > maxSubworkflowDepth {
		return nil, models.NewExecutionError(models.ErrCodeSubworkflowFailed,
			fmt.Sprintf("subworkflow nesting exceeds %d levels", maxSubworkflowDepth)).WithStep(node.ID), nil
	}

	scope := ScopeOf(exec, node.ID)
	env := e.evaluator.Environment(exec, scope)

	inputs, err := template.RenderParameters(node.ConfigMap("inputs"), env)
	if err != nil {
		return nil, models.NewExecutionError(models.ErrCodeExpression,
			fmt.Sprintf("failed to render subworkflow inputs: %v", err)).WithStep(node.ID).WithCause(err), nil
	}

	child := models.NewWorkflowExecution(frame.ChildExecutionID, childDef, inputs)
	child.OwnerID = exec.OwnerID
	child.AutoApprove = exec.AutoApprove
	child.Initiator = "execution:" + exec.ID
	child.ParentExecutionID = exec.ID
	child.ParentNodeID = node.ID

	if err := e.executions().Create(ctx, child); err != nil {
		if errors.Is(err, persistence.ErrExecutionAlreadyExists) {
			existing, loadErr := e.loadExecution(ctx, frame.ChildExecutionID)

			return existing, nil, loadErr
		}

		return nil, nil, fmt.Errorf("failed to create subworkflow execution: %w", err)
	}

	e.logger.InfoContext(ctx, "Subworkflow execution created",
		"execution_id", exec.ID,
		"child_execution_id", child.ID,
		"child_workflow_id", childWorkflowID)

	return child, nil, nil
}

// nestingDepth counts how many subworkflow levels sit above the execution.
func (e *Engine) nestingDepth(ctx context.Context, exec *models.WorkflowExecution) (int, error) {
	depth := 0

	for current := exec; current.ParentExecutionID != ""; {
		depth++
		if depth >= maxSubworkflowDepth {
			return depth, nil
		}

		parent, err := e.executions().GetByID(ctx, current.ParentExecutionID)
		if err != nil {
			return 0, fmt.Errorf("failed to walk execution ancestry: %w", err)
		}

		if parent == nil {
			break
		}

		current = parent
	}

	return depth, nil
}

// absorbChild merges a settled child back into its parent: the frame pops,
// the temp layer resets at the boundary, and the subworkflow node either
// completes with the child's outputs or fails with the child's error.
func (e *Engine) absorbChild(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution, node *models.Node, frame *models.Frame, child *models.WorkflowExecution, execErr *models.ExecutionError) (bool, error) {
	scope := ScopeOf(exec, node.ID)
	removeFrame(&exec.Frames, frame)
	exec.ClearSuspension()
	exec.Variables.ResetTemp()

	row, err := e.steps().Get(ctx, exec.ID, node.ID, 0)
	if err != nil {
		return false, fmt.Errorf("failed to load step result for %s: %w", node.ID, err)
	}

	if row == nil {
		row = &models.WorkflowStepResult{ExecutionID: exec.ID, NodeID: node.ID, StartedAt: e.now()}
	}

	if execErr != nil {
		row.Fail(execErr)

		if err := e.steps().Save(ctx, row); err != nil {
			return false, fmt.Errorf("failed to record subworkflow failure: %w", err)
		}

		if e.absorbFailure(ctx, exec, node, scope, 0, execErr) {
			return true, nil
		}

		return false, e.failExecution(ctx, exec, execErr)
	}

	outputs := child.Variables.Outputs
	row.Complete(outputs)

	if err := e.steps().Save(ctx, row); err != nil {
		return false, fmt.Errorf("failed to record subworkflow result: %w", err)
	}

	WriteOutput(exec, scope, node, outputs)

	if err := e.evaluator.Advance(def, exec, node.ID); err != nil {
		return false, e.failExecution(ctx, exec,
			models.NewExecutionError(models.ErrCodeInternal, err.Error()).WithStep(node.ID))
	}

	e.logger.InfoContext(ctx, "Subworkflow completed",
		"execution_id", exec.ID,
		"node_id", node.ID,
		"child_execution_id", frame.ChildExecutionID)

	e.publishStepCompleted(ctx, exec, node.ID, 0, 0)

	return true, nil
}

// findSubworkflowFrame locates the subworkflow frame for the given node,
// descending into running parallel branches.
func findSubworkflowFrame(frames []*models.Frame, nodeID string) *models.Frame {
	for i := len(frames) - 1; i >= 0; i-- {
		frame := frames[i]

		if frame.Kind == models.FrameKindSubworkflow && frame.NodeID == nodeID {
			return frame
		}

		if frame.Kind == models.FrameKindParallel {
			for _, branch := range frame.Branches {
				if branch.Status != models.BranchStatusRunning {
					continue
				}

				if found := findSubworkflowFrame(branch.Frames, nodeID); found != nil {
					return found
				}
			}
		}
	}

	return nil
}

// removeFrame deletes the given frame from whichever stack holds it.
func removeFrame(frames *[]*models.Frame, target *models.Frame) bool {
	for i := len(*frames) - 1; i >= 0; i-- {
		frame := (*frames)[i]

		if frame == target {
			*frames = append((*frames)[:i], (*frames)[i+1:]...)

			return true
		}

		if frame.Kind == models.FrameKindParallel {
			for _, branch := range frame.Branches {
				if removeFrame(&branch.Frames, target) {
					return true
				}
			}
		}
	}

	return false
}

func (e *Engine) publishStepCompleted(ctx context.Context, exec *models.WorkflowExecution, nodeID string, retryCount int, durationMs int64) {
	e.publish(ctx, exec.ID, events.StepCompleted{
		BaseEvent:   e.newEvent(events.StepCompletedEvent, exec.WorkflowID),
		ExecutionID: exec.ID,
		NodeID:      nodeID,
		RetryCount:  retryCount,
		DurationMs:  durationMs,
	})
}

// renderString resolves template syntax in a scalar config value.
func renderString(value string, env map[string]any) (string, error) {
	if !template.NeedsTemplating(value) {
		return value, nil
	}

	rendered, err := template.Render(value, env)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%v", rendered), nil
}
