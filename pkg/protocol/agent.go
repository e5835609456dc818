// Package protocol declares the interfaces the engine's external
// collaborators implement.
package protocol

import (
	"context"
	"log/slog"
)

// AgentRunner executes one task node's work. The engine resolves the node's
// parameters against the variable context and hands them over; how the
// agent produces its output (LLM call, local tool, remote service) is the
// runner's concern. A returned error is classified by the node's retry
// policy before it fails the execution.
type AgentRunner interface {
	Run(ctx context.Context, req AgentRequest, logger *slog.Logger) (map[string]any, error)
}

// AgentRequest carries everything a runner gets for one attempt.
type AgentRequest struct {
	AgentID     string
	ExecutionID string
	NodeID      string
	RetryCount  int
	Parameters  map[string]any
}

// AgentRunnerFactory builds runners by agent id. The registry holds one
// factory per agent family.
type AgentRunnerFactory interface {
	ID() string
	Create(config map[string]any) (AgentRunner, error)
}

// AgentRunnerFunc adapts a plain function to the AgentRunner interface.
type AgentRunnerFunc func(ctx context.Context, req AgentRequest, logger *slog.Logger) (map[string]any, error)

func (f AgentRunnerFunc) Run(ctx context.Context, req AgentRequest, logger *slog.Logger) (map[string]any, error) {
	return f(ctx, req, logger)
}
