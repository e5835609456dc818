// Package logagent provides the built-in log agent, a tracer node that
// writes its parameters to the process log.
package logagent

import (
	"context"
	"log/slog"

	"github.com/fluxor-io/fluxor/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return "log"
}

func (f *Factory) Create(_ map[string]any) (protocol.AgentRunner, error) {
	return &Agent{}, nil
}

type Agent struct{}

func (a *Agent) Run(ctx context.Context, req protocol.AgentRequest, logger *slog.Logger) (map[string]any, error) {
	message, _ := req.Parameters["message"].(string)

	level := slog.LevelInfo

	switch req.Parameters["level"] {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	logger.Log(ctx, level, "Log agent",
		"message", message,
		"execution_id", req.ExecutionID,
		"node_id", req.NodeID)

	return map[string]any{"logged": true}, nil
}
