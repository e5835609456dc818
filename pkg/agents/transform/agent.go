// Package transform provides the built-in transform agent, which reshapes
// data between task nodes by evaluating an expression over its input.
package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fluxor-io/fluxor/pkg/expression"
	"github.com/fluxor-io/fluxor/pkg/protocol"
)

// ErrMissingExpression is returned when the expression parameter is absent
// or empty.
var ErrMissingExpression = errors.New("transform agent requires an expression parameter")

// Factory creates transform agent runners. All runners share one expression
// engine so compiled programs are cached across nodes and executions.
type Factory struct {
	expressions *expression.Engine
}

func NewFactory() *Factory {
	return &Factory{expressions: expression.NewEngine()}
}

func (f *Factory) ID() string {
	return "transform"
}

func (f *Factory) Create(_ map[string]any) (protocol.AgentRunner, error) {
	return &Agent{expressions: f.expressions}, nil
}

// Agent evaluates the expression parameter with the rendered input
// parameter bound to input. The engine resolves templates before the
// request arrives, so input is concrete data by the time it is seen here.
type Agent struct {
	expressions *expression.Engine
}

func (a *Agent) Run(ctx context.Context, req protocol.AgentRequest, logger *slog.Logger) (map[string]any, error) {
	code, _ := req.Parameters["expression"].(string)
	if code == "" {
		return nil, ErrMissingExpression
	}

	result, err := a.expressions.Evaluate(code, map[string]any{
		"input": req.Parameters["input"],
	})
	if err != nil {
		return nil, fmt.Errorf("transformation failed: %w", err)
	}

	logger.DebugContext(ctx, "Transform completed", "node_id", req.NodeID)

	return map[string]any{"result": result}, nil
}
