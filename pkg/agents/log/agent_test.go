package logagent_test

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logagent "github.com/fluxor-io/fluxor/pkg/agents/log"
	"github.com/fluxor-io/fluxor/pkg/protocol"
)

func TestAgentRun(t *testing.T) {
	t.Parallel()

	factory := logagent.NewFactory()
	assert.Equal(t, "log", factory.ID())

	runner, err := factory.Create(nil)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	for _, level := range []any{nil, "debug", "info", "warn", "error"} {
		output, err := runner.Run(t.Context(), protocol.AgentRequest{
			ExecutionID: "exec-1",
			NodeID:      "trace",
			Parameters: map[string]any{
				"message": "charge collected",
				"level":   level,
			},
		}, logger)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"logged": true}, output)
	}
}
