// Package cmd provides shared initialization helpers for the fluxor
// binaries. Wiring failures here are unrecoverable configuration problems,
// so the helpers panic instead of returning errors.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/fluxor-io/fluxor/pkg/agents/httprequest"
	logagent "github.com/fluxor-io/fluxor/pkg/agents/log"
	"github.com/fluxor-io/fluxor/pkg/agents/transform"
	"github.com/fluxor-io/fluxor/pkg/registry"
)

// NewRegistry builds the agent registry with the native agents registered,
// plus any agent runner plugins found under pluginsPath. An empty path
// skips plugin loading; plugins registered under a native id replace the
// native agent.
func NewRegistry(logger *slog.Logger, pluginsPath string) *registry.Registry {
	reg := registry.NewRegistry(logger)

	registerNativeAgents(reg)
	registerAgentPlugins(reg, pluginsPath)

	return reg
}

func registerNativeAgents(reg *registry.Registry) {
	reg.RegisterAgent(httprequest.NewFactory())
	reg.RegisterAgent(transform.NewFactory())
	reg.RegisterAgent(logagent.NewFactory())
}

func registerAgentPlugins(reg *registry.Registry, pluginsPath string) {
	if pluginsPath == "" {
		return
	}

	factories, err := reg.LoadAgentPlugins(pluginsPath)
	if err != nil {
		panic(fmt.Errorf("failed to load agent plugins: %w", err))
	}

	for _, factory := range factories {
		reg.RegisterAgent(factory)
	}
}
