// Package registry resolves agent runners by id and validates node
// configuration maps against per-type JSON schemas.
package registry

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"

	"github.com/fluxor-io/fluxor/pkg/protocol"
)

type Registry struct {
	logger          *slog.Logger
	runnerFactories map[string]protocol.AgentRunnerFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:          logger,
		runnerFactories: make(map[string]protocol.AgentRunnerFactory),
	}
}

// RegisterAgent adds a runner factory under its id. Later registrations
// replace earlier ones.
func (r *Registry) RegisterAgent(factory protocol.AgentRunnerFactory) {
	r.runnerFactories[factory.ID()] = factory
}

// CreateAgentRunner builds a runner for the given agent id with the node's
// config.
func (r *Registry) CreateAgentRunner(agentID string, config map[string]any) (protocol.AgentRunner, error) {
	factory, ok := r.runnerFactories[agentID]
	if !ok {
		return nil, fmt.Errorf("agent '%s' not registered", agentID)
	}

	return factory.Create(config)
}

// AgentIDs returns the registered agent ids.
func (r *Registry) AgentIDs() []string {
	ids := make([]string, 0, len(r.runnerFactories))
	for id := range r.runnerFactories {
		ids = append(ids, id)
	}

	return ids
}

// HealthCheck reports the registry's readiness to serve task nodes.
func (r *Registry) HealthCheck() (string, bool) {
	return fmt.Sprintf("%d agents registered", len(r.runnerFactories)), true
}

// LoadAgentPlugins loads agent runner factories from compiled plugins under
// pluginsPath/agents. Each plugin exports an Agent symbol implementing
// protocol.AgentRunnerFactory.
func (r *Registry) LoadAgentPlugins(pluginsPath string) ([]protocol.AgentRunnerFactory, error) {
	return loadPlugin[protocol.AgentRunnerFactory](r.logger, pluginsPath, "Agent", "agents")
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath, symbolName, subdir string) ([]T, error) {
	rootPath := pluginsPath + "/" + subdir

	if _, err := os.Stat(rootPath); os.IsNotExist(err) {
		return nil, nil
	}

	root := os.DirFS(rootPath)

	pluginPathList, err := fs.Glob(root, "**/*.so")
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}

	l := logger.With(slog.String("path", rootPath), slog.String("symbol", symbolName))
	l.Info("Loading plugins")

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		symbol, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("failed to look up symbol %s in %s: %w", symbolName, p, err)
		}

		cast, ok := symbol.(T)
		if !ok {
			return nil, fmt.Errorf("plugin %s symbol %s has unexpected type", p, symbolName)
		}

		pluginList = append(pluginList, cast)

		l.Info("Loaded plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
