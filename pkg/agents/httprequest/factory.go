package httprequest

import "github.com/fluxor-io/fluxor/pkg/protocol"

// Factory creates http agent runners.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return "http"
}

func (f *Factory) Create(_ map[string]any) (protocol.AgentRunner, error) {
	return NewAgent(), nil
}
