package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/fluxor-io/fluxor/pkg/channels/gochannel"
	"github.com/fluxor-io/fluxor/pkg/channels/kafka"
	"github.com/fluxor-io/fluxor/pkg/eventbus"
)

// NewEventBus builds the lifecycle event bus. Kafka connects every process
// to the shared stream; gochannel keeps events in-process and only suits a
// single-binary development setup.
func NewEventBus(provider, kafkaBrokers, serviceName string, logger *slog.Logger) eventbus.EventBus {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, serviceName, splitBrokers(kafkaBrokers))
		if err != nil {
			panic(fmt.Errorf("failed to create kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			panic(fmt.Errorf("failed to create gochannel pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	default:
		panic("unsupported event bus provider: " + provider)
	}
}

func splitBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")

	out := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}

	return out
}
