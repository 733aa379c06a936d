package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/dukex/flowrunner/pkg/channels/gochannel"
	"github.com/dukex/flowrunner/pkg/channels/kafka"
	"github.com/dukex/flowrunner/pkg/eventbus"
	kafkago "github.com/dukex/flowrunner/pkg/eventbus/kafka"
)

// NewEventBus creates the execution event bus for provider. Brokers are a
// comma separated list and only read by the Kafka providers.
func NewEventBus(provider, brokers, serviceName string, logger *slog.Logger) eventbus.EventBus {
	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), kafka.ParseBrokers(brokers), serviceName)
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger)
	case "kafka-go":
		bus, err := kafkago.NewEventBus(logger, kafka.ParseBrokers(brokers), "cg-"+serviceName)
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka event bus: %w", err))
		}

		return bus
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger), gochannel.DefaultBuffer)
		if err != nil {
			panic(fmt.Errorf("failed to create in-process pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger)
	case "", "none":
		return eventbus.NewNoopEventBus()
	default:
		panic("Unsupported event bus provider: " + provider)
	}
}
