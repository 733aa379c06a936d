// Package kafka is an event bus speaking to Kafka directly through
// segmentio/kafka-go, without watermill in between.
package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/flowrunner/pkg/eventbus"
	"github.com/dukex/flowrunner/pkg/events"
)

const DefaultGroupID = "cg-flowrunner-event-bus"

var ErrNoBrokers = errors.New("no Kafka brokers configured")

type kafkaEventBus struct {
	logger *slog.Logger
	writer *kafkago.Writer
	reader *kafkago.Reader
	tracer trace.Tracer

	mu       sync.RWMutex
	handlers map[events.EventType]eventbus.EventHandler
}

func NewEventBus(logger *slog.Logger, brokers []string, groupID string) (eventbus.EventBus, error) {
	if len(brokers) == 0 || (len(brokers) == 1 && brokers[0] == "") {
		return nil, ErrNoBrokers
	}

	if groupID == "" {
		groupID = DefaultGroupID
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  events.Topic,
		Balancer:               &kafkago.Hash{},
		AllowAutoTopicCreation: true,
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: brokers,
		Topic:   events.Topic,
		GroupID: groupID,
	})

	return &kafkaEventBus{
		logger:   logger.With("module", "kafka_event_bus"),
		writer:   writer,
		reader:   reader,
		tracer:   otel.Tracer("flowrunner/eventbus"),
		handlers: make(map[events.EventType]eventbus.EventHandler),
	}, nil
}

func (k *kafkaEventBus) Publish(ctx context.Context, key string, event eventbus.Event) error {
	return publishEvent(ctx, k.logger, k.writer, key, event)
}

func (k *kafkaEventBus) Subscribe(ctx context.Context) error {
	k.logger.InfoContext(ctx, "subscribing to events", "topic", events.Topic)

	go consumeEvents(ctx, k.logger, k.reader, k.tracer, k.handler)

	return nil
}

func (k *kafkaEventBus) handler(eventType events.EventType) (eventbus.EventHandler, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	h, ok := k.handlers[eventType]

	return h, ok
}

func (k *kafkaEventBus) Close() error {
	if err := k.writer.Close(); err != nil {
		k.logger.Error("failed to close Kafka writer", "error", err)

		return err
	}

	if err := k.reader.Close(); err != nil {
		k.logger.Error("failed to close Kafka reader", "error", err)

		return err
	}

	return nil
}

func (k *kafkaEventBus) GenerateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

func (k *kafkaEventBus) Handle(eventType events.EventType, handler eventbus.EventHandler) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.handlers[eventType] = handler

	return nil
}
