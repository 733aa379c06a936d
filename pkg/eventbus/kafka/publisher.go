package kafka

import (
	"context"
	"log/slog"

	"github.com/bytedance/sonic"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/dukex/flowrunner/pkg/eventbus"
	"github.com/dukex/flowrunner/pkg/events"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
}

func publishEvent(ctx context.Context, logger *slog.Logger, writer messageWriter, key string, event eventbus.Event) error {
	logger.DebugContext(ctx, "publishing event", "key", key, "event_type", event.GetType())

	msg, err := buildMessage(ctx, key, event)
	if err != nil {
		return err
	}

	return writer.WriteMessages(context.WithoutCancel(ctx), msg)
}

// buildMessage carries the trace context and the event type in headers.
func buildMessage(ctx context.Context, key string, event eventbus.Event) (kafkago.Message, error) {
	payload, err := sonic.Marshal(event)
	if err != nil {
		return kafkago.Message{}, err
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := make([]kafkago.Header, 0, len(carrier)+2)

	for k, v := range carrier {
		headers = append(headers, kafkago.Header{Key: k, Value: []byte(v)})
	}

	headers = append(headers,
		kafkago.Header{Key: events.EventMetadataKey, Value: []byte(key)},
		kafkago.Header{Key: events.EventTypeMetadataKey, Value: []byte(event.GetType())},
	)

	return kafkago.Message{Key: []byte(key), Value: payload, Headers: headers}, nil
}
