package kafka

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bytedance/sonic"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/flowrunner/pkg/eventbus"
	"github.com/dukex/flowrunner/pkg/events"
	"github.com/dukex/flowrunner/pkg/otelhelper"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
}

type handlerLookup func(events.EventType) (eventbus.EventHandler, bool)

func consumeEvents(ctx context.Context, logger *slog.Logger, reader messageReader, tracer trace.Tracer, lookup handlerLookup) {
	for {
		message, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.InfoContext(ctx, "stopping consumer")

				return
			}

			logger.ErrorContext(ctx, "failed to fetch message", "error", err)

			continue
		}

		handleMessage(ctx, logger, tracer, lookup, message)

		// failed events are committed as well
		if err := reader.CommitMessages(ctx, message); err != nil {
			logger.ErrorContext(ctx, "failed to commit message", "error", err)
		}
	}
}

func handleMessage(ctx context.Context, logger *slog.Logger, tracer trace.Tracer, lookup handlerLookup, message kafkago.Message) {
	eventType, carrier := readHeaders(message.Headers)
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, carrier)

	traceCtx, span := otelhelper.StartSpan(msgCtx, tracer, "eventbus consume",
		attribute.String("kafka.key", string(message.Key)),
		attribute.String("kafka.topic", message.Topic),
		attribute.String(otelhelper.EventTypeKey, string(eventType)),
	)
	defer span.End()

	handler, exists := lookup(eventType)
	if !exists {
		return
	}

	event, err := events.New(eventType)
	if err != nil {
		logger.WarnContext(msgCtx, "unknown event type", "event_type", eventType)
		otelhelper.SetError(span, err)

		return
	}

	if err := sonic.Unmarshal(message.Value, event); err != nil {
		logger.ErrorContext(msgCtx, "failed to decode event", "event_type", eventType, "error", err)
		otelhelper.SetError(span, err)

		return
	}

	if err := handler(traceCtx, event); err != nil {
		logger.ErrorContext(msgCtx, "failed to handle event", "event_type", eventType, "error", err)
		otelhelper.SetError(span, err)

		return
	}

	span.AddEvent("event_handled")
}

func readHeaders(headers []kafkago.Header) (events.EventType, propagation.MapCarrier) {
	var eventType events.EventType

	carrier := propagation.MapCarrier{}

	for _, header := range headers {
		if header.Key == events.EventTypeMetadataKey {
			eventType = events.EventType(header.Value)

			continue
		}

		carrier[header.Key] = string(header.Value)
	}

	return eventType, carrier
}
