package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaTc "github.com/testcontainers/testcontainers-go/modules/kafka"
	"go.opentelemetry.io/otel"

	"github.com/dukex/flowrunner/pkg/eventbus"
	"github.com/dukex/flowrunner/pkg/events"
	"github.com/dukex/flowrunner/pkg/models"
)

var logger = slog.New(slog.DiscardHandler)

type fakeWriter struct {
	messages []kafkago.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.messages = append(w.messages, msgs...)

	return nil
}

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafkago.Message
	committed []kafkago.Message
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) == 0 {
		r.cancel()

		return kafkago.Message{}, context.Canceled
	}

	msg := r.queue[0]
	r.queue = r.queue[1:]

	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.committed = append(r.committed, msgs...)

	return nil
}

func finished(executionID int64) events.NodeExecutionFinished {
	return events.NodeExecutionFinished{
		BaseEvent:   events.NewBaseEvent(events.NodeExecutionFinishedEvent),
		ExecutionID: executionID,
		NodeID:      3,
		NodeType:    models.NodeTypeAction,
		Status:      models.NodeCompleted,
	}
}

func TestNewEventBus_RequiresBrokers(t *testing.T) {
	t.Parallel()

	_, err := NewEventBus(logger, nil, "")
	assert.ErrorIs(t, err, ErrNoBrokers)

	_, err = NewEventBus(logger, []string{""}, "")
	assert.ErrorIs(t, err, ErrNoBrokers)
}

func TestPublishEvent_Headers(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}

	require.NoError(t, publishEvent(context.Background(), logger, writer, "42", finished(42)))
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, []byte("42"), msg.Key)

	eventType, carrier := readHeaders(msg.Headers)
	assert.Equal(t, events.NodeExecutionFinishedEvent, eventType)
	assert.Equal(t, "42", carrier.Get(events.EventMetadataKey))
	assert.Contains(t, string(msg.Value), `"execution_id":42`)
}

func TestConsumeEvents(t *testing.T) {
	t.Parallel()

	good, err := buildMessage(context.Background(), "1", finished(1))
	require.NoError(t, err)

	failing, err := buildMessage(context.Background(), "2", finished(2))
	require.NoError(t, err)

	unhandled, err := buildMessage(context.Background(), "3", events.TriggerFired{BaseEvent: events.NewBaseEvent(events.TriggerFiredEvent)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{queue: []kafkago.Message{good, failing, unhandled}, cancel: cancel}

	var handled []int64

	lookup := func(eventType events.EventType) (eventbus.EventHandler, bool) {
		if eventType != events.NodeExecutionFinishedEvent {
			return nil, false
		}

		return func(_ context.Context, event any) error {
			e := event.(*events.NodeExecutionFinished)
			handled = append(handled, e.ExecutionID)

			if e.ExecutionID == 2 {
				return errors.New("handler failed")
			}

			return nil
		}, true
	}

	consumeEvents(ctx, logger, reader, otel.Tracer("test"), lookup)

	assert.Equal(t, []int64{1, 2}, handled)
	assert.Len(t, reader.committed, 3)
}

func TestKafkaEventBus_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Kafka integration test in short mode")
	}

	ctx := context.Background()

	container, err := kafkaTc.Run(ctx, "confluentinc/confluent-local:7.7.0", testcontainers.WithEnv(map[string]string{
		"KAFKA_CREATE_TOPICS": "true",
	}))
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(ctx) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	bus, err := NewEventBus(logger, brokers, "cg-flowrunner-test")
	require.NoError(t, err)

	t.Cleanup(func() { _ = bus.Close() })

	received := make(chan int64, 1)

	require.NoError(t, bus.Handle(events.NodeExecutionFinishedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.NodeExecutionFinished).ExecutionID

		return nil
	}))

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	require.NoError(t, bus.Subscribe(subCtx))

	require.Eventually(t, func() bool {
		return bus.Publish(ctx, "9", finished(9)) == nil
	}, 30*time.Second, time.Second)

	select {
	case id := <-received:
		assert.Equal(t, int64(9), id)
	case <-time.After(60 * time.Second):
		t.Fatal("event was not consumed")
	}
}
