// Package eventbus publishes execution events to the configured broker and
// dispatches consumed events to typed handlers.
package eventbus

import (
	"context"
	"strconv"

	"github.com/dukex/flowrunner/pkg/events"
)

// Event is anything carrying one of the execution event types.
type Event interface {
	GetType() events.EventType
}

// EventPublisher publishes events keyed by execution so a broker keeps the
// events of one execution on one partition, in order.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives the decoded event value (events.ExecutionQueued, ...).
type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

// ExecutionKey is the partition key of every event about one execution.
func ExecutionKey(executionID int64) string {
	return strconv.FormatInt(executionID, 10)
}
