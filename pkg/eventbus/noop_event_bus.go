package eventbus

import (
	"context"

	"github.com/google/uuid"

	"github.com/dukex/flowrunner/pkg/events"
)

// NoopEventBus drops every event. It backs the "none" provider.
type NoopEventBus struct{}

func NewNoopEventBus() EventBus {
	return NoopEventBus{}
}

func (NoopEventBus) Publish(context.Context, string, Event) error { return nil }
func (NoopEventBus) Handle(events.EventType, EventHandler) error  { return nil }
func (NoopEventBus) Subscribe(context.Context) error              { return nil }
func (NoopEventBus) Close() error                                 { return nil }
func (NoopEventBus) GenerateID() string                           { return uuid.NewString() }
