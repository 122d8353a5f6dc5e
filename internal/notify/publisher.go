package notify

import (
	"context"
	"fmt"

	"github.com/mattjoyce/migration-factory/internal/events"
)

// Publisher puts trigger events on the in-process bus.
type Publisher struct {
	bus *events.Bus
}

func NewPublisher(bus *events.Bus) *Publisher {
	return &Publisher{bus: bus}
}

// Publish emits n under detailType.
func (p *Publisher) Publish(ctx context.Context, detailType string, n Notification) error {
	return p.PublishTrigger(ctx, Trigger(detailType, n))
}

// PublishTrigger emits an already validated trigger event.
func (p *Publisher) PublishTrigger(_ context.Context, ev TriggerEvent) error {
	if _, err := p.bus.Publish(EventType, ev); err != nil {
		return fmt.Errorf("publish %s: %w", ev.DetailType, err)
	}
	return nil
}
