package dynamodb

import (
	"context"

	"go.uber.org/zap"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/events"
)

// OutboxPublisher implements ports.EventPublisher with the transactional
// outbox pattern: every event is persisted as a pending record first, then
// delivery to the bus is attempted inline. An inline failure leaves the
// record pending for the OutboxProcessor, so a bus outage delays delivery
// instead of dropping events.
type OutboxPublisher struct {
	eventStore *EventStore
	direct     ports.EventPublisher
	logger     *zap.Logger
}

// NewOutboxPublisher creates a publisher that stages events through the
// event store before delivering them
func NewOutboxPublisher(eventStore *EventStore, direct ports.EventPublisher, logger *zap.Logger) *OutboxPublisher {
	return &OutboxPublisher{
		eventStore: eventStore,
		direct:     direct,
		logger:     logger,
	}
}

// Publish stages and delivers a single event
func (p *OutboxPublisher) Publish(ctx context.Context, event events.DomainEvent) error {
	return p.PublishBatch(ctx, []events.DomainEvent{event})
}

// PublishBatch stages the batch as pending outbox records, then attempts
// inline delivery. The staging write is the only failure that propagates;
// once an event is durably pending, delivery problems are the relay's job.
func (p *OutboxPublisher) PublishBatch(ctx context.Context, batch []events.DomainEvent) error {
	if len(batch) == 0 {
		return nil
	}

	records, err := p.eventStore.SaveEvents(ctx, batch)
	if err != nil {
		return err
	}

	for i, event := range batch {
		if err := p.direct.Publish(ctx, event); err != nil {
			p.logger.Warn("Inline event delivery failed, leaving pending for outbox relay",
				zap.String("event_id", records[i].EventID),
				zap.String("event_type", records[i].EventType),
				zap.Error(err),
			)
			continue
		}
		if err := p.eventStore.MarkEventAsPublished(ctx, records[i].PK, records[i].SK); err != nil {
			// Worst case the relay redelivers the event once; consumers
			// already tolerate at-least-once delivery.
			p.logger.Warn("Failed to mark event as published",
				zap.String("event_id", records[i].EventID),
				zap.Error(err),
			)
		}
	}
	return nil
}
