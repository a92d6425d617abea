package dynamodb

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chronicle-backend/application/ports"
)

// OutboxProcessor drains pending turn events from the event store and
// delivers them to the event bus. Eventual delivery: a publish outage
// leaves events pending and a later pass picks them up.
type OutboxProcessor struct {
	eventStore     *EventStore
	eventPublisher ports.EventPublisher
	logger         *zap.Logger

	batchSize          int32
	processingInterval time.Duration
	maxRetries         int

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewOutboxProcessor creates a new outbox processor
func NewOutboxProcessor(
	eventStore *EventStore,
	eventPublisher ports.EventPublisher,
	logger *zap.Logger,
) *OutboxProcessor {
	return &OutboxProcessor{
		eventStore:         eventStore,
		eventPublisher:     eventPublisher,
		logger:             logger,
		batchSize:          50,
		processingInterval: 5 * time.Second,
		maxRetries:         3,
		stopChan:           make(chan struct{}),
		stoppedChan:        make(chan struct{}),
	}
}

// Start begins the background processing loop
func (op *OutboxProcessor) Start(ctx context.Context) {
	op.logger.Info("Starting outbox processor",
		zap.Int32("batch_size", op.batchSize),
		zap.Duration("interval", op.processingInterval),
	)
	go op.processLoop(ctx)
}

// Stop gracefully stops the processor and waits for the loop to exit
func (op *OutboxProcessor) Stop() {
	close(op.stopChan)
	<-op.stoppedChan
	op.logger.Info("Outbox processor stopped")
}

func (op *OutboxProcessor) processLoop(ctx context.Context) {
	defer close(op.stoppedChan)

	ticker := time.NewTicker(op.processingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-op.stopChan:
			return
		case <-ticker.C:
			if err := op.processBatch(ctx); err != nil {
				op.logger.Error("Error processing outbox batch", zap.Error(err))
			}
		}
	}
}

func (op *OutboxProcessor) processBatch(ctx context.Context) error {
	pending, err := op.eventStore.GetPendingEvents(ctx, op.batchSize)
	if err != nil {
		return fmt.Errorf("failed to get pending events: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	var failures int
	for _, record := range pending {
		if err := op.processEvent(ctx, record); err != nil {
			op.logger.Warn("Failed to deliver event",
				zap.String("event_id", record.EventID),
				zap.String("event_type", record.EventType),
				zap.Error(err),
			)
			failures++
		}
	}

	op.logger.Debug("Outbox batch processed",
		zap.Int("events", len(pending)),
		zap.Int("failures", failures),
	)
	return nil
}

func (op *OutboxProcessor) processEvent(ctx context.Context, record *EventRecord) error {
	event, err := op.eventStore.recordToEvent(*record)
	if err != nil {
		return op.markFailed(ctx, record, fmt.Sprintf("malformed event record: %v", err))
	}

	if err := op.eventPublisher.Publish(ctx, event); err != nil {
		return op.markFailed(ctx, record, fmt.Sprintf("publish failed: %v", err))
	}

	return op.eventStore.MarkEventAsPublished(ctx, record.PK, record.SK)
}

func (op *OutboxProcessor) markFailed(ctx context.Context, record *EventRecord, reason string) error {
	attempts := record.PublishAttempts + 1
	if err := op.eventStore.MarkEventAsFailed(ctx, record.PK, record.SK, reason, attempts); err != nil {
		return err
	}
	if attempts >= op.maxRetries {
		op.logger.Error("Event permanently failed after max delivery attempts",
			zap.String("event_id", record.EventID),
			zap.String("event_type", record.EventType),
			zap.Int("attempts", attempts),
			zap.String("reason", reason),
		)
	}
	return fmt.Errorf("event delivery failed: %s", reason)
}
