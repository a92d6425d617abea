package dynamodb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"chronicle-backend/domain/core/valueobjects"
	"chronicle-backend/domain/events"
)

// PublishStatus tracks an event's delivery through the outbox
type PublishStatus string

const (
	PublishStatusPending   PublishStatus = "pending"
	PublishStatusPublished PublishStatus = "published"
	PublishStatusFailed    PublishStatus = "failed"
)

// eventTTL keeps the event log from growing without bound
const eventTTL = 90 * 24 * time.Hour

// EventRecord is how turn events are stored, with outbox fields so a
// background processor can deliver them to the bus after the fact
type EventRecord struct {
	PK        string                 `dynamodbav:"PK"` // EVENTS#<turn_id>
	SK        string                 `dynamodbav:"SK"` // EVENT#<timestamp>#<event_id>
	EventID   string                 `dynamodbav:"EventID"`
	EventType string                 `dynamodbav:"EventType"`
	TurnID    string                 `dynamodbav:"TurnID"`
	EventData map[string]interface{} `dynamodbav:"EventData"`
	Timestamp string                 `dynamodbav:"Timestamp"`
	Version   int                    `dynamodbav:"Version"`

	PublishStatus   string `dynamodbav:"PublishStatus"`
	PublishAttempts int    `dynamodbav:"PublishAttempts"`
	LastPublishTry  string `dynamodbav:"LastPublishTry,omitempty"`
	PublishedAt     string `dynamodbav:"PublishedAt,omitempty"`
	ErrorMessage    string `dynamodbav:"ErrorMessage,omitempty"`

	GSI2PK string `dynamodbav:"GSI2PK"` // EVENTTYPE#<type>
	GSI2SK string `dynamodbav:"GSI2SK"` // EVENT#<timestamp>

	TTL int64 `dynamodbav:"TTL,omitempty"`
}

// EventStore persists turn domain events in the same table as the turns,
// using the outbox pattern so event delivery survives publisher outages
type EventStore struct {
	client    *dynamodb.Client
	tableName string
}

// NewEventStore creates a DynamoDB-backed turn event store
func NewEventStore(client *dynamodb.Client, tableName string) *EventStore {
	return &EventStore{
		client:    client,
		tableName: tableName,
	}
}

// SaveEvents persists domain events as pending outbox entries and returns
// the stored records so callers can mark them delivered
func (es *EventStore) SaveEvents(ctx context.Context, domainEvents []events.DomainEvent) ([]*EventRecord, error) {
	if len(domainEvents) == 0 {
		return nil, nil
	}

	records := make([]*EventRecord, 0, len(domainEvents))
	writeRequests := make([]types.WriteRequest, 0, len(domainEvents))
	for _, event := range domainEvents {
		record, err := es.eventToRecord(event)
		if err != nil {
			return nil, fmt.Errorf("failed to convert event to record: %w", err)
		}
		item, err := attributevalue.MarshalMap(record)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event record: %w", err)
		}
		records = append(records, record)
		writeRequests = append(writeRequests, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: item},
		})
	}

	for i := 0; i < len(writeRequests); i += maxBatchItems {
		end := i + maxBatchItems
		if end > len(writeRequests) {
			end = len(writeRequests)
		}
		input := &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{
				es.tableName: writeRequests[i:end],
			},
		}
		result, err := es.client.BatchWriteItem(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to write events batch: %w", err)
		}
		if len(result.UnprocessedItems) > 0 {
			return nil, fmt.Errorf("failed to write %d events", len(result.UnprocessedItems[es.tableName]))
		}
	}

	return records, nil
}

// GetEvents retrieves all events for a turn, oldest first
func (es *EventStore) GetEvents(ctx context.Context, turnID valueobjects.TurnID) ([]events.DomainEvent, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(es.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "EVENTS#" + turnID.String()},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var allEvents []events.DomainEvent
	for {
		result, err := es.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query events: %w", err)
		}
		for _, item := range result.Items {
			var record EventRecord
			if err := attributevalue.UnmarshalMap(item, &record); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event record: %w", err)
			}
			event, err := es.recordToEvent(record)
			if err != nil {
				return nil, fmt.Errorf("failed to convert record to event: %w", err)
			}
			allEvents = append(allEvents, event)
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	return allEvents, nil
}

// GetEventsByType retrieves the most recent events of one type via GSI2
func (es *EventStore) GetEventsByType(ctx context.Context, eventType string, limit int) ([]events.DomainEvent, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(es.tableName),
		IndexName:              aws.String("GSI2"),
		KeyConditionExpression: aws.String("GSI2PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "EVENTTYPE#" + eventType},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	result, err := es.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by type: %w", err)
	}

	domainEvents := make([]events.DomainEvent, 0, len(result.Items))
	for _, item := range result.Items {
		var record EventRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event record: %w", err)
		}
		event, err := es.recordToEvent(record)
		if err != nil {
			return nil, fmt.Errorf("failed to convert record to event: %w", err)
		}
		domainEvents = append(domainEvents, event)
	}
	return domainEvents, nil
}

// GetPendingEvents retrieves outbox entries that still need publishing
func (es *EventStore) GetPendingEvents(ctx context.Context, limit int32) ([]*EventRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	input := &dynamodb.ScanInput{
		TableName:        aws.String(es.tableName),
		FilterExpression: aws.String("PublishStatus = :status AND begins_with(PK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(PublishStatusPending)},
			":prefix": &types.AttributeValueMemberS{Value: "EVENTS#"},
		},
		Limit: aws.Int32(limit),
	}

	result, err := es.client.Scan(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending events: %w", err)
	}

	records := make([]*EventRecord, 0, len(result.Items))
	for _, item := range result.Items {
		var record EventRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}

// MarkEventAsPublished records a successful delivery
func (es *EventStore) MarkEventAsPublished(ctx context.Context, eventPK, eventSK string) error {
	now := time.Now().Format(time.RFC3339)

	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(es.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: eventPK},
			"SK": &types.AttributeValueMemberS{Value: eventSK},
		},
		UpdateExpression: aws.String("SET PublishStatus = :published, PublishedAt = :publishedAt"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":published":   &types.AttributeValueMemberS{Value: string(PublishStatusPublished)},
			":publishedAt": &types.AttributeValueMemberS{Value: now},
		},
		ConditionExpression: aws.String("attribute_exists(PK)"),
	}

	if _, err := es.client.UpdateItem(ctx, input); err != nil {
		return fmt.Errorf("failed to mark event as published: %w", err)
	}
	return nil
}

// MarkEventAsFailed records a failed delivery; events under the retry
// ceiling stay pending for the next pass
func (es *EventStore) MarkEventAsFailed(ctx context.Context, eventPK, eventSK string, errorMsg string, attempts int) error {
	now := time.Now().Format(time.RFC3339)

	status := string(PublishStatusFailed)
	if attempts < 3 {
		status = string(PublishStatusPending)
	}

	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(es.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: eventPK},
			"SK": &types.AttributeValueMemberS{Value: eventSK},
		},
		UpdateExpression: aws.String("SET PublishStatus = :status, PublishAttempts = :attempts, LastPublishTry = :lastTry, ErrorMessage = :error"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":   &types.AttributeValueMemberS{Value: status},
			":attempts": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", attempts)},
			":lastTry":  &types.AttributeValueMemberS{Value: now},
			":error":    &types.AttributeValueMemberS{Value: errorMsg},
		},
		ConditionExpression: aws.String("attribute_exists(PK)"),
	}

	if _, err := es.client.UpdateItem(ctx, input); err != nil {
		return fmt.Errorf("failed to mark event as failed: %w", err)
	}
	return nil
}

// eventToRecord converts a domain event to its stored form
func (es *EventStore) eventToRecord(event events.DomainEvent) (*EventRecord, error) {
	eventData := make(map[string]interface{})
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := json.Unmarshal(eventBytes, &eventData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event to map: %w", err)
	}

	timestamp := event.GetTimestamp()
	eventID := uuid.New().String()
	ts := timestamp.Format(time.RFC3339Nano)

	return &EventRecord{
		PK:        "EVENTS#" + event.GetAggregateID(),
		SK:        fmt.Sprintf("EVENT#%s#%s", ts, eventID),
		EventID:   eventID,
		EventType: event.GetEventType(),
		TurnID:    event.GetAggregateID(),
		EventData: eventData,
		Timestamp: timestamp.Format(time.RFC3339),
		Version:   event.GetVersion(),

		PublishStatus:   string(PublishStatusPending),
		PublishAttempts: 0,

		GSI2PK: "EVENTTYPE#" + event.GetEventType(),
		GSI2SK: "EVENT#" + ts,
		TTL:    timestamp.Add(eventTTL).Unix(),
	}, nil
}

// recordToEvent rebuilds the concrete event type from its stored form
func (es *EventStore) recordToEvent(record EventRecord) (events.DomainEvent, error) {
	timestamp, err := time.Parse(time.RFC3339, record.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}

	turnID, err := valueobjects.NewTurnIDFromString(record.TurnID)
	if err != nil {
		return nil, fmt.Errorf("stored event has invalid turn ID %q: %w", record.TurnID, err)
	}

	getString := func(key string) string {
		s, _ := record.EventData[key].(string)
		return s
	}
	getInt := func(key string) int {
		f, _ := record.EventData[key].(float64)
		return int(f)
	}
	getBool := func(key string) bool {
		b, _ := record.EventData[key].(bool)
		return b
	}
	getCost := func(key string) valueobjects.Cost {
		f, _ := record.EventData[key].(float64)
		c, err := valueobjects.NewCost(f)
		if err != nil {
			return valueobjects.ZeroCost
		}
		return c
	}
	getPhase := func() valueobjects.PhaseType {
		phase, _ := valueobjects.ParsePhaseType(getString("phase"))
		return phase
	}

	switch record.EventType {
	case "turn.started":
		campaignID, _ := valueobjects.NewCampaignID(getString("campaign_id"))
		seq, _ := record.EventData["sequence_number"].(float64)
		return events.NewTurnStarted(turnID, campaignID, int64(seq), getInt("participants"), getBool("ai_enabled"), timestamp), nil
	case "turn.phase_succeeded":
		duration := time.Duration(int64(getInt("duration")))
		return events.NewPhaseSucceeded(turnID, getPhase(), getString("participant_id"), getInt("attempt"), duration, getCost("cost"), timestamp), nil
	case "turn.phase_failed":
		return events.NewPhaseFailed(turnID, getPhase(), getString("participant_id"), getInt("attempt"), getBool("retryable"), getString("error"), timestamp), nil
	case "turn.phase_compensated":
		return events.NewPhaseCompensated(turnID, getPhase(), getString("participant_id"), timestamp), nil
	case "turn.completed":
		duration := time.Duration(int64(getInt("duration")))
		return events.NewTurnCompleted(turnID, getCost("total_cost"), duration, timestamp), nil
	case "turn.compensated":
		return events.NewTurnCompensated(turnID, getString("reason"), timestamp), nil
	case "turn.failed":
		return events.NewTurnFailed(turnID, getString("reason"), timestamp), nil
	default:
		return events.BaseEvent{
			AggregateID: record.TurnID,
			EventType:   record.EventType,
			Timestamp:   timestamp,
			Version:     record.Version,
		}, nil
	}
}
