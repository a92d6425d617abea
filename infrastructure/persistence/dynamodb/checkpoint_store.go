package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/valueobjects"
	pkgerrors "chronicle-backend/pkg/errors"
)

const checkpointPrefix = "CHECKPOINT#"

// checkpointRecord is one checkpoint item
type checkpointRecord struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	TurnID        string `dynamodbav:"TurnID"`
	Phase         string `dynamodbav:"Phase"`
	ParticipantID string `dynamodbav:"ParticipantID,omitempty"`
	BeforeRef     string `dynamodbav:"BeforeRef"`
	CreatedAt     string `dynamodbav:"CreatedAt"`
	Consumed      bool   `dynamodbav:"Consumed"`
}

// CheckpointStore implements ports.CheckpointStore on DynamoDB. Consume
// uses a conditional write so exactly-once holds even if two compensation
// passes race.
type CheckpointStore struct {
	client    *dynamodb.Client
	tableName string
	now       func() time.Time
}

// NewCheckpointStore creates a DynamoDB-backed checkpoint store
func NewCheckpointStore(client *dynamodb.Client, tableName string) *CheckpointStore {
	return &CheckpointStore{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

// Create persists a checkpoint unless one already exists for the key, in
// which case the existing checkpoint is returned untouched
func (s *CheckpointStore) Create(ctx context.Context, checkpoint ports.Checkpoint) (ports.Checkpoint, error) {
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = s.now()
	}
	record := checkpointRecord{
		PK:            checkpointPK(checkpoint.Key.TurnID),
		SK:            checkpointSK(checkpoint.Key),
		TurnID:        checkpoint.Key.TurnID.String(),
		Phase:         checkpoint.Key.Phase.String(),
		ParticipantID: checkpoint.Key.ParticipantID.String(),
		BeforeRef:     checkpoint.BeforeRef.String(),
		CreatedAt:     checkpoint.CreatedAt.Format(time.RFC3339Nano),
		Consumed:      false,
	}

	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return ports.Checkpoint{}, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	}
	if _, err := s.client.PutItem(ctx, input); err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return s.Get(ctx, checkpoint.Key)
		}
		return ports.Checkpoint{}, fmt.Errorf("failed to create checkpoint: %w", err)
	}

	checkpoint.Consumed = false
	return checkpoint, nil
}

// Get retrieves a checkpoint by key
func (s *CheckpointStore) Get(ctx context.Context, key ports.CheckpointKey) (ports.Checkpoint, error) {
	input := &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: checkpointPK(key.TurnID)},
			"SK": &types.AttributeValueMemberS{Value: checkpointSK(key)},
		},
	}

	result, err := s.client.GetItem(ctx, input)
	if err != nil {
		return ports.Checkpoint{}, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if result.Item == nil {
		return ports.Checkpoint{}, notFoundError(key)
	}

	var record checkpointRecord
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return ports.Checkpoint{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return s.toCheckpoint(record)
}

// Consume flips the Consumed flag exactly once via a conditional update.
// A lost condition means either the checkpoint never existed or another
// pass consumed it; the follow-up read distinguishes the two.
func (s *CheckpointStore) Consume(ctx context.Context, key ports.CheckpointKey) (ports.Checkpoint, error) {
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: checkpointPK(key.TurnID)},
			"SK": &types.AttributeValueMemberS{Value: checkpointSK(key)},
		},
		UpdateExpression:    aws.String("SET Consumed = :consumed"),
		ConditionExpression: aws.String("attribute_exists(PK) AND Consumed = :unconsumed"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":consumed":   &types.AttributeValueMemberBOOL{Value: true},
			":unconsumed": &types.AttributeValueMemberBOOL{Value: false},
		},
		ReturnValues: types.ReturnValueAllNew,
	}

	result, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if !errors.As(err, &conditionFailed) {
			return ports.Checkpoint{}, fmt.Errorf("failed to consume checkpoint: %w", err)
		}
		existing, getErr := s.Get(ctx, key)
		if getErr != nil {
			return ports.Checkpoint{}, getErr
		}
		if existing.Consumed {
			return ports.Checkpoint{}, pkgerrors.NewDomainError(
				pkgerrors.DomainConflictError, "CHECKPOINT_CONSUMED",
				"checkpoint was already consumed").
				WithDetail("turn_id", key.TurnID.String()).
				WithDetail("phase", key.Phase.String())
		}
		return ports.Checkpoint{}, notFoundError(key)
	}

	var record checkpointRecord
	if err := attributevalue.UnmarshalMap(result.Attributes, &record); err != nil {
		return ports.Checkpoint{}, fmt.Errorf("failed to unmarshal consumed checkpoint: %w", err)
	}
	return s.toCheckpoint(record)
}

// Release flips a consumed checkpoint back to unconsumed so a failed undo
// stays visible to reconciliation. Releasing an unconsumed checkpoint is a
// no-op.
func (s *CheckpointStore) Release(ctx context.Context, key ports.CheckpointKey) error {
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: checkpointPK(key.TurnID)},
			"SK": &types.AttributeValueMemberS{Value: checkpointSK(key)},
		},
		UpdateExpression:    aws.String("SET Consumed = :unconsumed"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":unconsumed": &types.AttributeValueMemberBOOL{Value: false},
		},
	}

	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return notFoundError(key)
		}
		return fmt.Errorf("failed to release checkpoint: %w", err)
	}
	return nil
}

// Unconsumed lists a turn's remaining checkpoints
func (s *CheckpointStore) Unconsumed(ctx context.Context, turnID valueobjects.TurnID) ([]ports.Checkpoint, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(checkpointPK(turnID)))
	filter := expression.Name("Consumed").Equal(expression.Value(false))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build checkpoint query: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	var remaining []ports.Checkpoint
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query checkpoints: %w", err)
		}
		for _, item := range result.Items {
			var record checkpointRecord
			if err := attributevalue.UnmarshalMap(item, &record); err != nil {
				return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
			}
			checkpoint, err := s.toCheckpoint(record)
			if err != nil {
				return nil, err
			}
			remaining = append(remaining, checkpoint)
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	return remaining, nil
}

func (s *CheckpointStore) toCheckpoint(record checkpointRecord) (ports.Checkpoint, error) {
	turnID, err := valueobjects.NewTurnIDFromString(record.TurnID)
	if err != nil {
		return ports.Checkpoint{}, fmt.Errorf("stored checkpoint has invalid turn ID %q: %w", record.TurnID, err)
	}
	phase, err := valueobjects.ParsePhaseType(record.Phase)
	if err != nil {
		return ports.Checkpoint{}, fmt.Errorf("stored checkpoint has invalid phase %q: %w", record.Phase, err)
	}
	var participant valueobjects.ParticipantID
	if record.ParticipantID != "" {
		participant, err = valueobjects.NewParticipantID(record.ParticipantID)
		if err != nil {
			return ports.Checkpoint{}, fmt.Errorf("stored checkpoint has invalid participant: %w", err)
		}
	}
	createdAt, err := time.Parse(time.RFC3339Nano, record.CreatedAt)
	if err != nil {
		return ports.Checkpoint{}, fmt.Errorf("stored checkpoint has invalid creation time: %w", err)
	}

	return ports.Checkpoint{
		Key: ports.CheckpointKey{
			TurnID:        turnID,
			Phase:         phase,
			ParticipantID: participant,
		},
		BeforeRef: valueobjects.BeforeRef(record.BeforeRef),
		CreatedAt: createdAt,
		Consumed:  record.Consumed,
	}, nil
}

func checkpointPK(turnID valueobjects.TurnID) string {
	return checkpointPrefix + turnID.String()
}

func checkpointSK(key ports.CheckpointKey) string {
	return phasePrefix + key.Phase.String() + "#" + key.ParticipantID.String()
}

func notFoundError(key ports.CheckpointKey) error {
	return pkgerrors.NewDomainError(
		pkgerrors.DomainNotFoundError, "CHECKPOINT_NOT_FOUND",
		"checkpoint does not exist").
		WithDetail("turn_id", key.TurnID.String()).
		WithDetail("phase", key.Phase.String())
}
