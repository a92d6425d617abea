package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/valueobjects"
	pkgerrors "chronicle-backend/pkg/errors"
)

// TurnLock guarantees that at most one coordinator instance drives a
// given turn, using DynamoDB conditional writes with a TTL so a crashed
// holder's lock expires on its own.
type TurnLock struct {
	client    *dynamodb.Client
	tableName string
	logger    *zap.Logger
}

type lockRecord struct {
	PK         string `dynamodbav:"PK"` // LOCK#<turn_id>
	SK         string `dynamodbav:"SK"` // LOCK
	LeaseID    string `dynamodbav:"LeaseID"`
	Owner      string `dynamodbav:"Owner"`
	AcquiredAt string `dynamodbav:"AcquiredAt"`
	ExpiresAt  string `dynamodbav:"ExpiresAt"`
	TTL        int64  `dynamodbav:"TTL"`
}

// NewTurnLock creates a turn lock backed by the given table
func NewTurnLock(client *dynamodb.Client, tableName string, logger *zap.Logger) *TurnLock {
	return &TurnLock{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

// Acquire claims the turn for this coordinator. An expired lease counts
// as free. Returns ErrConcurrentModification when another live coordinator
// holds the turn.
func (tl *TurnLock) Acquire(ctx context.Context, turnID valueobjects.TurnID, owner string, lease time.Duration) (ports.TurnLease, error) {
	leaseID := uuid.New().String()
	now := time.Now()
	expiresAt := now.Add(lease)

	record := lockRecord{
		PK:         lockPK(turnID),
		SK:         "LOCK",
		LeaseID:    leaseID,
		Owner:      owner,
		AcquiredAt: now.Format(time.RFC3339Nano),
		ExpiresAt:  expiresAt.Format(time.RFC3339Nano),
		TTL:        expiresAt.Unix(),
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(tl.tableName),
		Item: map[string]types.AttributeValue{
			"PK":         &types.AttributeValueMemberS{Value: record.PK},
			"SK":         &types.AttributeValueMemberS{Value: record.SK},
			"LeaseID":    &types.AttributeValueMemberS{Value: record.LeaseID},
			"Owner":      &types.AttributeValueMemberS{Value: record.Owner},
			"AcquiredAt": &types.AttributeValueMemberS{Value: record.AcquiredAt},
			"ExpiresAt":  &types.AttributeValueMemberS{Value: record.ExpiresAt},
			"TTL":        &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", record.TTL)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) OR ExpiresAt < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	}

	if _, err := tl.client.PutItem(ctx, input); err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			tl.logger.Debug("Turn already claimed by another coordinator",
				zap.String("turn_id", turnID.String()),
				zap.String("owner", owner),
			)
			return nil, pkgerrors.NewDomainError(
				pkgerrors.DomainConflictError, "CONCURRENT_MODIFICATION",
				"turn is being processed by another coordinator").
				WithDetail("turn_id", turnID.String())
		}
		return nil, fmt.Errorf("failed to acquire turn lock: %w", err)
	}

	tl.logger.Debug("Turn claimed",
		zap.String("turn_id", turnID.String()),
		zap.String("owner", owner),
		zap.Duration("lease", lease),
	)

	return &TurnLease{
		lock:      tl,
		turnID:    turnID,
		leaseID:   leaseID,
		owner:     owner,
		expiresAt: expiresAt,
	}, nil
}

// release deletes the lock item if this lease still owns it. A lost
// condition means the lease expired and someone else claimed the turn,
// which is already the desired end state.
func (tl *TurnLock) release(ctx context.Context, turnID valueobjects.TurnID, leaseID string) error {
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(tl.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: lockPK(turnID)},
			"SK": &types.AttributeValueMemberS{Value: "LOCK"},
		},
		ConditionExpression: aws.String("LeaseID = :leaseId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":leaseId": &types.AttributeValueMemberS{Value: leaseID},
		},
	}

	if _, err := tl.client.DeleteItem(ctx, input); err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			tl.logger.Warn("Turn lock already released or reassigned",
				zap.String("turn_id", turnID.String()),
				zap.String("lease_id", leaseID),
			)
			return nil
		}
		return fmt.Errorf("failed to release turn lock: %w", err)
	}
	return nil
}

// extend pushes the lease expiry forward if this lease still owns the turn
func (tl *TurnLock) extend(ctx context.Context, turnID valueobjects.TurnID, leaseID string, lease time.Duration) (time.Time, error) {
	expiresAt := time.Now().Add(lease)

	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(tl.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: lockPK(turnID)},
			"SK": &types.AttributeValueMemberS{Value: "LOCK"},
		},
		UpdateExpression:    aws.String("SET ExpiresAt = :expiresAt, #ttl = :ttl"),
		ConditionExpression: aws.String("LeaseID = :leaseId"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "TTL",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":leaseId":   &types.AttributeValueMemberS{Value: leaseID},
			":expiresAt": &types.AttributeValueMemberS{Value: expiresAt.Format(time.RFC3339Nano)},
			":ttl":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expiresAt.Unix())},
		},
	}

	if _, err := tl.client.UpdateItem(ctx, input); err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return time.Time{}, pkgerrors.NewDomainError(
				pkgerrors.DomainConflictError, "CONCURRENT_MODIFICATION",
				"turn lease expired and was reassigned").
				WithDetail("turn_id", turnID.String())
		}
		return time.Time{}, fmt.Errorf("failed to extend turn lock: %w", err)
	}
	return expiresAt, nil
}

// TurnLease is a held claim on one turn
type TurnLease struct {
	lock      *TurnLock
	turnID    valueobjects.TurnID
	leaseID   string
	owner     string
	expiresAt time.Time
}

// Release gives the turn back
func (l *TurnLease) Release(ctx context.Context) error {
	return l.lock.release(ctx, l.turnID, l.leaseID)
}

// Extend renews the lease; long-running narrative phases need this
func (l *TurnLease) Extend(ctx context.Context, lease time.Duration) error {
	expiresAt, err := l.lock.extend(ctx, l.turnID, l.leaseID, lease)
	if err != nil {
		return err
	}
	l.expiresAt = expiresAt
	return nil
}

// Expired reports whether the lease has lapsed
func (l *TurnLease) Expired() bool {
	return time.Now().After(l.expiresAt)
}

func lockPK(turnID valueobjects.TurnID) string {
	return "LOCK#" + turnID.String()
}
