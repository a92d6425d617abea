// Package websocket pushes turn status changes to connected clients over
// the API Gateway WebSocket management API. Subscriptions are stored in
// DynamoDB keyed by campaign; stale connections are pruned on send.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	apigwtypes "github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/aggregates"
)

// StatusMessage is the wire format pushed to clients
type StatusMessage struct {
	Type         string    `json:"type"`
	TurnID       string    `json:"turn_id"`
	CampaignID   string    `json:"campaign_id"`
	Status       string    `json:"status"`
	PhaseResults int       `json:"phase_results"`
	TotalCost    float64   `json:"total_cost"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier implements ports.StatusNotifier over API Gateway WebSockets
type Notifier struct {
	apiClient    *apigatewaymanagementapi.Client
	dynamoClient *dynamodb.Client
	tableName    string
	logger       *zap.Logger
}

// NewNotifier creates a WebSocket status notifier. tableName is the
// connections table holding CAMPAIGN#<id> subscription items.
func NewNotifier(
	apiClient *apigatewaymanagementapi.Client,
	dynamoClient *dynamodb.Client,
	tableName string,
	logger *zap.Logger,
) ports.StatusNotifier {
	return &Notifier{
		apiClient:    apiClient,
		dynamoClient: dynamoClient,
		tableName:    tableName,
		logger:       logger,
	}
}

// NotifyStatus pushes the turn's current status to every connection
// subscribed to its campaign. Push is best-effort; the poll endpoint
// remains authoritative.
func (n *Notifier) NotifyStatus(ctx context.Context, turn *aggregates.Turn) error {
	connections, err := n.connectionsForCampaign(ctx, turn.CampaignID().String())
	if err != nil {
		return err
	}
	if len(connections) == 0 {
		return nil
	}

	message := StatusMessage{
		Type:         "turn_status",
		TurnID:       turn.ID().String(),
		CampaignID:   turn.CampaignID().String(),
		Status:       string(turn.Status()),
		PhaseResults: len(turn.PhaseResults()),
		TotalCost:    turn.TotalCost().Amount(),
		Timestamp:    time.Now(),
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal status message: %w", err)
	}

	var lastErr error
	for _, connectionID := range connections {
		_, err := n.apiClient.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
			ConnectionId: aws.String(connectionID),
			Data:         payload,
		})
		if err != nil {
			var gone *apigwtypes.GoneException
			if errors.As(err, &gone) {
				n.pruneConnection(ctx, turn.CampaignID().String(), connectionID)
				continue
			}
			n.logger.Warn("Failed to push turn status",
				zap.String("connection_id", connectionID),
				zap.String("turn_id", turn.ID().String()),
				zap.Error(err),
			)
			lastErr = err
		}
	}
	return lastErr
}

// connectionsForCampaign queries the subscription items for a campaign
func (n *Notifier) connectionsForCampaign(ctx context.Context, campaignID string) ([]string, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(n.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "CAMPAIGN#" + campaignID},
		},
	}

	result, err := n.dynamoClient.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaign connections: %w", err)
	}

	var connections []string
	for _, item := range result.Items {
		if connID, ok := item["ConnectionID"].(*types.AttributeValueMemberS); ok {
			connections = append(connections, connID.Value)
		}
	}
	return connections, nil
}

// pruneConnection removes a subscription whose socket is gone
func (n *Notifier) pruneConnection(ctx context.Context, campaignID, connectionID string) {
	_, err := n.dynamoClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(n.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "CAMPAIGN#" + campaignID},
			"SK": &types.AttributeValueMemberS{Value: "CONN#" + connectionID},
		},
	})
	if err != nil {
		n.logger.Debug("Failed to prune stale connection",
			zap.String("connection_id", connectionID),
			zap.Error(err),
		)
	}
}

// NoopNotifier drops status pushes; used when the WebSocket stack is not
// deployed
type NoopNotifier struct{}

// NewNoopNotifier creates a notifier that does nothing
func NewNoopNotifier() ports.StatusNotifier {
	return NoopNotifier{}
}

// NotifyStatus does nothing
func (NoopNotifier) NotifyStatus(ctx context.Context, turn *aggregates.Turn) error { return nil }
