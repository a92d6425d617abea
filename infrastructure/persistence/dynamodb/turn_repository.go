// Package dynamodb provides the DynamoDB adapters for turn and checkpoint
// persistence using a single-table layout:
//
//	PK=TURN#<turn_id>       SK=META          turn metadata
//	PK=TURN#<turn_id>       SK=PHASE#<seq>   one item per phase result
//	PK=CHECKPOINT#<turn_id> SK=PHASE#<type>#<participant>
//	PK=CAMPAIGN#<id>        SK=SEQUENCE      atomic turn counter
//
// GSI1 (GSI1PK=CAMPAIGN#<id>, GSI1SK=TURN#<seq>) serves campaign listings.
package dynamodb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chronicle-backend/domain/core/aggregates"
	"chronicle-backend/domain/core/valueobjects"
	pkgerrors "chronicle-backend/pkg/errors"
)

const (
	skMeta        = "META"
	skSequence    = "SEQUENCE"
	phasePrefix   = "PHASE#"
	turnPrefix    = "TURN#"
	campaignPfx   = "CAMPAIGN#"
	gsiCampaign   = "GSI1"
	maxBatchItems = 25
)

// turnMetaRecord is the META item for one turn
type turnMetaRecord struct {
	PK              string   `dynamodbav:"PK"`
	SK              string   `dynamodbav:"SK"`
	TurnID          string   `dynamodbav:"TurnID"`
	CampaignID      string   `dynamodbav:"CampaignID"`
	SequenceNumber  int64    `dynamodbav:"SequenceNumber"`
	Participants    []string `dynamodbav:"Participants"`
	Status          string   `dynamodbav:"Status"`
	StartedAt       string   `dynamodbav:"StartedAt"`
	CompletedAt     string   `dynamodbav:"CompletedAt,omitempty"`
	AIEnabled       bool     `dynamodbav:"AIEnabled"`
	TotalCostMicros int64    `dynamodbav:"TotalCostMicros"`
	ResultCount     int      `dynamodbav:"ResultCount"`
	GSI1PK          string   `dynamodbav:"GSI1PK"`
	GSI1SK          string   `dynamodbav:"GSI1SK"`
}

// phaseResultRecord is one PHASE#<seq> item
type phaseResultRecord struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	Phase         string `dynamodbav:"Phase"`
	AttemptNumber int    `dynamodbav:"AttemptNumber"`
	Status        string `dynamodbav:"Status"`
	StartedAt     string `dynamodbav:"StartedAt"`
	DurationNanos int64  `dynamodbav:"DurationNanos"`
	CostMicros    int64  `dynamodbav:"CostMicros"`
	ParticipantID string `dynamodbav:"ParticipantID,omitempty"`
	OutputRef     string `dynamodbav:"OutputRef,omitempty"`
	ErrorKind     string `dynamodbav:"ErrorKind,omitempty"`
	ErrorMessage  string `dynamodbav:"ErrorMessage,omitempty"`
}

// TurnRepository implements ports.TurnRepository on DynamoDB
type TurnRepository struct {
	client    *dynamodb.Client
	tableName string
}

// NewTurnRepository creates a DynamoDB-backed turn repository
func NewTurnRepository(client *dynamodb.Client, tableName string) *TurnRepository {
	return &TurnRepository{
		client:    client,
		tableName: tableName,
	}
}

// Save persists the turn's META item and every phase result item. Phase
// results are append-only with deterministic sort keys, so rewriting the
// full set is idempotent.
func (r *TurnRepository) Save(ctx context.Context, turn *aggregates.Turn) error {
	pk := turnPrefix + turn.ID().String()
	results := turn.PhaseResults()

	participants := make([]string, 0, len(turn.Participants()))
	for _, p := range turn.Participants() {
		participants = append(participants, p.String())
	}

	meta := turnMetaRecord{
		PK:              pk,
		SK:              skMeta,
		TurnID:          turn.ID().String(),
		CampaignID:      turn.CampaignID().String(),
		SequenceNumber:  turn.SequenceNumber(),
		Participants:    participants,
		Status:          string(turn.Status()),
		StartedAt:       turn.StartedAt().Format(time.RFC3339Nano),
		AIEnabled:       turn.AIEnabled(),
		TotalCostMicros: turn.TotalCost().Micros(),
		ResultCount:     len(results),
		GSI1PK:          campaignPfx + turn.CampaignID().String(),
		GSI1SK:          fmt.Sprintf("%s%012d", turnPrefix, turn.SequenceNumber()),
	}
	if completed := turn.CompletedAt(); completed != nil {
		meta.CompletedAt = completed.Format(time.RFC3339Nano)
	}

	metaItem, err := attributevalue.MarshalMap(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal turn meta: %w", err)
	}

	writeRequests := []types.WriteRequest{
		{PutRequest: &types.PutRequest{Item: metaItem}},
	}
	for seq, result := range results {
		record := phaseResultRecord{
			PK:            pk,
			SK:            fmt.Sprintf("%s%05d", phasePrefix, seq),
			Phase:         result.Phase.String(),
			AttemptNumber: result.AttemptNumber,
			Status:        string(result.Status),
			StartedAt:     result.StartedAt.Format(time.RFC3339Nano),
			DurationNanos: result.Duration.Nanoseconds(),
			CostMicros:    result.Cost.Micros(),
			ParticipantID: result.ParticipantID.String(),
			OutputRef:     result.OutputRef.String(),
		}
		if result.Error != nil {
			record.ErrorKind = result.Error.Kind
			record.ErrorMessage = result.Error.Message
		}

		item, err := attributevalue.MarshalMap(record)
		if err != nil {
			return fmt.Errorf("failed to marshal phase result: %w", err)
		}
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
				r.tableName: writeRequests[i:end],
			},
		}
		result, err := r.client.BatchWriteItem(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to write turn batch: %w", err)
		}
		if len(result.UnprocessedItems) > 0 {
			return fmt.Errorf("failed to write %d turn items", len(result.UnprocessedItems[r.tableName]))
		}
	}

	return nil
}

// GetByID reads all items under the turn's partition and reconstructs the
// aggregate
func (r *TurnRepository) GetByID(ctx context.Context, id valueobjects.TurnID) (*aggregates.Turn, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: turnPrefix + id.String()},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var meta *turnMetaRecord
	var phaseRecords []phaseResultRecord

	for {
		result, err := r.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query turn: %w", err)
		}
		for _, item := range result.Items {
			sk := stringAttr(item["SK"])
			switch {
			case sk == skMeta:
				var record turnMetaRecord
				if err := attributevalue.UnmarshalMap(item, &record); err != nil {
					return nil, fmt.Errorf("failed to unmarshal turn meta: %w", err)
				}
				meta = &record
			case strings.HasPrefix(sk, phasePrefix):
				var record phaseResultRecord
				if err := attributevalue.UnmarshalMap(item, &record); err != nil {
					return nil, fmt.Errorf("failed to unmarshal phase result: %w", err)
				}
				phaseRecords = append(phaseRecords, record)
			}
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	if meta == nil {
		return nil, pkgerrors.NewDomainError(
			pkgerrors.DomainNotFoundError, "TURN_NOT_FOUND",
			"the requested turn does not exist").
			WithDetail("turn_id", id.String())
	}

	return r.reconstruct(meta, phaseRecords)
}

// ListByCampaign queries GSI1 for a campaign's turns, oldest first
func (r *TurnRepository) ListByCampaign(ctx context.Context, campaignID valueobjects.CampaignID) ([]*aggregates.Turn, error) {
	keyCond := expression.Key("GSI1PK").Equal(expression.Value(campaignPfx + campaignID.String()))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build campaign query: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		IndexName:                 aws.String(gsiCampaign),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(true),
	}

	var turns []*aggregates.Turn
	for {
		result, err := r.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query campaign turns: %w", err)
		}
		for _, item := range result.Items {
			var meta turnMetaRecord
			if err := attributevalue.UnmarshalMap(item, &meta); err != nil {
				return nil, fmt.Errorf("failed to unmarshal turn meta: %w", err)
			}
			turnID, err := valueobjects.NewTurnIDFromString(meta.TurnID)
			if err != nil {
				return nil, fmt.Errorf("stored turn has invalid ID %q: %w", meta.TurnID, err)
			}
			// The GSI projects META only; phase results need the base table.
			turn, err := r.GetByID(ctx, turnID)
			if err != nil {
				return nil, err
			}
			turns = append(turns, turn)
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	return turns, nil
}

// NextSequence atomically increments the campaign's turn counter
func (r *TurnRepository) NextSequence(ctx context.Context, campaignID valueobjects.CampaignID) (int64, error) {
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: campaignPfx + campaignID.String()},
			"SK": &types.AttributeValueMemberS{Value: skSequence},
		},
		UpdateExpression: aws.String("ADD SequenceValue :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	}

	result, err := r.client.UpdateItem(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate turn sequence: %w", err)
	}

	var sequence struct {
		SequenceValue int64 `dynamodbav:"SequenceValue"`
	}
	if err := attributevalue.UnmarshalMap(result.Attributes, &sequence); err != nil {
		return 0, fmt.Errorf("failed to read allocated sequence: %w", err)
	}
	return sequence.SequenceValue, nil
}

func (r *TurnRepository) reconstruct(meta *turnMetaRecord, phaseRecords []phaseResultRecord) (*aggregates.Turn, error) {
	turnID, err := valueobjects.NewTurnIDFromString(meta.TurnID)
	if err != nil {
		return nil, fmt.Errorf("stored turn has invalid ID %q: %w", meta.TurnID, err)
	}
	campaignID, err := valueobjects.NewCampaignID(meta.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("stored turn has invalid campaign %q: %w", meta.CampaignID, err)
	}
	participants, err := valueobjects.NewParticipantSet(meta.Participants)
	if err != nil {
		return nil, fmt.Errorf("stored turn has invalid participants: %w", err)
	}
	startedAt, err := time.Parse(time.RFC3339Nano, meta.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("stored turn has invalid start time: %w", err)
	}
	var completedAt *time.Time
	if meta.CompletedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, meta.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("stored turn has invalid completion time: %w", err)
		}
		completedAt = &t
	}

	results := make([]aggregates.PhaseResult, 0, len(phaseRecords))
	for _, record := range phaseRecords {
		phase, err := valueobjects.ParsePhaseType(record.Phase)
		if err != nil {
			return nil, fmt.Errorf("stored phase result has invalid phase %q: %w", record.Phase, err)
		}
		resultStart, err := time.Parse(time.RFC3339Nano, record.StartedAt)
		if err != nil {
			return nil, fmt.Errorf("stored phase result has invalid start time: %w", err)
		}
		var participant valueobjects.ParticipantID
		if record.ParticipantID != "" {
			participant, err = valueobjects.NewParticipantID(record.ParticipantID)
			if err != nil {
				return nil, fmt.Errorf("stored phase result has invalid participant: %w", err)
			}
		}
		result := aggregates.PhaseResult{
			Phase:         phase,
			AttemptNumber: record.AttemptNumber,
			Status:        aggregates.PhaseResultStatus(record.Status),
			StartedAt:     resultStart,
			Duration:      time.Duration(record.DurationNanos),
			Cost:          valueobjects.NewCostFromMicros(record.CostMicros),
			ParticipantID: participant,
			OutputRef:     valueobjects.OutputRef(record.OutputRef),
		}
		if record.ErrorKind != "" || record.ErrorMessage != "" {
			result.Error = &aggregates.PhaseError{
				Kind:    record.ErrorKind,
				Message: record.ErrorMessage,
			}
		}
		results = append(results, result)
	}

	return aggregates.ReconstructTurn(
		turnID,
		campaignID,
		meta.SequenceNumber,
		participants,
		aggregates.TurnStatus(meta.Status),
		startedAt,
		completedAt,
		meta.AIEnabled,
		valueobjects.NewCostFromMicros(meta.TotalCostMicros),
		results,
	), nil
}

func stringAttr(attr types.AttributeValue) string {
	if s, ok := attr.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}
