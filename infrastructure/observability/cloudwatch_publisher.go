package observability

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/aggregates"
)

// CloudWatchPublisher mirrors phase and turn telemetry into CloudWatch
// for alarming. The Prometheus endpoint remains the primary export; this
// publisher is optional and a nil client disables it.
type CloudWatchPublisher struct {
	namespace string
	client    *cloudwatch.Client
	logger    *zap.Logger
}

// NewCloudWatchPublisher creates a publisher; client may be nil
func NewCloudWatchPublisher(namespace string, client *cloudwatch.Client, logger *zap.Logger) *CloudWatchPublisher {
	return &CloudWatchPublisher{
		namespace: namespace,
		client:    client,
		logger:    logger,
	}
}

// PublishPhaseSample pushes one phase attempt's duration and cost
func (p *CloudWatchPublisher) PublishPhaseSample(ctx context.Context, sample ports.PerformanceSample) {
	if p.client == nil {
		return
	}

	status := "success"
	if !sample.Success {
		status = "failure"
	}
	dimensions := []types.Dimension{
		{Name: aws.String("Phase"), Value: aws.String(sample.Phase.String())},
		{Name: aws.String("Status"), Value: aws.String(status)},
	}

	metricData := []types.MetricDatum{
		{
			MetricName: aws.String("PhaseDuration"),
			Dimensions: dimensions,
			Value:      aws.Float64(float64(sample.Duration.Milliseconds())),
			Unit:       types.StandardUnitMilliseconds,
			Timestamp:  aws.Time(time.Now()),
		},
	}
	if !sample.Cost.IsZero() {
		metricData = append(metricData, types.MetricDatum{
			MetricName: aws.String("AICost"),
			Dimensions: dimensions,
			Value:      aws.Float64(sample.Cost.Amount()),
			Unit:       types.StandardUnitNone,
			Timestamp:  aws.Time(time.Now()),
		})
	}

	p.put(ctx, metricData)
}

// PublishTurnOutcome pushes a turn's terminal outcome and duration
func (p *CloudWatchPublisher) PublishTurnOutcome(ctx context.Context, outcome aggregates.TurnStatus, duration time.Duration) {
	if p.client == nil {
		return
	}

	dimensions := []types.Dimension{
		{Name: aws.String("Outcome"), Value: aws.String(string(outcome))},
	}
	p.put(ctx, []types.MetricDatum{
		{
			MetricName: aws.String("TurnCount"),
			Dimensions: dimensions,
			Value:      aws.Float64(1),
			Unit:       types.StandardUnitCount,
			Timestamp:  aws.Time(time.Now()),
		},
		{
			MetricName: aws.String("TurnDuration"),
			Dimensions: dimensions,
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       types.StandardUnitMilliseconds,
			Timestamp:  aws.Time(time.Now()),
		},
	})
}

func (p *CloudWatchPublisher) put(ctx context.Context, data []types.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(p.namespace),
		MetricData: data,
	}
	if _, err := p.client.PutMetricData(ctx, input); err != nil {
		// Telemetry export must never fail the turn.
		p.logger.Warn("Failed to publish CloudWatch metrics", zap.Error(err))
	}
}
