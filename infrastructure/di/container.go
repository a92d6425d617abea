package di

import (
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"chronicle-backend/application/commands/bus"
	"chronicle-backend/application/ports"
	querybus "chronicle-backend/application/queries/bus"
	"chronicle-backend/application/services"
	"chronicle-backend/infrastructure/config"
	"chronicle-backend/infrastructure/observability"
	"chronicle-backend/infrastructure/persistence/dynamodb"
	"chronicle-backend/interfaces/http/rest"
)

// Container holds all application dependencies
type Container struct {
	Config          *config.Config
	Logger          *zap.Logger
	DynamoDB        *awsdynamodb.Client
	TurnRepo        ports.TurnRepository
	CheckpointStore ports.CheckpointStore
	TurnLocker      ports.TurnLocker
	EventPublisher  ports.EventPublisher
	StatusNotifier  ports.StatusNotifier
	Collector       *observability.Collector
	Tracker         *observability.PerformanceTracker
	TurnService     *services.TurnService
	CommandBus      *bus.CommandBus
	QueryBus        *querybus.QueryBus
	Router          *rest.Router

	// OutboxProcessor is nil in memory mode
	OutboxProcessor *dynamodb.OutboxProcessor
}
