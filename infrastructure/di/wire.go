//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"chronicle-backend/infrastructure/config"
)

// SuperSet is the main provider set containing all providers
var SuperSet = wire.NewSet(
	ProvideLogger,
	ProvideAWSConfig,
	ProvideDynamoDBClient,
	ProvideEventBridgeClient,
	ProvideCloudWatchClient,
	ProvideTurnRepository,
	ProvideCheckpointStore,
	ProvideTurnLocker,
	ProvideEventStore,
	ProvideEventPublisher,
	ProvideOutboxProcessor,
	ProvideStatusNotifier,
	ProvideCollector,
	ProvideTracker,
	ProvideCloudWatchPublisher,
	ProvideRecorder,
	ProvidePortRegistry,
	ProvidePhaseExecutor,
	ProvidePipeline,
	ProvideCoordinator,
	ProvideTurnObserver,
	ProvideTurnService,
	ProvideCommandBus,
	ProvideQueryBus,
	ProvideJWTValidator,
	ProvideErrorHandler,
	ProvideTurnHandler,
	ProvideRouter,
	wire.Struct(new(Container), "*"),
)

// InitializeContainer creates a fully wired container
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	wire.Build(SuperSet)
	return nil, nil
}
