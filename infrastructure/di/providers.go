// Package di assembles the application graph. Providers are written for
// google/wire; wire_gen.go holds the generated initializer.
package di

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	awscloudwatch "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awseventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chronicle-backend/application/commands"
	"chronicle-backend/application/commands/bus"
	"chronicle-backend/application/ports"
	"chronicle-backend/application/queries"
	querybus "chronicle-backend/application/queries/bus"
	"chronicle-backend/application/sagas"
	"chronicle-backend/application/services"
	"chronicle-backend/domain/core/aggregates"
	"chronicle-backend/domain/core/validators"
	"chronicle-backend/infrastructure/config"
	"chronicle-backend/infrastructure/messaging/eventbridge"
	"chronicle-backend/infrastructure/messaging/websocket"
	"chronicle-backend/infrastructure/observability"
	"chronicle-backend/infrastructure/persistence/dynamodb"
	"chronicle-backend/infrastructure/persistence/memory"
	"chronicle-backend/infrastructure/phaseports"
	"chronicle-backend/interfaces/http/rest"
	"chronicle-backend/interfaces/http/rest/handlers"
	"chronicle-backend/pkg/auth"
	pkgerrors "chronicle-backend/pkg/errors"
)

// ProvideLogger creates the application logger
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.IsProduction() {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zapCfg.Build()
}

// ProvideAWSConfig creates AWS configuration
func ProvideAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
	)
}

// ProvideDynamoDBClient creates a DynamoDB client
func ProvideDynamoDBClient(awsCfg aws.Config) *awsdynamodb.Client {
	return awsdynamodb.NewFromConfig(awsCfg)
}

// ProvideEventBridgeClient creates an EventBridge client
func ProvideEventBridgeClient(awsCfg aws.Config) *awseventbridge.Client {
	return awseventbridge.NewFromConfig(awsCfg)
}

// ProvideCloudWatchClient creates a CloudWatch client
func ProvideCloudWatchClient(awsCfg aws.Config) *awscloudwatch.Client {
	return awscloudwatch.NewFromConfig(awsCfg)
}

// ProvideTurnRepository selects the turn store for the deployment mode
func ProvideTurnRepository(client *awsdynamodb.Client, cfg *config.Config) ports.TurnRepository {
	if cfg.UseInMemoryStore {
		return memory.NewTurnRepository()
	}
	return dynamodb.NewTurnRepository(client, cfg.DynamoDBTable)
}

// ProvideCheckpointStore selects the checkpoint store for the deployment mode
func ProvideCheckpointStore(client *awsdynamodb.Client, cfg *config.Config) ports.CheckpointStore {
	if cfg.UseInMemoryStore {
		return memory.NewCheckpointStore()
	}
	return dynamodb.NewCheckpointStore(client, cfg.DynamoDBTable)
}

// ProvideTurnLocker selects the per-turn lock for the deployment mode
func ProvideTurnLocker(client *awsdynamodb.Client, cfg *config.Config, logger *zap.Logger) ports.TurnLocker {
	if cfg.UseInMemoryStore {
		return memory.NewTurnLock()
	}
	return dynamodb.NewTurnLock(client, cfg.DynamoDBTable, logger)
}

// ProvideEventStore creates the turn event store; nil in memory mode where
// events are published directly
func ProvideEventStore(client *awsdynamodb.Client, cfg *config.Config) *dynamodb.EventStore {
	if cfg.UseInMemoryStore {
		return nil
	}
	return dynamodb.NewEventStore(client, cfg.DynamoDBTable)
}

// ProvideEventPublisher creates the domain event publisher. With an event
// store available, events are staged through the outbox before hitting the
// bus; without one they go to the bus (or nowhere) directly.
func ProvideEventPublisher(client *awseventbridge.Client, eventStore *dynamodb.EventStore, cfg *config.Config, logger *zap.Logger) ports.EventPublisher {
	direct := directEventPublisher(client, cfg, logger)
	if eventStore == nil {
		return direct
	}
	return dynamodb.NewOutboxPublisher(eventStore, direct, logger)
}

// ProvideOutboxProcessor creates the outbox relay; nil when no event store
// backs it. The relay delivers straight to the bus, never back through the
// outbox publisher, which would re-stage every event it drains.
func ProvideOutboxProcessor(eventStore *dynamodb.EventStore, client *awseventbridge.Client, cfg *config.Config, logger *zap.Logger) *dynamodb.OutboxProcessor {
	if eventStore == nil {
		return nil
	}
	return dynamodb.NewOutboxProcessor(eventStore, directEventPublisher(client, cfg, logger), logger)
}

func directEventPublisher(client *awseventbridge.Client, cfg *config.Config, logger *zap.Logger) ports.EventPublisher {
	if cfg.UseInMemoryStore || cfg.EventBusName == "" {
		return eventbridge.NewNoopPublisher()
	}
	return eventbridge.NewPublisher(client, cfg.EventBusName, logger)
}

// ProvideStatusNotifier creates the push notifier when a WebSocket
// management endpoint is configured
func ProvideStatusNotifier(
	awsCfg aws.Config,
	dynamoClient *awsdynamodb.Client,
	cfg *config.Config,
	logger *zap.Logger,
) ports.StatusNotifier {
	if cfg.WebSocketEndpoint == "" {
		return websocket.NewNoopNotifier()
	}
	apiClient := apigatewaymanagementapi.NewFromConfig(awsCfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(cfg.WebSocketEndpoint)
	})
	return websocket.NewNotifier(apiClient, dynamoClient, cfg.ConnectionsTable, logger)
}

// ProvideCollector creates the Prometheus collector
func ProvideCollector() *observability.Collector {
	return observability.NewCollector("chronicle")
}

// ProvideTracker creates the in-process performance tracker
func ProvideTracker(collector *observability.Collector) *observability.PerformanceTracker {
	return observability.NewPerformanceTracker(collector)
}

// ProvideCloudWatchPublisher creates the optional CloudWatch exporter
func ProvideCloudWatchPublisher(client *awscloudwatch.Client, cfg *config.Config, logger *zap.Logger) *observability.CloudWatchPublisher {
	if !cfg.EnableCloudWatch {
		return observability.NewCloudWatchPublisher("", nil, logger)
	}
	namespace := fmt.Sprintf("Chronicle/%s", cfg.Environment)
	return observability.NewCloudWatchPublisher(namespace, client, logger)
}

// phaseRecorder fans phase samples out to the tracker and, when enabled,
// CloudWatch
type phaseRecorder struct {
	tracker    *observability.PerformanceTracker
	cloudwatch *observability.CloudWatchPublisher
}

func (r *phaseRecorder) Record(sample ports.PerformanceSample) {
	r.tracker.Record(sample)
	go r.cloudwatch.PublishPhaseSample(context.Background(), sample)
}

// ProvideRecorder creates the performance recorder used by the executor
// and coordinator
func ProvideRecorder(tracker *observability.PerformanceTracker, cw *observability.CloudWatchPublisher) ports.PerformanceRecorder {
	return &phaseRecorder{tracker: tracker, cloudwatch: cw}
}

// ProvidePortRegistry binds the five phases to their adapters
func ProvidePortRegistry(cfg *config.Config, logger *zap.Logger) (*ports.PortRegistry, error) {
	return phaseports.BuildRegistry(cfg, logger)
}

// ProvidePhaseExecutor creates the phase executor
func ProvidePhaseExecutor(
	registry *ports.PortRegistry,
	checkpoints ports.CheckpointStore,
	recorder ports.PerformanceRecorder,
	cfg *config.Config,
	logger *zap.Logger,
) *sagas.PhaseExecutor {
	return sagas.NewPhaseExecutor(registry, checkpoints, recorder, sagas.PhaseTimeouts(cfg.PhaseTimeouts), logger)
}

// ProvidePipeline creates the per-phase fan-out orchestrator
func ProvidePipeline(executor *sagas.PhaseExecutor, cfg *config.Config, logger *zap.Logger) *sagas.PipelineOrchestrator {
	return sagas.NewPipelineOrchestrator(executor, cfg.FanOutLimit, logger)
}

// ProvideCoordinator creates the saga coordinator
func ProvideCoordinator(
	pipeline *sagas.PipelineOrchestrator,
	turnRepo ports.TurnRepository,
	checkpoints ports.CheckpointStore,
	registry *ports.PortRegistry,
	recorder ports.PerformanceRecorder,
	publisher ports.EventPublisher,
	notifier ports.StatusNotifier,
	cfg *config.Config,
	logger *zap.Logger,
) *sagas.SagaCoordinator {
	retry := sagas.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.BaseDelay = cfg.RetryBaseDelay
	return sagas.NewSagaCoordinator(
		pipeline, turnRepo, checkpoints, registry, recorder, publisher, notifier, retry, logger)
}

// turnObserver records terminal turn outcomes on the collector and, when
// enabled, CloudWatch
type turnObserver struct {
	collector  *observability.Collector
	cloudwatch *observability.CloudWatchPublisher
}

func (o *turnObserver) ObserveTurn(outcome aggregates.TurnStatus, participantCount int, duration time.Duration) {
	o.collector.ObserveTurn(outcome, participantCount, duration)
	go o.cloudwatch.PublishTurnOutcome(context.Background(), outcome, duration)
}

// ProvideTurnObserver creates the terminal-outcome observer
func ProvideTurnObserver(collector *observability.Collector, cw *observability.CloudWatchPublisher) services.TurnObserver {
	return &turnObserver{collector: collector, cloudwatch: cw}
}

// ProvideTurnService creates the application service driving turns
func ProvideTurnService(
	turnRepo ports.TurnRepository,
	coordinator *sagas.SagaCoordinator,
	locker ports.TurnLocker,
	observer services.TurnObserver,
	cfg *config.Config,
	logger *zap.Logger,
) *services.TurnService {
	return services.NewTurnService(
		turnRepo, coordinator, validators.NewTurnValidator(), locker, cfg.TurnLockLease, observer, logger)
}

// ProvideCommandBus creates the command bus with its handlers registered
func ProvideCommandBus(turnService *services.TurnService, logger *zap.Logger) *bus.CommandBus {
	commandBus := bus.NewCommandBus()

	abortHandler := commands.NewAbortTurnHandler(turnService, logger)
	commandBus.Register(commands.AbortTurnCommand{}, bus.CommandHandlerFunc(
		func(ctx context.Context, cmd bus.Command) error {
			abortCmd, ok := cmd.(commands.AbortTurnCommand)
			if !ok {
				return fmt.Errorf("invalid command type")
			}
			return abortHandler.Handle(ctx, abortCmd)
		},
	))

	return commandBus
}

// ProvideQueryBus creates the query bus with its handlers registered
func ProvideQueryBus(turnRepo ports.TurnRepository, tracker *observability.PerformanceTracker) *querybus.QueryBus {
	queryBus := querybus.NewQueryBus()

	getTurnHandler := queries.NewGetTurnHandler(turnRepo)
	queryBus.Register(queries.GetTurnQuery{}, querybus.QueryHandlerFunc(
		func(ctx context.Context, query querybus.Query) (interface{}, error) {
			getQuery, ok := query.(queries.GetTurnQuery)
			if !ok {
				return nil, fmt.Errorf("invalid query type")
			}
			return getTurnHandler.Handle(ctx, getQuery)
		},
	))

	listTurnsHandler := queries.NewListTurnsHandler(turnRepo)
	queryBus.Register(queries.ListTurnsQuery{}, querybus.QueryHandlerFunc(
		func(ctx context.Context, query querybus.Query) (interface{}, error) {
			listQuery, ok := query.(queries.ListTurnsQuery)
			if !ok {
				return nil, fmt.Errorf("invalid query type")
			}
			return listTurnsHandler.Handle(ctx, listQuery)
		},
	))

	metricsHandler := queries.NewGetTurnMetricsHandler(tracker)
	queryBus.Register(queries.GetTurnMetricsQuery{}, querybus.QueryHandlerFunc(
		func(ctx context.Context, query querybus.Query) (interface{}, error) {
			metricsQuery, ok := query.(queries.GetTurnMetricsQuery)
			if !ok {
				return nil, fmt.Errorf("invalid query type")
			}
			return metricsHandler.Handle(ctx, metricsQuery)
		},
	))

	return queryBus
}

// ProvideJWTValidator creates the JWT validator for the API surface
func ProvideJWTValidator(cfg *config.Config) (*auth.JWTValidator, error) {
	secret := cfg.JWTSecret
	if secret == "" && !cfg.IsProduction() {
		secret = "development-secret-change-in-production"
	}
	return auth.NewJWTValidator(auth.JWTConfig{
		SigningMethod: "HS256",
		SecretKey:     secret,
		Issuer:        cfg.JWTIssuer,
		Audience:      []string{"chronicle-api"},
	})
}

// ProvideErrorHandler creates the shared HTTP error responder
func ProvideErrorHandler(cfg *config.Config, logger *zap.Logger) *pkgerrors.ErrorHandler {
	return pkgerrors.NewErrorHandler(logger, cfg.IsDevelopment())
}

// ProvideTurnHandler creates the HTTP handler for turns
func ProvideTurnHandler(
	turnService *services.TurnService,
	turnRepo ports.TurnRepository,
	checkpoints ports.CheckpointStore,
	registry *ports.PortRegistry,
	recorder ports.PerformanceRecorder,
	commandBus *bus.CommandBus,
	queryBus *querybus.QueryBus,
	errorHandler *pkgerrors.ErrorHandler,
	logger *zap.Logger,
) *handlers.TurnHandler {
	beginHandler := commands.NewBeginTurnHandler(turnService, logger)
	reconcileHandler := commands.NewReconcileTurnHandler(turnRepo, checkpoints, registry, recorder, logger)
	return handlers.NewTurnHandler(beginHandler, reconcileHandler, commandBus, queryBus, errorHandler, logger)
}

// ProvideRouter creates the HTTP router
func ProvideRouter(
	turnHandler *handlers.TurnHandler,
	validator *auth.JWTValidator,
	collector *observability.Collector,
	errorHandler *pkgerrors.ErrorHandler,
	cfg *config.Config,
	logger *zap.Logger,
) *rest.Router {
	return rest.NewRouter(turnHandler, validator, collector, errorHandler, cfg.EnableCORS, logger)
}
