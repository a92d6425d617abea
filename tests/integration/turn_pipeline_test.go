package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chronicle-backend/application/commands"
	"chronicle-backend/application/ports"
	"chronicle-backend/application/queries"
	"chronicle-backend/application/sagas"
	"chronicle-backend/application/services"
	"chronicle-backend/domain/core/aggregates"
	"chronicle-backend/domain/core/validators"
	"chronicle-backend/domain/core/valueobjects"
	"chronicle-backend/domain/events"
	"chronicle-backend/infrastructure/observability"
	"chronicle-backend/infrastructure/persistence/memory"
	"chronicle-backend/infrastructure/phaseports"
	pkgerrors "chronicle-backend/pkg/errors"
)

// noopPublisher drops events; the outbox has its own tests
type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, event events.DomainEvent) error {
	return nil
}

func (noopPublisher) PublishBatch(ctx context.Context, batch []events.DomainEvent) error {
	return nil
}

// fatalPort always rejects execution, driving the saga into compensation
type fatalPort struct {
	phase valueobjects.PhaseType
}

func (p *fatalPort) Type() valueobjects.PhaseType { return p.phase }

func (p *fatalPort) Execute(ctx context.Context, tc ports.TurnContext, participant *valueobjects.ParticipantID) (ports.PhaseOutput, error) {
	return ports.PhaseOutput{}, pkgerrors.NewFatalFailure("phase rejected the turn", nil)
}

func (p *fatalPort) Compensate(ctx context.Context, before valueobjects.BeforeRef) error {
	return nil
}

// flakyCompensationPort executes normally but fails its first compensation
type flakyCompensationPort struct {
	*phaseports.LocalPort

	mu       sync.Mutex
	failures int
}

func newFlakyCompensationPort(phase valueobjects.PhaseType) *flakyCompensationPort {
	return &flakyCompensationPort{LocalPort: phaseports.NewLocalPort(phase)}
}

func (p *flakyCompensationPort) Compensate(ctx context.Context, before valueobjects.BeforeRef) error {
	p.mu.Lock()
	first := p.failures == 0
	p.failures++
	p.mu.Unlock()
	if first {
		return pkgerrors.NewRetryableFailure("undo endpoint unreachable", nil)
	}
	return p.LocalPort.Compensate(ctx, before)
}

// testStack is the whole pipeline over in-memory adapters
type testStack struct {
	service     *services.TurnService
	turnRepo    *memory.TurnRepository
	checkpoints *memory.CheckpointStore
	registry    *ports.PortRegistry
	tracker     *observability.PerformanceTracker
}

// newTestStack builds the pipeline with local ports, overriding the phases
// in overrides
func newTestStack(t *testing.T, overrides map[valueobjects.PhaseType]ports.PhasePort) *testStack {
	t.Helper()
	logger := zap.NewNop()

	bound := make([]ports.PhasePort, 0, valueobjects.PhaseCount)
	for _, phase := range valueobjects.CanonicalPhaseOrder() {
		if port, ok := overrides[phase]; ok {
			bound = append(bound, port)
			continue
		}
		bound = append(bound, phaseports.NewLocalPort(phase))
	}
	registry, err := ports.NewPortRegistry(bound...)
	require.NoError(t, err)

	turnRepo := memory.NewTurnRepository()
	checkpoints := memory.NewCheckpointStore()
	tracker := observability.NewPerformanceTracker(nil)

	executor := sagas.NewPhaseExecutor(registry, checkpoints, tracker, sagas.DefaultPhaseTimeouts(), logger)
	pipeline := sagas.NewPipelineOrchestrator(executor, 8, logger)

	retry := sagas.DefaultRetryPolicy()
	retry.BaseDelay = time.Millisecond
	coordinator := sagas.NewSagaCoordinator(
		pipeline, turnRepo, checkpoints, registry, tracker,
		noopPublisher{}, nil, retry, logger,
	)

	service := services.NewTurnService(
		turnRepo, coordinator, validators.NewTurnValidator(),
		memory.NewTurnLock(), time.Minute, nil, logger,
	)
	return &testStack{
		service:     service,
		turnRepo:    turnRepo,
		checkpoints: checkpoints,
		registry:    registry,
		tracker:     tracker,
	}
}

func (s *testStack) runTurn(t *testing.T, participants []string, aiEnabled bool) *aggregates.Turn {
	t.Helper()
	ctx := context.Background()

	accepted, err := s.service.StartTurn(ctx, "campaign-1", participants, aiEnabled)
	require.NoError(t, err)
	assert.Equal(t, aggregates.TurnStatusPending, accepted.Status())

	s.service.Drain()

	turn, err := s.turnRepo.GetByID(ctx, accepted.ID())
	require.NoError(t, err)
	return turn
}

func TestTurnPipelineHappyPath(t *testing.T) {
	stack := newTestStack(t, nil)
	turn := stack.runTurn(t, []string{"char-1", "char-2", "char-3"}, true)

	assert.Equal(t, aggregates.TurnStatusCompleted, turn.Status())
	assert.NotNil(t, turn.CompletedAt())

	// Three whole-turn phases plus two per-participant fan-outs.
	assert.Len(t, turn.PhaseResults(), 9)

	// Local port pricing: 3 briefs at 0.35, 3 interactions at 0.20, one
	// narrative at 0.75.
	assert.Equal(t, valueobjects.MustCost(2.40), turn.TotalCost())

	// The read model reflects the terminal state.
	view, err := queries.NewGetTurnHandler(stack.turnRepo).Handle(context.Background(), queries.GetTurnQuery{TurnID: turn.ID().String()})
	require.NoError(t, err)
	assert.Equal(t, string(aggregates.TurnStatusCompleted), view.Status)
	assert.Len(t, view.PhaseResults, 9)

	// Metrics recorded one sample per attempt.
	metricsHandler := queries.NewGetTurnMetricsHandler(stack.tracker)
	metrics, err := metricsHandler.Handle(context.Background(), queries.GetTurnMetricsQuery{TurnID: turn.ID().String()})
	require.NoError(t, err)
	assert.Equal(t, 9, metrics.SampleCount)
	assert.Equal(t, valueobjects.MustCost(2.40), metrics.TotalCost)
}

func TestTurnPipelineNonAITurnCostsNothing(t *testing.T) {
	stack := newTestStack(t, nil)
	turn := stack.runTurn(t, []string{"char-1"}, false)

	assert.Equal(t, aggregates.TurnStatusCompleted, turn.Status())
	assert.True(t, turn.TotalCost().IsZero())
}

func TestTurnPipelineFatalFailureCompensates(t *testing.T) {
	stack := newTestStack(t, map[valueobjects.PhaseType]ports.PhasePort{
		valueobjects.PhaseNarrativeIntegration: &fatalPort{phase: valueobjects.PhaseNarrativeIntegration},
	})
	turn := stack.runTurn(t, []string{"char-1", "char-2"}, true)

	assert.Equal(t, aggregates.TurnStatusCompensated, turn.Status())
	assert.Empty(t, turn.SucceededScopes())

	// Every succeeded phase was undone through its real checkpoint; none
	// remain for reconciliation.
	remaining, err := stack.checkpoints.Unconsumed(context.Background(), turn.ID())
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// The attempt history keeps both the successes and their undo records.
	var compensated int
	for _, result := range turn.PhaseResults() {
		if result.Status == aggregates.PhaseCompensated {
			compensated++
		}
	}
	assert.Equal(t, 6, compensated)
}

func TestTurnPipelineReconcileAfterFailedCompensation(t *testing.T) {
	flaky := newFlakyCompensationPort(valueobjects.PhaseSubjectiveBrief)
	stack := newTestStack(t, map[valueobjects.PhaseType]ports.PhasePort{
		valueobjects.PhaseSubjectiveBrief:      flaky,
		valueobjects.PhaseNarrativeIntegration: &fatalPort{phase: valueobjects.PhaseNarrativeIntegration},
	})
	turn := stack.runTurn(t, []string{"char-1"}, true)

	// The brief could not be undone, so the turn needs an operator.
	require.Equal(t, aggregates.TurnStatusFailed, turn.Status())
	remaining, err := stack.checkpoints.Unconsumed(context.Background(), turn.ID())
	require.NoError(t, err)
	require.NotEmpty(t, remaining)

	handler := commands.NewReconcileTurnHandler(
		stack.turnRepo, stack.checkpoints, stack.registry,
		stack.tracker, zap.NewNop(),
	)
	result, err := handler.Handle(context.Background(), commands.ReconcileTurnCommand{TurnID: turn.ID().String()})
	require.NoError(t, err)

	assert.Equal(t, len(remaining), result.Reconciled)
	assert.Equal(t, 0, result.Remaining)

	drained, err := stack.checkpoints.Unconsumed(context.Background(), turn.ID())
	require.NoError(t, err)
	assert.Empty(t, drained)

	// Reconciliation restores external state but never rewrites history.
	reloaded, err := stack.turnRepo.GetByID(context.Background(), turn.ID())
	require.NoError(t, err)
	assert.Equal(t, aggregates.TurnStatusFailed, reloaded.Status())
}

func TestTurnPipelineRejectsInvalidSubmission(t *testing.T) {
	stack := newTestStack(t, nil)

	_, err := stack.service.StartTurn(context.Background(), "", []string{"char-1"}, false)
	assert.Error(t, err)

	_, err = stack.service.StartTurn(context.Background(), "campaign-1", nil, false)
	assert.Error(t, err)

	_, err = stack.service.StartTurn(context.Background(), "campaign-1", []string{"char-1", "char-1"}, false)
	assert.Error(t, err)
}

func TestTurnPipelineSequencesArePerCampaign(t *testing.T) {
	stack := newTestStack(t, nil)

	first := stack.runTurn(t, []string{"char-1"}, false)
	second := stack.runTurn(t, []string{"char-1"}, false)

	assert.Equal(t, int64(1), first.SequenceNumber())
	assert.Equal(t, int64(2), second.SequenceNumber())
}
