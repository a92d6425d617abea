package sagas

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/aggregates"
	"chronicle-backend/domain/core/valueobjects"
	"chronicle-backend/infrastructure/persistence/memory"
	pkgerrors "chronicle-backend/pkg/errors"
)

// sagaHarness wires a coordinator over stub ports and in-memory stores
type sagaHarness struct {
	coordinator *SagaCoordinator
	stubs       map[valueobjects.PhaseType]*stubPort
	checkpoints *memory.CheckpointStore
	turnRepo    *memory.TurnRepository
	recorder    *captureRecorder
	publisher   *capturePublisher

	mu       sync.Mutex
	compLog  []string
	execLogs []string
}

func newSagaHarness(t *testing.T) *sagaHarness {
	t.Helper()
	registry, stubs := newStubRegistry(t)

	h := &sagaHarness{
		stubs:       stubs,
		checkpoints: memory.NewCheckpointStore(),
		turnRepo:    memory.NewTurnRepository(),
		recorder:    &captureRecorder{},
		publisher:   &capturePublisher{},
	}

	// Track the global compensation order across all ports.
	for phase, stub := range stubs {
		phase, stub := phase, stub
		stub.compFn = func(ctx context.Context, before valueobjects.BeforeRef) error {
			h.mu.Lock()
			h.compLog = append(h.compLog, phase.String())
			h.mu.Unlock()
			return nil
		}
	}

	executor := NewPhaseExecutor(registry, h.checkpoints, h.recorder, DefaultPhaseTimeouts(), zap.NewNop())
	pipeline := NewPipelineOrchestrator(executor, 8, zap.NewNop())
	h.coordinator = NewSagaCoordinator(
		pipeline, h.turnRepo, h.checkpoints, registry, h.recorder,
		h.publisher, nil, DefaultRetryPolicy(), zap.NewNop(),
	)
	// No real backoff waits in tests.
	h.coordinator.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return h
}

func (h *sagaHarness) compensationOrder() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.compLog...)
}

func TestRunTurnHappyPath(t *testing.T) {
	h := newSagaHarness(t)
	turn := newSagaTestTurn(t, "char-1", "char-2", "char-3")

	require.NoError(t, h.coordinator.RunTurn(context.Background(), turn))

	assert.Equal(t, aggregates.TurnStatusCompleted, turn.Status())
	assert.NotNil(t, turn.CompletedAt())

	// Three whole-turn executions plus two fan-out phases over three
	// participants: 3 + 3 + 3 = nine phase results.
	assert.Len(t, turn.PhaseResults(), 9)
	assert.Empty(t, h.compensationOrder())

	// The persisted snapshot reached the terminal state too.
	saved, err := h.turnRepo.GetByID(context.Background(), turn.ID())
	require.NoError(t, err)
	assert.Equal(t, aggregates.TurnStatusCompleted, saved.Status())

	published := h.publisher.types()
	assert.Contains(t, published, "turn.started")
	assert.Contains(t, published, "turn.completed")
}

func TestRunTurnScopedRetry(t *testing.T) {
	h := newSagaHarness(t)

	var mu sync.Mutex
	attemptsByScope := make(map[string]int)
	h.stubs[valueobjects.PhaseSubjectiveBrief].execFn = func(ctx context.Context, tc ports.TurnContext, participant *valueobjects.ParticipantID) (ports.PhaseOutput, error) {
		mu.Lock()
		attemptsByScope[participant.String()]++
		n := attemptsByScope[participant.String()]
		mu.Unlock()
		if participant.String() == "char-2" && n == 1 {
			return ports.PhaseOutput{}, pkgerrors.NewRetryableFailure("provider blip", nil)
		}
		return ports.PhaseOutput{
			OutputRef: valueobjects.OutputRef("stub://out/" + participant.String()),
			BeforeRef: valueobjects.BeforeRef("stub://before/" + participant.String()),
		}, nil
	}

	turn := newSagaTestTurn(t, "char-1", "char-2", "char-3")
	require.NoError(t, h.coordinator.RunTurn(context.Background(), turn))

	assert.Equal(t, aggregates.TurnStatusCompleted, turn.Status())

	// Only the failed participant went back out.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attemptsByScope["char-1"])
	assert.Equal(t, 2, attemptsByScope["char-2"])
	assert.Equal(t, 1, attemptsByScope["char-3"])
}

func TestRunTurnRetryExhaustionCompensates(t *testing.T) {
	h := newSagaHarness(t)
	h.stubs[valueobjects.PhaseEventIntegration].execFn = func(ctx context.Context, tc ports.TurnContext, participant *valueobjects.ParticipantID) (ports.PhaseOutput, error) {
		return ports.PhaseOutput{}, pkgerrors.NewRetryableFailure("still down", nil)
	}

	turn := newSagaTestTurn(t, "char-1")
	require.NoError(t, h.coordinator.RunTurn(context.Background(), turn))

	assert.Equal(t, aggregates.TurnStatusCompensated, turn.Status())
	assert.Equal(t, 3, h.stubs[valueobjects.PhaseEventIntegration].executionCount())

	// Everything that succeeded was undone in reverse phase order.
	assert.Equal(t, []string{
		valueobjects.PhaseInteractionOrchestration.String(),
		valueobjects.PhaseSubjectiveBrief.String(),
		valueobjects.PhaseWorldUpdate.String(),
	}, h.compensationOrder())
	assert.Empty(t, turn.SucceededScopes())
}

func TestRunTurnFatalFailureCompensatesInReverseOrder(t *testing.T) {
	h := newSagaHarness(t)
	h.stubs[valueobjects.PhaseNarrativeIntegration].execFn = func(ctx context.Context, tc ports.TurnContext, participant *valueobjects.ParticipantID) (ports.PhaseOutput, error) {
		return ports.PhaseOutput{}, pkgerrors.NewFatalFailure("narrative schema rejected", nil)
	}

	turn := newSagaTestTurn(t, "char-1", "char-2")
	require.NoError(t, h.coordinator.RunTurn(context.Background(), turn))

	assert.Equal(t, aggregates.TurnStatusCompensated, turn.Status())

	// Fatal failures never retry.
	assert.Equal(t, 1, h.stubs[valueobjects.PhaseNarrativeIntegration].executionCount())

	order := h.compensationOrder()
	require.Len(t, order, 6)
	assert.Equal(t, valueobjects.PhaseEventIntegration.String(), order[0])
	assert.Equal(t, valueobjects.PhaseWorldUpdate.String(), order[5])
	assert.Equal(t, []string{
		valueobjects.PhaseInteractionOrchestration.String(),
		valueobjects.PhaseInteractionOrchestration.String(),
	}, order[1:3])
	assert.Equal(t, []string{
		valueobjects.PhaseSubjectiveBrief.String(),
		valueobjects.PhaseSubjectiveBrief.String(),
	}, order[3:5])

	// Every checkpoint was consumed exactly once.
	remaining, err := h.checkpoints.Unconsumed(context.Background(), turn.ID())
	require.NoError(t, err)
	assert.Empty(t, remaining)

	assert.Contains(t, h.publisher.types(), "turn.compensated")
}

func TestRunTurnCompensationFailureFinalizesFailed(t *testing.T) {
	h := newSagaHarness(t)
	h.stubs[valueobjects.PhaseNarrativeIntegration].execFn = func(ctx context.Context, tc ports.TurnContext, participant *valueobjects.ParticipantID) (ports.PhaseOutput, error) {
		return ports.PhaseOutput{}, pkgerrors.NewFatalFailure("narrative schema rejected", nil)
	}
	h.stubs[valueobjects.PhaseSubjectiveBrief].compFn = func(ctx context.Context, before valueobjects.BeforeRef) error {
		return pkgerrors.NewRetryableFailure("undo endpoint unreachable", nil)
	}

	turn := newSagaTestTurn(t, "char-1")
	err := h.coordinator.RunTurn(context.Background(), turn)

	// Failed compensation is the operator-attention path.
	require.Error(t, err)
	var domainErr *pkgerrors.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "COMPENSATION_FAILED", domainErr.Code)
	assert.Equal(t, aggregates.TurnStatusFailed, turn.Status())

	// The step that could not be undone is released back alongside the
	// never-reached world update, so reconciliation sees both.
	remaining, unconsumedErr := h.checkpoints.Unconsumed(context.Background(), turn.ID())
	require.NoError(t, unconsumedErr)
	require.Len(t, remaining, 2)
	assert.Equal(t, valueobjects.PhaseWorldUpdate, remaining[0].Key.Phase)
	assert.Equal(t, valueobjects.PhaseSubjectiveBrief, remaining[1].Key.Phase)

	assert.Contains(t, h.publisher.types(), "turn.failed")
}

func TestRunTurnAbortAtPhaseBoundary(t *testing.T) {
	h := newSagaHarness(t)

	// Abort lands while the brief phase is failing; cancellation is
	// observed at the retry boundary, never mid-call.
	ctx, cancel := context.WithCancel(context.Background())
	h.stubs[valueobjects.PhaseSubjectiveBrief].execFn = func(callCtx context.Context, tc ports.TurnContext, participant *valueobjects.ParticipantID) (ports.PhaseOutput, error) {
		cancel()
		return ports.PhaseOutput{}, pkgerrors.NewRetryableFailure("provider blip", nil)
	}

	turn := newSagaTestTurn(t, "char-1")
	require.NoError(t, h.coordinator.RunTurn(ctx, turn))

	assert.Equal(t, aggregates.TurnStatusCompensated, turn.Status())

	// No retry happened after the abort, the completed world update was
	// undone, and later phases never ran.
	assert.Equal(t, 1, h.stubs[valueobjects.PhaseSubjectiveBrief].executionCount())
	assert.Equal(t, []string{valueobjects.PhaseWorldUpdate.String()}, h.compensationOrder())
	assert.Equal(t, 0, h.stubs[valueobjects.PhaseEventIntegration].executionCount())
}

func TestRunTurnSecondCompensationPassSkipsConsumed(t *testing.T) {
	h := newSagaHarness(t)
	turn := newSagaTestTurn(t, "char-1")
	require.NoError(t, turn.Begin())

	key := ports.CheckpointKey{TurnID: turn.ID(), Phase: valueobjects.PhaseWorldUpdate}
	_, err := h.checkpoints.Create(context.Background(), ports.Checkpoint{
		Key:       key,
		BeforeRef: "stub://before/world",
	})
	require.NoError(t, err)
	_, err = h.checkpoints.Consume(context.Background(), key)
	require.NoError(t, err)

	require.NoError(t, turn.RecordPhaseResult(aggregates.PhaseResult{
		Phase:         valueobjects.PhaseWorldUpdate,
		AttemptNumber: 1,
		Status:        aggregates.PhaseSucceeded,
		StartedAt:     time.Now(),
	}))

	// The step's checkpoint is already consumed, so compensation skips it
	// instead of undoing the same effect twice.
	step := turn.SucceededScopes()[0]
	require.NoError(t, h.coordinator.compensateStep(context.Background(), turn, step, zap.NewNop()))
	assert.Empty(t, h.compensationOrder())
}
