package sagas

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/aggregates"
	"chronicle-backend/domain/core/valueobjects"
	"chronicle-backend/infrastructure/persistence/memory"
	pkgerrors "chronicle-backend/pkg/errors"
)

func newTestPipeline(t *testing.T, fanOutLimit int) (*PipelineOrchestrator, map[valueobjects.PhaseType]*stubPort) {
	t.Helper()
	registry, stubs := newStubRegistry(t)
	executor := NewPhaseExecutor(registry, memory.NewCheckpointStore(), &captureRecorder{}, DefaultPhaseTimeouts(), zap.NewNop())
	return NewPipelineOrchestrator(executor, fanOutLimit, zap.NewNop()), stubs
}

func TestExecutePhaseWholeTurn(t *testing.T) {
	pipeline, stubs := newTestPipeline(t, 4)
	turn := newSagaTestTurn(t, "char-1", "char-2")
	require.NoError(t, turn.Begin())

	outcomes, err := pipeline.ExecutePhase(context.Background(), turn, valueobjects.PhaseWorldUpdate, nil)
	require.NoError(t, err)

	// Whole-turn phases run exactly once regardless of participant count.
	require.Len(t, outcomes, 1)
	assert.Equal(t, aggregates.PhaseSucceeded, outcomes[0].Status)
	assert.Equal(t, 1, stubs[valueobjects.PhaseWorldUpdate].executionCount())
	assert.Len(t, turn.PhaseResults(), 1)
}

func TestExecutePhaseFanOut(t *testing.T) {
	pipeline, stubs := newTestPipeline(t, 2)
	participants := []string{"char-1", "char-2", "char-3", "char-4", "char-5"}
	turn := newSagaTestTurn(t, participants...)
	require.NoError(t, turn.Begin())

	_, err := pipeline.ExecutePhase(context.Background(), turn, valueobjects.PhaseWorldUpdate, nil)
	require.NoError(t, err)

	outcomes, err := pipeline.ExecutePhase(context.Background(), turn, valueobjects.PhaseSubjectiveBrief, turn.Participants())
	require.NoError(t, err)

	// One call per participant, all joined before the phase returns.
	require.Len(t, outcomes, len(participants))
	assert.Equal(t, len(participants), stubs[valueobjects.PhaseSubjectiveBrief].executionCount())

	seen := make(map[string]bool)
	for _, o := range outcomes {
		assert.Equal(t, aggregates.PhaseSucceeded, o.Status)
		seen[o.ParticipantID.String()] = true
	}
	assert.Len(t, seen, len(participants))
	assert.Len(t, turn.SucceededScopes(), len(participants)+1)
}

func TestExecutePhaseRecordsFailures(t *testing.T) {
	registry, stubs := newStubRegistry(t)
	stubs[valueobjects.PhaseSubjectiveBrief].execFn = func(ctx context.Context, tc ports.TurnContext, participant *valueobjects.ParticipantID) (ports.PhaseOutput, error) {
		if participant != nil && participant.String() == "char-2" {
			return ports.PhaseOutput{}, pkgerrors.NewRetryableFailure("provider blip", nil)
		}
		return ports.PhaseOutput{
			OutputRef: valueobjects.OutputRef("stub://out/" + participant.String()),
			BeforeRef: valueobjects.BeforeRef("stub://before/" + participant.String()),
		}, nil
	}
	executor := NewPhaseExecutor(registry, memory.NewCheckpointStore(), &captureRecorder{}, DefaultPhaseTimeouts(), zap.NewNop())
	pipeline := NewPipelineOrchestrator(executor, 4, zap.NewNop())

	turn := newSagaTestTurn(t, "char-1", "char-2", "char-3")
	require.NoError(t, turn.Begin())
	_, err := pipeline.ExecutePhase(context.Background(), turn, valueobjects.PhaseWorldUpdate, nil)
	require.NoError(t, err)

	outcomes, err := pipeline.ExecutePhase(context.Background(), turn, valueobjects.PhaseSubjectiveBrief, turn.Participants())
	require.NoError(t, err)

	failed, retryable := splitFailures(outcomes)
	require.Len(t, failed, 1)
	assert.Equal(t, "char-2", failed[0].String())
	assert.True(t, retryable)

	// Failed attempts land on the aggregate history too.
	assert.Equal(t, 1, turn.AttemptCount(valueobjects.PhaseSubjectiveBrief, failed[0]))
}

func TestExecutePhaseOutOfOrderIsRejected(t *testing.T) {
	pipeline, _ := newTestPipeline(t, 4)
	turn := newSagaTestTurn(t, "char-1")
	require.NoError(t, turn.Begin())

	// Subjective brief before world update violates the canonical order;
	// the aggregate refuses the record and the pipeline surfaces it.
	_, err := pipeline.ExecutePhase(context.Background(), turn, valueobjects.PhaseSubjectiveBrief, turn.Participants())
	assert.Error(t, err)
}

func TestClassifyOutcomes(t *testing.T) {
	char1, _ := valueobjects.NewParticipantID("char-1")
	char2, _ := valueobjects.NewParticipantID("char-2")

	t.Run("full success is nil", func(t *testing.T) {
		outcomes := []PhaseOutcome{
			{Phase: valueobjects.PhaseSubjectiveBrief, ParticipantID: char1, Status: aggregates.PhaseSucceeded},
			{Phase: valueobjects.PhaseSubjectiveBrief, ParticipantID: char2, Status: aggregates.PhaseSucceeded},
		}
		assert.NoError(t, ClassifyOutcomes(valueobjects.PhaseSubjectiveBrief, outcomes))
	})

	t.Run("partial failure lists the failed subset", func(t *testing.T) {
		outcomes := []PhaseOutcome{
			{Phase: valueobjects.PhaseSubjectiveBrief, ParticipantID: char1, Status: aggregates.PhaseSucceeded},
			{Phase: valueobjects.PhaseSubjectiveBrief, ParticipantID: char2, Status: aggregates.PhaseRetryableFailure},
		}
		err := ClassifyOutcomes(valueobjects.PhaseSubjectiveBrief, outcomes)
		var partial *PartialPhaseFailure
		require.ErrorAs(t, err, &partial)
		require.Len(t, partial.Failed, 1)
		assert.Equal(t, "char-2", partial.Failed[0].String())
		assert.True(t, partial.Retryable)
	})

	t.Run("one fatal participant poisons the phase", func(t *testing.T) {
		outcomes := []PhaseOutcome{
			{Phase: valueobjects.PhaseSubjectiveBrief, ParticipantID: char1, Status: aggregates.PhaseRetryableFailure},
			{Phase: valueobjects.PhaseSubjectiveBrief, ParticipantID: char2, Status: aggregates.PhaseFatalFailure},
		}
		err := ClassifyOutcomes(valueobjects.PhaseSubjectiveBrief, outcomes)
		var partial *PartialPhaseFailure
		require.ErrorAs(t, err, &partial)
		assert.False(t, partial.Retryable)
	})

	t.Run("whole-turn failure returns the port error", func(t *testing.T) {
		cause := pkgerrors.NewFatalFailure("rejected", nil)
		outcomes := []PhaseOutcome{
			{Phase: valueobjects.PhaseWorldUpdate, Status: aggregates.PhaseFatalFailure, Err: cause},
		}
		err := ClassifyOutcomes(valueobjects.PhaseWorldUpdate, outcomes)
		assert.ErrorIs(t, err, cause)
	})
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := DefaultRetryPolicy()

	assert.Equal(t, int64(0), int64(policy.Delay(1)))
	assert.Equal(t, 250, int(policy.Delay(2).Milliseconds()))
	assert.Equal(t, 500, int(policy.Delay(3).Milliseconds()))
	assert.Equal(t, 1000, int(policy.Delay(4).Milliseconds()))
}
