package aggregates

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle-backend/domain/core/valueobjects"
)

func newTestTurn(t *testing.T, participantIDs ...string) *Turn {
	t.Helper()
	if len(participantIDs) == 0 {
		participantIDs = []string{"char-1"}
	}
	campaign, err := valueobjects.NewCampaignID("campaign-1")
	require.NoError(t, err)
	participants, err := valueobjects.NewParticipantSet(participantIDs)
	require.NoError(t, err)

	turn, err := NewTurn(campaign, 1, participants, true)
	require.NoError(t, err)
	return turn
}

func succeededResult(phase valueobjects.PhaseType, participant string, attempt int) PhaseResult {
	result := PhaseResult{
		Phase:         phase,
		AttemptNumber: attempt,
		Status:        PhaseSucceeded,
		StartedAt:     time.Now(),
		Duration:      10 * time.Millisecond,
		OutputRef:     valueobjects.OutputRef("out://" + phase.String() + "/" + participant),
	}
	if participant != "" {
		result.ParticipantID, _ = valueobjects.NewParticipantID(participant)
	}
	return result
}

// completeAllPhases drives every scope of every phase to success.
func completeAllPhases(t *testing.T, turn *Turn) {
	t.Helper()
	for _, phase := range valueobjects.CanonicalPhaseOrder() {
		if phase.IsPerParticipant() {
			for _, p := range turn.Participants() {
				require.NoError(t, turn.RecordPhaseResult(succeededResult(phase, p.String(), 1)))
			}
		} else {
			require.NoError(t, turn.RecordPhaseResult(succeededResult(phase, "", 1)))
		}
	}
}

func TestNewTurn(t *testing.T) {
	t.Run("creates pending turn", func(t *testing.T) {
		turn := newTestTurn(t, "char-1", "char-2")

		assert.False(t, turn.ID().IsZero())
		assert.Equal(t, TurnStatusPending, turn.Status())
		assert.Len(t, turn.Participants(), 2)
		assert.True(t, turn.TotalCost().IsZero())
		assert.Nil(t, turn.CompletedAt())
	})

	t.Run("rejects empty campaign", func(t *testing.T) {
		participants, err := valueobjects.NewParticipantSet([]string{"char-1"})
		require.NoError(t, err)

		_, err = NewTurn(valueobjects.CampaignID{}, 1, participants, false)
		assert.Error(t, err)
	})

	t.Run("rejects empty participant set", func(t *testing.T) {
		campaign, err := valueobjects.NewCampaignID("campaign-1")
		require.NoError(t, err)

		_, err = NewTurn(campaign, 1, nil, false)
		assert.Error(t, err)
	})
}

func TestTurnBegin(t *testing.T) {
	turn := newTestTurn(t)

	require.NoError(t, turn.Begin())
	assert.Equal(t, TurnStatusInProgress, turn.Status())

	// Only Pending turns can begin.
	assert.Error(t, turn.Begin())
}

func TestRecordPhaseResultOrdering(t *testing.T) {
	t.Run("accepts phases in canonical order", func(t *testing.T) {
		turn := newTestTurn(t)
		require.NoError(t, turn.Begin())

		completeAllPhases(t, turn)
		assert.Equal(t, valueobjects.CanonicalPhaseOrder(), turn.PhaseSequence())
	})

	t.Run("rejects a skipped phase", func(t *testing.T) {
		turn := newTestTurn(t)
		require.NoError(t, turn.Begin())
		require.NoError(t, turn.RecordPhaseResult(succeededResult(valueobjects.PhaseWorldUpdate, "", 1)))

		err := turn.RecordPhaseResult(succeededResult(valueobjects.PhaseEventIntegration, "", 1))
		assert.Error(t, err)
	})

	t.Run("rejects starting anywhere but the first phase", func(t *testing.T) {
		turn := newTestTurn(t)
		require.NoError(t, turn.Begin())

		err := turn.RecordPhaseResult(succeededResult(valueobjects.PhaseNarrativeIntegration, "", 1))
		assert.Error(t, err)
	})

	t.Run("accepts more attempts of the current phase", func(t *testing.T) {
		turn := newTestTurn(t, "char-1", "char-2")
		require.NoError(t, turn.Begin())
		require.NoError(t, turn.RecordPhaseResult(succeededResult(valueobjects.PhaseWorldUpdate, "", 1)))

		failed := succeededResult(valueobjects.PhaseSubjectiveBrief, "char-1", 1)
		failed.Status = PhaseRetryableFailure
		failed.Error = &PhaseError{Kind: string(PhaseRetryableFailure), Message: "timeout"}
		require.NoError(t, turn.RecordPhaseResult(failed))

		// Retry of the same phase for the same participant is in order.
		require.NoError(t, turn.RecordPhaseResult(succeededResult(valueobjects.PhaseSubjectiveBrief, "char-1", 2)))
		require.NoError(t, turn.RecordPhaseResult(succeededResult(valueobjects.PhaseSubjectiveBrief, "char-2", 1)))
	})
}

func TestRecordPhaseResultIdempotency(t *testing.T) {
	turn := newTestTurn(t)
	require.NoError(t, turn.Begin())

	result := succeededResult(valueobjects.PhaseWorldUpdate, "", 1)
	result.Cost = valueobjects.MustCost(0.5)
	require.NoError(t, turn.RecordPhaseResult(result))

	// Redelivery of the identical report is a no-op, so cost is not
	// double counted.
	require.NoError(t, turn.RecordPhaseResult(result))
	assert.Len(t, turn.PhaseResults(), 1)
	assert.Equal(t, valueobjects.MustCost(0.5), turn.TotalCost())
}

func TestRecordPhaseResultAttemptMonotonicity(t *testing.T) {
	turn := newTestTurn(t)
	require.NoError(t, turn.Begin())

	failed := succeededResult(valueobjects.PhaseWorldUpdate, "", 2)
	failed.Status = PhaseRetryableFailure
	require.NoError(t, turn.RecordPhaseResult(failed))

	// A lower attempt number for the same scope is stale.
	stale := succeededResult(valueobjects.PhaseWorldUpdate, "", 1)
	assert.Error(t, turn.RecordPhaseResult(stale))

	require.NoError(t, turn.RecordPhaseResult(succeededResult(valueobjects.PhaseWorldUpdate, "", 3)))
	assert.Equal(t, 3, turn.AttemptCount(valueobjects.PhaseWorldUpdate, valueobjects.ParticipantID{}))
}

func TestRecordPhaseResultDuplicateSuccess(t *testing.T) {
	turn := newTestTurn(t)
	require.NoError(t, turn.Begin())
	require.NoError(t, turn.RecordPhaseResult(succeededResult(valueobjects.PhaseWorldUpdate, "", 1)))

	err := turn.RecordPhaseResult(succeededResult(valueobjects.PhaseWorldUpdate, "", 2))
	assert.Error(t, err, "a scope may succeed at most once")
}

func TestRecordPhaseResultScopeMismatch(t *testing.T) {
	turn := newTestTurn(t)
	require.NoError(t, turn.Begin())

	// Whole-turn phase with a participant scope.
	withParticipant := succeededResult(valueobjects.PhaseWorldUpdate, "char-1", 1)
	assert.Error(t, turn.RecordPhaseResult(withParticipant))

	require.NoError(t, turn.RecordPhaseResult(succeededResult(valueobjects.PhaseWorldUpdate, "", 1)))

	// Per-participant phase without a participant.
	withoutParticipant := succeededResult(valueobjects.PhaseSubjectiveBrief, "", 1)
	assert.Error(t, turn.RecordPhaseResult(withoutParticipant))
}

func TestRecordPhaseResultCompensation(t *testing.T) {
	t.Run("compensation flips a succeeded scope", func(t *testing.T) {
		turn := newTestTurn(t)
		require.NoError(t, turn.Begin())
		require.NoError(t, turn.RecordPhaseResult(succeededResult(valueobjects.PhaseWorldUpdate, "", 1)))
		require.NoError(t, turn.MarkCompensating())

		compensated := succeededResult(valueobjects.PhaseWorldUpdate, "", 1)
		compensated.Status = PhaseCompensated
		require.NoError(t, turn.RecordPhaseResult(compensated))

		assert.Empty(t, turn.SucceededScopes())
	})

	t.Run("cannot compensate a scope that never succeeded", func(t *testing.T) {
		turn := newTestTurn(t)
		require.NoError(t, turn.Begin())

		compensated := succeededResult(valueobjects.PhaseWorldUpdate, "", 1)
		compensated.Status = PhaseCompensated
		assert.Error(t, turn.RecordPhaseResult(compensated))
	})
}

func TestTurnTotalCostAccumulation(t *testing.T) {
	turn := newTestTurn(t)
	require.NoError(t, turn.Begin())

	first := succeededResult(valueobjects.PhaseWorldUpdate, "", 1)
	first.Status = PhaseRetryableFailure
	first.Cost = valueobjects.MustCost(0.10)
	require.NoError(t, turn.RecordPhaseResult(first))

	// Failed attempts still cost money; the total keeps both.
	second := succeededResult(valueobjects.PhaseWorldUpdate, "", 2)
	second.Cost = valueobjects.MustCost(0.25)
	require.NoError(t, turn.RecordPhaseResult(second))

	assert.Equal(t, valueobjects.MustCost(0.35), turn.TotalCost())
}

func TestTurnFinalize(t *testing.T) {
	t.Run("completed requires every scope succeeded", func(t *testing.T) {
		turn := newTestTurn(t, "char-1", "char-2")
		require.NoError(t, turn.Begin())
		require.NoError(t, turn.RecordPhaseResult(succeededResult(valueobjects.PhaseWorldUpdate, "", 1)))

		assert.Error(t, turn.Finalize(TurnStatusCompleted, ""))

		completeAllPhases(t, turn)
		require.NoError(t, turn.Finalize(TurnStatusCompleted, ""))
		assert.Equal(t, TurnStatusCompleted, turn.Status())
		assert.NotNil(t, turn.CompletedAt())
	})

	t.Run("compensated requires every success undone", func(t *testing.T) {
		turn := newTestTurn(t)
		require.NoError(t, turn.Begin())
		require.NoError(t, turn.RecordPhaseResult(succeededResult(valueobjects.PhaseWorldUpdate, "", 1)))
		require.NoError(t, turn.MarkCompensating())

		assert.Error(t, turn.Finalize(TurnStatusCompensated, "cancelled"))

		compensated := succeededResult(valueobjects.PhaseWorldUpdate, "", 1)
		compensated.Status = PhaseCompensated
		require.NoError(t, turn.RecordPhaseResult(compensated))
		require.NoError(t, turn.Finalize(TurnStatusCompensated, "cancelled"))
		assert.Equal(t, TurnStatusCompensated, turn.Status())
	})

	t.Run("terminal turns reject further transitions", func(t *testing.T) {
		turn := newTestTurn(t)
		require.NoError(t, turn.Begin())
		require.NoError(t, turn.Finalize(TurnStatusFailed, "operator abort"))

		assert.Error(t, turn.Finalize(TurnStatusFailed, "again"))
		assert.Error(t, turn.RecordPhaseResult(succeededResult(valueobjects.PhaseWorldUpdate, "", 1)))
	})

	t.Run("rejects non-terminal outcome", func(t *testing.T) {
		turn := newTestTurn(t)
		require.NoError(t, turn.Begin())
		assert.Error(t, turn.Finalize(TurnStatusInProgress, ""))
	})
}

func TestSucceededScopesOrder(t *testing.T) {
	turn := newTestTurn(t, "char-1", "char-2")
	require.NoError(t, turn.Begin())
	require.NoError(t, turn.RecordPhaseResult(succeededResult(valueobjects.PhaseWorldUpdate, "", 1)))
	require.NoError(t, turn.RecordPhaseResult(succeededResult(valueobjects.PhaseSubjectiveBrief, "char-1", 1)))
	require.NoError(t, turn.RecordPhaseResult(succeededResult(valueobjects.PhaseSubjectiveBrief, "char-2", 1)))

	scopes := turn.SucceededScopes()
	require.Len(t, scopes, 3)
	assert.Equal(t, valueobjects.PhaseWorldUpdate, scopes[0].Phase)
	assert.Equal(t, "char-1", scopes[1].ParticipantID.String())
	assert.Equal(t, "char-2", scopes[2].ParticipantID.String())
}

func TestReconstructTurnRestoresScopeState(t *testing.T) {
	turn := newTestTurn(t, "char-1")
	require.NoError(t, turn.Begin())
	require.NoError(t, turn.RecordPhaseResult(succeededResult(valueobjects.PhaseWorldUpdate, "", 1)))
	require.NoError(t, turn.RecordPhaseResult(succeededResult(valueobjects.PhaseSubjectiveBrief, "char-1", 1)))

	restored := ReconstructTurn(
		turn.ID(), turn.CampaignID(), turn.SequenceNumber(), turn.Participants(),
		turn.Status(), turn.StartedAt(), turn.CompletedAt(), turn.AIEnabled(),
		turn.TotalCost(), turn.PhaseResults(),
	)

	assert.Equal(t, turn.Status(), restored.Status())
	assert.Len(t, restored.SucceededScopes(), 2)
	assert.Equal(t, 1, restored.AttemptCount(valueobjects.PhaseWorldUpdate, valueobjects.ParticipantID{}))

	// Success state survives the round trip: the same scope cannot
	// succeed again.
	assert.Error(t, restored.RecordPhaseResult(succeededResult(valueobjects.PhaseWorldUpdate, "", 2)))
	require.NoError(t, restored.Validate())
}

func TestTurnValidateDetectsBrokenPrefix(t *testing.T) {
	turn := ReconstructTurn(
		valueobjects.NewTurnID(),
		mustCampaign(t, "campaign-1"),
		1,
		mustParticipants(t, "char-1"),
		TurnStatusInProgress,
		time.Now(),
		nil,
		false,
		valueobjects.ZeroCost,
		[]PhaseResult{
			succeededResult(valueobjects.PhaseSubjectiveBrief, "char-1", 1),
		},
	)
	assert.Error(t, turn.Validate())
}

func TestTurnEvents(t *testing.T) {
	turn := newTestTurn(t)
	require.NoError(t, turn.Begin())
	require.NoError(t, turn.RecordPhaseResult(succeededResult(valueobjects.PhaseWorldUpdate, "", 1)))

	events := turn.GetUncommittedEvents()
	require.Len(t, events, 2)

	turn.MarkEventsAsCommitted()
	assert.Empty(t, turn.GetUncommittedEvents())
}

func mustCampaign(t *testing.T, id string) valueobjects.CampaignID {
	t.Helper()
	campaign, err := valueobjects.NewCampaignID(id)
	require.NoError(t, err)
	return campaign
}

func mustParticipants(t *testing.T, ids ...string) []valueobjects.ParticipantID {
	t.Helper()
	participants, err := valueobjects.NewParticipantSet(ids)
	require.NoError(t, err)
	return participants
}
