package phaseports

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/valueobjects"
	pkgerrors "chronicle-backend/pkg/errors"
)

func localTurnContext(aiEnabled bool) ports.TurnContext {
	campaign, _ := valueobjects.NewCampaignID("campaign-1")
	participants, _ := valueobjects.NewParticipantSet([]string{"char-1"})
	return ports.TurnContext{
		TurnID:         valueobjects.NewTurnID(),
		CampaignID:     campaign,
		SequenceNumber: 1,
		Participants:   participants,
		AIEnabled:      aiEnabled,
	}
}

func TestLocalPortExecuteAndCompensate(t *testing.T) {
	port := NewLocalPort(valueobjects.PhaseSubjectiveBrief)
	ctx := context.Background()
	participant, _ := valueobjects.NewParticipantID("char-1")

	output, err := port.Execute(ctx, localTurnContext(true), &participant)
	require.NoError(t, err)
	assert.False(t, output.OutputRef.IsZero())
	assert.False(t, output.BeforeRef.IsZero())
	assert.Equal(t, valueobjects.MustCost(0.35), output.Cost)

	require.NoError(t, port.Compensate(ctx, output.BeforeRef))

	// The reference is gone once consumed; a second compensation is a
	// contract violation.
	err = port.Compensate(ctx, output.BeforeRef)
	assert.True(t, pkgerrors.IsFatalFailure(err))
}

func TestLocalPortCostOnlyWhenAIEnabled(t *testing.T) {
	port := NewLocalPort(valueobjects.PhaseNarrativeIntegration)

	output, err := port.Execute(context.Background(), localTurnContext(false), nil)
	require.NoError(t, err)
	assert.True(t, output.Cost.IsZero())
}

func TestLocalPortCompensateUnknownRefIsFatal(t *testing.T) {
	port := NewLocalPort(valueobjects.PhaseWorldUpdate)

	err := port.Compensate(context.Background(), "local://never-issued")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsFatalFailure(err))
	assert.False(t, pkgerrors.IsRetryable(err))
}
