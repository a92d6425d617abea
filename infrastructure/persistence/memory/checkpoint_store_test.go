package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/valueobjects"
	pkgerrors "chronicle-backend/pkg/errors"
)

func checkpointKey(turnID valueobjects.TurnID, phase valueobjects.PhaseType, participant string) ports.CheckpointKey {
	key := ports.CheckpointKey{TurnID: turnID, Phase: phase}
	if participant != "" {
		key.ParticipantID, _ = valueobjects.NewParticipantID(participant)
	}
	return key
}

func TestCheckpointCreateIsIdempotent(t *testing.T) {
	store := NewCheckpointStore()
	key := checkpointKey(valueobjects.NewTurnID(), valueobjects.PhaseWorldUpdate, "")

	first, err := store.Create(context.Background(), ports.Checkpoint{Key: key, BeforeRef: "ref-1"})
	require.NoError(t, err)

	// A second create for the same key returns the original, never
	// overwrites it.
	second, err := store.Create(context.Background(), ports.Checkpoint{Key: key, BeforeRef: "ref-2"})
	require.NoError(t, err)
	assert.Equal(t, first.BeforeRef, second.BeforeRef)
}

func TestCheckpointConsumeExactlyOnce(t *testing.T) {
	store := NewCheckpointStore()
	key := checkpointKey(valueobjects.NewTurnID(), valueobjects.PhaseWorldUpdate, "")

	_, err := store.Create(context.Background(), ports.Checkpoint{Key: key, BeforeRef: "ref-1"})
	require.NoError(t, err)

	consumed, err := store.Consume(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, valueobjects.BeforeRef("ref-1"), consumed.BeforeRef)
	assert.True(t, consumed.Consumed)

	_, err = store.Consume(context.Background(), key)
	assert.ErrorIs(t, err, pkgerrors.ErrCheckpointConsumed)
}

func TestCheckpointConsumeMissing(t *testing.T) {
	store := NewCheckpointStore()
	key := checkpointKey(valueobjects.NewTurnID(), valueobjects.PhaseWorldUpdate, "")

	_, err := store.Consume(context.Background(), key)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, pkgerrors.ErrCheckpointConsumed)
}

func TestCheckpointReleaseRestoresUnconsumed(t *testing.T) {
	store := NewCheckpointStore()
	key := checkpointKey(valueobjects.NewTurnID(), valueobjects.PhaseWorldUpdate, "")

	_, err := store.Create(context.Background(), ports.Checkpoint{Key: key, BeforeRef: "ref-1"})
	require.NoError(t, err)
	_, err = store.Consume(context.Background(), key)
	require.NoError(t, err)

	require.NoError(t, store.Release(context.Background(), key))

	// The released checkpoint is consumable again.
	consumed, err := store.Consume(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, valueobjects.BeforeRef("ref-1"), consumed.BeforeRef)

	assert.Error(t, store.Release(context.Background(), checkpointKey(valueobjects.NewTurnID(), valueobjects.PhaseWorldUpdate, "")))
}

func TestCheckpointUnconsumed(t *testing.T) {
	store := NewCheckpointStore()
	turnID := valueobjects.NewTurnID()
	otherTurn := valueobjects.NewTurnID()

	keys := []ports.CheckpointKey{
		checkpointKey(turnID, valueobjects.PhaseSubjectiveBrief, "char-2"),
		checkpointKey(turnID, valueobjects.PhaseSubjectiveBrief, "char-1"),
		checkpointKey(turnID, valueobjects.PhaseWorldUpdate, ""),
	}
	for _, key := range keys {
		_, err := store.Create(context.Background(), ports.Checkpoint{
			Key:       key,
			BeforeRef: valueobjects.BeforeRef("ref-" + key.Phase.String()),
			CreatedAt: time.Now(),
		})
		require.NoError(t, err)
	}
	_, err := store.Create(context.Background(), ports.Checkpoint{
		Key:       checkpointKey(otherTurn, valueobjects.PhaseWorldUpdate, ""),
		BeforeRef: "other",
	})
	require.NoError(t, err)

	_, err = store.Consume(context.Background(), keys[1])
	require.NoError(t, err)

	// Remaining checkpoints come back in phase order, scoped to the turn.
	remaining, err := store.Unconsumed(context.Background(), turnID)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, valueobjects.PhaseWorldUpdate, remaining[0].Key.Phase)
	assert.Equal(t, "char-2", remaining[1].Key.ParticipantID.String())
}
