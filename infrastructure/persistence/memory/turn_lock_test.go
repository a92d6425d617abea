package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle-backend/domain/core/valueobjects"
)

func TestTurnLockExclusivity(t *testing.T) {
	lock := NewTurnLock()
	ctx := context.Background()
	turnID := valueobjects.NewTurnID()

	lease, err := lock.Acquire(ctx, turnID, "host-a", time.Minute)
	require.NoError(t, err)

	_, err = lock.Acquire(ctx, turnID, "host-b", time.Minute)
	assert.Error(t, err)

	// A different turn is independent.
	otherLease, err := lock.Acquire(ctx, valueobjects.NewTurnID(), "host-b", time.Minute)
	require.NoError(t, err)
	require.NoError(t, otherLease.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	_, err = lock.Acquire(ctx, turnID, "host-b", time.Minute)
	assert.NoError(t, err)
}

func TestTurnLockExpiredLeaseIsReacquirable(t *testing.T) {
	lock := NewTurnLock()
	ctx := context.Background()
	turnID := valueobjects.NewTurnID()

	stale, err := lock.Acquire(ctx, turnID, "host-a", -time.Second)
	require.NoError(t, err)

	// The stale holder lost the lease; a new owner takes over and the
	// old lease can no longer be extended.
	fresh, err := lock.Acquire(ctx, turnID, "host-b", time.Minute)
	require.NoError(t, err)

	assert.Error(t, stale.Extend(ctx, time.Minute))
	assert.NoError(t, fresh.Extend(ctx, time.Minute))

	// Releasing the stale lease must not free the new holder's lock.
	require.NoError(t, stale.Release(ctx))
	_, err = lock.Acquire(ctx, turnID, "host-c", time.Minute)
	assert.Error(t, err)
}
