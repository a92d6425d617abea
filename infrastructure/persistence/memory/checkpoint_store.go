// Package memory provides in-memory adapters for local development and
// tests. They honor the same contracts as the DynamoDB adapters.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/valueobjects"
	pkgerrors "chronicle-backend/pkg/errors"
)

// CheckpointStore is a mutex-guarded map implementation of
// ports.CheckpointStore
type CheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[ports.CheckpointKey]ports.Checkpoint
	now         func() time.Time
}

// NewCheckpointStore creates an empty in-memory checkpoint store
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{
		checkpoints: make(map[ports.CheckpointKey]ports.Checkpoint),
		now:         time.Now,
	}
}

// Create persists a checkpoint; an existing key wins and is returned as-is
func (s *CheckpointStore) Create(ctx context.Context, checkpoint ports.Checkpoint) (ports.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.checkpoints[checkpoint.Key]; ok {
		return existing, nil
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = s.now()
	}
	checkpoint.Consumed = false
	s.checkpoints[checkpoint.Key] = checkpoint
	return checkpoint, nil
}

// Get retrieves a checkpoint by key
func (s *CheckpointStore) Get(ctx context.Context, key ports.CheckpointKey) (ports.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	checkpoint, ok := s.checkpoints[key]
	if !ok {
		return ports.Checkpoint{}, checkpointNotFound(key)
	}
	return checkpoint, nil
}

// Consume marks a checkpoint used exactly once
func (s *CheckpointStore) Consume(ctx context.Context, key ports.CheckpointKey) (ports.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	checkpoint, ok := s.checkpoints[key]
	if !ok {
		return ports.Checkpoint{}, checkpointNotFound(key)
	}
	if checkpoint.Consumed {
		return ports.Checkpoint{}, pkgerrors.NewDomainError(
			pkgerrors.DomainConflictError, "CHECKPOINT_CONSUMED",
			"checkpoint was already consumed").
			WithDetail("turn_id", key.TurnID.String()).
			WithDetail("phase", key.Phase.String())
	}
	checkpoint.Consumed = true
	s.checkpoints[key] = checkpoint
	return checkpoint, nil
}

// Release flips a consumed checkpoint back to unconsumed. Releasing a
// checkpoint that was never consumed is a no-op.
func (s *CheckpointStore) Release(ctx context.Context, key ports.CheckpointKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	checkpoint, ok := s.checkpoints[key]
	if !ok {
		return checkpointNotFound(key)
	}
	checkpoint.Consumed = false
	s.checkpoints[key] = checkpoint
	return nil
}

// Unconsumed lists a turn's remaining checkpoints in phase order
func (s *CheckpointStore) Unconsumed(ctx context.Context, turnID valueobjects.TurnID) ([]ports.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var remaining []ports.Checkpoint
	for key, checkpoint := range s.checkpoints {
		if key.TurnID == turnID && !checkpoint.Consumed {
			remaining = append(remaining, checkpoint)
		}
	}
	sort.Slice(remaining, func(i, j int) bool {
		a, b := remaining[i].Key, remaining[j].Key
		if a.Phase != b.Phase {
			return a.Phase.Index() < b.Phase.Index()
		}
		return a.ParticipantID.String() < b.ParticipantID.String()
	})
	return remaining, nil
}

func checkpointNotFound(key ports.CheckpointKey) error {
	return pkgerrors.NewDomainError(
		pkgerrors.DomainNotFoundError, "CHECKPOINT_NOT_FOUND",
		"checkpoint does not exist").
		WithDetail("turn_id", key.TurnID.String()).
		WithDetail("phase", key.Phase.String())
}
