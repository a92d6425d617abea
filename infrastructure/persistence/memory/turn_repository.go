package memory

import (
	"context"
	"sort"
	"sync"

	"chronicle-backend/domain/core/aggregates"
	"chronicle-backend/domain/core/valueobjects"
	pkgerrors "chronicle-backend/pkg/errors"
)

// TurnRepository is a mutex-guarded map implementation of
// ports.TurnRepository. Turns are stored as reconstructed snapshots so a
// caller mutating its aggregate never leaks into the store.
type TurnRepository struct {
	mu        sync.RWMutex
	turns     map[valueobjects.TurnID]*aggregates.Turn
	sequences map[string]int64
}

// NewTurnRepository creates an empty in-memory turn repository
func NewTurnRepository() *TurnRepository {
	return &TurnRepository{
		turns:     make(map[valueobjects.TurnID]*aggregates.Turn),
		sequences: make(map[string]int64),
	}
}

// Save persists a snapshot of the turn
func (r *TurnRepository) Save(ctx context.Context, turn *aggregates.Turn) error {
	snapshot := snapshotTurn(turn)

	r.mu.Lock()
	r.turns[turn.ID()] = snapshot
	r.mu.Unlock()
	return nil
}

// GetByID retrieves a turn snapshot by ID
func (r *TurnRepository) GetByID(ctx context.Context, id valueobjects.TurnID) (*aggregates.Turn, error) {
	r.mu.RLock()
	turn, ok := r.turns[id]
	r.mu.RUnlock()

	if !ok {
		return nil, pkgerrors.NewDomainError(
			pkgerrors.DomainNotFoundError, "TURN_NOT_FOUND",
			"the requested turn does not exist").
			WithDetail("turn_id", id.String())
	}
	return snapshotTurn(turn), nil
}

// ListByCampaign retrieves a campaign's turns ordered by sequence number
func (r *TurnRepository) ListByCampaign(ctx context.Context, campaignID valueobjects.CampaignID) ([]*aggregates.Turn, error) {
	r.mu.RLock()
	var turns []*aggregates.Turn
	for _, turn := range r.turns {
		if turn.CampaignID().String() == campaignID.String() {
			turns = append(turns, snapshotTurn(turn))
		}
	}
	r.mu.RUnlock()

	sort.Slice(turns, func(i, j int) bool {
		return turns[i].SequenceNumber() < turns[j].SequenceNumber()
	})
	return turns, nil
}

// NextSequence allocates the next monotonic sequence for a campaign
func (r *TurnRepository) NextSequence(ctx context.Context, campaignID valueobjects.CampaignID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sequences[campaignID.String()]++
	return r.sequences[campaignID.String()], nil
}

// snapshotTurn produces an independent copy via the aggregate's
// reconstruction path, the same round trip the DynamoDB adapter takes
func snapshotTurn(turn *aggregates.Turn) *aggregates.Turn {
	return aggregates.ReconstructTurn(
		turn.ID(),
		turn.CampaignID(),
		turn.SequenceNumber(),
		turn.Participants(),
		turn.Status(),
		turn.StartedAt(),
		turn.CompletedAt(),
		turn.AIEnabled(),
		turn.TotalCost(),
		turn.PhaseResults(),
	)
}
