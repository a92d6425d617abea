package commands

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/aggregates"
	"chronicle-backend/domain/core/valueobjects"
	pkgerrors "chronicle-backend/pkg/errors"
)

// ReconcileTurnCommand retries the compensation steps a Failed turn left
// behind. This is the operator path for the one state the coordinator
// cannot self-heal: each unconsumed checkpoint is consumed and its port's
// inverse operation invoked, newest phase first.
type ReconcileTurnCommand struct {
	TurnID string `json:"turn_id" validate:"required,uuid"`
}

// Validate validates the command
func (c ReconcileTurnCommand) Validate() error {
	if c.TurnID == "" {
		return errors.New("turn ID is required")
	}
	return nil
}

// ReconcileTurnResult reports what the reconciliation accomplished
type ReconcileTurnResult struct {
	Reconciled int `json:"reconciled"`
	Remaining  int `json:"remaining"`
}

// ReconcileTurnHandler handles the ReconcileTurnCommand
type ReconcileTurnHandler struct {
	turnRepo    ports.TurnRepository
	checkpoints ports.CheckpointStore
	registry    *ports.PortRegistry
	recorder    ports.PerformanceRecorder
	logger      *zap.Logger
}

// NewReconcileTurnHandler creates a new handler instance
func NewReconcileTurnHandler(
	turnRepo ports.TurnRepository,
	checkpoints ports.CheckpointStore,
	registry *ports.PortRegistry,
	recorder ports.PerformanceRecorder,
	logger *zap.Logger,
) *ReconcileTurnHandler {
	return &ReconcileTurnHandler{
		turnRepo:    turnRepo,
		checkpoints: checkpoints,
		registry:    registry,
		recorder:    recorder,
		logger:      logger,
	}
}

// Handle drains the turn's unconsumed checkpoints. The turn's terminal
// status does not change; reconciliation restores external state, it does
// not rewrite history.
func (h *ReconcileTurnHandler) Handle(ctx context.Context, cmd ReconcileTurnCommand) (ReconcileTurnResult, error) {
	turnID, err := valueobjects.NewTurnIDFromString(cmd.TurnID)
	if err != nil {
		return ReconcileTurnResult{}, err
	}

	turn, err := h.turnRepo.GetByID(ctx, turnID)
	if err != nil {
		return ReconcileTurnResult{}, err
	}
	if turn.Status() != aggregates.TurnStatusFailed {
		return ReconcileTurnResult{}, pkgerrors.NewDomainError(
			pkgerrors.DomainBusinessRuleError, "INVALID_TRANSITION",
			"only failed turns can be reconciled").
			WithDetail("turn_id", cmd.TurnID).
			WithDetail("status", string(turn.Status()))
	}

	remaining, err := h.checkpoints.Unconsumed(ctx, turnID)
	if err != nil {
		return ReconcileTurnResult{}, err
	}
	// Reverse phase order, same as the coordinator's compensation pass.
	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].Key.Phase.Index() > remaining[j].Key.Phase.Index()
	})

	result := ReconcileTurnResult{Remaining: len(remaining)}
	for _, checkpoint := range remaining {
		consumed, err := h.checkpoints.Consume(ctx, checkpoint.Key)
		if err != nil {
			if errors.Is(err, pkgerrors.ErrCheckpointConsumed) {
				result.Remaining--
				continue
			}
			return result, err
		}

		start := time.Now()
		compErr := h.registry.Get(checkpoint.Key.Phase).Compensate(ctx, consumed.BeforeRef)
		h.recorder.Record(ports.PerformanceSample{
			TurnID:           turnID,
			Phase:            checkpoint.Key.Phase,
			ParticipantCount: len(turn.Participants()),
			AIEnabled:        turn.AIEnabled(),
			Success:          compErr == nil,
			Duration:         time.Since(start),
			Cost:             valueobjects.ZeroCost,
		})
		if compErr != nil {
			h.logger.Error("Reconciliation step failed",
				zap.String("turn_id", cmd.TurnID),
				zap.String("phase", checkpoint.Key.Phase.String()),
				zap.Error(compErr),
			)
			if releaseErr := h.checkpoints.Release(ctx, checkpoint.Key); releaseErr != nil {
				h.logger.Error("Failed to release checkpoint after failed reconciliation step",
					zap.String("turn_id", cmd.TurnID),
					zap.String("phase", checkpoint.Key.Phase.String()),
					zap.Error(releaseErr),
				)
			}
			return result, pkgerrors.NewDomainError(
				pkgerrors.DomainInfrastructureError, "COMPENSATION_FAILED",
				"reconciliation could not complete a compensation step").
				WithCause(compErr).
				WithDetail("phase", checkpoint.Key.Phase.String())
		}

		result.Reconciled++
		result.Remaining--
		h.logger.Info("Checkpoint reconciled",
			zap.String("turn_id", cmd.TurnID),
			zap.String("phase", checkpoint.Key.Phase.String()),
			zap.String("participant_id", checkpoint.Key.ParticipantID.String()),
		)
	}

	return result, nil
}
