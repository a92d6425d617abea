package commands

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"chronicle-backend/application/services"
	"chronicle-backend/domain/core/valueobjects"
)

// AbortTurnCommand cancels a running turn; the coordinator compensates
// whatever had already succeeded
type AbortTurnCommand struct {
	TurnID string `json:"turn_id" validate:"required,uuid"`
}

// Validate validates the command
func (c AbortTurnCommand) Validate() error {
	if c.TurnID == "" {
		return errors.New("turn ID is required")
	}
	return nil
}

// AbortTurnHandler handles the AbortTurnCommand
type AbortTurnHandler struct {
	turnService *services.TurnService
	logger      *zap.Logger
}

// NewAbortTurnHandler creates a new handler instance
func NewAbortTurnHandler(turnService *services.TurnService, logger *zap.Logger) *AbortTurnHandler {
	return &AbortTurnHandler{
		turnService: turnService,
		logger:      logger,
	}
}

// Handle requests cancellation of the turn
func (h *AbortTurnHandler) Handle(ctx context.Context, cmd AbortTurnCommand) error {
	turnID, err := valueobjects.NewTurnIDFromString(cmd.TurnID)
	if err != nil {
		return err
	}
	return h.turnService.AbortTurn(ctx, turnID)
}
