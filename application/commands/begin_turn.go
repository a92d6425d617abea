package commands

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"chronicle-backend/application/services"
	"chronicle-backend/domain/core/aggregates"
)

// BeginTurnCommand accepts a turn submission
type BeginTurnCommand struct {
	CampaignID     string   `json:"campaign_id" validate:"required,max=128"`
	ParticipantIDs []string `json:"participant_ids" validate:"required,min=1,max=32,dive,min=1"`
	AIEnabled      bool     `json:"ai_enabled"`
}

// Validate checks the command's structural requirements; domain rules are
// enforced by the turn validator inside the service
func (c BeginTurnCommand) Validate() error {
	if c.CampaignID == "" {
		return errors.New("campaign ID is required")
	}
	if len(c.ParticipantIDs) == 0 {
		return errors.New("at least one participant is required")
	}
	return nil
}

// BeginTurnHandler handles the BeginTurnCommand
type BeginTurnHandler struct {
	turnService *services.TurnService
	logger      *zap.Logger
}

// NewBeginTurnHandler creates a new handler instance
func NewBeginTurnHandler(turnService *services.TurnService, logger *zap.Logger) *BeginTurnHandler {
	return &BeginTurnHandler{
		turnService: turnService,
		logger:      logger,
	}
}

// Handle accepts the submission and returns the Pending turn
func (h *BeginTurnHandler) Handle(ctx context.Context, cmd BeginTurnCommand) (*aggregates.Turn, error) {
	turn, err := h.turnService.StartTurn(ctx, cmd.CampaignID, cmd.ParticipantIDs, cmd.AIEnabled)
	if err != nil {
		h.logger.Warn("Turn submission rejected",
			zap.String("campaign_id", cmd.CampaignID),
			zap.Error(err),
		)
		return nil, err
	}

	h.logger.Info("Turn accepted",
		zap.String("turn_id", turn.ID().String()),
		zap.String("campaign_id", cmd.CampaignID),
		zap.Int("participants", len(cmd.ParticipantIDs)),
		zap.Bool("ai_enabled", cmd.AIEnabled),
	)
	return turn, nil
}
