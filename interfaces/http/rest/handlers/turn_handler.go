package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chronicle-backend/application/commands"
	"chronicle-backend/application/commands/bus"
	"chronicle-backend/application/queries"
	querybus "chronicle-backend/application/queries/bus"
	"chronicle-backend/pkg/common"
	pkgerrors "chronicle-backend/pkg/errors"
	"chronicle-backend/pkg/utils"
)

// TurnHandler handles turn-related HTTP requests
type TurnHandler struct {
	beginHandler     *commands.BeginTurnHandler
	reconcileHandler *commands.ReconcileTurnHandler
	commandBus       *bus.CommandBus
	queryBus         *querybus.QueryBus
	errorHandler     *pkgerrors.ErrorHandler
	logger           *zap.Logger
}

// NewTurnHandler creates a new turn handler. Submission and reconciliation
// use their typed handlers directly because the caller needs the result
// back; the other commands flow through the bus.
func NewTurnHandler(
	beginHandler *commands.BeginTurnHandler,
	reconcileHandler *commands.ReconcileTurnHandler,
	commandBus *bus.CommandBus,
	queryBus *querybus.QueryBus,
	errorHandler *pkgerrors.ErrorHandler,
	logger *zap.Logger,
) *TurnHandler {
	return &TurnHandler{
		beginHandler:     beginHandler,
		reconcileHandler: reconcileHandler,
		commandBus:       commandBus,
		queryBus:         queryBus,
		errorHandler:     errorHandler,
		logger:           logger,
	}
}

// SubmitTurnRequest represents the request body for submitting a turn
type SubmitTurnRequest struct {
	CampaignID     string   `json:"campaign_id" validate:"required,max=128"`
	ParticipantIDs []string `json:"participant_ids" validate:"required,min=1,max=32,dive,min=1"`
	AIEnabled      bool     `json:"ai_enabled"`
}

// SubmitTurnResponse represents the 202 acceptance payload
type SubmitTurnResponse struct {
	TurnID         string `json:"turn_id"`
	CampaignID     string `json:"campaign_id"`
	SequenceNumber int64  `json:"sequence_number"`
	Status         string `json:"status"`
	SubmittedAt    string `json:"submitted_at"`
}

// SubmitTurn handles POST /turns
func (h *TurnHandler) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	var req SubmitTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorHandler.HandleStatus(w, r, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := utils.ValidateStruct(req); err != nil {
		h.errorHandler.HandleStatus(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	cmd := commands.BeginTurnCommand{
		CampaignID:     req.CampaignID,
		ParticipantIDs: req.ParticipantIDs,
		AIEnabled:      req.AIEnabled,
	}
	if err := cmd.Validate(); err != nil {
		h.errorHandler.HandleStatus(w, r, http.StatusBadRequest, err.Error())
		return
	}

	turn, err := h.beginHandler.Handle(r.Context(), cmd)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, SubmitTurnResponse{
		TurnID:         turn.ID().String(),
		CampaignID:     turn.CampaignID().String(),
		SequenceNumber: turn.SequenceNumber(),
		Status:         string(turn.Status()),
		SubmittedAt:    utils.NowRFC3339(),
	})
}

// GetTurn handles GET /turns/{turnID}
func (h *TurnHandler) GetTurn(w http.ResponseWriter, r *http.Request) {
	turnID := chi.URLParam(r, "turnID")
	if _, err := uuid.Parse(turnID); err != nil {
		h.errorHandler.HandleStatus(w, r, http.StatusBadRequest, "Invalid turn ID format")
		return
	}

	result, err := h.queryBus.Ask(r.Context(), queries.GetTurnQuery{TurnID: turnID})
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// ListTurns handles GET /turns?campaign_id=
func (h *TurnHandler) ListTurns(w http.ResponseWriter, r *http.Request) {
	campaignID := r.URL.Query().Get("campaign_id")
	if campaignID == "" {
		h.errorHandler.HandleStatus(w, r, http.StatusBadRequest, "campaign_id query parameter is required")
		return
	}

	params := common.ExtractPaginationParams(r)
	result, err := h.queryBus.Ask(r.Context(), queries.ListTurnsQuery{
		CampaignID: campaignID,
		Page:       params.Page,
		PageSize:   params.PageSize,
	})
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// GetTurnMetrics handles GET /turns/{turnID}/metrics
func (h *TurnHandler) GetTurnMetrics(w http.ResponseWriter, r *http.Request) {
	turnID := chi.URLParam(r, "turnID")
	if _, err := uuid.Parse(turnID); err != nil {
		h.errorHandler.HandleStatus(w, r, http.StatusBadRequest, "Invalid turn ID format")
		return
	}

	result, err := h.queryBus.Ask(r.Context(), queries.GetTurnMetricsQuery{TurnID: turnID})
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// AbortTurn handles DELETE /turns/{turnID}
func (h *TurnHandler) AbortTurn(w http.ResponseWriter, r *http.Request) {
	turnID := chi.URLParam(r, "turnID")
	if _, err := uuid.Parse(turnID); err != nil {
		h.errorHandler.HandleStatus(w, r, http.StatusBadRequest, "Invalid turn ID format")
		return
	}

	if err := h.commandBus.Send(r.Context(), commands.AbortTurnCommand{TurnID: turnID}); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"turn_id": turnID,
		"message": "Abort requested; the turn compensates at the next phase boundary",
	})
}

// ReconcileTurn handles POST /turns/{turnID}/reconcile
func (h *TurnHandler) ReconcileTurn(w http.ResponseWriter, r *http.Request) {
	turnID := chi.URLParam(r, "turnID")
	if _, err := uuid.Parse(turnID); err != nil {
		h.errorHandler.HandleStatus(w, r, http.StatusBadRequest, "Invalid turn ID format")
		return
	}

	result, err := h.reconcileHandler.Handle(r.Context(), commands.ReconcileTurnCommand{TurnID: turnID})
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"turn_id":    turnID,
		"reconciled": result.Reconciled,
		"remaining":  result.Remaining,
	})
}

func (h *TurnHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
