package queries

import (
	"context"
	"errors"
	"time"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/aggregates"
	"chronicle-backend/domain/core/valueobjects"
)

// GetTurnQuery requests one turn's full state
type GetTurnQuery struct {
	TurnID string
}

// Validate validates the GetTurnQuery
func (q GetTurnQuery) Validate() error {
	if q.TurnID == "" {
		return errors.New("turn ID is required")
	}
	return nil
}

// PhaseResultView is the read model of one phase attempt
type PhaseResultView struct {
	Phase         string    `json:"phase"`
	AttemptNumber int       `json:"attempt_number"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	DurationMs    int64     `json:"duration_ms"`
	Cost          float64   `json:"cost"`
	ParticipantID string    `json:"participant_id,omitempty"`
	OutputRef     string    `json:"output_ref,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// TurnView is the read model of a turn
type TurnView struct {
	TurnID         string            `json:"turn_id"`
	CampaignID     string            `json:"campaign_id"`
	SequenceNumber int64             `json:"sequence_number"`
	Participants   []string          `json:"participants"`
	Status         string            `json:"status"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	AIEnabled      bool              `json:"ai_enabled"`
	TotalCost      float64           `json:"total_cost"`
	PhaseResults   []PhaseResultView `json:"phase_results"`
}

// GetTurnHandler handles the GetTurnQuery
type GetTurnHandler struct {
	turnRepo ports.TurnRepository
}

// NewGetTurnHandler creates a new handler instance
func NewGetTurnHandler(turnRepo ports.TurnRepository) *GetTurnHandler {
	return &GetTurnHandler{turnRepo: turnRepo}
}

// Handle retrieves the turn and maps it to the read model
func (h *GetTurnHandler) Handle(ctx context.Context, query GetTurnQuery) (*TurnView, error) {
	turnID, err := valueobjects.NewTurnIDFromString(query.TurnID)
	if err != nil {
		return nil, err
	}

	turn, err := h.turnRepo.GetByID(ctx, turnID)
	if err != nil {
		return nil, err
	}

	view := ToTurnView(turn)
	return &view, nil
}

// ToTurnView maps the aggregate to its read model
func ToTurnView(turn *aggregates.Turn) TurnView {
	participants := make([]string, 0, len(turn.Participants()))
	for _, p := range turn.Participants() {
		participants = append(participants, p.String())
	}

	results := turn.PhaseResults()
	resultViews := make([]PhaseResultView, 0, len(results))
	for _, r := range results {
		view := PhaseResultView{
			Phase:         r.Phase.String(),
			AttemptNumber: r.AttemptNumber,
			Status:        string(r.Status),
			StartedAt:     r.StartedAt,
			DurationMs:    r.Duration.Milliseconds(),
			Cost:          r.Cost.Amount(),
			ParticipantID: r.ParticipantID.String(),
			OutputRef:     r.OutputRef.String(),
		}
		if r.Error != nil {
			view.ErrorKind = r.Error.Kind
			view.ErrorMessage = r.Error.Message
		}
		resultViews = append(resultViews, view)
	}

	return TurnView{
		TurnID:         turn.ID().String(),
		CampaignID:     turn.CampaignID().String(),
		SequenceNumber: turn.SequenceNumber(),
		Participants:   participants,
		Status:         string(turn.Status()),
		StartedAt:      turn.StartedAt(),
		CompletedAt:    turn.CompletedAt(),
		AIEnabled:      turn.AIEnabled(),
		TotalCost:      turn.TotalCost().Amount(),
		PhaseResults:   resultViews,
	}
}
