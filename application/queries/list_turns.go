package queries

import (
	"context"
	"errors"
	"time"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/valueobjects"
	"chronicle-backend/pkg/common"
)

// ListTurnsQuery requests a page of a campaign's turns, oldest first.
// Zero pagination values fall back to the defaults.
type ListTurnsQuery struct {
	CampaignID string
	Page       int
	PageSize   int
}

// Validate validates the ListTurnsQuery
func (q ListTurnsQuery) Validate() error {
	if q.CampaignID == "" {
		return errors.New("campaign ID is required")
	}
	return nil
}

// TurnSummaryView is the condensed read model used in listings
type TurnSummaryView struct {
	TurnID         string     `json:"turn_id"`
	SequenceNumber int64      `json:"sequence_number"`
	Status         string     `json:"status"`
	Participants   int        `json:"participants"`
	AIEnabled      bool       `json:"ai_enabled"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	TotalCost      float64    `json:"total_cost"`
	PhaseResults   int        `json:"phase_results"`
}

// ListTurnsResult is the listing response
type ListTurnsResult struct {
	CampaignID string                 `json:"campaign_id"`
	Turns      []TurnSummaryView      `json:"turns"`
	Pagination *common.PaginationInfo `json:"pagination"`
}

// ListTurnsHandler handles the ListTurnsQuery
type ListTurnsHandler struct {
	turnRepo ports.TurnRepository
}

// NewListTurnsHandler creates a new handler instance
func NewListTurnsHandler(turnRepo ports.TurnRepository) *ListTurnsHandler {
	return &ListTurnsHandler{turnRepo: turnRepo}
}

// Handle lists the campaign's turns
func (h *ListTurnsHandler) Handle(ctx context.Context, query ListTurnsQuery) (*ListTurnsResult, error) {
	campaignID, err := valueobjects.NewCampaignID(query.CampaignID)
	if err != nil {
		return nil, err
	}

	turns, err := h.turnRepo.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	params := common.PaginationParams{Page: query.Page, PageSize: query.PageSize}
	if params.Page <= 0 || params.PageSize <= 0 {
		params = common.DefaultPaginationParams()
	}

	total := len(turns)
	start := params.Offset()
	if start > total {
		start = total
	}
	end := start + params.PageSize
	if end > total {
		end = total
	}

	result := &ListTurnsResult{
		CampaignID: query.CampaignID,
		Turns:      make([]TurnSummaryView, 0, end-start),
		Pagination: common.BuildPaginationMeta(params.Page, params.PageSize, total),
	}
	for _, turn := range turns[start:end] {
		result.Turns = append(result.Turns, TurnSummaryView{
			TurnID:         turn.ID().String(),
			SequenceNumber: turn.SequenceNumber(),
			Status:         string(turn.Status()),
			Participants:   len(turn.Participants()),
			AIEnabled:      turn.AIEnabled(),
			StartedAt:      turn.StartedAt(),
			CompletedAt:    turn.CompletedAt(),
			TotalCost:      turn.TotalCost().Amount(),
			PhaseResults:   len(turn.PhaseResults()),
		})
	}
	return result, nil
}
