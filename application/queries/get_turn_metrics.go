package queries

import (
	"context"
	"errors"

	"chronicle-backend/domain/core/valueobjects"
	"chronicle-backend/infrastructure/observability"
	pkgerrors "chronicle-backend/pkg/errors"
)

// GetTurnMetricsQuery requests the per-turn performance summary
type GetTurnMetricsQuery struct {
	TurnID string
}

// Validate validates the GetTurnMetricsQuery
func (q GetTurnMetricsQuery) Validate() error {
	if q.TurnID == "" {
		return errors.New("turn ID is required")
	}
	return nil
}

// TurnMetricsProvider is the slice of the performance tracker this query
// needs
type TurnMetricsProvider interface {
	TurnSummary(turnID valueobjects.TurnID) (observability.TurnMetrics, bool)
}

// GetTurnMetricsHandler handles the GetTurnMetricsQuery
type GetTurnMetricsHandler struct {
	metrics TurnMetricsProvider
}

// NewGetTurnMetricsHandler creates a new handler instance
func NewGetTurnMetricsHandler(metrics TurnMetricsProvider) *GetTurnMetricsHandler {
	return &GetTurnMetricsHandler{metrics: metrics}
}

// Handle retrieves the turn's aggregated performance samples
func (h *GetTurnMetricsHandler) Handle(ctx context.Context, query GetTurnMetricsQuery) (*observability.TurnMetrics, error) {
	turnID, err := valueobjects.NewTurnIDFromString(query.TurnID)
	if err != nil {
		return nil, err
	}

	summary, ok := h.metrics.TurnSummary(turnID)
	if !ok {
		return nil, pkgerrors.NewDomainError(
			pkgerrors.DomainNotFoundError, "TURN_NOT_FOUND",
			"no performance samples recorded for this turn").
			WithDetail("turn_id", query.TurnID)
	}
	return &summary, nil
}
