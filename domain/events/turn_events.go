package events

import (
	"time"

	"chronicle-backend/domain/core/valueobjects"
)

// Turn lifecycle events

// TurnStarted is raised when a turn leaves Pending and its first phase dispatches
type TurnStarted struct {
	BaseEvent
	TurnID         string `json:"turn_id"`
	CampaignID     string `json:"campaign_id"`
	SequenceNumber int64  `json:"sequence_number"`
	Participants   int    `json:"participants"`
	AIEnabled      bool   `json:"ai_enabled"`
}

// NewTurnStarted creates a TurnStarted event
func NewTurnStarted(turnID valueobjects.TurnID, campaignID valueobjects.CampaignID, sequence int64, participants int, aiEnabled bool, timestamp time.Time) TurnStarted {
	return TurnStarted{
		BaseEvent: BaseEvent{
			AggregateID: turnID.String(),
			EventType:   "turn.started",
			Timestamp:   timestamp,
			Version:     1,
		},
		TurnID:         turnID.String(),
		CampaignID:     campaignID.String(),
		SequenceNumber: sequence,
		Participants:   participants,
		AIEnabled:      aiEnabled,
	}
}

// PhaseSucceeded is raised when one phase attempt succeeds
type PhaseSucceeded struct {
	BaseEvent
	TurnID        string                 `json:"turn_id"`
	Phase         valueobjects.PhaseType `json:"phase"`
	ParticipantID string                 `json:"participant_id,omitempty"`
	Attempt       int                    `json:"attempt"`
	Duration      time.Duration          `json:"duration"`
	Cost          valueobjects.Cost      `json:"cost"`
}

// NewPhaseSucceeded creates a PhaseSucceeded event
func NewPhaseSucceeded(turnID valueobjects.TurnID, phase valueobjects.PhaseType, participantID string, attempt int, duration time.Duration, cost valueobjects.Cost, timestamp time.Time) PhaseSucceeded {
	return PhaseSucceeded{
		BaseEvent: BaseEvent{
			AggregateID: turnID.String(),
			EventType:   "turn.phase_succeeded",
			Timestamp:   timestamp,
			Version:     1,
		},
		TurnID:        turnID.String(),
		Phase:         phase,
		ParticipantID: participantID,
		Attempt:       attempt,
		Duration:      duration,
		Cost:          cost,
	}
}

// PhaseFailed is raised when one phase attempt fails (retryable or fatal)
type PhaseFailed struct {
	BaseEvent
	TurnID        string                 `json:"turn_id"`
	Phase         valueobjects.PhaseType `json:"phase"`
	ParticipantID string                 `json:"participant_id,omitempty"`
	Attempt       int                    `json:"attempt"`
	Retryable     bool                   `json:"retryable"`
	Error         string                 `json:"error"`
}

// NewPhaseFailed creates a PhaseFailed event
func NewPhaseFailed(turnID valueobjects.TurnID, phase valueobjects.PhaseType, participantID string, attempt int, retryable bool, errMsg string, timestamp time.Time) PhaseFailed {
	return PhaseFailed{
		BaseEvent: BaseEvent{
			AggregateID: turnID.String(),
			EventType:   "turn.phase_failed",
			Timestamp:   timestamp,
			Version:     1,
		},
		TurnID:        turnID.String(),
		Phase:         phase,
		ParticipantID: participantID,
		Attempt:       attempt,
		Retryable:     retryable,
		Error:         errMsg,
	}
}

// PhaseCompensated is raised when a previously-succeeded phase is undone
type PhaseCompensated struct {
	BaseEvent
	TurnID        string                 `json:"turn_id"`
	Phase         valueobjects.PhaseType `json:"phase"`
	ParticipantID string                 `json:"participant_id,omitempty"`
}

// NewPhaseCompensated creates a PhaseCompensated event
func NewPhaseCompensated(turnID valueobjects.TurnID, phase valueobjects.PhaseType, participantID string, timestamp time.Time) PhaseCompensated {
	return PhaseCompensated{
		BaseEvent: BaseEvent{
			AggregateID: turnID.String(),
			EventType:   "turn.phase_compensated",
			Timestamp:   timestamp,
			Version:     1,
		},
		TurnID:        turnID.String(),
		Phase:         phase,
		ParticipantID: participantID,
	}
}

// TurnCompleted is raised when all five phases succeed
type TurnCompleted struct {
	BaseEvent
	TurnID    string            `json:"turn_id"`
	TotalCost valueobjects.Cost `json:"total_cost"`
	Duration  time.Duration     `json:"duration"`
}

// NewTurnCompleted creates a TurnCompleted event
func NewTurnCompleted(turnID valueobjects.TurnID, totalCost valueobjects.Cost, duration time.Duration, timestamp time.Time) TurnCompleted {
	return TurnCompleted{
		BaseEvent: BaseEvent{
			AggregateID: turnID.String(),
			EventType:   "turn.completed",
			Timestamp:   timestamp,
			Version:     1,
		},
		TurnID:    turnID.String(),
		TotalCost: totalCost,
		Duration:  duration,
	}
}

// TurnCompensated is raised when every succeeded phase has been undone
type TurnCompensated struct {
	BaseEvent
	TurnID string `json:"turn_id"`
	Reason string `json:"reason"`
}

// NewTurnCompensated creates a TurnCompensated event
func NewTurnCompensated(turnID valueobjects.TurnID, reason string, timestamp time.Time) TurnCompensated {
	return TurnCompensated{
		BaseEvent: BaseEvent{
			AggregateID: turnID.String(),
			EventType:   "turn.compensated",
			Timestamp:   timestamp,
			Version:     1,
		},
		TurnID: turnID.String(),
		Reason: reason,
	}
}

// TurnFailed is raised when a turn cannot be completed nor fully compensated.
// This is the operator-attention path: checkpoints may remain unconsumed.
type TurnFailed struct {
	BaseEvent
	TurnID string `json:"turn_id"`
	Reason string `json:"reason"`
}

// NewTurnFailed creates a TurnFailed event
func NewTurnFailed(turnID valueobjects.TurnID, reason string, timestamp time.Time) TurnFailed {
	return TurnFailed{
		BaseEvent: BaseEvent{
			AggregateID: turnID.String(),
			EventType:   "turn.failed",
			Timestamp:   timestamp,
			Version:     1,
		},
		TurnID: turnID.String(),
		Reason: reason,
	}
}
