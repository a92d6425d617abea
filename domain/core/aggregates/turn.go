package aggregates

import (
	"time"

	"chronicle-backend/domain/core/valueobjects"
	"chronicle-backend/domain/events"
	pkgerrors "chronicle-backend/pkg/errors"
)

// TurnStatus represents the lifecycle state of a turn
type TurnStatus string

const (
	TurnStatusPending      TurnStatus = "PENDING"
	TurnStatusInProgress   TurnStatus = "IN_PROGRESS"
	TurnStatusCompleted    TurnStatus = "COMPLETED"
	TurnStatusFailed       TurnStatus = "FAILED"
	TurnStatusCompensating TurnStatus = "COMPENSATING"
	TurnStatusCompensated  TurnStatus = "COMPENSATED"
)

// IsTerminal reports whether no further transitions are possible
func (s TurnStatus) IsTerminal() bool {
	return s == TurnStatusCompleted || s == TurnStatusFailed || s == TurnStatusCompensated
}

// PhaseResultStatus classifies the outcome of one phase attempt
type PhaseResultStatus string

const (
	PhaseSucceeded        PhaseResultStatus = "SUCCEEDED"
	PhaseRetryableFailure PhaseResultStatus = "RETRYABLE_FAILURE"
	PhaseFatalFailure     PhaseResultStatus = "FATAL_FAILURE"
	PhaseCompensated      PhaseResultStatus = "COMPENSATED"
)

// PhaseError carries the kind and message of a failed attempt
type PhaseError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// PhaseResult records one phase execution attempt (or compensation)
type PhaseResult struct {
	Phase         valueobjects.PhaseType     `json:"phase"`
	AttemptNumber int                        `json:"attempt_number"`
	Status        PhaseResultStatus          `json:"status"`
	StartedAt     time.Time                  `json:"started_at"`
	Duration      time.Duration              `json:"duration"`
	Cost          valueobjects.Cost          `json:"cost"`
	ParticipantID valueobjects.ParticipantID `json:"participant_id,omitempty"`
	OutputRef     valueobjects.OutputRef     `json:"output_ref,omitempty"`
	Error         *PhaseError                `json:"error,omitempty"`
}

// scopeKey identifies the (phase, participant) pair a result belongs to
type scopeKey struct {
	phase       valueobjects.PhaseType
	participant string
}

// Turn is the aggregate root of the orchestration pipeline.
// It is the single consistency boundary for one simulation turn: the only
// writer of its own state, the guardian of phase ordering and terminal
// transitions. Orchestration policy lives in the saga coordinator; the
// aggregate only accepts or rejects state changes.
type Turn struct {
	id             valueobjects.TurnID
	campaignID     valueobjects.CampaignID
	sequenceNumber int64
	participants   []valueobjects.ParticipantID
	status         TurnStatus
	startedAt      time.Time
	completedAt    *time.Time
	aiEnabled      bool
	totalCost      valueobjects.Cost
	phaseResults   []PhaseResult

	maxAttempt map[scopeKey]int
	succeeded  map[scopeKey]bool
	events     []events.DomainEvent
}

// NewTurn creates a new turn aggregate in Pending state
func NewTurn(
	campaignID valueobjects.CampaignID,
	sequenceNumber int64,
	participants []valueobjects.ParticipantID,
	aiEnabled bool,
) (*Turn, error) {
	if campaignID.IsZero() {
		return nil, pkgerrors.NewDomainError(
			pkgerrors.DomainValidationError, "INVALID_TURN_REQUEST",
			"campaign ID is required")
	}
	if len(participants) == 0 {
		return nil, pkgerrors.NewDomainError(
			pkgerrors.DomainValidationError, "PARTICIPANTS_REQUIRED",
			"a turn requires at least one participant")
	}

	turn := &Turn{
		id:             valueobjects.NewTurnID(),
		campaignID:     campaignID,
		sequenceNumber: sequenceNumber,
		participants:   append([]valueobjects.ParticipantID(nil), participants...),
		status:         TurnStatusPending,
		startedAt:      time.Now(),
		aiEnabled:      aiEnabled,
		totalCost:      valueobjects.ZeroCost,
		phaseResults:   []PhaseResult{},
		maxAttempt:     make(map[scopeKey]int),
		succeeded:      make(map[scopeKey]bool),
		events:         []events.DomainEvent{},
	}

	return turn, nil
}

// ReconstructTurn recreates a turn from stored data. Phase results must be
// supplied in their original append order.
func ReconstructTurn(
	id valueobjects.TurnID,
	campaignID valueobjects.CampaignID,
	sequenceNumber int64,
	participants []valueobjects.ParticipantID,
	status TurnStatus,
	startedAt time.Time,
	completedAt *time.Time,
	aiEnabled bool,
	totalCost valueobjects.Cost,
	phaseResults []PhaseResult,
) *Turn {
	turn := &Turn{
		id:             id,
		campaignID:     campaignID,
		sequenceNumber: sequenceNumber,
		participants:   append([]valueobjects.ParticipantID(nil), participants...),
		status:         status,
		startedAt:      startedAt,
		completedAt:    completedAt,
		aiEnabled:      aiEnabled,
		totalCost:      totalCost,
		phaseResults:   append([]PhaseResult(nil), phaseResults...),
		maxAttempt:     make(map[scopeKey]int),
		succeeded:      make(map[scopeKey]bool),
		events:         []events.DomainEvent{},
	}
	for _, r := range phaseResults {
		key := scopeKey{phase: r.Phase, participant: r.ParticipantID.String()}
		if r.AttemptNumber > turn.maxAttempt[key] {
			turn.maxAttempt[key] = r.AttemptNumber
		}
		switch r.Status {
		case PhaseSucceeded:
			turn.succeeded[key] = true
		case PhaseCompensated:
			turn.succeeded[key] = false
		}
	}
	return turn
}

// ID returns the turn's unique identifier
func (t *Turn) ID() valueobjects.TurnID { return t.id }

// CampaignID returns the owning campaign
func (t *Turn) CampaignID() valueobjects.CampaignID { return t.campaignID }

// SequenceNumber returns the turn's position within its campaign
func (t *Turn) SequenceNumber() int64 { return t.sequenceNumber }

// Participants returns the participating character identifiers
func (t *Turn) Participants() []valueobjects.ParticipantID {
	return append([]valueobjects.ParticipantID(nil), t.participants...)
}

// Status returns the turn's lifecycle state
func (t *Turn) Status() TurnStatus { return t.status }

// StartedAt returns when the turn was created
func (t *Turn) StartedAt() time.Time { return t.startedAt }

// CompletedAt returns when the turn reached a terminal state, if it has
func (t *Turn) CompletedAt() *time.Time {
	if t.completedAt == nil {
		return nil
	}
	at := *t.completedAt
	return &at
}

// AIEnabled reports whether AI-backed generation is active for this turn
func (t *Turn) AIEnabled() bool { return t.aiEnabled }

// TotalCost returns the monetary cost accumulated across all attempts
func (t *Turn) TotalCost() valueobjects.Cost { return t.totalCost }

// PhaseResults returns the append-only attempt history
func (t *Turn) PhaseResults() []PhaseResult {
	return append([]PhaseResult(nil), t.phaseResults...)
}

// Begin transitions the turn from Pending to InProgress
func (t *Turn) Begin() error {
	if t.status != TurnStatusPending {
		return pkgerrors.NewDomainError(
			pkgerrors.DomainBusinessRuleError, "INVALID_TRANSITION",
			"turn can only begin from Pending").
			WithDetail("status", string(t.status))
	}
	t.status = TurnStatusInProgress
	t.addEvent(events.NewTurnStarted(
		t.id, t.campaignID, t.sequenceNumber, len(t.participants), t.aiEnabled, time.Now()))
	return nil
}

// RecordPhaseResult appends one attempt's outcome to the history.
// Re-delivering an identical report is a no-op. Attempts must strictly
// increase per (phase, participant) and at most one attempt per scope
// may succeed. The phase must be the current phase or the next one in
// the canonical order; anything else is out of order.
func (t *Turn) RecordPhaseResult(result PhaseResult) error {
	if t.status.IsTerminal() {
		return pkgerrors.NewDomainError(
			pkgerrors.DomainBusinessRuleError, "INVALID_TRANSITION",
			"cannot record phase results on a terminal turn").
			WithDetail("status", string(t.status))
	}
	if result.Phase.Index() < 0 {
		return pkgerrors.NewDomainError(
			pkgerrors.DomainValidationError, "INVALID_TURN_REQUEST",
			"unknown phase type").
			WithDetail("phase", result.Phase.String())
	}
	if result.Phase.IsPerParticipant() != !result.ParticipantID.IsZero() {
		return pkgerrors.NewDomainError(
			pkgerrors.DomainValidationError, "INVALID_TURN_REQUEST",
			"participant scope does not match phase kind").
			WithDetail("phase", result.Phase.String())
	}

	key := scopeKey{phase: result.Phase, participant: result.ParticipantID.String()}

	// Idempotent duplicate delivery: same scope, same attempt.
	if dup := t.findResult(key, result.AttemptNumber); dup != nil {
		return nil
	}

	if result.Status != PhaseCompensated {
		if err := t.checkPhaseOrder(result.Phase); err != nil {
			return err
		}
		if result.AttemptNumber <= t.maxAttempt[key] {
			return pkgerrors.NewDomainError(
				pkgerrors.DomainBusinessRuleError, "OUT_OF_ORDER_PHASE",
				"attempt number must strictly increase").
				WithDetail("phase", result.Phase.String()).
				WithDetail("attempt", result.AttemptNumber)
		}
		if result.Status == PhaseSucceeded && t.succeeded[key] {
			return pkgerrors.NewDomainError(
				pkgerrors.DomainConflictError, "DUPLICATE_SUCCEEDED_PHASE",
				"phase already succeeded for this participant scope").
				WithDetail("phase", result.Phase.String())
		}
	} else if !t.succeeded[key] {
		return pkgerrors.NewDomainError(
			pkgerrors.DomainBusinessRuleError, "INVALID_TRANSITION",
			"cannot compensate a phase that never succeeded").
			WithDetail("phase", result.Phase.String())
	}

	t.phaseResults = append(t.phaseResults, result)
	if result.AttemptNumber > t.maxAttempt[key] {
		t.maxAttempt[key] = result.AttemptNumber
	}
	t.totalCost = t.totalCost.Add(result.Cost)

	participant := result.ParticipantID.String()
	switch result.Status {
	case PhaseSucceeded:
		t.succeeded[key] = true
		t.addEvent(events.NewPhaseSucceeded(
			t.id, result.Phase, participant, result.AttemptNumber,
			result.Duration, result.Cost, time.Now()))
	case PhaseRetryableFailure, PhaseFatalFailure:
		msg := ""
		if result.Error != nil {
			msg = result.Error.Message
		}
		t.addEvent(events.NewPhaseFailed(
			t.id, result.Phase, participant, result.AttemptNumber,
			result.Status == PhaseRetryableFailure, msg, time.Now()))
	case PhaseCompensated:
		t.succeeded[key] = false
		t.addEvent(events.NewPhaseCompensated(t.id, result.Phase, participant, time.Now()))
	}

	return nil
}

// MarkCompensating transitions the turn into reverse-order undo
func (t *Turn) MarkCompensating() error {
	if t.status != TurnStatusInProgress {
		return pkgerrors.NewDomainError(
			pkgerrors.DomainBusinessRuleError, "INVALID_TRANSITION",
			"compensation can only start from InProgress").
			WithDetail("status", string(t.status))
	}
	t.status = TurnStatusCompensating
	return nil
}

// Finalize transitions the turn to a terminal state and stamps completion.
// Completed requires every phase to have succeeded for its full scope;
// Compensated requires every previously-succeeded scope to be undone.
func (t *Turn) Finalize(outcome TurnStatus, reason string) error {
	if t.status.IsTerminal() {
		return pkgerrors.NewDomainError(
			pkgerrors.DomainBusinessRuleError, "INVALID_TRANSITION",
			"turn is already in a terminal state").
			WithDetail("status", string(t.status))
	}

	now := time.Now()
	switch outcome {
	case TurnStatusCompleted:
		if !t.allPhasesSucceeded() {
			return pkgerrors.NewDomainError(
				pkgerrors.DomainBusinessRuleError, "INVALID_TRANSITION",
				"cannot complete a turn with unfinished phases")
		}
		t.status = TurnStatusCompleted
		t.addEvent(events.NewTurnCompleted(t.id, t.totalCost, now.Sub(t.startedAt), now))
	case TurnStatusCompensated:
		if t.anyScopeStillSucceeded() {
			return pkgerrors.NewDomainError(
				pkgerrors.DomainBusinessRuleError, "INVALID_TRANSITION",
				"cannot mark compensated while succeeded phases remain")
		}
		t.status = TurnStatusCompensated
		t.addEvent(events.NewTurnCompensated(t.id, reason, now))
	case TurnStatusFailed:
		t.status = TurnStatusFailed
		t.addEvent(events.NewTurnFailed(t.id, reason, now))
	default:
		return pkgerrors.NewDomainError(
			pkgerrors.DomainValidationError, "INVALID_TRANSITION",
			"finalize requires a terminal outcome").
			WithDetail("outcome", string(outcome))
	}
	t.completedAt = &now
	return nil
}

// SucceededScopes returns the (phase, participant) scopes currently holding
// a succeeded result, in the order the successes were recorded. This is the
// compensation worklist; reversing it gives the undo order.
func (t *Turn) SucceededScopes() []PhaseResult {
	var succeeded []PhaseResult
	for _, r := range t.phaseResults {
		if r.Status != PhaseSucceeded {
			continue
		}
		key := scopeKey{phase: r.Phase, participant: r.ParticipantID.String()}
		if t.succeeded[key] {
			succeeded = append(succeeded, r)
		}
	}
	return succeeded
}

// AttemptCount returns how many attempts have been recorded for a scope
func (t *Turn) AttemptCount(phase valueobjects.PhaseType, participant valueobjects.ParticipantID) int {
	return t.maxAttempt[scopeKey{phase: phase, participant: participant.String()}]
}

// PhaseSequence returns the distinct phase types in first-appearance order,
// ignoring compensation records
func (t *Turn) PhaseSequence() []valueobjects.PhaseType {
	var seq []valueobjects.PhaseType
	seen := make(map[valueobjects.PhaseType]bool)
	for _, r := range t.phaseResults {
		if r.Status == PhaseCompensated || seen[r.Phase] {
			continue
		}
		seen[r.Phase] = true
		seq = append(seq, r.Phase)
	}
	return seq
}

// Validate ensures turn invariants hold
func (t *Turn) Validate() error {
	canon := valueobjects.CanonicalPhaseOrder()
	seq := t.PhaseSequence()
	if len(seq) > len(canon) {
		return pkgerrors.NewDomainError(
			pkgerrors.DomainBusinessRuleError, "OUT_OF_ORDER_PHASE",
			"more distinct phases than the canonical order allows")
	}
	for i, phase := range seq {
		if canon[i] != phase {
			return pkgerrors.NewDomainError(
				pkgerrors.DomainBusinessRuleError, "OUT_OF_ORDER_PHASE",
				"phase sequence is not a prefix of the canonical order").
				WithDetail("position", i).
				WithDetail("phase", phase.String())
		}
	}
	if t.status == TurnStatusCompleted && !t.allPhasesSucceeded() {
		return pkgerrors.NewDomainError(
			pkgerrors.DomainBusinessRuleError, "INVALID_TRANSITION",
			"completed turn is missing succeeded phases")
	}
	return nil
}

// GetUncommittedEvents returns all uncommitted domain events
func (t *Turn) GetUncommittedEvents() []events.DomainEvent {
	evts := make([]events.DomainEvent, len(t.events))
	copy(evts, t.events)
	return evts
}

// MarkEventsAsCommitted clears all uncommitted events
func (t *Turn) MarkEventsAsCommitted() {
	t.events = []events.DomainEvent{}
}

// Private helper methods

func (t *Turn) addEvent(event events.DomainEvent) {
	t.events = append(t.events, event)
}

func (t *Turn) findResult(key scopeKey, attempt int) *PhaseResult {
	for i := range t.phaseResults {
		r := &t.phaseResults[i]
		if r.Phase == key.phase && r.ParticipantID.String() == key.participant &&
			r.AttemptNumber == attempt && r.Status != PhaseCompensated {
			return r
		}
	}
	return nil
}

// checkPhaseOrder accepts a result for the most recently opened phase or
// for the next phase in the canonical order, keeping the distinct phase
// sequence a prefix of the canon with no skips.
func (t *Turn) checkPhaseOrder(phase valueobjects.PhaseType) error {
	seq := t.PhaseSequence()
	if len(seq) > 0 && seq[len(seq)-1] == phase {
		return nil
	}
	canon := valueobjects.CanonicalPhaseOrder()
	if len(seq) < len(canon) && canon[len(seq)] == phase {
		return nil
	}
	expected := "none"
	if len(seq) < len(canon) {
		expected = canon[len(seq)].String()
	}
	return pkgerrors.NewDomainError(
		pkgerrors.DomainBusinessRuleError, "OUT_OF_ORDER_PHASE",
		"phase result does not match the next expected phase").
		WithDetail("phase", phase.String()).
		WithDetail("expected", expected)
}

func (t *Turn) allPhasesSucceeded() bool {
	for _, phase := range valueobjects.CanonicalPhaseOrder() {
		if phase.IsPerParticipant() {
			for _, p := range t.participants {
				if !t.succeeded[scopeKey{phase: phase, participant: p.String()}] {
					return false
				}
			}
		} else if !t.succeeded[scopeKey{phase: phase}] {
			return false
		}
	}
	return true
}

func (t *Turn) anyScopeStillSucceeded() bool {
	for _, ok := range t.succeeded {
		if ok {
			return true
		}
	}
	return false
}
