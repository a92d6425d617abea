package sagas

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/aggregates"
	"chronicle-backend/domain/core/valueobjects"
)

// PartialPhaseFailure reports that a per-participant phase succeeded for
// some participants and failed for others. The coordinator uses the failed
// set to scope retries before escalating to full-turn compensation.
type PartialPhaseFailure struct {
	Phase     valueobjects.PhaseType
	Failed    []valueobjects.ParticipantID
	Retryable bool
}

// Error implements the error interface
func (e *PartialPhaseFailure) Error() string {
	ids := make([]string, len(e.Failed))
	for i, p := range e.Failed {
		ids[i] = p.String()
	}
	return fmt.Sprintf("phase %s failed for participants [%s]", e.Phase, strings.Join(ids, ", "))
}

// PipelineOrchestrator executes the canonical phase order for a turn.
// Whole-turn phases call the executor once; per-participant phases fan out
// one call per participant on a bounded worker pool and fan all results
// back in before the phase counts as attempted. Correctness must never
// depend on participant completion order, only on the completed set.
type PipelineOrchestrator struct {
	executor    *PhaseExecutor
	fanOutLimit int
	logger      *zap.Logger
}

// NewPipelineOrchestrator creates a pipeline over the given executor.
// fanOutLimit bounds concurrent per-participant calls; values below 1
// fall back to 8.
func NewPipelineOrchestrator(executor *PhaseExecutor, fanOutLimit int, logger *zap.Logger) *PipelineOrchestrator {
	if fanOutLimit < 1 {
		fanOutLimit = 8
	}
	return &PipelineOrchestrator{
		executor:    executor,
		fanOutLimit: fanOutLimit,
		logger:      logger,
	}
}

// ExecutePhase runs one attempt of a phase for the given turn, restricted
// to the given participant scope (ignored for whole-turn phases). Every
// attempt is recorded on the aggregate before the method returns, so the
// turn's history never lags its execution.
func (p *PipelineOrchestrator) ExecutePhase(
	ctx context.Context,
	turn *aggregates.Turn,
	phase valueobjects.PhaseType,
	scope []valueobjects.ParticipantID,
) ([]PhaseOutcome, error) {
	tc := ports.TurnContext{
		TurnID:         turn.ID(),
		CampaignID:     turn.CampaignID(),
		SequenceNumber: turn.SequenceNumber(),
		Participants:   turn.Participants(),
		AIEnabled:      turn.AIEnabled(),
	}

	var outcomes []PhaseOutcome
	if phase.IsPerParticipant() {
		outcomes = p.fanOut(ctx, tc, turn, phase, scope)
	} else {
		attempt := turn.AttemptCount(phase, valueobjects.ParticipantID{}) + 1
		outcomes = []PhaseOutcome{p.executor.Execute(ctx, tc, phase, nil, attempt)}
	}

	// Fan-in complete; report every attempt back to the aggregate.
	for _, outcome := range outcomes {
		if err := turn.RecordPhaseResult(outcome.Result()); err != nil {
			return outcomes, err
		}
	}

	return outcomes, nil
}

// fanOut dispatches one executor call per participant, bounded by the
// worker limit, and joins on all of them
func (p *PipelineOrchestrator) fanOut(
	ctx context.Context,
	tc ports.TurnContext,
	turn *aggregates.Turn,
	phase valueobjects.PhaseType,
	scope []valueobjects.ParticipantID,
) []PhaseOutcome {
	results := make([]PhaseOutcome, len(scope))
	sem := make(chan struct{}, p.fanOutLimit)
	var wg sync.WaitGroup

	for i, participant := range scope {
		i, participant := i, participant
		attempt := turn.AttemptCount(phase, participant) + 1

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = p.executor.Execute(ctx, tc, phase, &participant, attempt)
		}()
	}
	wg.Wait()

	return results
}

// ClassifyOutcomes folds a phase's outcomes into the coordinator's decision
// surface: nil for full success, a *PartialPhaseFailure for a fan-out phase
// with a failed subset, or the single failure for whole-turn phases.
// Retryable is true only when every failure in the set is retryable; one
// fatal participant poisons the whole phase.
func ClassifyOutcomes(phase valueobjects.PhaseType, outcomes []PhaseOutcome) error {
	var failed []valueobjects.ParticipantID
	retryable := true
	var firstErr error

	for _, o := range outcomes {
		if o.Status == aggregates.PhaseSucceeded {
			continue
		}
		failed = append(failed, o.ParticipantID)
		if o.Status != aggregates.PhaseRetryableFailure {
			retryable = false
		}
		if firstErr == nil {
			firstErr = o.Err
		}
	}

	if len(failed) == 0 {
		return nil
	}
	if !phase.IsPerParticipant() {
		return firstErr
	}
	return &PartialPhaseFailure{Phase: phase, Failed: failed, Retryable: retryable}
}
