package sagas

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/aggregates"
	"chronicle-backend/domain/core/valueobjects"
	pkgerrors "chronicle-backend/pkg/errors"
)

// PhaseTimeouts holds the per-phase execution deadline. Narrative
// integration runs much longer than the world phases because prose
// generation dominates its latency.
type PhaseTimeouts map[valueobjects.PhaseType]time.Duration

// DefaultPhaseTimeouts returns the escalating per-phase defaults
func DefaultPhaseTimeouts() PhaseTimeouts {
	return PhaseTimeouts{
		valueobjects.PhaseWorldUpdate:              10 * time.Second,
		valueobjects.PhaseSubjectiveBrief:          15 * time.Second,
		valueobjects.PhaseInteractionOrchestration: 20 * time.Second,
		valueobjects.PhaseEventIntegration:         10 * time.Second,
		valueobjects.PhaseNarrativeIntegration:     45 * time.Second,
	}
}

// Timeout returns the deadline for a phase, falling back to 30s for any
// phase the map does not cover
func (t PhaseTimeouts) Timeout(phase valueobjects.PhaseType) time.Duration {
	if d, ok := t[phase]; ok && d > 0 {
		return d
	}
	return 30 * time.Second
}

// PhaseOutcome is the classified result of one phase attempt
type PhaseOutcome struct {
	Phase         valueobjects.PhaseType
	ParticipantID valueobjects.ParticipantID
	AttemptNumber int
	Status        aggregates.PhaseResultStatus
	StartedAt     time.Time
	Duration      time.Duration
	Cost          valueobjects.Cost
	OutputRef     valueobjects.OutputRef
	Err           error
}

// Result converts the outcome into the aggregate's phase result record
func (o PhaseOutcome) Result() aggregates.PhaseResult {
	result := aggregates.PhaseResult{
		Phase:         o.Phase,
		AttemptNumber: o.AttemptNumber,
		Status:        o.Status,
		StartedAt:     o.StartedAt,
		Duration:      o.Duration,
		Cost:          o.Cost,
		ParticipantID: o.ParticipantID,
		OutputRef:     o.OutputRef,
	}
	if o.Err != nil {
		result.Error = &aggregates.PhaseError{
			Kind:    string(o.Status),
			Message: o.Err.Error(),
		}
	}
	return result
}

// PhaseExecutor invokes one phase's external port with a bounded timeout,
// captures duration and cost, classifies the outcome, and emits exactly one
// performance sample per attempt. A circuit breaker per phase type turns a
// melting provider into fast retryable failures instead of queued timeouts.
type PhaseExecutor struct {
	registry    *ports.PortRegistry
	checkpoints ports.CheckpointStore
	recorder    ports.PerformanceRecorder
	timeouts    PhaseTimeouts
	breakers    map[valueobjects.PhaseType]*gobreaker.CircuitBreaker
	logger      *zap.Logger
}

// NewPhaseExecutor creates an executor over the given port registry
func NewPhaseExecutor(
	registry *ports.PortRegistry,
	checkpoints ports.CheckpointStore,
	recorder ports.PerformanceRecorder,
	timeouts PhaseTimeouts,
	logger *zap.Logger,
) *PhaseExecutor {
	breakers := make(map[valueobjects.PhaseType]*gobreaker.CircuitBreaker, valueobjects.PhaseCount)
	for _, phase := range valueobjects.CanonicalPhaseOrder() {
		phase := phase
		breakers[phase] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "phase-" + phase.String(),
			MaxRequests: 3,
			Interval:    30 * time.Second,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < 5 {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.8
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("Phase circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}
	return &PhaseExecutor{
		registry:    registry,
		checkpoints: checkpoints,
		recorder:    recorder,
		timeouts:    timeouts,
		breakers:    breakers,
		logger:      logger,
	}
}

// Execute runs one attempt of a phase for the given participant scope.
// participant is nil for whole-turn phases. It never returns an error:
// every failure mode is folded into the outcome's classification so the
// orchestrator has a single decision surface.
func (e *PhaseExecutor) Execute(
	ctx context.Context,
	tc ports.TurnContext,
	phase valueobjects.PhaseType,
	participant *valueobjects.ParticipantID,
	attempt int,
) PhaseOutcome {
	outcome := PhaseOutcome{
		Phase:         phase,
		AttemptNumber: attempt,
		StartedAt:     time.Now(),
	}
	if participant != nil {
		outcome.ParticipantID = *participant
	}

	timeout := e.timeouts.Timeout(phase)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := e.invoke(callCtx, phase, tc, participant)
	outcome.Duration = time.Since(outcome.StartedAt)
	outcome.Cost = output.Cost

	if err != nil {
		outcome.Status = e.classify(err)
		outcome.Err = err
		e.logger.Warn("Phase attempt failed",
			zap.String("turn_id", tc.TurnID.String()),
			zap.String("phase", phase.String()),
			zap.String("participant_id", outcome.ParticipantID.String()),
			zap.Int("attempt", attempt),
			zap.String("status", string(outcome.Status)),
			zap.Duration("duration", outcome.Duration),
			zap.Error(err),
		)
	} else {
		outcome.Status = aggregates.PhaseSucceeded
		outcome.OutputRef = output.OutputRef

		// The before-image handle exists as soon as the port responds;
		// persist it immediately so compensation can always find it.
		key := ports.CheckpointKey{TurnID: tc.TurnID, Phase: phase}
		if participant != nil {
			key.ParticipantID = *participant
		}
		if _, cpErr := e.checkpoints.Create(ctx, ports.Checkpoint{
			Key:       key,
			BeforeRef: output.BeforeRef,
			CreatedAt: time.Now(),
		}); cpErr != nil {
			// A success we cannot undo later is not a success.
			outcome.Status = aggregates.PhaseRetryableFailure
			outcome.OutputRef = ""
			outcome.Err = pkgerrors.NewRetryableFailure("failed to persist checkpoint", cpErr)
		} else {
			e.logger.Debug("Phase attempt succeeded",
				zap.String("turn_id", tc.TurnID.String()),
				zap.String("phase", phase.String()),
				zap.String("participant_id", outcome.ParticipantID.String()),
				zap.Int("attempt", attempt),
				zap.Duration("duration", outcome.Duration),
				zap.String("cost", outcome.Cost.String()),
			)
		}
	}

	e.recorder.Record(ports.PerformanceSample{
		TurnID:           tc.TurnID,
		Phase:            phase,
		ParticipantCount: len(tc.Participants),
		AIEnabled:        tc.AIEnabled,
		Success:          outcome.Status == aggregates.PhaseSucceeded,
		Duration:         outcome.Duration,
		Cost:             outcome.Cost,
	})

	return outcome
}

// invoke calls the port through its circuit breaker on a separate goroutine
// so a port that ignores context cancellation still cannot hold the turn
// past its deadline; the abandoned call finishes fire-and-forget.
func (e *PhaseExecutor) invoke(
	ctx context.Context,
	phase valueobjects.PhaseType,
	tc ports.TurnContext,
	participant *valueobjects.ParticipantID,
) (ports.PhaseOutput, error) {
	port := e.registry.Get(phase)
	breaker := e.breakers[phase]

	type callResult struct {
		output ports.PhaseOutput
		err    error
	}
	done := make(chan callResult, 1)

	go func() {
		raw, err := breaker.Execute(func() (any, error) {
			return port.Execute(ctx, tc, participant)
		})
		output, _ := raw.(ports.PhaseOutput)
		done <- callResult{output: output, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-ctx.Done():
		return ports.PhaseOutput{}, pkgerrors.NewRetryableFailure(
			fmt.Sprintf("phase %s exceeded its %s timeout", phase, e.timeouts.Timeout(phase)),
			ctx.Err())
	}
}

// classify maps a port error onto the phase result taxonomy. Timeouts,
// network faults and provider overload retry; validation rejections are
// fatal; anything unclassified fails closed as fatal so an unknown error
// is never retried indefinitely.
func (e *PhaseExecutor) classify(err error) aggregates.PhaseResultStatus {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return aggregates.PhaseRetryableFailure
	}
	if pkgerrors.IsRetryable(err) {
		return aggregates.PhaseRetryableFailure
	}
	return aggregates.PhaseFatalFailure
}
