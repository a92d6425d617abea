package sagas

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/aggregates"
	"chronicle-backend/domain/core/valueobjects"
	pkgerrors "chronicle-backend/pkg/errors"
)

// RetryPolicy bounds how often a failed (phase, participant) scope is
// retried and how long to back off between attempts
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
}

// DefaultRetryPolicy returns the default bounded exponential backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		Factor:      2.0,
	}
}

// Delay returns the backoff before the given attempt number (1-based);
// the first attempt has no delay
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := p.BaseDelay
	for i := 2; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Factor)
	}
	return delay
}

// compensationTimeout bounds each individual compensation call
const compensationTimeout = 30 * time.Second

// SagaCoordinator owns the turn-level state machine. It drives the
// pipeline phase by phase, decides between advance, scoped retry, and
// compensation, and on terminal failure undoes every succeeded phase in
// reverse order, exactly once per checkpoint. Exactly one coordinator
// processes a given turn; concurrent turns are independent.
type SagaCoordinator struct {
	pipeline    *PipelineOrchestrator
	turnRepo    ports.TurnRepository
	checkpoints ports.CheckpointStore
	registry    *ports.PortRegistry
	recorder    ports.PerformanceRecorder
	publisher   ports.EventPublisher
	notifier    ports.StatusNotifier
	retry       RetryPolicy
	logger      *zap.Logger

	// sleep is swapped out in tests to avoid real backoff waits
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSagaCoordinator creates a coordinator
func NewSagaCoordinator(
	pipeline *PipelineOrchestrator,
	turnRepo ports.TurnRepository,
	checkpoints ports.CheckpointStore,
	registry *ports.PortRegistry,
	recorder ports.PerformanceRecorder,
	publisher ports.EventPublisher,
	notifier ports.StatusNotifier,
	retry RetryPolicy,
	logger *zap.Logger,
) *SagaCoordinator {
	if retry.MaxAttempts < 1 {
		retry = DefaultRetryPolicy()
	}
	return &SagaCoordinator{
		pipeline:    pipeline,
		turnRepo:    turnRepo,
		checkpoints: checkpoints,
		registry:    registry,
		recorder:    recorder,
		publisher:   publisher,
		notifier:    notifier,
		retry:       retry,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// RunTurn drives a pending turn through all five phases to a terminal
// state. It returns an error only for the operator-attention path: a turn
// that ends Failed because compensation itself could not complete.
func (c *SagaCoordinator) RunTurn(ctx context.Context, turn *aggregates.Turn) error {
	logger := c.logger.With(
		zap.String("turn_id", turn.ID().String()),
		zap.String("campaign_id", turn.CampaignID().String()),
	)

	if err := turn.Begin(); err != nil {
		return err
	}
	c.checkpoint(ctx, turn)
	logger.Info("Turn started",
		zap.Int("participants", len(turn.Participants())),
		zap.Bool("ai_enabled", turn.AIEnabled()),
	)

	for _, phase := range valueobjects.CanonicalPhaseOrder() {
		// Cancellation is cooperative: observed at phase boundaries,
		// never preemptively inside an in-flight call.
		if ctx.Err() != nil {
			logger.Info("Turn cancelled at phase boundary", zap.String("phase", phase.String()))
			return c.compensateAndFinalize(ctx, turn, logger, "turn cancelled by operator")
		}

		if err := c.runPhase(ctx, turn, phase, logger); err != nil {
			return c.compensateAndFinalize(ctx, turn, logger, err.Error())
		}
	}

	if err := turn.Finalize(aggregates.TurnStatusCompleted, ""); err != nil {
		return err
	}
	c.checkpoint(ctx, turn)
	logger.Info("Turn completed",
		zap.String("total_cost", turn.TotalCost().String()),
		zap.Int("phase_results", len(turn.PhaseResults())),
	)
	return nil
}

// runPhase executes one phase to success, driving scoped retries with
// backoff. A nil return means every participant scope succeeded; an error
// means the phase is lost and the turn must compensate.
func (c *SagaCoordinator) runPhase(
	ctx context.Context,
	turn *aggregates.Turn,
	phase valueobjects.PhaseType,
	logger *zap.Logger,
) error {
	scope := []valueobjects.ParticipantID{{}}
	if phase.IsPerParticipant() {
		scope = turn.Participants()
	}

	for {
		outcomes, err := c.pipeline.ExecutePhase(ctx, turn, phase, scope)
		c.checkpoint(ctx, turn)
		if err != nil {
			return err
		}

		failed, retryable := splitFailures(outcomes)
		if len(failed) == 0 {
			return nil
		}

		if partial := ClassifyOutcomes(phase, outcomes); partial != nil {
			if pf, ok := partial.(*PartialPhaseFailure); ok {
				logger.Warn("Partial phase failure",
					zap.String("phase", phase.String()),
					zap.Int("failed_participants", len(pf.Failed)),
					zap.Bool("retryable", pf.Retryable),
				)
			}
		}

		if !retryable {
			return fmt.Errorf("phase %s failed fatally", phase)
		}

		// Scoped retry: only the failed subset goes back out, and only
		// while every member of it is under the retry ceiling.
		nextAttempt := 0
		for _, participant := range failed {
			attempts := turn.AttemptCount(phase, participant)
			if attempts >= c.retry.MaxAttempts {
				return fmt.Errorf("phase %s exhausted %d attempts", phase, attempts)
			}
			if attempts+1 > nextAttempt {
				nextAttempt = attempts + 1
			}
		}

		if ctx.Err() != nil {
			return fmt.Errorf("turn cancelled before retry of phase %s", phase)
		}
		delay := c.retry.Delay(nextAttempt)
		logger.Info("Retrying phase",
			zap.String("phase", phase.String()),
			zap.Int("attempt", nextAttempt),
			zap.Duration("backoff", delay),
			zap.Int("scope", len(failed)),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("turn cancelled during backoff of phase %s", phase)
		}
		scope = failed
	}
}

// compensateAndFinalize undoes every succeeded phase in reverse order and
// finalizes the turn as Compensated. Compensation is strictly blocking: if
// any step fails the turn finalizes as Failed, unconsumed checkpoints are
// retained, and the error propagates for operator attention.
func (c *SagaCoordinator) compensateAndFinalize(
	ctx context.Context,
	turn *aggregates.Turn,
	logger *zap.Logger,
	reason string,
) error {
	if err := turn.MarkCompensating(); err != nil {
		return err
	}
	c.checkpoint(ctx, turn)

	// Compensation must run even when the turn's context is the reason
	// we are here (cancellation, deadline).
	compCtx := context.WithoutCancel(ctx)

	succeeded := turn.SucceededScopes()
	logger.Info("Compensating turn",
		zap.String("reason", reason),
		zap.Int("steps", len(succeeded)),
	)

	for i := len(succeeded) - 1; i >= 0; i-- {
		step := succeeded[i]
		if err := c.compensateStep(compCtx, turn, step, logger); err != nil {
			finalizeErr := turn.Finalize(aggregates.TurnStatusFailed,
				fmt.Sprintf("compensation failed at phase %s: %v", step.Phase, err))
			if finalizeErr != nil {
				logger.Error("Failed to finalize after compensation failure", zap.Error(finalizeErr))
			}
			c.checkpoint(compCtx, turn)
			c.logUnconsumed(compCtx, turn, logger)
			return pkgerrors.NewDomainError(
				pkgerrors.DomainInfrastructureError, "COMPENSATION_FAILED",
				"a compensation step could not be completed; operator attention required").
				WithCause(err).
				WithDetail("phase", step.Phase.String()).
				WithDetail("participant_id", step.ParticipantID.String())
		}
	}

	if err := turn.Finalize(aggregates.TurnStatusCompensated, reason); err != nil {
		return err
	}
	c.checkpoint(ctx, turn)
	logger.Info("Turn compensated", zap.String("reason", reason))
	return nil
}

// compensateStep consumes the step's checkpoint and invokes the owning
// port's inverse operation. Consuming first is what makes compensation
// exactly-once: a checkpoint that is already consumed means another pass
// handled this step, and the step is skipped, not repeated.
func (c *SagaCoordinator) compensateStep(
	ctx context.Context,
	turn *aggregates.Turn,
	step aggregates.PhaseResult,
	logger *zap.Logger,
) error {
	key := ports.CheckpointKey{
		TurnID:        turn.ID(),
		Phase:         step.Phase,
		ParticipantID: step.ParticipantID,
	}

	checkpoint, err := c.checkpoints.Consume(ctx, key)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrCheckpointConsumed) {
			logger.Debug("Checkpoint already consumed, skipping compensation step",
				zap.String("phase", step.Phase.String()),
				zap.String("participant_id", step.ParticipantID.String()),
			)
			return nil
		}
		return err
	}

	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, compensationTimeout)
	compErr := c.registry.Get(step.Phase).Compensate(stepCtx, checkpoint.BeforeRef)
	cancel()
	duration := time.Since(start)

	// Compensation attempts are telemetry too.
	c.recorder.Record(ports.PerformanceSample{
		TurnID:           turn.ID(),
		Phase:            step.Phase,
		ParticipantCount: len(turn.Participants()),
		AIEnabled:        turn.AIEnabled(),
		Success:          compErr == nil,
		Duration:         duration,
		Cost:             valueobjects.ZeroCost,
	})

	if compErr != nil {
		logger.Error("Compensation step failed",
			zap.String("phase", step.Phase.String()),
			zap.String("participant_id", step.ParticipantID.String()),
			zap.Error(compErr),
		)
		// Put the checkpoint back: the undo did not happen, so the
		// before-image must stay visible to reconciliation.
		if releaseErr := c.checkpoints.Release(ctx, key); releaseErr != nil {
			logger.Error("Failed to release checkpoint after failed compensation",
				zap.String("phase", step.Phase.String()),
				zap.Error(releaseErr),
			)
		}
		return compErr
	}

	return turn.RecordPhaseResult(aggregates.PhaseResult{
		Phase:         step.Phase,
		AttemptNumber: step.AttemptNumber,
		Status:        aggregates.PhaseCompensated,
		StartedAt:     start,
		Duration:      duration,
		ParticipantID: step.ParticipantID,
	})
}

// checkpoint persists the aggregate, publishes its uncommitted events, and
// pushes the status to subscribers. Persistence failures are logged, not
// fatal: the in-memory aggregate remains the source of truth for the
// running saga, and the next checkpoint retries the write.
func (c *SagaCoordinator) checkpoint(ctx context.Context, turn *aggregates.Turn) {
	if err := c.turnRepo.Save(ctx, turn); err != nil {
		c.logger.Error("Failed to persist turn",
			zap.String("turn_id", turn.ID().String()),
			zap.Error(err),
		)
	}

	if events := turn.GetUncommittedEvents(); len(events) > 0 {
		if err := c.publisher.PublishBatch(ctx, events); err != nil {
			c.logger.Error("Failed to publish turn events",
				zap.String("turn_id", turn.ID().String()),
				zap.Int("event_count", len(events)),
				zap.Error(err),
			)
		} else {
			turn.MarkEventsAsCommitted()
		}
	}

	if c.notifier != nil {
		if err := c.notifier.NotifyStatus(ctx, turn); err != nil {
			c.logger.Debug("Status push failed",
				zap.String("turn_id", turn.ID().String()),
				zap.Error(err),
			)
		}
	}
}

// logUnconsumed surfaces the checkpoints an operator must reconcile after
// a compensation failure
func (c *SagaCoordinator) logUnconsumed(ctx context.Context, turn *aggregates.Turn, logger *zap.Logger) {
	remaining, err := c.checkpoints.Unconsumed(ctx, turn.ID())
	if err != nil {
		logger.Error("Failed to list unconsumed checkpoints", zap.Error(err))
		return
	}
	for _, cp := range remaining {
		logger.Error("Unconsumed checkpoint requires operator reconciliation",
			zap.String("phase", cp.Key.Phase.String()),
			zap.String("participant_id", cp.Key.ParticipantID.String()),
			zap.String("before_ref", cp.BeforeRef.String()),
		)
	}
}

// splitFailures extracts the failed participant scopes from a set of
// outcomes and reports whether all of them are retryable
func splitFailures(outcomes []PhaseOutcome) (failed []valueobjects.ParticipantID, retryable bool) {
	retryable = true
	for _, o := range outcomes {
		if o.Status == aggregates.PhaseSucceeded {
			continue
		}
		failed = append(failed, o.ParticipantID)
		if o.Status != aggregates.PhaseRetryableFailure {
			retryable = false
		}
	}
	return failed, retryable
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
