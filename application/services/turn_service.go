package services

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"chronicle-backend/application/ports"
	"chronicle-backend/application/sagas"
	"chronicle-backend/domain/core/aggregates"
	"chronicle-backend/domain/core/validators"
	"chronicle-backend/domain/core/valueobjects"
	pkgerrors "chronicle-backend/pkg/errors"
)

// TurnObserver receives terminal turn outcomes for metrics export
type TurnObserver interface {
	ObserveTurn(outcome aggregates.TurnStatus, participantCount int, duration time.Duration)
}

// TurnService is the application-level entry point for the pipeline. It
// accepts submissions, hands each accepted turn to a coordinator on its
// own goroutine, and tracks in-flight turns so operator aborts can reach
// them.
type TurnService struct {
	turnRepo    ports.TurnRepository
	coordinator *sagas.SagaCoordinator
	validator   *validators.TurnValidator
	locker      ports.TurnLocker
	lockLease   time.Duration
	observer    TurnObserver
	logger      *zap.Logger

	mu       sync.Mutex
	inFlight map[valueobjects.TurnID]context.CancelFunc
	wg       sync.WaitGroup
}

// NewTurnService creates a turn service; observer may be nil
func NewTurnService(
	turnRepo ports.TurnRepository,
	coordinator *sagas.SagaCoordinator,
	validator *validators.TurnValidator,
	locker ports.TurnLocker,
	lockLease time.Duration,
	observer TurnObserver,
	logger *zap.Logger,
) *TurnService {
	if lockLease <= 0 {
		lockLease = 5 * time.Minute
	}
	return &TurnService{
		turnRepo:    turnRepo,
		coordinator: coordinator,
		validator:   validator,
		locker:      locker,
		lockLease:   lockLease,
		observer:    observer,
		logger:      logger,
		inFlight:    make(map[valueobjects.TurnID]context.CancelFunc),
	}
}

// StartTurn validates a submission, persists the turn in Pending, and
// begins processing in the background. The returned aggregate reflects
// the accepted state, not the eventual outcome.
func (s *TurnService) StartTurn(ctx context.Context, campaignIDRaw string, participantIDs []string, aiEnabled bool) (*aggregates.Turn, error) {
	if err := s.validator.ValidateSubmission(campaignIDRaw, participantIDs); err != nil {
		return nil, err
	}

	campaignID, err := valueobjects.NewCampaignID(campaignIDRaw)
	if err != nil {
		return nil, pkgerrors.NewDomainError(
			pkgerrors.DomainValidationError, "INVALID_TURN_REQUEST", err.Error())
	}
	participants, err := valueobjects.NewParticipantSet(participantIDs)
	if err != nil {
		return nil, pkgerrors.NewDomainError(
			pkgerrors.DomainValidationError, "INVALID_TURN_REQUEST", err.Error())
	}

	sequence, err := s.turnRepo.NextSequence(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	turn, err := aggregates.NewTurn(campaignID, sequence, participants, aiEnabled)
	if err != nil {
		return nil, err
	}
	if err := s.turnRepo.Save(ctx, turn); err != nil {
		return nil, err
	}

	// The HTTP request's context ends at the 202 response; the turn runs
	// on its own cancellable context.
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.inFlight[turn.ID()] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx, turn)

	return turn, nil
}

// AbortTurn cancels a running turn. Cancellation is cooperative: the
// coordinator observes it at the next phase boundary and compensates.
func (s *TurnService) AbortTurn(ctx context.Context, turnID valueobjects.TurnID) error {
	s.mu.Lock()
	cancel, running := s.inFlight[turnID]
	s.mu.Unlock()

	if running {
		s.logger.Info("Aborting turn", zap.String("turn_id", turnID.String()))
		cancel()
		return nil
	}

	// Not in flight here: either unknown or already terminal.
	turn, err := s.turnRepo.GetByID(ctx, turnID)
	if err != nil {
		return err
	}
	return pkgerrors.NewDomainError(
		pkgerrors.DomainBusinessRuleError, "INVALID_TRANSITION",
		"turn is not running and cannot be aborted").
		WithDetail("turn_id", turnID.String()).
		WithDetail("status", string(turn.Status()))
}

// Drain waits for all in-flight turns to reach a terminal state; used
// during graceful shutdown
func (s *TurnService) Drain() {
	s.wg.Wait()
}

func (s *TurnService) run(ctx context.Context, turn *aggregates.Turn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if cancel, ok := s.inFlight[turn.ID()]; ok {
			cancel()
			delete(s.inFlight, turn.ID())
		}
		s.mu.Unlock()
	}()

	lease, err := s.locker.Acquire(ctx, turn.ID(), hostOwner(), s.lockLease)
	if err != nil {
		s.logger.Warn("Could not acquire turn lease",
			zap.String("turn_id", turn.ID().String()),
			zap.Error(err),
		)
		return
	}
	defer func() {
		// Release must survive an abort cancellation.
		if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.logger.Warn("Failed to release turn lease",
				zap.String("turn_id", turn.ID().String()),
				zap.Error(relErr),
			)
		}
	}()

	start := time.Now()
	err = s.coordinator.RunTurn(ctx, turn)
	duration := time.Since(start)

	if err != nil {
		s.logger.Error("Turn ended with coordinator error",
			zap.String("turn_id", turn.ID().String()),
			zap.String("status", string(turn.Status())),
			zap.Error(err),
		)
	}
	if s.observer != nil {
		s.observer.ObserveTurn(turn.Status(), len(turn.Participants()), duration)
	}
}

func hostOwner() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}
