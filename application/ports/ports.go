package ports

import (
	"context"
	"time"

	"chronicle-backend/domain/core/aggregates"
	"chronicle-backend/domain/core/valueobjects"
	"chronicle-backend/domain/events"
	pkgerrors "chronicle-backend/pkg/errors"
)

// TurnContext carries the read-only world/character context a phase's
// external service needs. The orchestrator fills it from the aggregate and
// never lets a phase mutate it.
type TurnContext struct {
	TurnID         valueobjects.TurnID
	CampaignID     valueobjects.CampaignID
	SequenceNumber int64
	Participants   []valueobjects.ParticipantID
	AIEnabled      bool
}

// PhaseOutput is what a phase's owning bounded context returns on success
type PhaseOutput struct {
	OutputRef valueobjects.OutputRef
	BeforeRef valueobjects.BeforeRef
	Cost      valueobjects.Cost
}

// PhasePort is the boundary to one phase's owning bounded context.
// This is a port in hexagonal architecture - the orchestrator doesn't know
// about the implementation. participant is nil for whole-turn phases.
type PhasePort interface {
	// Type identifies which phase this port serves
	Type() valueobjects.PhaseType

	// Execute performs the phase's operation and returns opaque handles to
	// the produced artifact and the captured before-image
	Execute(ctx context.Context, tc TurnContext, participant *valueobjects.ParticipantID) (PhaseOutput, error)

	// Compensate applies the inverse operation using the before-image handle
	Compensate(ctx context.Context, before valueobjects.BeforeRef) error
}

// PortRegistry binds every canonical phase to its port. Construction fails
// if any phase is unbound or bound twice.
type PortRegistry struct {
	ports map[valueobjects.PhaseType]PhasePort
}

// NewPortRegistry creates a registry covering all five phases
func NewPortRegistry(ports ...PhasePort) (*PortRegistry, error) {
	registry := &PortRegistry{ports: make(map[valueobjects.PhaseType]PhasePort, len(ports))}
	for _, port := range ports {
		if _, dup := registry.ports[port.Type()]; dup {
			return nil, pkgerrors.NewDomainError(
				pkgerrors.DomainValidationError, "INVALID_TURN_REQUEST",
				"duplicate port registration").
				WithDetail("phase", port.Type().String())
		}
		registry.ports[port.Type()] = port
	}
	for _, phase := range valueobjects.CanonicalPhaseOrder() {
		if _, ok := registry.ports[phase]; !ok {
			return nil, pkgerrors.NewDomainError(
				pkgerrors.DomainValidationError, "INVALID_TURN_REQUEST",
				"no port registered for phase").
				WithDetail("phase", phase.String())
		}
	}
	return registry, nil
}

// Get returns the port serving a phase
func (r *PortRegistry) Get(phase valueobjects.PhaseType) PhasePort {
	return r.ports[phase]
}

// CheckpointKey identifies a checkpoint by turn, phase and participant scope
type CheckpointKey struct {
	TurnID        valueobjects.TurnID
	Phase         valueobjects.PhaseType
	ParticipantID valueobjects.ParticipantID
}

// Checkpoint is a stored before-image reference used to reverse a phase's
// effect. Created when a phase reports its before-image, consumed exactly
// once during compensation, never mutated otherwise.
type Checkpoint struct {
	Key       CheckpointKey
	BeforeRef valueobjects.BeforeRef
	CreatedAt time.Time
	Consumed  bool
}

// CheckpointStore persists before-image references keyed by turn and phase.
// Implementations must be safe for concurrent use across turns.
type CheckpointStore interface {
	// Create persists a checkpoint. Creating a checkpoint for a key that
	// already exists is a no-op returning the existing checkpoint.
	Create(ctx context.Context, checkpoint Checkpoint) (Checkpoint, error)

	// Get retrieves a checkpoint by key
	Get(ctx context.Context, key CheckpointKey) (Checkpoint, error)

	// Consume marks a checkpoint used and returns it. A second consume of
	// the same key fails with ErrCheckpointConsumed, which is what makes
	// compensation exactly-once per checkpoint.
	Consume(ctx context.Context, key CheckpointKey) (Checkpoint, error)

	// Release puts a consumed checkpoint back. Callers use it when the
	// undo behind a Consume failed, so the checkpoint stays visible to
	// reconciliation instead of being lost.
	Release(ctx context.Context, key CheckpointKey) error

	// Unconsumed lists the checkpoints for a turn that were never consumed
	Unconsumed(ctx context.Context, turnID valueobjects.TurnID) ([]Checkpoint, error)
}

// TurnRepository persists the turn aggregate
type TurnRepository interface {
	// Save persists a turn (create or update)
	Save(ctx context.Context, turn *aggregates.Turn) error

	// GetByID retrieves a turn by its ID
	GetByID(ctx context.Context, id valueobjects.TurnID) (*aggregates.Turn, error)

	// ListByCampaign retrieves all turns for a campaign, oldest first
	ListByCampaign(ctx context.Context, campaignID valueobjects.CampaignID) ([]*aggregates.Turn, error)

	// NextSequence allocates the next monotonic turn sequence for a campaign
	NextSequence(ctx context.Context, campaignID valueobjects.CampaignID) (int64, error)
}

// TurnLease is a held exclusive lease on one turn
type TurnLease interface {
	// Release gives the lease up; safe to call after expiry
	Release(ctx context.Context) error

	// Extend pushes the lease expiry forward
	Extend(ctx context.Context, lease time.Duration) error
}

// TurnLocker grants an exclusive lease per turn so exactly one coordinator
// ever drives a turn, even across concurrently deployed instances
type TurnLocker interface {
	Acquire(ctx context.Context, turnID valueobjects.TurnID, owner string, lease time.Duration) (TurnLease, error)
}

// EventPublisher publishes domain events to interested consumers
type EventPublisher interface {
	Publish(ctx context.Context, event events.DomainEvent) error
	PublishBatch(ctx context.Context, events []events.DomainEvent) error
}

// PerformanceSample records one phase execution or compensation attempt.
// Samples are immutable and emitted exactly once per attempt, success or
// failure; they feed observability and must never diverge from the phase
// result recorded on the aggregate.
type PerformanceSample struct {
	TurnID           valueobjects.TurnID
	Phase            valueobjects.PhaseType
	ParticipantCount int
	AIEnabled        bool
	Success          bool
	Duration         time.Duration
	Cost             valueobjects.Cost
}

// PerformanceRecorder accepts samples; recording never blocks the caller
// on export concerns
type PerformanceRecorder interface {
	Record(sample PerformanceSample)
}

// StatusNotifier pushes turn status changes to subscribed clients so status
// can be pushed, not only polled
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, turn *aggregates.Turn) error
}
