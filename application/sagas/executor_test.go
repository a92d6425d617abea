package sagas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/aggregates"
	"chronicle-backend/domain/core/valueobjects"
	"chronicle-backend/domain/events"
	"chronicle-backend/infrastructure/persistence/memory"
	pkgerrors "chronicle-backend/pkg/errors"
)

// stubPort is a scriptable phase port. With no script it succeeds and
// issues unique before-image references.
type stubPort struct {
	phase valueobjects.PhaseType

	execFn func(ctx context.Context, tc ports.TurnContext, participant *valueobjects.ParticipantID) (ports.PhaseOutput, error)
	compFn func(ctx context.Context, before valueobjects.BeforeRef) error

	mu            sync.Mutex
	executions    int
	compensations []valueobjects.BeforeRef
}

func (p *stubPort) Type() valueobjects.PhaseType { return p.phase }

func (p *stubPort) Execute(ctx context.Context, tc ports.TurnContext, participant *valueobjects.ParticipantID) (ports.PhaseOutput, error) {
	p.mu.Lock()
	p.executions++
	n := p.executions
	p.mu.Unlock()

	if p.execFn != nil {
		return p.execFn(ctx, tc, participant)
	}

	scope := "turn"
	if participant != nil {
		scope = participant.String()
	}
	return ports.PhaseOutput{
		OutputRef: valueobjects.OutputRef(fmt.Sprintf("stub://%s/%s/out/%d", p.phase, scope, n)),
		BeforeRef: valueobjects.BeforeRef(fmt.Sprintf("stub://%s/%s/before/%d", p.phase, scope, n)),
	}, nil
}

func (p *stubPort) Compensate(ctx context.Context, before valueobjects.BeforeRef) error {
	p.mu.Lock()
	p.compensations = append(p.compensations, before)
	p.mu.Unlock()

	if p.compFn != nil {
		return p.compFn(ctx, before)
	}
	return nil
}

func (p *stubPort) executionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.executions
}

func (p *stubPort) compensatedRefs() []valueobjects.BeforeRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]valueobjects.BeforeRef(nil), p.compensations...)
}

// newStubRegistry binds a stub to every canonical phase
func newStubRegistry(t *testing.T) (*ports.PortRegistry, map[valueobjects.PhaseType]*stubPort) {
	t.Helper()
	stubs := make(map[valueobjects.PhaseType]*stubPort, valueobjects.PhaseCount)
	bound := make([]ports.PhasePort, 0, valueobjects.PhaseCount)
	for _, phase := range valueobjects.CanonicalPhaseOrder() {
		stub := &stubPort{phase: phase}
		stubs[phase] = stub
		bound = append(bound, stub)
	}
	registry, err := ports.NewPortRegistry(bound...)
	require.NoError(t, err)
	return registry, stubs
}

// captureRecorder collects performance samples for assertions
type captureRecorder struct {
	mu      sync.Mutex
	samples []ports.PerformanceSample
}

func (r *captureRecorder) Record(sample ports.PerformanceSample) {
	r.mu.Lock()
	r.samples = append(r.samples, sample)
	r.mu.Unlock()
}

func (r *captureRecorder) all() []ports.PerformanceSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ports.PerformanceSample(nil), r.samples...)
}

func (r *captureRecorder) forPhase(phase valueobjects.PhaseType) []ports.PerformanceSample {
	var out []ports.PerformanceSample
	for _, s := range r.all() {
		if s.Phase == phase {
			out = append(out, s)
		}
	}
	return out
}

// capturePublisher collects published domain event types
type capturePublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *capturePublisher) Publish(ctx context.Context, event events.DomainEvent) error {
	return p.PublishBatch(ctx, []events.DomainEvent{event})
}

func (p *capturePublisher) PublishBatch(ctx context.Context, batch []events.DomainEvent) error {
	p.mu.Lock()
	for _, e := range batch {
		p.events = append(p.events, e.GetEventType())
	}
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

// failingCheckpointStore rejects every create
type failingCheckpointStore struct {
	*memory.CheckpointStore
}

func (s *failingCheckpointStore) Create(ctx context.Context, checkpoint ports.Checkpoint) (ports.Checkpoint, error) {
	return ports.Checkpoint{}, errors.New("dynamodb is down")
}

func newSagaTestTurn(t *testing.T, participantIDs ...string) *aggregates.Turn {
	t.Helper()
	if len(participantIDs) == 0 {
		participantIDs = []string{"char-1"}
	}
	campaign, err := valueobjects.NewCampaignID("campaign-1")
	require.NoError(t, err)
	participants, err := valueobjects.NewParticipantSet(participantIDs)
	require.NoError(t, err)
	turn, err := aggregates.NewTurn(campaign, 1, participants, true)
	require.NoError(t, err)
	return turn
}

func turnContextOf(turn *aggregates.Turn) ports.TurnContext {
	return ports.TurnContext{
		TurnID:         turn.ID(),
		CampaignID:     turn.CampaignID(),
		SequenceNumber: turn.SequenceNumber(),
		Participants:   turn.Participants(),
		AIEnabled:      turn.AIEnabled(),
	}
}

func TestPhaseExecutorSuccess(t *testing.T) {
	registry, _ := newStubRegistry(t)
	checkpoints := memory.NewCheckpointStore()
	recorder := &captureRecorder{}
	executor := NewPhaseExecutor(registry, checkpoints, recorder, DefaultPhaseTimeouts(), zap.NewNop())

	turn := newSagaTestTurn(t)
	outcome := executor.Execute(context.Background(), turnContextOf(turn), valueobjects.PhaseWorldUpdate, nil, 1)

	assert.Equal(t, aggregates.PhaseSucceeded, outcome.Status)
	assert.False(t, outcome.OutputRef.IsZero())
	assert.NoError(t, outcome.Err)

	// The before-image is persisted before the outcome is reported.
	checkpoint, err := checkpoints.Get(context.Background(), ports.CheckpointKey{
		TurnID: turn.ID(),
		Phase:  valueobjects.PhaseWorldUpdate,
	})
	require.NoError(t, err)
	assert.False(t, checkpoint.BeforeRef.IsZero())
	assert.False(t, checkpoint.Consumed)

	samples := recorder.all()
	require.Len(t, samples, 1)
	assert.True(t, samples[0].Success)
}

func TestPhaseExecutorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want aggregates.PhaseResultStatus
	}{
		{
			name: "retryable failure",
			err:  pkgerrors.NewRetryableFailure("provider overloaded", nil),
			want: aggregates.PhaseRetryableFailure,
		},
		{
			name: "fatal failure",
			err:  pkgerrors.NewFatalFailure("schema rejected", nil),
			want: aggregates.PhaseFatalFailure,
		},
		{
			name: "unclassified errors fail closed",
			err:  errors.New("something unexpected"),
			want: aggregates.PhaseFatalFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, stubs := newStubRegistry(t)
			stubs[valueobjects.PhaseWorldUpdate].execFn = func(ctx context.Context, tc ports.TurnContext, participant *valueobjects.ParticipantID) (ports.PhaseOutput, error) {
				return ports.PhaseOutput{}, tt.err
			}
			recorder := &captureRecorder{}
			executor := NewPhaseExecutor(registry, memory.NewCheckpointStore(), recorder, DefaultPhaseTimeouts(), zap.NewNop())

			turn := newSagaTestTurn(t)
			outcome := executor.Execute(context.Background(), turnContextOf(turn), valueobjects.PhaseWorldUpdate, nil, 1)

			assert.Equal(t, tt.want, outcome.Status)
			assert.Error(t, outcome.Err)

			samples := recorder.all()
			require.Len(t, samples, 1)
			assert.False(t, samples[0].Success)
		})
	}
}

func TestPhaseExecutorTimeout(t *testing.T) {
	registry, stubs := newStubRegistry(t)
	stubs[valueobjects.PhaseWorldUpdate].execFn = func(ctx context.Context, tc ports.TurnContext, participant *valueobjects.ParticipantID) (ports.PhaseOutput, error) {
		<-ctx.Done()
		return ports.PhaseOutput{}, ctx.Err()
	}
	timeouts := PhaseTimeouts{valueobjects.PhaseWorldUpdate: 20 * time.Millisecond}
	executor := NewPhaseExecutor(registry, memory.NewCheckpointStore(), &captureRecorder{}, timeouts, zap.NewNop())

	turn := newSagaTestTurn(t)
	start := time.Now()
	outcome := executor.Execute(context.Background(), turnContextOf(turn), valueobjects.PhaseWorldUpdate, nil, 1)

	assert.Equal(t, aggregates.PhaseRetryableFailure, outcome.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorContains(t, outcome.Err, "timeout")
}

func TestPhaseExecutorCheckpointFailureDowngradesSuccess(t *testing.T) {
	registry, _ := newStubRegistry(t)
	checkpoints := &failingCheckpointStore{CheckpointStore: memory.NewCheckpointStore()}
	recorder := &captureRecorder{}
	executor := NewPhaseExecutor(registry, checkpoints, recorder, DefaultPhaseTimeouts(), zap.NewNop())

	turn := newSagaTestTurn(t)
	outcome := executor.Execute(context.Background(), turnContextOf(turn), valueobjects.PhaseWorldUpdate, nil, 1)

	// A phase that executed but whose before-image could not be stored
	// must not count as succeeded: it would be impossible to undo.
	assert.Equal(t, aggregates.PhaseRetryableFailure, outcome.Status)
	assert.True(t, outcome.OutputRef.IsZero())
	require.Len(t, recorder.all(), 1)
	assert.False(t, recorder.all()[0].Success)
}

func TestPhaseExecutorSamplePerAttempt(t *testing.T) {
	registry, stubs := newStubRegistry(t)
	calls := 0
	stubs[valueobjects.PhaseWorldUpdate].execFn = func(ctx context.Context, tc ports.TurnContext, participant *valueobjects.ParticipantID) (ports.PhaseOutput, error) {
		calls++
		if calls == 1 {
			return ports.PhaseOutput{}, pkgerrors.NewRetryableFailure("blip", nil)
		}
		return ports.PhaseOutput{
			OutputRef: "stub://out",
			BeforeRef: "stub://before",
		}, nil
	}
	recorder := &captureRecorder{}
	executor := NewPhaseExecutor(registry, memory.NewCheckpointStore(), recorder, DefaultPhaseTimeouts(), zap.NewNop())

	turn := newSagaTestTurn(t)
	tc := turnContextOf(turn)
	executor.Execute(context.Background(), tc, valueobjects.PhaseWorldUpdate, nil, 1)
	executor.Execute(context.Background(), tc, valueobjects.PhaseWorldUpdate, nil, 2)

	samples := recorder.forPhase(valueobjects.PhaseWorldUpdate)
	require.Len(t, samples, 2)
	assert.False(t, samples[0].Success)
	assert.True(t, samples[1].Success)
}

func TestPhaseExecutorCircuitBreakerOpens(t *testing.T) {
	registry, stubs := newStubRegistry(t)
	stubs[valueobjects.PhaseWorldUpdate].execFn = func(ctx context.Context, tc ports.TurnContext, participant *valueobjects.ParticipantID) (ports.PhaseOutput, error) {
		return ports.PhaseOutput{}, pkgerrors.NewRetryableFailure("provider down", nil)
	}
	executor := NewPhaseExecutor(registry, memory.NewCheckpointStore(), &captureRecorder{}, DefaultPhaseTimeouts(), zap.NewNop())

	turn := newSagaTestTurn(t)
	tc := turnContextOf(turn)
	for attempt := 1; attempt <= 5; attempt++ {
		outcome := executor.Execute(context.Background(), tc, valueobjects.PhaseWorldUpdate, nil, attempt)
		assert.Equal(t, aggregates.PhaseRetryableFailure, outcome.Status)
	}

	// The breaker is open now; the port is no longer called and the
	// failure stays retryable so the saga backs off instead of dying.
	outcome := executor.Execute(context.Background(), tc, valueobjects.PhaseWorldUpdate, nil, 6)
	assert.Equal(t, aggregates.PhaseRetryableFailure, outcome.Status)
	assert.Equal(t, 5, stubs[valueobjects.PhaseWorldUpdate].executionCount())
}
