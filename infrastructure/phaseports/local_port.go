package phaseports

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/valueobjects"
	pkgerrors "chronicle-backend/pkg/errors"
)

// localCosts approximates per-invocation AI spend for development runs.
// Non-AI turns cost nothing.
var localCosts = map[valueobjects.PhaseType]valueobjects.Cost{
	valueobjects.PhaseWorldUpdate:              valueobjects.ZeroCost,
	valueobjects.PhaseSubjectiveBrief:          valueobjects.MustCost(0.35),
	valueobjects.PhaseInteractionOrchestration: valueobjects.MustCost(0.20),
	valueobjects.PhaseEventIntegration:         valueobjects.ZeroCost,
	valueobjects.PhaseNarrativeIntegration:     valueobjects.MustCost(0.75),
}

// LocalPort simulates a phase in-process. It issues real before-image
// references and honors the compensation contract, so the whole saga can be
// exercised end to end without any downstream service.
type LocalPort struct {
	phase valueobjects.PhaseType

	mu      sync.Mutex
	befores map[valueobjects.BeforeRef]bool
}

// NewLocalPort creates a simulated port for a phase
func NewLocalPort(phase valueobjects.PhaseType) *LocalPort {
	return &LocalPort{
		phase:   phase,
		befores: make(map[valueobjects.BeforeRef]bool),
	}
}

// Type implements ports.PhasePort
func (p *LocalPort) Type() valueobjects.PhaseType {
	return p.phase
}

// Execute implements ports.PhasePort
func (p *LocalPort) Execute(ctx context.Context, tc ports.TurnContext, participant *valueobjects.ParticipantID) (ports.PhaseOutput, error) {
	if err := ctx.Err(); err != nil {
		return ports.PhaseOutput{}, pkgerrors.NewRetryableFailure("phase canceled", err)
	}

	scope := "turn"
	if participant != nil {
		scope = participant.String()
	}
	before := valueobjects.BeforeRef(fmt.Sprintf("local://%s/%s/%s", p.phase, scope, uuid.NewString()))

	p.mu.Lock()
	p.befores[before] = true
	p.mu.Unlock()

	cost := valueobjects.ZeroCost
	if tc.AIEnabled {
		cost = localCosts[p.phase]
	}
	return ports.PhaseOutput{
		OutputRef: valueobjects.OutputRef(fmt.Sprintf("local://%s/%s/output/%s", p.phase, scope, uuid.NewString())),
		BeforeRef: before,
		Cost:      cost,
	}, nil
}

// Compensate implements ports.PhasePort. Compensating a reference this port
// never issued is a contract violation, not a transient fault.
func (p *LocalPort) Compensate(ctx context.Context, before valueobjects.BeforeRef) error {
	if err := ctx.Err(); err != nil {
		return pkgerrors.NewRetryableFailure("compensation canceled", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.befores[before] {
		return pkgerrors.NewFatalFailure(
			fmt.Sprintf("unknown before-image reference %q for phase %s", before, p.phase), nil)
	}
	delete(p.befores, before)
	return nil
}
