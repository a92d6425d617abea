package phaseports

import (
	"context"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/valueobjects"
	"chronicle-backend/pkg/observability"
)

// TracedPort decorates a phase port with X-Ray subsegments so each phase
// call and compensation shows up as its own span under the turn's trace.
type TracedPort struct {
	inner  ports.PhasePort
	tracer *observability.Tracer
}

// NewTracedPort wraps a port with tracing
func NewTracedPort(inner ports.PhasePort, tracer *observability.Tracer) *TracedPort {
	return &TracedPort{inner: inner, tracer: tracer}
}

// Type identifies which phase this port serves
func (p *TracedPort) Type() valueobjects.PhaseType {
	return p.inner.Type()
}

// Execute delegates to the wrapped port inside a subsegment annotated with
// the turn and participant scope
func (p *TracedPort) Execute(ctx context.Context, tc ports.TurnContext, participant *valueobjects.ParticipantID) (ports.PhaseOutput, error) {
	var output ports.PhaseOutput
	err := p.tracer.Capture(ctx, "phase."+p.inner.Type().String(), func(ctx context.Context) error {
		p.tracer.AddAnnotation(ctx, "turn_id", tc.TurnID.String())
		if participant != nil {
			p.tracer.AddAnnotation(ctx, "participant_id", participant.String())
		}
		var execErr error
		output, execErr = p.inner.Execute(ctx, tc, participant)
		return execErr
	})
	return output, err
}

// Compensate delegates to the wrapped port inside a subsegment
func (p *TracedPort) Compensate(ctx context.Context, before valueobjects.BeforeRef) error {
	return p.tracer.Capture(ctx, "compensate."+p.inner.Type().String(), func(ctx context.Context) error {
		return p.inner.Compensate(ctx, before)
	})
}
