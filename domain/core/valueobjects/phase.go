package valueobjects

import "errors"

// PhaseType identifies one stage of turn processing
type PhaseType string

const (
	PhaseWorldUpdate              PhaseType = "world_update"
	PhaseSubjectiveBrief          PhaseType = "subjective_brief"
	PhaseInteractionOrchestration PhaseType = "interaction_orchestration"
	PhaseEventIntegration         PhaseType = "event_integration"
	PhaseNarrativeIntegration     PhaseType = "narrative_integration"
)

// CanonicalPhaseOrder returns the fixed order phases execute in within a turn.
// The slice is freshly allocated so callers cannot mutate the canon.
func CanonicalPhaseOrder() []PhaseType {
	return []PhaseType{
		PhaseWorldUpdate,
		PhaseSubjectiveBrief,
		PhaseInteractionOrchestration,
		PhaseEventIntegration,
		PhaseNarrativeIntegration,
	}
}

// PhaseCount is the number of phases in a complete turn
const PhaseCount = 5

// ParsePhaseType validates a raw phase type string
func ParsePhaseType(s string) (PhaseType, error) {
	switch PhaseType(s) {
	case PhaseWorldUpdate, PhaseSubjectiveBrief, PhaseInteractionOrchestration,
		PhaseEventIntegration, PhaseNarrativeIntegration:
		return PhaseType(s), nil
	}
	return "", errors.New("unknown phase type: " + s)
}

// String returns the string representation of the PhaseType
func (p PhaseType) String() string {
	return string(p)
}

// IsPerParticipant reports whether the phase fans out one call per participant
func (p PhaseType) IsPerParticipant() bool {
	return p == PhaseSubjectiveBrief || p == PhaseInteractionOrchestration
}

// Index returns the position of the phase in the canonical order, or -1
func (p PhaseType) Index() int {
	for i, phase := range CanonicalPhaseOrder() {
		if phase == p {
			return i
		}
	}
	return -1
}

// Next returns the phase that follows this one in the canonical order.
// ok is false for the final phase.
func (p PhaseType) Next() (next PhaseType, ok bool) {
	idx := p.Index()
	if idx < 0 || idx >= PhaseCount-1 {
		return "", false
	}
	return CanonicalPhaseOrder()[idx+1], true
}
