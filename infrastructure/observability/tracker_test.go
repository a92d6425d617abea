package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/valueobjects"
)

func sample(turnID valueobjects.TurnID, phase valueobjects.PhaseType, success bool, duration time.Duration, cost float64) ports.PerformanceSample {
	return ports.PerformanceSample{
		TurnID:           turnID,
		Phase:            phase,
		ParticipantCount: 2,
		AIEnabled:        true,
		Success:          success,
		Duration:         duration,
		Cost:             valueobjects.MustCost(cost),
	}
}

func TestTurnSummary(t *testing.T) {
	tracker := NewPerformanceTracker(nil)
	turnID := valueobjects.NewTurnID()

	tracker.Record(sample(turnID, valueobjects.PhaseWorldUpdate, true, 100*time.Millisecond, 0))
	tracker.Record(sample(turnID, valueobjects.PhaseSubjectiveBrief, false, 50*time.Millisecond, 0.35))
	tracker.Record(sample(turnID, valueobjects.PhaseSubjectiveBrief, true, 80*time.Millisecond, 0.35))

	metrics, ok := tracker.TurnSummary(turnID)
	require.True(t, ok)

	assert.Equal(t, 3, metrics.SampleCount)
	assert.Equal(t, 230*time.Millisecond, metrics.TotalDuration)
	assert.Equal(t, valueobjects.MustCost(0.70), metrics.TotalCost)

	require.Len(t, metrics.Phases, 2)
	assert.Equal(t, valueobjects.PhaseWorldUpdate, metrics.Phases[0].Phase)

	brief := metrics.Phases[1]
	assert.Equal(t, 2, brief.Attempts)
	assert.Equal(t, 1, brief.Successes)
	assert.Equal(t, valueobjects.MustCost(0.70), brief.TotalCost)
}

func TestTurnSummaryUnknownTurn(t *testing.T) {
	tracker := NewPerformanceTracker(nil)

	_, ok := tracker.TurnSummary(valueobjects.NewTurnID())
	assert.False(t, ok)
}

func TestRollingStats(t *testing.T) {
	tracker := NewPerformanceTracker(nil)
	now := time.Now()
	tracker.now = func() time.Time { return now }

	turnID := valueobjects.NewTurnID()
	durations := []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond,
		40 * time.Millisecond, 50 * time.Millisecond, 60 * time.Millisecond,
		70 * time.Millisecond, 80 * time.Millisecond, 90 * time.Millisecond,
		100 * time.Millisecond,
	}
	for i, d := range durations {
		tracker.Record(sample(turnID, valueobjects.PhaseNarrativeIntegration, i != 0, d, 0.75))
	}

	stats := tracker.RollingStats(5 * time.Minute)
	require.Len(t, stats.Groups, 1)

	group := stats.Groups[0]
	assert.Equal(t, valueobjects.PhaseNarrativeIntegration, group.Key.Phase)
	assert.Equal(t, "2-3", group.Key.ParticipantBucket)
	assert.True(t, group.Key.AIEnabled)
	assert.Equal(t, 10, group.SampleCount)
	assert.InDelta(t, 0.9, group.SuccessRate, 1e-9)
	assert.Equal(t, 50*time.Millisecond, group.P50)
	assert.Equal(t, 100*time.Millisecond, group.P95)
	assert.InDelta(t, 0.75, group.AverageCost, 1e-9)
}

func TestRollingStatsWindowExcludesOldSamples(t *testing.T) {
	tracker := NewPerformanceTracker(nil)
	now := time.Now()
	tracker.now = func() time.Time { return now.Add(-10 * time.Minute) }

	turnID := valueobjects.NewTurnID()
	tracker.Record(sample(turnID, valueobjects.PhaseWorldUpdate, true, 10*time.Millisecond, 0))

	tracker.now = func() time.Time { return now }
	tracker.Record(sample(turnID, valueobjects.PhaseWorldUpdate, true, 20*time.Millisecond, 0))

	stats := tracker.RollingStats(5 * time.Minute)
	require.Len(t, stats.Groups, 1)
	assert.Equal(t, 1, stats.Groups[0].SampleCount)
}

func TestForget(t *testing.T) {
	tracker := NewPerformanceTracker(nil)
	turnID := valueobjects.NewTurnID()
	tracker.Record(sample(turnID, valueobjects.PhaseWorldUpdate, true, 10*time.Millisecond, 0))

	tracker.Forget(turnID)
	_, ok := tracker.TurnSummary(turnID)
	assert.False(t, ok)
}

func TestParticipantBucket(t *testing.T) {
	assert.Equal(t, "1", ParticipantBucket(0))
	assert.Equal(t, "1", ParticipantBucket(1))
	assert.Equal(t, "2-3", ParticipantBucket(3))
	assert.Equal(t, "4-6", ParticipantBucket(5))
}
