package observability

import (
	"sort"
	"sync"
	"time"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/valueobjects"
)

// maxSamplesPerGroup bounds the rolling window memory per label group
const maxSamplesPerGroup = 2048

// PhaseBreakdown aggregates all attempts of one phase within a turn
type PhaseBreakdown struct {
	Phase         valueobjects.PhaseType `json:"phase"`
	Attempts      int                    `json:"attempts"`
	Successes     int                    `json:"successes"`
	TotalDuration time.Duration          `json:"total_duration"`
	TotalCost     valueobjects.Cost      `json:"total_cost"`
}

// TurnMetrics is the per-turn performance summary
type TurnMetrics struct {
	TurnID        valueobjects.TurnID `json:"turn_id"`
	TotalDuration time.Duration       `json:"total_duration"`
	TotalCost     valueobjects.Cost   `json:"total_cost"`
	SampleCount   int                 `json:"sample_count"`
	Phases        []PhaseBreakdown    `json:"phases"`
}

// StatsKey is the label group rolling statistics aggregate over
type StatsKey struct {
	Phase             valueobjects.PhaseType `json:"phase"`
	ParticipantBucket string                 `json:"participant_bucket"`
	AIEnabled         bool                   `json:"ai_enabled"`
}

// GroupStats is the rolling aggregate for one label group
type GroupStats struct {
	Key         StatsKey      `json:"key"`
	SampleCount int           `json:"sample_count"`
	SuccessRate float64       `json:"success_rate"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`
	AverageCost float64       `json:"average_cost"`
}

// AggregateMetrics is the rolling-window view across all label groups
type AggregateMetrics struct {
	Window time.Duration `json:"window"`
	Groups []GroupStats  `json:"groups"`
}

type timedSample struct {
	ports.PerformanceSample
	recordedAt time.Time
}

// PerformanceTracker aggregates phase samples into per-turn summaries
// and rolling statistics. Recording never blocks on export: callers take
// one short mutex hold and the Prometheus series update is O(1).
type PerformanceTracker struct {
	mu        sync.RWMutex
	byTurn    map[valueobjects.TurnID][]ports.PerformanceSample
	byGroup   map[StatsKey][]timedSample
	collector *Collector
	now       func() time.Time
}

// NewPerformanceTracker creates a tracker that also forwards every
// sample to the given collector; collector may be nil in tests
func NewPerformanceTracker(collector *Collector) *PerformanceTracker {
	return &PerformanceTracker{
		byTurn:    make(map[valueobjects.TurnID][]ports.PerformanceSample),
		byGroup:   make(map[StatsKey][]timedSample),
		collector: collector,
		now:       time.Now,
	}
}

// Record appends one sample. Append-only: samples are never mutated or
// reclassified after recording.
func (t *PerformanceTracker) Record(sample ports.PerformanceSample) {
	key := StatsKey{
		Phase:             sample.Phase,
		ParticipantBucket: ParticipantBucket(sample.ParticipantCount),
		AIEnabled:         sample.AIEnabled,
	}

	t.mu.Lock()
	t.byTurn[sample.TurnID] = append(t.byTurn[sample.TurnID], sample)
	group := append(t.byGroup[key], timedSample{PerformanceSample: sample, recordedAt: t.now()})
	if len(group) > maxSamplesPerGroup {
		group = group[len(group)-maxSamplesPerGroup:]
	}
	t.byGroup[key] = group
	t.mu.Unlock()

	if t.collector != nil {
		t.collector.ObservePhase(sample)
	}
}

// TurnSummary returns the aggregated metrics for one turn. The second
// return is false when no samples exist for the turn.
func (t *PerformanceTracker) TurnSummary(turnID valueobjects.TurnID) (TurnMetrics, bool) {
	t.mu.RLock()
	samples := t.byTurn[turnID]
	t.mu.RUnlock()

	if len(samples) == 0 {
		return TurnMetrics{}, false
	}

	metrics := TurnMetrics{TurnID: turnID, SampleCount: len(samples)}
	byPhase := make(map[valueobjects.PhaseType]*PhaseBreakdown)
	var order []valueobjects.PhaseType

	for _, s := range samples {
		metrics.TotalDuration += s.Duration
		metrics.TotalCost = metrics.TotalCost.Add(s.Cost)

		breakdown, ok := byPhase[s.Phase]
		if !ok {
			breakdown = &PhaseBreakdown{Phase: s.Phase}
			byPhase[s.Phase] = breakdown
			order = append(order, s.Phase)
		}
		breakdown.Attempts++
		if s.Success {
			breakdown.Successes++
		}
		breakdown.TotalDuration += s.Duration
		breakdown.TotalCost = breakdown.TotalCost.Add(s.Cost)
	}

	for _, phase := range order {
		metrics.Phases = append(metrics.Phases, *byPhase[phase])
	}
	return metrics, true
}

// RollingStats aggregates samples recorded within the window, grouped by
// phase, participant bucket, and the ai_enabled flag
func (t *PerformanceTracker) RollingStats(window time.Duration) AggregateMetrics {
	cutoff := t.now().Add(-window)

	t.mu.RLock()
	defer t.mu.RUnlock()

	result := AggregateMetrics{Window: window}
	for key, samples := range t.byGroup {
		var durations []time.Duration
		var successes int
		var costTotal float64
		for _, s := range samples {
			if s.recordedAt.Before(cutoff) {
				continue
			}
			durations = append(durations, s.Duration)
			if s.Success {
				successes++
			}
			costTotal += s.Cost.Amount()
		}
		if len(durations) == 0 {
			continue
		}

		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		result.Groups = append(result.Groups, GroupStats{
			Key:         key,
			SampleCount: len(durations),
			SuccessRate: float64(successes) / float64(len(durations)),
			P50:         percentile(durations, 0.50),
			P95:         percentile(durations, 0.95),
			P99:         percentile(durations, 0.99),
			AverageCost: costTotal / float64(len(durations)),
		})
	}

	sort.Slice(result.Groups, func(i, j int) bool {
		a, b := result.Groups[i].Key, result.Groups[j].Key
		if a.Phase != b.Phase {
			return a.Phase.Index() < b.Phase.Index()
		}
		if a.ParticipantBucket != b.ParticipantBucket {
			return a.ParticipantBucket < b.ParticipantBucket
		}
		return !a.AIEnabled && b.AIEnabled
	})
	return result
}

// Forget drops a turn's retained samples, freeing memory once callers
// are done inspecting a terminal turn
func (t *PerformanceTracker) Forget(turnID valueobjects.TurnID) {
	t.mu.Lock()
	delete(t.byTurn, turnID)
	t.mu.Unlock()
}

// percentile uses the nearest-rank method on an already-sorted slice
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(q*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
