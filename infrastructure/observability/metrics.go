package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/aggregates"
)

var (
	// Global collector instance for singleton pattern
	globalCollector *Collector
	collectorMutex  sync.Mutex
)

// Collector holds all Prometheus metrics for the turn pipeline. It owns
// its own registry so tests and Lambda cold starts never fight over the
// default one.
type Collector struct {
	registry *prometheus.Registry

	// Phase metrics
	PhaseDuration *prometheus.HistogramVec
	AICost        *prometheus.CounterVec

	// Turn metrics
	TurnsTotal   *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCollector creates a new metrics collector with the given namespace
func NewCollector(namespace string) *Collector {
	// Singleton to avoid duplicate registration in tests
	collectorMutex.Lock()
	defer collectorMutex.Unlock()

	if globalCollector != nil {
		return globalCollector
	}

	registry := prometheus.NewRegistry()

	phaseDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock duration of pipeline phase attempts",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 45, 90},
		},
		[]string{"phase", "participants", "ai_enabled", "success"},
	)

	aiCost := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_cost_total",
			Help:      "Accumulated AI spend in cost units, including failed attempts",
		},
		[]string{"phase", "success"},
	)

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns by terminal outcome",
		},
		[]string{"outcome", "participants"},
	)

	turnDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "End-to-end turn duration",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	httpRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	registry.MustRegister(
		phaseDuration,
		aiCost,
		turnsTotal,
		turnDuration,
		httpRequests,
		httpDuration,
	)

	globalCollector = &Collector{
		registry:      registry,
		PhaseDuration: phaseDuration,
		AICost:        aiCost,
		TurnsTotal:    turnsTotal,
		TurnDuration:  turnDuration,
		HTTPRequests:  httpRequests,
		HTTPDuration:  httpDuration,
	}

	return globalCollector
}

// ResetForTesting resets the global collector for testing purposes
func ResetForTesting() {
	collectorMutex.Lock()
	defer collectorMutex.Unlock()
	globalCollector = nil
}

// ObservePhase records one phase attempt
func (c *Collector) ObservePhase(sample ports.PerformanceSample) {
	labels := prometheus.Labels{
		"phase":        sample.Phase.String(),
		"participants": ParticipantBucket(sample.ParticipantCount),
		"ai_enabled":   strconv.FormatBool(sample.AIEnabled),
		"success":      strconv.FormatBool(sample.Success),
	}
	c.PhaseDuration.With(labels).Observe(sample.Duration.Seconds())
	if !sample.Cost.IsZero() {
		c.AICost.With(prometheus.Labels{
			"phase":   sample.Phase.String(),
			"success": strconv.FormatBool(sample.Success),
		}).Add(sample.Cost.Amount())
	}
}

// ObserveTurn records a turn reaching a terminal state
func (c *Collector) ObserveTurn(outcome aggregates.TurnStatus, participantCount int, duration time.Duration) {
	c.TurnsTotal.With(prometheus.Labels{
		"outcome":      string(outcome),
		"participants": ParticipantBucket(participantCount),
	}).Inc()
	c.TurnDuration.With(prometheus.Labels{
		"outcome": string(outcome),
	}).Observe(duration.Seconds())
}

// GetRegistry returns the Prometheus registry for this collector
func (c *Collector) GetRegistry() *prometheus.Registry {
	return c.registry
}

// ParticipantBucket collapses a participant count into one of four
// bands so the label stays bounded no matter how large campaigns get
func ParticipantBucket(n int) string {
	switch {
	case n <= 1:
		return "1"
	case n <= 3:
		return "2-3"
	case n <= 6:
		return "4-6"
	default:
		return "7+"
	}
}
