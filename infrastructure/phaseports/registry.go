package phaseports

import (
	"net/http"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"go.uber.org/zap"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/valueobjects"
	"chronicle-backend/infrastructure/config"
	"chronicle-backend/pkg/observability"
)

// BuildRegistry binds every canonical phase to an adapter. Phases with a
// configured endpoint get the HTTP adapter; the rest get the in-process
// simulator. Production config validation guarantees all five endpoints are
// set there, so the simulator only ever serves development.
func BuildRegistry(cfg *config.Config, logger *zap.Logger) (*ports.PortRegistry, error) {
	client := &http.Client{Timeout: 60 * time.Second}
	var tracer *observability.Tracer
	if cfg.EnableTracing {
		client = xray.Client(client)
		tracer = observability.NewTracer("chronicle")
	}

	bound := make([]ports.PhasePort, 0, valueobjects.PhaseCount)
	for _, phase := range valueobjects.CanonicalPhaseOrder() {
		var port ports.PhasePort
		if baseURL, ok := cfg.PhaseEndpoints[phase]; ok {
			port = NewHTTPPort(phase, baseURL, client, logger)
		} else {
			logger.Info("No endpoint configured for phase, using in-process adapter",
				zap.String("phase", phase.String()),
			)
			port = NewLocalPort(phase)
		}
		if tracer != nil {
			port = NewTracedPort(port, tracer)
		}
		bound = append(bound, port)
	}
	return ports.NewPortRegistry(bound...)
}
