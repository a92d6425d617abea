package rest

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chronicle-backend/infrastructure/observability"
	"chronicle-backend/interfaces/http/rest/handlers"
	"chronicle-backend/interfaces/http/rest/middleware"
	"chronicle-backend/pkg/auth"
	pkgerrors "chronicle-backend/pkg/errors"
)

// Router creates and configures the HTTP router
type Router struct {
	turnHandler  *handlers.TurnHandler
	validator    *auth.JWTValidator
	collector    *observability.Collector
	errorHandler *pkgerrors.ErrorHandler
	enableCORS   bool
	logger       *zap.Logger
}

// NewRouter creates a new router instance
func NewRouter(
	turnHandler *handlers.TurnHandler,
	validator *auth.JWTValidator,
	collector *observability.Collector,
	errorHandler *pkgerrors.ErrorHandler,
	enableCORS bool,
	logger *zap.Logger,
) *Router {
	return &Router{
		turnHandler:  turnHandler,
		validator:    validator,
		collector:    collector,
		errorHandler: errorHandler,
		enableCORS:   enableCORS,
		logger:       logger,
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Global middleware
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(rt.errorHandler.Middleware)
	router.Use(middleware.Logger(rt.logger))
	router.Use(middleware.Metrics(rt.collector))
	router.Use(versionMiddleware)

	if rt.enableCORS {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"http://localhost:3000", "https://*.chronicle.dev"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Operational endpoints stay outside authentication
	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		rt.collector.GetRegistry(),
		promhttp.HandlerOpts{},
	))

	// API v1 routes (legacy - redirects to v2)
	router.Route("/api/v1", func(r chi.Router) {
		r.HandleFunc("/*", func(w http.ResponseWriter, req *http.Request) {
			http.Redirect(w, req, strings.Replace(req.URL.Path, "/api/v1", "/api/v2", 1), http.StatusPermanentRedirect)
		})
	})

	// API v2 routes (current)
	router.Route("/api/v2", func(r chi.Router) {
		r.Use(middleware.Authenticate(rt.validator, rt.logger))

		r.Route("/turns", func(r chi.Router) {
			r.Post("/", rt.turnHandler.SubmitTurn)
			r.Get("/", rt.turnHandler.ListTurns)
			r.Get("/{turnID}", rt.turnHandler.GetTurn)
			r.Get("/{turnID}/metrics", rt.turnHandler.GetTurnMetrics)
			r.Delete("/{turnID}", rt.turnHandler.AbortTurn)

			// Reconciliation re-runs compensation for a failed turn's
			// leftover checkpoints; operators only.
			r.With(middleware.RequireRole("operator")).
				Post("/{turnID}/reconcile", rt.turnHandler.ReconcileTurn)
		})
	})

	return router
}

// healthCheck handles health check requests
func (rt *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// readinessCheck handles readiness check requests
func (rt *Router) readinessCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// versionMiddleware adds API version headers to all responses
func versionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		version := "v2"
		if strings.Contains(r.URL.Path, "/api/v1") {
			version = "v1"
		}

		w.Header().Set("X-API-Version", version)
		w.Header().Set("X-API-Latest", "v2")

		if version == "v1" {
			w.Header().Set("X-API-Deprecated", "true")
		}

		next.ServeHTTP(w, r)
	})
}
