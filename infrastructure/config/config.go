package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"chronicle-backend/domain/core/valueobjects"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	ServerAddress string
	Environment   string

	// AWS configuration
	AWSRegion     string
	DynamoDBTable string
	EventBusName  string

	// Lambda configuration
	IsLambda           bool
	LambdaFunctionName string

	// WebSocket configuration
	WebSocketEndpoint string
	ConnectionsTable  string

	// Pipeline configuration
	FanOutLimit      int
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	PhaseTimeouts    map[valueobjects.PhaseType]time.Duration
	PhaseEndpoints   map[valueobjects.PhaseType]string
	TurnLockLease    time.Duration

	// Logging
	LogLevel string

	// Authentication
	JWTSecret string
	JWTIssuer string

	// Feature flags
	EnableCloudWatch bool
	EnableTracing    bool
	EnableCORS       bool
	UseInMemoryStore bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerAddress: getEnv("SERVER_ADDRESS", ":8080"),
		Environment:   getEnv("ENVIRONMENT", "development"),
		AWSRegion:     getEnv("AWS_REGION", "us-west-2"),
		DynamoDBTable: getEnv("TABLE_NAME", "chronicle-turns"),
		EventBusName:  getEnv("EVENT_BUS_NAME", "chronicle-events"),

		IsLambda:           getEnvBool("IS_LAMBDA", false),
		LambdaFunctionName: getEnv("AWS_LAMBDA_FUNCTION_NAME", ""),

		WebSocketEndpoint: getEnv("WEBSOCKET_ENDPOINT", ""),
		ConnectionsTable:  getEnv("CONNECTIONS_TABLE", "chronicle-connections"),

		FanOutLimit:      getEnvInt("FAN_OUT_LIMIT", 8),
		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 250*time.Millisecond),
		PhaseTimeouts:    loadPhaseTimeouts(),
		PhaseEndpoints:   loadPhaseEndpoints(),
		TurnLockLease:    getEnvDuration("TURN_LOCK_LEASE", 5*time.Minute),

		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTIssuer: getEnv("JWT_ISSUER", "chronicle-backend"),

		LogLevel:         getEnv("LOG_LEVEL", "info"),
		EnableCloudWatch: getEnvBool("ENABLE_CLOUDWATCH_METRICS", false),
		EnableTracing:    getEnvBool("ENABLE_TRACING", false),
		EnableCORS:       getEnvBool("ENABLE_CORS", true),
		UseInMemoryStore: getEnvBool("USE_IN_MEMORY_STORE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is an alias for LoadConfig
func Load() (*Config, error) {
	return LoadConfig()
}

// loadPhaseTimeouts reads per-phase timeout overrides; the narrative phase
// gets the longest default because prose generation is the slow path
func loadPhaseTimeouts() map[valueobjects.PhaseType]time.Duration {
	return map[valueobjects.PhaseType]time.Duration{
		valueobjects.PhaseWorldUpdate:              getEnvDuration("TIMEOUT_WORLD_UPDATE", 10*time.Second),
		valueobjects.PhaseSubjectiveBrief:          getEnvDuration("TIMEOUT_SUBJECTIVE_BRIEF", 15*time.Second),
		valueobjects.PhaseInteractionOrchestration: getEnvDuration("TIMEOUT_INTERACTION_ORCHESTRATION", 20*time.Second),
		valueobjects.PhaseEventIntegration:         getEnvDuration("TIMEOUT_EVENT_INTEGRATION", 10*time.Second),
		valueobjects.PhaseNarrativeIntegration:     getEnvDuration("TIMEOUT_NARRATIVE_INTEGRATION", 45*time.Second),
	}
}

// loadPhaseEndpoints reads the base URL of each phase's owning service.
// Phases without an endpoint fall back to the in-process adapter, which is
// only acceptable outside production.
func loadPhaseEndpoints() map[valueobjects.PhaseType]string {
	endpoints := make(map[valueobjects.PhaseType]string, valueobjects.PhaseCount)
	keys := map[valueobjects.PhaseType]string{
		valueobjects.PhaseWorldUpdate:              "ENDPOINT_WORLD_UPDATE",
		valueobjects.PhaseSubjectiveBrief:          "ENDPOINT_SUBJECTIVE_BRIEF",
		valueobjects.PhaseInteractionOrchestration: "ENDPOINT_INTERACTION_ORCHESTRATION",
		valueobjects.PhaseEventIntegration:         "ENDPOINT_EVENT_INTEGRATION",
		valueobjects.PhaseNarrativeIntegration:     "ENDPOINT_NARRATIVE_INTEGRATION",
	}
	for phase, key := range keys {
		if url := getEnv(key, ""); url != "" {
			endpoints[phase] = url
		}
	}
	return endpoints
}

// Validate checks if all required configuration is present
func (c *Config) Validate() error {
	if c.Environment == "production" {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.DynamoDBTable == "" {
			return fmt.Errorf("TABLE_NAME is required")
		}
		if c.EventBusName == "" {
			return fmt.Errorf("EVENT_BUS_NAME is required")
		}
		if c.UseInMemoryStore {
			return fmt.Errorf("USE_IN_MEMORY_STORE is not allowed in production")
		}
		for _, phase := range valueobjects.CanonicalPhaseOrder() {
			if c.PhaseEndpoints[phase] == "" {
				return fmt.Errorf("missing phase service endpoint for %s", phase)
			}
		}
	}
	if c.FanOutLimit < 1 {
		return fmt.Errorf("FAN_OUT_LIMIT must be at least 1")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
