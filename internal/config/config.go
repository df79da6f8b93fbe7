package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	PublicBaseURL string

	// Conversation store
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	TranscriptTTL time.Duration

	// Patient and report persistence
	DatabaseURL string

	// Model backends
	GeminiAPIKey         string
	GeminiModelID        string
	BedrockReportModelID string
	ConverseTimeout      time.Duration
	ReportTimeout        time.Duration
	RetryMaxAttempts     int
	RetryBaseDelay       time.Duration

	// AWS
	AWSRegion           string
	AWSEndpointOverride string

	// Session lifecycle
	SessionMaxIdle       time.Duration
	SessionSweepInterval time.Duration

	// Documents
	DocumentsBucket  string
	RenderServiceURL string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		TranscriptTTL: getEnvAsDuration("TRANSCRIPT_TTL", 30*24*time.Hour),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		GeminiAPIKey:         getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:        getEnv("GEMINI_MODEL_ID", "gemini-2.0-flash"),
		BedrockReportModelID: getEnv("BEDROCK_REPORT_MODEL_ID", "anthropic.claude-3-5-sonnet-20241022-v2:0"),
		ConverseTimeout:      getEnvAsDuration("CONVERSE_TIMEOUT", 30*time.Second),
		ReportTimeout:        getEnvAsDuration("REPORT_TIMEOUT", 2*time.Minute),
		RetryMaxAttempts:     getEnvAsInt("MODEL_RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:       getEnvAsDuration("MODEL_RETRY_BASE_DELAY", 500*time.Millisecond),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		SessionMaxIdle:       getEnvAsDuration("SESSION_MAX_IDLE", 30*time.Minute),
		SessionSweepInterval: getEnvAsDuration("SESSION_SWEEP_INTERVAL", time.Minute),

		DocumentsBucket:  getEnv("DOCUMENTS_BUCKET", ""),
		RenderServiceURL: getEnv("RENDER_SERVICE_URL", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
