// Package config provides configuration for the leafai server.
package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Registry backends.
const (
	RegistrySQLite = "sqlite"
	RegistryMemory = "memory"
	RegistryRedis  = "redis"
)

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Storage
	DatabaseURL     string
	RegistryBackend string
	RedisURL        string
	StreamPoll      time.Duration

	// LLM
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration
	Mode       string

	// Runs
	AgentMaxSteps int
	RunTimeout    time.Duration
	ToolTimeout   time.Duration
	StepRetries   int

	// Security
	JWTSecret          string
	TokenEncryptionKey string
	PolicyPath         string

	// Google Drive
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string
	DriveBaseURL       string

	// Logging
	LogLevel string
}

// Load reads an optional .env file and then the environment. Variables
// already set in the shell take precedence over .env.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("WARN: failed to read .env: %v", err)
	}

	return &Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:        getEnv("DATABASE_URL", "file:leafai.db?mode=rwc&_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"),
		RegistryBackend:    strings.ToLower(getEnv("REGISTRY_BACKEND", RegistrySQLite)),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379/0"),
		StreamPoll:         getEnvDuration("STREAM_POLL_MS", 100*time.Millisecond),
		LLMBaseURL:         getEnv("LLM_BASE_URL", "https://api.openai.com"),
		LLMAPIKey:          getEnv("LLM_API_KEY", ""),
		LLMModel:           getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:         getEnvDuration("LLM_TIMEOUT_MS", 120*time.Second),
		Mode:               getEnv("LEAF_MODE", ""),
		AgentMaxSteps:      getEnvInt("AGENT_MAX_STEPS", 10),
		RunTimeout:         getEnvDuration("RUN_TIMEOUT_MS", 5*time.Minute),
		ToolTimeout:        getEnvDuration("TOOL_TIMEOUT_MS", 30*time.Second),
		StepRetries:        getEnvInt("STEP_RETRIES", 2),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),
		PolicyPath:         getEnv("POLICY_PATH", ""),
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURI:  getEnv("GOOGLE_REDIRECT_URI", ""),
		DriveBaseURL:       getEnv("DRIVE_BASE_URL", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
		log.Printf("WARN: %s=%q is not an integer, using %d", key, val, defaultVal)
	}
	return defaultVal
}

// getEnvDuration reads a millisecond count.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	ms := getEnvInt(key, -1)
	if ms < 0 {
		return defaultVal
	}
	return time.Duration(ms) * time.Millisecond
}
