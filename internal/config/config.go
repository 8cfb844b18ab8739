package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds server configuration, loaded once at startup from the
// environment. Extends the teacher's internal/config/config.go with the
// engine's own knobs: database identity, per-collection retention, and
// the server-advertised protocol version (§4.11).
type Config struct {
	// Server
	Host        string
	Port        int
	Environment string

	// Authentication
	JWTSecret string

	// Database
	DatabaseURL  string
	DatabaseName string

	// Redis
	RedisURL           string
	RedisChannelPrefix string

	// CORS
	CORSOrigins []string

	// Engine
	Collections             []string
	CompactionRetentionDays int
	PruningRetentionDays    int
	ProtocolVersion         int
}

// Load loads configuration from environment variables.
func Load() *Config {
	env := getEnv("ENVIRONMENT", "development")
	jwtSecret := getEnv("JWT_SECRET", "")

	if jwtSecret == "" {
		if env == "production" {
			panic("JWT_SECRET environment variable is required in production")
		}
		jwtSecret = "development-secret-do-not-use-in-production"
	}

	if env == "production" && len(jwtSecret) < 32 {
		panic(fmt.Sprintf("JWT_SECRET must be at least 32 characters in production (got %d)", len(jwtSecret)))
	}

	return &Config{
		Host:                    getEnv("HOST", "0.0.0.0"),
		Port:                    getEnvInt("PORT", 8080),
		Environment:             env,
		JWTSecret:               jwtSecret,
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		DatabaseName:            getEnv("DATABASE_NAME", "default"),
		RedisURL:                getEnv("REDIS_URL", ""),
		RedisChannelPrefix:      getEnv("REDIS_CHANNEL_PREFIX", "replicate"),
		CORSOrigins:             getEnvList("CORS_ORIGINS", []string{"*"}),
		Collections:             getEnvList("COLLECTIONS", nil),
		CompactionRetentionDays: getEnvInt("COMPACTION_RETENTION_DAYS", 90),
		PruningRetentionDays:    getEnvInt("PRUNING_RETENTION_DAYS", 180),
		ProtocolVersion:         getEnvInt("PROTOCOL_VERSION", 1),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
