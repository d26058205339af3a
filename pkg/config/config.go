// Package config loads the gateway's runtime configuration from the
// environment, 12-factor style.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	DBDialect   string // "postgres" | "sqlite"

	PolicyEngineURL  string // OPA URL; empty selects the in-process CEL engine
	PolicySourcePath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SealTTL            time.Duration
	EvaluationDeadline time.Duration
	RequestDeadline    time.Duration
	MaxManifestBytes   int64

	AuthRequired bool
	JWTIssuerTTL time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		DatabaseURL: getEnv("DATABASE_URL", "postgres://authgate@localhost:5432/authgate?sslmode=disable"),
		DBDialect:   getEnv("DB_DIALECT", "postgres"),

		PolicyEngineURL:  getEnv("POLICY_ENGINE_URL", ""),
		PolicySourcePath: getEnv("POLICY_SOURCE_PATH", "policy.yaml"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		SealTTL:            getEnvDuration("SEAL_TTL", 5*time.Minute),
		EvaluationDeadline: getEnvDuration("POLICY_EVALUATION_DEADLINE", 2*time.Second),
		RequestDeadline:    getEnvDuration("REQUEST_DEADLINE", 5*time.Second),
		MaxManifestBytes:   getEnvInt64("MAX_MANIFEST_BYTES", 256*1024),

		AuthRequired: getEnv("AUTH_REQUIRED", "false") == "true",
		JWTIssuerTTL: getEnvDuration("JWT_ISSUER_TTL", 24*time.Hour),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
