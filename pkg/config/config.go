package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core. The risk,
// sizing, execution and schedule settings come from the policy file.
type Config struct {
	Port string

	// Persistence
	DBPath    string
	StatePath string

	// Ledger bootstrap when no state file exists
	InitialCash float64

	// Policy file (YAML); empty means built-in defaults
	PolicyPath string
	Policy     Policy

	// Auth; empty leaves every mutating endpoint disabled
	JWTSecret string

	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string

	// Price feed: redis when RedisAddr is set, in-memory cache otherwise
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Event outbox: kafka when brokers are set, log sink otherwise
	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads environment variables (optionally via .env) and the policy file.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DBPath:        getEnv("DB_PATH", "./data/execution.db"),
		StatePath:     getEnv("STATE_PATH", "./data/state.json"),
		InitialCash:   getEnvFloat("INITIAL_CASH", 10000.0),
		PolicyPath:    getEnv("POLICY_PATH", ""),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:     strings.ToLower(getEnv("LOG_FORMAT", "json")),
		LogOutput:     getEnv("LOG_OUTPUT", "stdout"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "market"),
		KafkaBrokers:  splitAndTrim(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "execution-events"),
	}

	policy, err := LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
