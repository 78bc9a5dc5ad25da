package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Control API configuration
	Port         string
	Mode         string
	ControlToken string

	// Host application identity
	AppID      string
	UserID     string
	DeviceName string

	// Telemetry backend configuration
	BackendURL string
	APIKey     string

	// Transaction source (NATS) configuration
	NatsURL  string
	NatsUser string
	NatsPass string

	// Local persistence configuration
	DatabaseURL string
	RedisURL    string

	// Session configuration (seconds)
	HeartbeatIntervalSeconds int
	HeartbeatMaxAttempts     int
	HeartbeatBackoffSeconds  int
	SessionRetrySeconds      int
}

var AppConfig *Config

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	AppConfig = &Config{
		Port:         getEnv("PORT", "8090"),
		Mode:         getEnv("GIN_MODE", "debug"),
		ControlToken: getEnv("CONTROL_TOKEN", ""),

		AppID:      getEnv("APP_ID", ""),
		UserID:     getEnv("USER_ID", ""),
		DeviceName: getEnv("DEVICE_NAME", ""),

		BackendURL: getEnv("BACKEND_URL", ""),
		APIKey:     getEnv("BACKEND_API_KEY", ""),

		NatsURL:  getEnv("NATS_URL", "nats://localhost:4222"),
		NatsUser: getEnv("NATS_USER", ""),
		NatsPass: getEnv("NATS_PASS", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		HeartbeatIntervalSeconds: getEnvInt("HEARTBEAT_INTERVAL_SECONDS", 60),
		HeartbeatMaxAttempts:     getEnvInt("HEARTBEAT_MAX_ATTEMPTS", 3),
		HeartbeatBackoffSeconds:  getEnvInt("HEARTBEAT_BACKOFF_SECONDS", 1),
		SessionRetrySeconds:      getEnvInt("SESSION_RETRY_SECONDS", 5),
	}

	return nil
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
