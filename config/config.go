package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	UserID         string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Call           CallConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// CallConfig holds the tunables of the call subsystem. The ring timeout is
// explicit and configurable; the upstream push-notification expiry (~30s)
// is only the default, not a contract.
type CallConfig struct {
	RingTimeout  time.Duration
	HistoryTTL   time.Duration
	ICEServers   []string
	WriteRetries int
	RetryBackoff time.Duration
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	iceStr := getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302")
	iceServers := strings.Split(iceStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		UserID:         getEnv("CALLKIT_USER_ID", "local"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
		Call: CallConfig{
			RingTimeout:  getEnvDuration("RING_TIMEOUT", 30*time.Second),
			HistoryTTL:   getEnvDuration("CALL_HISTORY_TTL", 24*time.Hour),
			ICEServers:   iceServers,
			WriteRetries: getEnvInt("SIGNAL_WRITE_RETRIES", 3),
			RetryBackoff: getEnvDuration("SIGNAL_RETRY_BACKOFF", 250*time.Millisecond),
		},
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
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
