package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// Collaboration tuning
	PersistDebounce     time.Duration
	RoomCleanupTimeout  time.Duration
	CompactionThreshold int64

	// Auth
	JWTSecret string

	// Observability
	JaegerEndpoint string
	CORSOrigin     string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "shapesync"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		PersistDebounce:     time.Duration(getEnvInt("PERSIST_DEBOUNCE_MS", 2000)) * time.Millisecond,
		RoomCleanupTimeout:  time.Duration(getEnvInt("ROOM_CLEANUP_TIMEOUT_MS", 60000)) * time.Millisecond,
		CompactionThreshold: int64(getEnvInt("COMPACTION_THRESHOLD", 50)),

		JWTSecret: getEnv("JWT_SECRET", ""),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		CORSOrigin:     getEnv("CORS_ORIGIN", "*"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.PersistDebounce <= 0 || cfg.RoomCleanupTimeout <= 0 || cfg.CompactionThreshold <= 0 {
		return nil, fmt.Errorf("collaboration timings must be positive")
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
