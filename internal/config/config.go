package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	LogLevel  string
	LogFormat string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Ledger LedgerConfig
	Lock   LockConfig
	Worker WorkerConfig
}

// LedgerConfig bounds the optimistic retry loop used by balance mutations.
type LedgerConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// LockConfig bounds named mutex acquisition.
type LockConfig struct {
	WaitTimeout time.Duration
	TTL         time.Duration
}

// WorkerConfig drives the queue pollers and sub-worker fan-out.
type WorkerConfig struct {
	Pollers      int
	SubWorkers   int
	PollInterval time.Duration
	BatchSize    int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "rowledger"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "json"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "rowledger"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Ledger: LedgerConfig{
			MaxAttempts: getenvInt("LEDGER_MAX_ATTEMPTS", 5),
			RetryDelay:  getenvDuration("LEDGER_RETRY_DELAY", 20*time.Millisecond),
		},
		Lock: LockConfig{
			WaitTimeout: getenvDuration("LOCK_WAIT_TIMEOUT", 10*time.Second),
			TTL:         getenvDuration("LOCK_TTL", 30*time.Second),
		},
		Worker: WorkerConfig{
			Pollers:      getenvInt("WORKER_POLLERS", 2),
			SubWorkers:   getenvInt("WORKER_SUB_WORKERS", 4),
			PollInterval: getenvDuration("WORKER_POLL_INTERVAL", 2*time.Second),
			BatchSize:    getenvInt("WORKER_BATCH_SIZE", 10),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
