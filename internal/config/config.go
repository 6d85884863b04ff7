// Package config provides configuration management for the ETL engine.
// It loads configuration from environment variables with sensible defaults
// and validates it before the application starts.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//
// Database Configuration:
//   - DATABASE_TYPE: Database type - "sqlite" or "postgres" (default: sqlite)
//   - DATABASE_PATH: SQLite database file path (default: ./etl_engine.db)
//   - POSTGRES_HOST: PostgreSQL host (required if using PostgreSQL)
//   - POSTGRES_PORT: PostgreSQL port (default: 5432)
//   - POSTGRES_DB: PostgreSQL database name (required if using PostgreSQL)
//   - POSTGRES_USER: PostgreSQL username (required if using PostgreSQL)
//   - POSTGRES_PASSWORD: PostgreSQL password
//   - POSTGRES_SSL_MODE: PostgreSQL SSL mode (default: disable)
//
// Scheduling:
//   - SCHEDULER_TICK: How often the trigger service evaluates schedules (default: 10s)
//
// Execution:
//   - WORKER_POOL_SIZE: Maximum tasks running concurrently across all executions (default: 8)
//   - TASK_DEFAULT_TIMEOUT: Per-attempt timeout for tasks that do not set one (default: 30m)
//   - RETRY_BASE_DELAY: Base delay for exponential retry backoff (default: 5s)
//   - RETRY_MAX_DELAY: Cap on the retry backoff delay (default: 5m)
//   - FAILURE_POLICY: "drain" lets running siblings finish after a permanent
//     task failure, "fail_fast" cancels them (default: drain)
//   - HEARTBEAT_INTERVAL: How often running tasks stamp their heartbeat (default: 15s)
//   - ORPHAN_THRESHOLD: Heartbeat age after which a running task is presumed
//     dead during crash recovery (default: 2m)
//   - CANCEL_GRACE_PERIOD: How long a cancelled task may keep running before
//     it is force-failed (default: 30s)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"etl-engine/internal/common/utils"
)

// Failure policies for executions with a permanently failed task.
const (
	FailurePolicyDrain    = "drain"
	FailurePolicyFailFast = "fail_fast"
)

// Config holds all configuration values for the engine. String fields map
// one-to-one to environment variables; load with Load and check with
// Validate before use.
type Config struct {
	// Application settings
	Port     string
	LogLevel string

	// Database configuration
	DatabaseType     string
	DatabasePath     string
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Scheduling
	SchedulerTick time.Duration

	// Execution
	WorkerPoolSize     int
	TaskDefaultTimeout time.Duration
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	FailurePolicy      string
	HeartbeatInterval  time.Duration
	OrphanThreshold    time.Duration
	CancelGracePeriod  time.Duration
}

// Load creates a Config with values from environment variables, falling back
// to defaults for anything unset. It does not validate; call Validate on the
// result.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseType:     getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath:     getEnv("DATABASE_PATH", "./etl_engine.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "etl_engine"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		SchedulerTick: getDurationEnv("SCHEDULER_TICK", 10*time.Second),

		WorkerPoolSize:     getIntEnv("WORKER_POOL_SIZE", 8),
		TaskDefaultTimeout: getDurationEnv("TASK_DEFAULT_TIMEOUT", 30*time.Minute),
		RetryBaseDelay:     getDurationEnv("RETRY_BASE_DELAY", 5*time.Second),
		RetryMaxDelay:      getDurationEnv("RETRY_MAX_DELAY", 5*time.Minute),
		FailurePolicy:      getEnv("FAILURE_POLICY", FailurePolicyDrain),
		HeartbeatInterval:  getDurationEnv("HEARTBEAT_INTERVAL", 15*time.Second),
		OrphanThreshold:    getDurationEnv("ORPHAN_THRESHOLD", 2*time.Minute),
		CancelGracePeriod:  getDurationEnv("CANCEL_GRACE_PERIOD", 30*time.Second),
	}
}

// PostgresDSN builds the connection string for the postgres backend.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresSSLMode)
}

// Validate checks required fields, value ranges and cross-field dependencies.
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	switch c.DatabaseType {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("DATABASE_TYPE must be 'sqlite' or 'postgres'")
	}

	if c.DatabaseType == "postgres" || c.DatabaseType == "postgresql" {
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required when using PostgreSQL")
		}
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("POSTGRES_PORT must be a valid port number")
		}
	} else if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required when using SQLite")
	}

	if c.SchedulerTick < time.Second {
		return fmt.Errorf("SCHEDULER_TICK must be at least 1s")
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be a positive number")
	}
	if c.TaskDefaultTimeout <= 0 {
		return fmt.Errorf("TASK_DEFAULT_TIMEOUT must be a positive duration")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_BASE_DELAY must be positive and RETRY_MAX_DELAY must not be below it")
	}

	switch c.FailurePolicy {
	case FailurePolicyDrain, FailurePolicyFailFast:
	default:
		return fmt.Errorf("FAILURE_POLICY must be 'drain' or 'fail_fast'")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be a positive duration")
	}
	if c.OrphanThreshold <= c.HeartbeatInterval {
		return fmt.Errorf("ORPHAN_THRESHOLD must be larger than HEARTBEAT_INTERVAL")
	}
	if c.CancelGracePeriod <= 0 {
		return fmt.Errorf("CANCEL_GRACE_PERIOD must be a positive duration")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv accepts everything time.ParseDuration does plus "d" (days)
// and "w" (weeks) units, so operators can write ORPHAN_THRESHOLD=1d.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := utils.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
