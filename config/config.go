// Package config loads process configuration from the environment. An
// optional .env file is read first; variables already set win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/compliance-engine/lock"
	"github.com/warp/compliance-engine/logger"
)

const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

type Config struct {
	// Server
	Port         int
	DatabasePath string
	CalendarFile string

	// Lineage locking
	LockBackend   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration

	// External collaborators; empty URLs use the in-process stand-ins
	DocumentServiceURL string
	PaymentLedgerURL   string
	DirectoryURL       string
	ExternalTimeout    time.Duration

	// Accrual scheduler
	AccrualInterval time.Duration
	AccrualWorkers  int

	// Logging Configuration
	LogLevel      string
	LogFormat     string
	LogTimeFormat string
	LogOutput     string
}

// LoadDotEnv reads path (".env" when empty) into the environment. A missing
// file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

func Load() (*Config, error) {
	port, err := getEnvInt("COMPLIANCE_PORT", 8080)
	if err != nil {
		return nil, err
	}
	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	workers, err := getEnvInt("ACCRUAL_WORKERS", 4)
	if err != nil {
		return nil, err
	}
	externalTimeout, err := getEnvDuration("EXTERNAL_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	lockTTL, err := getEnvDuration("LOCK_TTL", lock.DefaultTTL)
	if err != nil {
		return nil, err
	}
	accrualInterval, err := getEnvDuration("ACCRUAL_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Port:               port,
		DatabasePath:       getEnv("COMPLIANCE_DB", "compliance.db"),
		CalendarFile:       getEnv("COMPLIANCE_CALENDAR_FILE", ""),
		LockBackend:        getEnv("COMPLIANCE_LOCK_BACKEND", LockBackendLocal),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            redisDB,
		LockTTL:            lockTTL,
		DocumentServiceURL: getEnv("DOCUMENT_SERVICE_URL", ""),
		PaymentLedgerURL:   getEnv("PAYMENT_LEDGER_URL", ""),
		DirectoryURL:       getEnv("OPERATOR_DIRECTORY_URL", ""),
		ExternalTimeout:    externalTimeout,
		AccrualInterval:    accrualInterval,
		AccrualWorkers:     workers,
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "console"),
		LogTimeFormat:      getEnv("LOG_TIME_FORMAT", time.RFC3339),
		LogOutput:          getEnv("LOG_OUTPUT", "stdout"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("COMPLIANCE_PORT %d is out of range", c.Port)
	}
	switch c.LockBackend {
	case LockBackendLocal:
	case LockBackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("COMPLIANCE_LOCK_BACKEND must be %q or %q, got %q", LockBackendLocal, LockBackendRedis, c.LockBackend)
	}
	if c.ExternalTimeout <= 0 {
		return fmt.Errorf("EXTERNAL_TIMEOUT must be positive")
	}
	// A lineage lease is held across one collaborator call and is never
	// renewed. Half the lease is left for the store writes around the call.
	if c.LockBackend == LockBackendRedis && 2*c.ExternalTimeout > c.LockTTL {
		return fmt.Errorf("EXTERNAL_TIMEOUT %s must be at most half of LOCK_TTL %s", c.ExternalTimeout, c.LockTTL)
	}
	if c.AccrualWorkers <= 0 {
		return fmt.Errorf("ACCRUAL_WORKERS must be positive")
	}
	return nil
}

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
