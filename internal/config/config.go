// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// minSecretKeyLen is the shortest KEYRENTAL_SECRET_KEY accepted.
const minSecretKeyLen = 32

// Config holds the application configuration loaded from environment variables.
type Config struct {
	SecretKey        string
	ListenAddr       string
	DBPath           string
	RotationInterval time.Duration
	SweepInterval    time.Duration
	DailyLimit       int64
	MonthlyLimit     int64
	AlertPercent     int64
	QuotaLocation    *time.Location
	RedisURL         string
	EventChannel     string
	LogLevel         slog.Level
}

// HasRedis reports whether events should also be published to Redis.
func (c *Config) HasRedis() bool {
	return c.RedisURL != ""
}

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory is loaded first when present; variables
// already set in the environment win over it.
//
// KEYRENTAL_SECRET_KEY is required and must be at least 32 characters.
// Optional variables with defaults: KEYRENTAL_LISTEN_ADDR (127.0.0.1:8080),
// KEYRENTAL_DB_PATH (keyrental.db), KEYRENTAL_ROTATION_INTERVAL (5m),
// KEYRENTAL_SWEEP_INTERVAL (1m), KEYRENTAL_DAILY_LIMIT (1000),
// KEYRENTAL_MONTHLY_LIMIT (30000), KEYRENTAL_ALERT_PERCENT (80),
// KEYRENTAL_QUOTA_TIMEZONE (UTC), KEYRENTAL_REDIS_URL (unset),
// KEYRENTAL_EVENT_CHANNEL (keyrental.events), KEYRENTAL_LOG_LEVEL (info).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	secretKey := os.Getenv("KEYRENTAL_SECRET_KEY")
	if secretKey == "" {
		return nil, errors.New("KEYRENTAL_SECRET_KEY is required")
	}
	if len(secretKey) < minSecretKeyLen {
		return nil, fmt.Errorf("KEYRENTAL_SECRET_KEY must be at least %d characters", minSecretKeyLen)
	}

	rotationInterval, err := durationEnv("KEYRENTAL_ROTATION_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := durationEnv("KEYRENTAL_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}

	dailyLimit, err := positiveIntEnv("KEYRENTAL_DAILY_LIMIT", 1000)
	if err != nil {
		return nil, err
	}
	monthlyLimit, err := positiveIntEnv("KEYRENTAL_MONTHLY_LIMIT", 30000)
	if err != nil {
		return nil, err
	}
	alertPercent, err := positiveIntEnv("KEYRENTAL_ALERT_PERCENT", 80)
	if err != nil {
		return nil, err
	}
	if alertPercent > 100 {
		return nil, fmt.Errorf("KEYRENTAL_ALERT_PERCENT must be between 1 and 100, got %d", alertPercent)
	}

	loc := time.UTC
	if v, ok := os.LookupEnv("KEYRENTAL_QUOTA_TIMEZONE"); ok && v != "" {
		loc, err = time.LoadLocation(v)
		if err != nil {
			return nil, fmt.Errorf("KEYRENTAL_QUOTA_TIMEZONE has invalid location %q: %w", v, err)
		}
	}

	logLevel := slog.LevelInfo
	if v, ok := os.LookupEnv("KEYRENTAL_LOG_LEVEL"); ok && v != "" {
		if err := logLevel.UnmarshalText([]byte(strings.ToUpper(v))); err != nil {
			return nil, fmt.Errorf("KEYRENTAL_LOG_LEVEL has invalid level %q: %w", v, err)
		}
	}

	listenAddr := "127.0.0.1:8080"
	if v, ok := os.LookupEnv("KEYRENTAL_LISTEN_ADDR"); ok {
		listenAddr = v
	}

	dbPath := "keyrental.db"
	if v, ok := os.LookupEnv("KEYRENTAL_DB_PATH"); ok {
		dbPath = v
	}

	eventChannel := "keyrental.events"
	if v, ok := os.LookupEnv("KEYRENTAL_EVENT_CHANNEL"); ok && v != "" {
		eventChannel = v
	}

	return &Config{
		SecretKey:        secretKey,
		ListenAddr:       listenAddr,
		DBPath:           dbPath,
		RotationInterval: rotationInterval,
		SweepInterval:    sweepInterval,
		DailyLimit:       dailyLimit,
		MonthlyLimit:     monthlyLimit,
		AlertPercent:     alertPercent,
		QuotaLocation:    loc,
		RedisURL:         os.Getenv("KEYRENTAL_REDIS_URL"),
		EventChannel:     eventChannel,
		LogLevel:         logLevel,
	}, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, v)
	}
	return parsed, nil
}

func positiveIntEnv(key string, def int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid integer %q: %w", key, v, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, parsed)
	}
	return parsed, nil
}
