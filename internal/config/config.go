package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName          = "SpendGate"
	defaultAppEnv           = "development"
	defaultPort             = "8080"
	defaultLogLevel         = "info"
	defaultShutdownDelay    = 10 * time.Second
	defaultReservationTTL   = 5 * time.Minute
	defaultSubmitTimeout    = 15 * time.Second
	defaultCommitRetries    = 5
	defaultCommitRetryDelay = 200 * time.Millisecond
	defaultPeriodTimezone   = "UTC"

	reservationTTLEnvVar   = "RESERVATION_TTL"
	submitTimeoutEnvVar    = "SUBMIT_TIMEOUT"
	commitRetriesEnvVar    = "COMMIT_RETRIES"
	commitRetryDelayEnvVar = "COMMIT_RETRY_DELAY"
	periodTimezoneEnvVar   = "PERIOD_TIMEZONE"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName          string
	AppEnv           string
	Port             string
	LogLevel         string
	DatabaseURL      string
	RedisURL         string
	ShutdownPeriod   time.Duration
	ReservationTTL   time.Duration
	SubmitTimeout    time.Duration
	CommitRetries    int
	CommitRetryDelay time.Duration
	PeriodTimezone   string
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:          getEnv("APP_NAME", defaultAppName),
		AppEnv:           getEnv("APP_ENV", defaultAppEnv),
		Port:             getEnv("PORT", defaultPort),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		ShutdownPeriod:   defaultShutdownDelay,
		ReservationTTL:   defaultReservationTTL,
		SubmitTimeout:    defaultSubmitTimeout,
		CommitRetries:    defaultCommitRetries,
		CommitRetryDelay: defaultCommitRetryDelay,
		PeriodTimezone:   getEnv(periodTimezoneEnvVar, defaultPeriodTimezone),
	}

	for _, d := range []struct {
		envVar string
		target *time.Duration
	}{
		{shutdownDurationEnvVar, &cfg.ShutdownPeriod},
		{reservationTTLEnvVar, &cfg.ReservationTTL},
		{submitTimeoutEnvVar, &cfg.SubmitTimeout},
		{commitRetryDelayEnvVar, &cfg.CommitRetryDelay},
	} {
		if v := os.Getenv(d.envVar); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.envVar, err)
			}
			*d.target = parsed
		}
	}

	if v := os.Getenv(commitRetriesEnvVar); v != "" {
		retries, err := strconv.Atoi(v)
		if err != nil || retries < 1 {
			return Config{}, fmt.Errorf("invalid %s: must be a positive integer", commitRetriesEnvVar)
		}
		cfg.CommitRetries = retries
	}

	if _, err := time.LoadLocation(cfg.PeriodTimezone); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", periodTimezoneEnvVar, err)
	}

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
	}

	return cfg, nil
}

// PeriodLocation resolves the configured reference timezone for spend buckets.
// Load has already validated the name, so failures here indicate tampering
// with the Config value after construction.
func (c Config) PeriodLocation() (*time.Location, error) {
	return time.LoadLocation(c.PeriodTimezone)
}

// IsDev reports whether the service runs in a development environment where
// in-memory stores may substitute for Postgres and Redis.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
