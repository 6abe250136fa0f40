package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the echo server settings read from the environment.
type Config struct {
	Addr       string
	BufferSize int
	Compress   bool
	RateLimit  float64
	RateBurst  int
	LogLevel   slog.Level
}

// LoadConfig reads settings from the environment, after loading .env when
// one is present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	loadEnvString(&cfg.Addr, "HUBNET_ADDR", ":8080")
	if err := loadEnvInt(&cfg.BufferSize, "HUBNET_BUFFER_SIZE", 2000000); err != nil {
		return nil, err
	}
	if err := loadEnvBool(&cfg.Compress, "HUBNET_COMPRESS", false); err != nil {
		return nil, err
	}
	if err := loadEnvFloat(&cfg.RateLimit, "HUBNET_RATE_LIMIT", 100); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&cfg.RateBurst, "HUBNET_RATE_BURST", 200); err != nil {
		return nil, err
	}

	var level string
	loadEnvString(&level, "HUBNET_LOG_LEVEL", "info")
	if err := cfg.LogLevel.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid value for HUBNET_LOG_LEVEL: %v", err)
	}

	return cfg, cfg.Validate()
}

// Validate performs validation on the loaded configuration
func (c *Config) Validate() error {
	var errs []string
	if c.Addr == "" {
		errs = append(errs, "HUBNET_ADDR must not be empty")
	}
	if c.BufferSize <= 100 {
		errs = append(errs, "HUBNET_BUFFER_SIZE must be greater than 100")
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		errs = append(errs, "HUBNET_RATE_LIMIT and HUBNET_RATE_BURST must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func loadEnvString(target *string, key, defaultValue string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvFloat(target *float64, key string, defaultValue float64) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvBool(target *bool, key string, defaultValue bool) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}
