// Package config provides unified configuration loading helpers for the
// registry, orchestrator, and gateway services.
// - Environment variable loading with fallbacks and required-value checks
// - CSV parsing
// - Byte size parsing
// - Port configuration
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// =============================================================================
// Environment Loading Helpers
// =============================================================================

// MustGetEnv retrieves a required environment variable, logging and exiting
// the process if it is unset or empty. Use for configuration with no sane
// default (e.g. REDIS_ADDR, DOCKER_HOST) rather than silently running with a
// guessed value.
func MustGetEnv(key string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		log.Fatalf("CRITICAL: %s is required but not configured", key)
	}
	return value
}

// GetEnv retrieves an environment variable with optional default.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable with optional default.
// Accepts: "true", "1", "yes", "y" (case-insensitive) as true.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	lower := strings.ToLower(val)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// GetEnvInt retrieves an integer environment variable with optional default.
// Returns defaultValue if the value is not a valid integer.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// ParseEnvInt parses an integer from the environment variable with the given key.
// Returns the parsed value and true if successful, or 0 and false if not set or invalid.
func ParseEnvInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

// ParseEnvDuration parses a duration from the environment variable with the given key.
// Returns the parsed duration and true if successful, or 0 and false if not set or invalid.
func ParseEnvDuration(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// =============================================================================
// CSV Parsing
// =============================================================================

// SplitAndTrimCSV splits a CSV string and trims each part.
// Empty values are filtered out.
func SplitAndTrimCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// =============================================================================
// Byte Size Parsing
// =============================================================================

// ParseByteSize parses a size string like "1GB", "512MB", "512Mi" into bytes,
// using the same suffix table Docker's own CLI and engine accept for
// --memory and friends.
func ParseByteSize(raw string) (int64, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, fmt.Errorf("empty size")
	}

	parsed, err := units.RAMInBytes(value)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return parsed, nil
}

// =============================================================================
// Duration Parsing
// =============================================================================

// ParseDurationOrDefault parses a duration string or returns the default.
func ParseDurationOrDefault(raw string, defaultDuration time.Duration) time.Duration {
	if raw == "" {
		return defaultDuration
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed
	}
	return defaultDuration
}

// =============================================================================
// Bool Parsing
// =============================================================================

// ParseBoolOrDefault parses a boolean string or returns the default.
// Accepts: "true", "1", "yes", "y" (case-insensitive) as true.
func ParseBoolOrDefault(raw string, defaultValue bool) bool {
	if raw == "" {
		return defaultValue
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// =============================================================================
// Integer Parsing
// =============================================================================

// ParseIntOrDefault parses an integer string or returns the default.
func ParseIntOrDefault(raw string, defaultValue int) int {
	if raw == "" {
		return defaultValue
	}
	if parsed, err := strconv.Atoi(raw); err == nil {
		return parsed
	}
	return defaultValue
}

// ParseInt64OrDefault parses an int64 string or returns the default.
func ParseInt64OrDefault(raw string, defaultValue int64) int64 {
	if raw == "" {
		return defaultValue
	}
	if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return parsed
	}
	return defaultValue
}

// ParseUint32OrDefault parses a uint32 string or returns the default.
func ParseUint32OrDefault(raw string, defaultValue uint32) uint32 {
	if raw == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseUint(raw, 10, 32)
	if err == nil {
		return uint32(parsed)
	}
	return defaultValue
}

// =============================================================================
// Port Configuration
// =============================================================================

// GetPort retrieves the service port from config or environment.
func GetPort(serviceID string, defaultPort int) int {
	if port := os.Getenv("PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil && parsed > 0 {
			return parsed
		}
	}

	// Check services config
	cfg := LoadServicesConfigOrDefault()
	if settings := cfg.GetSettings(serviceID); settings != nil && settings.Port > 0 {
		return settings.Port
	}

	return defaultPort
}

// =============================================================================
// Timeouts
// =============================================================================

// DefaultTimeouts returns standard timeout values for different operations.
type DefaultTimeouts struct {
	HTTP      time.Duration
	Redis     time.Duration
	Docker    time.Duration
	Execution time.Duration
	Service   time.Duration
}

// GetDefaultTimeouts returns default timeout values.
func GetDefaultTimeouts() DefaultTimeouts {
	return DefaultTimeouts{
		HTTP:      30 * time.Second,
		Redis:     5 * time.Second,
		Docker:    10 * time.Second,
		Execution: 30 * time.Second,
		Service:   15 * time.Second,
	}
}
