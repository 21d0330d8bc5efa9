package util

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// envValue returns the trimmed value of key and whether it is set to anything.
func envValue(key string) (string, bool) {
	val := strings.TrimSpace(os.Getenv(key))
	return val, val != ""
}

// ParseBoolEnv reads a boolean flag from the environment.
// true/1/yes/on and false/0/no/off are accepted in any case; anything else yields defaultValue.
func ParseBoolEnv(key string, defaultValue bool) bool {
	val, ok := envValue(key)
	if !ok {
		return defaultValue
	}
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	slog.Warn("ParseBoolEnv: invalid boolean value, using default", "key", key, "value", val, "default", defaultValue)
	return defaultValue
}

// ParseDurationEnv reads a duration such as "30s" or "15m" from the environment.
// Unparseable or non-positive values yield defaultValue.
func ParseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	val, ok := envValue(key)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		slog.Warn("ParseDurationEnv: invalid duration value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return d
}
