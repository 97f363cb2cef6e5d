package util

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// lookupEnv returns the trimmed value of key and whether it is non-empty.
func lookupEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// ParseBoolEnv reads key as a boolean. true/1/yes/on and false/0/no/off are
// accepted in any case; anything else keeps def.
func ParseBoolEnv(key string, def bool) bool {
	v, ok := lookupEnv(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	slog.Warn("util.ParseBoolEnv: not a boolean, using default", "key", key, "value", v, "default", def)
	return def
}

// ParseDurationEnv reads key as a time.Duration ("10s", "72h"). Unparseable or
// non-positive values keep def.
func ParseDurationEnv(key string, def time.Duration) time.Duration {
	v, ok := lookupEnv(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("util.ParseDurationEnv: not a positive duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
