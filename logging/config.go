package logging

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// FromEnv overlays base with <prefix>LOG_LEVEL, <prefix>LOG_FORMAT,
// <prefix>LOG_ENV and <prefix>LOG_ADD_SOURCE. Setting only the environment picks
// its usual level and format; explicit variables still win.
func FromEnv(prefix string, base Config) Config {
	config := base
	if env := os.Getenv(prefix + "LOG_ENV"); env != "" {
		config.Environment = strings.ToLower(env)
		switch config.Environment {
		case EnvDevelopment:
			config.Level, config.Format, config.AddSource = "debug", "text", true
		case EnvTest:
			config.Level, config.Format, config.AddSource = "debug", "text", false
		case EnvProduction:
			config.Level, config.Format, config.AddSource = "info", "json", false
		}
	}
	if level := os.Getenv(prefix + "LOG_LEVEL"); level != "" {
		config.Level = strings.ToLower(level)
	}
	if format := os.Getenv(prefix + "LOG_FORMAT"); format != "" {
		config.Format = strings.ToLower(format)
	}
	if addSource := os.Getenv(prefix + "LOG_ADD_SOURCE"); addSource != "" {
		if v, err := strconv.ParseBool(addSource); err == nil {
			config.AddSource = v
		}
	}
	return config
}

// ParseLevel maps a config level name to a slog level. ok is false for unknown
// names, which map to info.
func ParseLevel(level string) (lvl slog.Level, ok bool) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}
