// Package config reads runtime settings. Only cmd packages call it.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	EnvBufferTable         = "BUFFER_TABLE"
	EnvSessionTable        = "SESSION_TABLE"
	EnvControlTable        = "CONTROL_TABLE"
	EnvInactivityThreshold = "INACTIVITY_THRESHOLD_SECONDS"
	EnvLockTTL             = "LOCK_TTL_SECONDS"
	EnvOperationTimeout    = "OPERATION_TIMEOUT_SECONDS"
	EnvBufferTTL           = "BUFFER_TTL_SECONDS"
	EnvParamPrefix         = "PARAM_PREFIX"
	EnvLogLevel            = "LOG_LEVEL"

	thresholdParam = "/inactivity_threshold_seconds"

	minMarkerTTL = 7 * 24 * time.Hour
)

type Config struct {
	BufferTable  string
	SessionTable string
	ControlTable string

	InactivityThresholdSeconds int
	LockTTL                    time.Duration
	OperationTimeout           time.Duration
	BufferTTL                  time.Duration
	MarkerTTL                  time.Duration

	ParamPrefix string
	LogLevel    slog.Level
}

// Lookuper resolves optional parameters; paramstore.Client satisfies it.
type Lookuper interface {
	Lookup(ctx context.Context, name string) (string, bool, error)
}

// Load builds a Config from getenv. Every name in required must be set.
func Load(getenv func(string) string, required ...string) (Config, error) {
	var missing []string
	for _, key := range required {
		if strings.TrimSpace(getenv(key)) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("config: required environment variables not set: %s", strings.Join(missing, ", "))
	}

	cfg := Config{
		BufferTable:                strings.TrimSpace(getenv(EnvBufferTable)),
		SessionTable:               strings.TrimSpace(getenv(EnvSessionTable)),
		ControlTable:               strings.TrimSpace(getenv(EnvControlTable)),
		InactivityThresholdSeconds: envInt(getenv, EnvInactivityThreshold, 30),
		LockTTL:                    envSeconds(getenv, EnvLockTTL, 60),
		OperationTimeout:           envSeconds(getenv, EnvOperationTimeout, 10),
		BufferTTL:                  envSeconds(getenv, EnvBufferTTL, 86400),
		ParamPrefix:                strings.TrimRight(strings.TrimSpace(getenv(EnvParamPrefix)), "/"),
		LogLevel:                   slog.LevelInfo,
	}
	cfg.MarkerTTL = MarkerTTL(cfg.BufferTTL)
	if v := getenv(EnvLogLevel); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", EnvLogLevel, err)
		}
	}
	return cfg, nil
}

// ApplyParams overrides the inactivity threshold from the parameter store
// when ParamPrefix is set and the parameter exists.
func (c *Config) ApplyParams(ctx context.Context, params Lookuper) error {
	if c.ParamPrefix == "" {
		return nil
	}
	if params == nil {
		return errors.New("config: parameter store must not be nil when a prefix is set")
	}
	raw, ok, err := params.Lookup(ctx, c.ParamPrefix+thresholdParam)
	if err != nil {
		return fmt.Errorf("config: load threshold: %w", err)
	}
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return fmt.Errorf("config: invalid threshold parameter %q", raw)
	}
	c.InactivityThresholdSeconds = n
	return nil
}

// MarkerTTL is how long a consolidation marker is kept: never shorter than
// the buffer entries it covers, and at least seven days.
func MarkerTTL(bufferTTL time.Duration) time.Duration {
	return max(minMarkerTTL, bufferTTL)
}

func envInt(getenv func(string) string, key string, def int) int {
	v := getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envSeconds(getenv func(string) string, key string, def int) time.Duration {
	return time.Duration(envInt(getenv, key, def)) * time.Second
}
