package config

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

type stubParams struct {
	vals map[string]string
	err  error
	seen string
}

func (s *stubParams) Lookup(_ context.Context, name string) (string, bool, error) {
	s.seen = name
	if s.err != nil {
		return "", false, s.err
	}
	v, ok := s.vals[name]
	return v, ok, nil
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{EnvBufferTable: "buf"}), EnvBufferTable)
	require.NoError(t, err)
	require.Equal(t, "buf", cfg.BufferTable)
	require.Equal(t, 30, cfg.InactivityThresholdSeconds)
	require.Equal(t, time.Minute, cfg.LockTTL)
	require.Equal(t, 10*time.Second, cfg.OperationTimeout)
	require.Equal(t, 24*time.Hour, cfg.BufferTTL)
	require.Equal(t, 7*24*time.Hour, cfg.MarkerTTL)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoad_MarkerOutlivesLongBufferTTL(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{EnvBufferTTL: "2592000"}))
	require.NoError(t, err)
	require.Equal(t, 30*24*time.Hour, cfg.BufferTTL)
	require.Equal(t, cfg.BufferTTL, cfg.MarkerTTL)
	require.Equal(t, 7*24*time.Hour, MarkerTTL(time.Hour))
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{
		EnvInactivityThreshold: "45",
		EnvLockTTL:             "bad",
		EnvParamPrefix:         "/debounce/",
		EnvLogLevel:            "debug",
	}))
	require.NoError(t, err)
	require.Equal(t, 45, cfg.InactivityThresholdSeconds)
	require.Equal(t, time.Minute, cfg.LockTTL, "unparseable values fall back")
	require.Equal(t, "/debounce", cfg.ParamPrefix)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoad_MissingRequired(t *testing.T) {
	_, err := Load(envMap(nil), EnvBufferTable, EnvSessionTable)
	require.ErrorContains(t, err, "BUFFER_TABLE, SESSION_TABLE")
}

func TestLoad_BadLogLevel(t *testing.T) {
	_, err := Load(envMap(map[string]string{EnvLogLevel: "loud"}))
	require.ErrorContains(t, err, EnvLogLevel)
}

func TestApplyParams(t *testing.T) {
	cfg := Config{ParamPrefix: "/debounce", InactivityThresholdSeconds: 30}
	params := &stubParams{vals: map[string]string{"/debounce/inactivity_threshold_seconds": " 90 "}}
	require.NoError(t, cfg.ApplyParams(context.Background(), params))
	require.Equal(t, 90, cfg.InactivityThresholdSeconds)
}

func TestApplyParams_Absent(t *testing.T) {
	cfg := Config{ParamPrefix: "/debounce", InactivityThresholdSeconds: 30}
	require.NoError(t, cfg.ApplyParams(context.Background(), &stubParams{}))
	require.Equal(t, 30, cfg.InactivityThresholdSeconds)
}

func TestApplyParams_NoPrefixSkipsLookup(t *testing.T) {
	cfg := Config{InactivityThresholdSeconds: 30}
	params := &stubParams{}
	require.NoError(t, cfg.ApplyParams(context.Background(), params))
	require.Empty(t, params.seen)
}

func TestApplyParams_Errors(t *testing.T) {
	cfg := Config{ParamPrefix: "/debounce"}
	require.ErrorContains(t, cfg.ApplyParams(context.Background(), &stubParams{err: errors.New("boom")}), "boom")

	bad := &stubParams{vals: map[string]string{"/debounce/inactivity_threshold_seconds": "-3"}}
	require.ErrorContains(t, cfg.ApplyParams(context.Background(), bad), "invalid threshold")

	require.Error(t, cfg.ApplyParams(context.Background(), nil))
}
