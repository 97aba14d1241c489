package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInit_ExportsSpansOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	p, err := Init(context.Background(), "debounce-test", &buf, false)
	require.NoError(t, err)

	_, span := p.Tracer.Start(context.Background(), "Consolidate")
	span.End()
	counter, err := p.Meter.Int64Counter("debounce.consolidations")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	require.NoError(t, p.Shutdown(context.Background()))
	require.Contains(t, buf.String(), `"Name":"Consolidate"`)
	require.Contains(t, buf.String(), "debounce.consolidations")
}

func TestNewRotatingLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "logs", "debounce.log")
	var mirror bytes.Buffer
	logger, closer, err := NewRotatingLogger(path, slog.LevelInfo, &mirror)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("session consolidated", "user_id", "u1")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"session consolidated"`)
	require.NotContains(t, string(data), "hidden")
	require.Equal(t, string(data), mirror.String())
}
