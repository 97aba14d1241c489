package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const metricInterval = 10 * time.Second

// NewLogger returns a JSON slog logger writing to w and installs it as the default.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// RotatingFile opens a size-rotated file at path, creating its directory.
func RotatingFile(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}, nil
}

// NewRotatingLogger logs JSON to a RotatingFile at path, and to extra writers
// if given. Close the returned closer on exit.
func NewRotatingLogger(path string, level slog.Level, extra ...io.Writer) (*slog.Logger, io.Closer, error) {
	file, err := RotatingFile(path)
	if err != nil {
		return nil, nil, err
	}
	w := io.MultiWriter(append([]io.Writer{file}, extra...)...)
	return NewLogger(w, level), file, nil
}

// Providers holds the process-wide tracer and meter.
type Providers struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init sets up OpenTelemetry with stdout exporters writing to w and
// registers the providers globally.
func Init(ctx context.Context, service string, w io.Writer, pretty bool) (*Providers, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(service)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceOpts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	metricOpts := []stdoutmetric.Option{stdoutmetric.WithWriter(w)}
	if pretty {
		traceOpts = append(traceOpts, stdouttrace.WithPrettyPrint())
		metricOpts = append(metricOpts, stdoutmetric.WithPrettyPrint())
	}

	traceExporter, err := stdouttrace.New(traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New(metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(metricInterval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return &Providers{
		Tracer: tp.Tracer(service),
		Meter:  mp.Meter(service),
		tp:     tp,
		mp:     mp,
	}, nil
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(p.tp.Shutdown(ctx), p.mp.Shutdown(ctx))
}
