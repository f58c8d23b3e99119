// Package observability installs the process-wide logger and tracer provider.
//
// Without OpenTelemetry configuration logs go to stderr as text or JSON. Setting
// OTEL_LOGS_EXPORTER (otlp or console) or an OTLP endpoint routes slog records through
// the OpenTelemetry bridge instead; OTEL_EXPORTER_OTLP_PROTOCOL selects grpc or
// http/protobuf. An OTLP endpoint also enables trace export.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const instrumentationName = "github.com/florianilch/kirodesk"

// ShutdownFunc flushes and stops exporters.
type ShutdownFunc func(context.Context) error

// Option configures Instrument.
type Option func(*options)

type options struct {
	output io.Writer
	getenv func(string) string
}

// WithOutput sets the destination of the text and JSON handlers. Defaults to stderr.
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		o.output = w
	}
}

// WithGetenv replaces os.Getenv for reading OpenTelemetry settings.
func WithGetenv(getenv func(string) string) Option {
	return func(o *options) {
		o.getenv = getenv
	}
}

// Instrument installs the default slog logger at level in the given format ("text" or
// "json") and, when configured through the environment, OpenTelemetry exporters.
// The returned function must be called before exit to flush buffered records.
func Instrument(ctx context.Context, level slog.Level, format string, opts ...Option) (ShutdownFunc, error) {
	o := &options{output: os.Stderr, getenv: os.Getenv}
	for _, opt := range opts {
		opt(o)
	}

	var shutdowns []ShutdownFunc
	shutdown := func(ctx context.Context) error {
		var errs []error
		for i := len(shutdowns) - 1; i >= 0; i-- {
			errs = append(errs, shutdowns[i](ctx))
		}
		return errors.Join(errs...)
	}

	handler, logShutdown, err := newHandler(ctx, level, format, o)
	if err != nil {
		return nil, err
	}
	if logShutdown != nil {
		shutdowns = append(shutdowns, logShutdown)
	}

	if endpoint := firstNonEmpty(o.getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"), o.getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		exporter, err := otlptracehttp.New(ctx)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("creating trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	slog.SetDefault(slog.New(handler))
	return shutdown, nil
}

func newHandler(ctx context.Context, level slog.Level, format string, o *options) (slog.Handler, ShutdownFunc, error) {
	exporterName := strings.ToLower(o.getenv("OTEL_LOGS_EXPORTER"))
	if exporterName == "" && firstNonEmpty(o.getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT"), o.getenv("OTEL_EXPORTER_OTLP_ENDPOINT")) != "" {
		exporterName = "otlp"
	}

	if exporterName == "" || exporterName == "none" {
		handlerOpts := &slog.HandlerOptions{Level: level}
		switch format {
		case "json":
			return slog.NewJSONHandler(o.output, handlerOpts), nil, nil
		case "text", "":
			return slog.NewTextHandler(o.output, handlerOpts), nil, nil
		default:
			return nil, nil, fmt.Errorf("unsupported log format %q", format)
		}
	}

	exporter, err := newLogExporter(ctx, exporterName, o)
	if err != nil {
		return nil, nil, err
	}

	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), severity(level))
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))
	return otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider)), provider.Shutdown, nil
}

func newLogExporter(ctx context.Context, name string, o *options) (sdklog.Exporter, error) {
	switch name {
	case "console":
		exporter, err := stdoutlog.New(stdoutlog.WithWriter(o.output))
		if err != nil {
			return nil, fmt.Errorf("creating console log exporter: %w", err)
		}
		return exporter, nil
	case "otlp":
		protocol := firstNonEmpty(o.getenv("OTEL_EXPORTER_OTLP_LOGS_PROTOCOL"), o.getenv("OTEL_EXPORTER_OTLP_PROTOCOL"))
		if protocol == "grpc" {
			exporter, err := otlploggrpc.New(ctx)
			if err != nil {
				return nil, fmt.Errorf("creating OTLP/gRPC log exporter: %w", err)
			}
			return exporter, nil
		}
		exporter, err := otlploghttp.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP/HTTP log exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("unsupported OTEL_LOGS_EXPORTER %q", name)
	}
}

// severity maps a slog level onto the OpenTelemetry severity scale.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level < slog.LevelInfo:
		return minsev.SeverityDebug
	case level < slog.LevelWarn:
		return minsev.SeverityInfo
	case level < slog.LevelError:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
