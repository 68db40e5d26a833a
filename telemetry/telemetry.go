// Package telemetry exports the launcher's structured logs to an OTLP
// collector. Only the parent process wires this up: the jailed child
// closes its file descriptors and must not hold network connections.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationName = "github.com/coder/shimjail"

// Config configures the OTLP log export.
type Config struct {
	// Endpoint is the collector's host:port; the exporter speaks
	// OTLP/HTTP to it.
	Endpoint string

	// Insecure disables TLS toward the collector. Local collectors
	// usually want this.
	Insecure bool

	// ServiceName overrides the resource service name; defaults to
	// "shimjail".
	ServiceName string
}

// Setup builds a slog.Handler that mirrors every record both to next
// and to the OTLP exporter. The returned shutdown function flushes
// buffered records and must be called before process exit.
func Setup(ctx context.Context, next slog.Handler, cfg Config) (slog.Handler, func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return next, func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "shimjail"
	}

	exporterOpts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlploghttp.WithInsecure())
	}
	exporter, err := otlploghttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create OTLP log exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	)

	handler := &fanoutHandler{
		next: next,
		otel: &otelHandler{logger: provider.Logger(instrumentationName)},
	}
	return handler, provider.Shutdown, nil
}

// fanoutHandler duplicates records to a local handler and the OTLP
// bridge. Enabled follows the local handler so the log level keeps a
// single source of truth.
type fanoutHandler struct {
	next slog.Handler
	otel slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *fanoutHandler) Handle(ctx context.Context, rec slog.Record) error {
	if err := h.next.Handle(ctx, rec.Clone()); err != nil {
		return err
	}
	return h.otel.Handle(ctx, rec)
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanoutHandler{next: h.next.WithAttrs(attrs), otel: h.otel.WithAttrs(attrs)}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	return &fanoutHandler{next: h.next.WithGroup(name), otel: h.otel.WithGroup(name)}
}

// otelHandler adapts slog records onto the OpenTelemetry log API.
type otelHandler struct {
	logger otellog.Logger
	attrs  []otellog.KeyValue
	prefix string
}

func (h *otelHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *otelHandler) Handle(ctx context.Context, rec slog.Record) error {
	var out otellog.Record
	out.SetTimestamp(rec.Time)
	out.SetBody(otellog.StringValue(rec.Message))
	out.SetSeverity(mapSeverity(rec.Level))
	out.SetSeverityText(rec.Level.String())

	out.AddAttributes(h.attrs...)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttributes(h.convertAttr(a))
		return true
	})

	h.logger.Emit(ctx, out)
	return nil
}

func (h *otelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]otellog.KeyValue(nil), h.attrs...), h.convertAttrs(attrs)...)
	return &clone
}

func (h *otelHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func (h *otelHandler) convertAttrs(attrs []slog.Attr) []otellog.KeyValue {
	out := make([]otellog.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, h.convertAttr(a))
	}
	return out
}

func (h *otelHandler) convertAttr(a slog.Attr) otellog.KeyValue {
	key := h.prefix + a.Key
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindBool:
		return otellog.Bool(key, v.Bool())
	case slog.KindInt64:
		return otellog.Int64(key, v.Int64())
	case slog.KindUint64:
		return otellog.Int64(key, int64(v.Uint64()))
	case slog.KindFloat64:
		return otellog.Float64(key, v.Float64())
	case slog.KindString:
		return otellog.String(key, v.String())
	default:
		return otellog.String(key, v.String())
	}
}

func mapSeverity(level slog.Level) otellog.Severity {
	switch {
	case level >= slog.LevelError:
		return otellog.SeverityError
	case level >= slog.LevelWarn:
		return otellog.SeverityWarn
	case level >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}
