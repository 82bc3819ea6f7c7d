// Package tracing wires OpenTelemetry for the gateway and hands trace
// context to worker processes.
package tracing

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/osvaldoandrade/contentpipe/pkg/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc/credentials"
)

// exporterSettings is the config merged with the standard OTEL_* variables.
type exporterSettings struct {
	service  string
	endpoint string
	insecure bool
	ratio    float64
}

// resolve fills blanks from getenv. Config wins over the environment except
// for OTEL_EXPORTER_OTLP_INSECURE, which collectors commonly set per pod.
func resolve(cfg config.TracingConfig, getenv func(string) string) exporterSettings {
	first := func(vals ...string) string {
		for _, v := range vals {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
		return ""
	}
	s := exporterSettings{
		service:  first(cfg.ServiceName, getenv("OTEL_SERVICE_NAME"), "contentpipe"),
		endpoint: hostPort(first(cfg.OTLPEndpoint, getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "localhost:4317")),
		insecure: cfg.OTLPInsecure,
		ratio:    cfg.SampleRatio,
	}
	if v := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_INSECURE")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.insecure = b
		}
	}
	if s.ratio <= 0 || s.ratio > 1 {
		s.ratio = 1
	}
	return s
}

// Setup installs the propagator and, when enabled, a batching OTLP/gRPC
// tracer provider. The returned func flushes and stops it. Exporter
// failures only disable tracing.
func Setup(ctx context.Context, cfg config.TracingConfig, logger *slog.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	otel.SetTextMapPropagator(propagator())
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	s := resolve(cfg, os.Getenv)
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.endpoint)}
	if s.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		logger.Warn("otlp exporter unavailable, tracing off", "endpoint", s.endpoint, "err", err)
		return noop, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(s.service),
	))
	if err != nil {
		res = resource.Default()
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.ratio))),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "endpoint", s.endpoint, "service", s.service, "sample_ratio", s.ratio)
	return tp.Shutdown, nil
}

// W3C trace context only; baggage could carry caller data into workers.
func propagator() propagation.TextMapPropagator {
	return propagation.TraceContext{}
}

// WorkerEnv adds TRACEPARENT and TRACESTATE for the span in ctx to vars so
// instrumented workers join the invocation trace. vars is modified in place
// and returned.
func WorkerEnv(ctx context.Context, vars map[string]string) map[string]string {
	if vars == nil {
		vars = map[string]string{}
	}
	carrier := propagation.MapCarrier{}
	propagator().Inject(ctx, carrier)
	for header, name := range map[string]string{"traceparent": "TRACEPARENT", "tracestate": "TRACESTATE"} {
		if v := carrier.Get(header); v != "" {
			vars[name] = v
		}
	}
	return vars
}

// hostPort strips a scheme and trailing slash; the gRPC exporter wants
// host:port.
func hostPort(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return strings.TrimSuffix(raw, "/")
}
