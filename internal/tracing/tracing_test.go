package tracing

import (
	"context"
	"testing"

	"github.com/osvaldoandrade/contentpipe/pkg/config"
	"go.opentelemetry.io/otel/trace"
)

func TestHostPort(t *testing.T) {
	cases := map[string]string{
		"http://collector:4317":   "collector:4317",
		"https://otel.local:443/": "otel.local:443",
		"localhost:4317/":         "localhost:4317",
		"  ":                      "",
	}
	for in, want := range cases {
		if got := hostPort(in); got != want {
			t.Errorf("hostPort(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolve(t *testing.T) {
	env := func(m map[string]string) func(string) string {
		return func(k string) string { return m[k] }
	}

	tests := []struct {
		name string
		cfg  config.TracingConfig
		env  map[string]string
		want exporterSettings
	}{
		{
			name: "defaults",
			want: exporterSettings{service: "contentpipe", endpoint: "localhost:4317", ratio: 1},
		},
		{
			name: "environment fills blanks",
			env: map[string]string{
				"OTEL_SERVICE_NAME":           "pipeline-gw",
				"OTEL_EXPORTER_OTLP_ENDPOINT": "http://otel:4317",
				"OTEL_EXPORTER_OTLP_INSECURE": "true",
			},
			want: exporterSettings{service: "pipeline-gw", endpoint: "otel:4317", insecure: true, ratio: 1},
		},
		{
			name: "config wins",
			cfg:  config.TracingConfig{ServiceName: "cfg", OTLPEndpoint: "collector:4317", SampleRatio: 0.25},
			env:  map[string]string{"OTEL_SERVICE_NAME": "env", "OTEL_EXPORTER_OTLP_ENDPOINT": "other:4317"},
			want: exporterSettings{service: "cfg", endpoint: "collector:4317", ratio: 0.25},
		},
		{
			name: "env insecure overrides, bad ratio reset",
			cfg:  config.TracingConfig{OTLPInsecure: true, SampleRatio: 3},
			env:  map[string]string{"OTEL_EXPORTER_OTLP_INSECURE": "0"},
			want: exporterSettings{service: "contentpipe", endpoint: "localhost:4317", ratio: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolve(tt.cfg, env(tt.env)); got != tt.want {
				t.Fatalf("resolve = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestWorkerEnv(t *testing.T) {
	if vars := WorkerEnv(context.Background(), nil); len(vars) != 0 {
		t.Fatalf("no span should add nothing, got %v", vars)
	}

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	vars := WorkerEnv(ctx, map[string]string{"PATH": "/usr/bin"})
	want := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	if vars["TRACEPARENT"] != want {
		t.Fatalf("TRACEPARENT = %q, want %q", vars["TRACEPARENT"], want)
	}
	if vars["PATH"] != "/usr/bin" {
		t.Fatalf("existing vars must be kept")
	}
	if _, ok := vars["TRACESTATE"]; ok {
		t.Fatalf("empty tracestate should not be exported")
	}
}
