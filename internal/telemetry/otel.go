// Package telemetry wraps OpenTelemetry tracing for the WAF core.
// Grounded on the teacher's internal/telemetry.Provider — the exporter
// setup, env-var config, and noop fallback are unchanged in shape; the
// span/event vocabulary is rebuilt around request evaluation, profile
// execution, and leader election instead of proxied-session bookkeeping.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Provider manages OpenTelemetry tracing for the gateway.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "wardengate"
	}
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer(cfg.ServiceName)}, nil
	}

	slog.Info("creating telemetry exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("otlp exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer(cfg.ServiceName)}, nil
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	return &Provider{config: cfg, tracer: tp.Tracer(cfg.ServiceName), provider: tp}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown gracefully shuts down the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is actively exporting.
func (p *Provider) Enabled() bool { return p.config.Enabled && p.provider != nil }

// Span attribute keys used across the request-evaluation pipeline.
const (
	AttrVhostID      = "waf.vhost.id"
	AttrEndpointID   = "waf.endpoint.id"
	AttrProfileID    = "waf.profile.id"
	AttrDecision     = "waf.decision"
	AttrScore        = "waf.score"
	AttrClientAddr   = "waf.client.addr"
	AttrInstanceID   = "waf.instance.id"
	AttrRequestMethod = "http.request.method"
	AttrRequestPath   = "url.path"
)

// StartRequestSpan starts a span covering one request's full evaluation:
// endpoint match through terminal verdict.
func (p *Provider) StartRequestSpan(ctx context.Context, vhostID, method, path string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "waf.evaluate_request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrVhostID, vhostID),
			attribute.String(AttrRequestMethod, method),
			attribute.String(AttrRequestPath, path),
		),
	)
}

// EndRequestSpan closes a request span with the terminal verdict.
func (p *Provider) EndRequestSpan(span trace.Span, endpointID, decision string, score float64, err error) {
	span.SetAttributes(
		attribute.String(AttrEndpointID, endpointID),
		attribute.String(AttrDecision, decision),
		attribute.Float64(AttrScore, score),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordProfileExecution adds an event for one profile's contribution to
// the orchestrator's aggregate result (C12).
func (p *Provider) RecordProfileExecution(ctx context.Context, profileID, action string, score float64, execMs int64) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("profile.executed",
		trace.WithAttributes(
			attribute.String(AttrProfileID, profileID),
			attribute.String(AttrDecision, action),
			attribute.Float64(AttrScore, score),
			attribute.Int64("waf.profile.exec_ms", execMs),
		),
	)
}

// RecordLeaderAcquired marks a leader-election win by this instance (C15).
func (p *Provider) RecordLeaderAcquired(ctx context.Context, instanceID string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("cluster.leader_acquired", trace.WithAttributes(attribute.String(AttrInstanceID, instanceID)))
}

// DefaultConfig returns a default telemetry configuration (disabled).
func DefaultConfig() Config {
	return Config{Enabled: false, Exporter: "none", ServiceName: "wardengate"}
}

// ConfigFromEnv overlays telemetry config from environment variables.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}
	if os.Getenv("WAF_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if v := os.Getenv("WAF_TELEMETRY_EXPORTER"); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv("WAF_TELEMETRY_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	return cfg
}

// NoopProvider returns a provider that does nothing (for tests).
func NoopProvider() *Provider {
	return &Provider{config: Config{Enabled: false}, tracer: otel.Tracer("wardengate-noop")}
}

// SpanFromContext extracts the active span from context.
func SpanFromContext(ctx context.Context) trace.Span { return trace.SpanFromContext(ctx) }

// ContextWithTimeout creates a context with timeout, used for shutdown.
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
