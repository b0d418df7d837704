package telemetry

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
	"go.uber.org/zap"
)

const defaultServiceName = "toolgate"

// Config describes how a toolgate binary exports spans.
type Config struct {
	ServiceName string
	Version     string
	Environment string

	// Endpoint is the OTLP/HTTP collector host. Empty keeps tracing local.
	Endpoint string
	Headers  map[string]string
	Timeout  time.Duration
	Insecure bool
	// Required turns an exporter start failure into a startup error.
	Required bool

	Sampler sdktrace.Sampler
}

// ConfigFromEnv reads the OTEL_* variables plus SERVICE_VERSION and ENVIRONMENT.
func ConfigFromEnv(serviceName string) Config {
	return Config{
		ServiceName: serviceName,
		Version:     strings.TrimSpace(os.Getenv("SERVICE_VERSION")),
		Environment: strings.TrimSpace(os.Getenv("ENVIRONMENT")),
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:     parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:     time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)) * time.Second,
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required:    os.Getenv("OTEL_REQUIRED") == "true",
		Sampler:     parseSampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG")),
	}
}

func (c Config) service() string {
	if name := strings.TrimSpace(c.ServiceName); name != "" {
		return name
	}
	return defaultServiceName
}

// Resource is the SDK default resource plus the service identity of c.
func (c Config) Resource() *resource.Resource {
	attrs := []attribute.KeyValue{semconv.ServiceName(c.service())}
	if c.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(c.Version))
	}
	if c.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(c.Environment))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return resource.NewSchemaless(attrs...)
	}
	return res
}

// Init configures global tracing from the environment.
func Init(ctx context.Context, serviceName string, logger *zap.Logger) (func(context.Context) error, error) {
	return Setup(ctx, ConfigFromEnv(serviceName), logger)
}

// Setup installs a global tracer provider for cfg and returns its shutdown
// func. An exporter that cannot start is logged and skipped unless
// cfg.Required is set.
func Setup(ctx context.Context, cfg Config, logger *zap.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = parseSampler("", "")
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(cfg.Resource()),
		sdktrace.WithSampler(sampler),
	}

	switch exporter, err := newExporter(ctx, cfg); {
	case err != nil && cfg.Required:
		return nil, err
	case err != nil:
		logger.Warn("otel exporter disabled",
			zap.String("service", cfg.service()),
			zap.String("endpoint", cfg.Endpoint),
			zap.Error(err),
		)
	case exporter == nil:
		logger.Debug("otel exporter not configured", zap.String("service", cfg.service()))
	default:
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(cfg.Timeout))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

// parseSampler maps OTEL_TRACES_SAMPLER onto an SDK sampler. The ratio is
// clamped to [0, 1]; unknown names get parent-based ratio sampling.
func parseSampler(name, arg string) sdktrace.Sampler {
	ratio := 1.0
	if val, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(val, 0), 1)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware records a server span for every inbound request.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(Config{ServiceName: serviceName}.service())
}

// parseHeaders reads the "k1=v1,k2=v2" form of OTEL_EXPORTER_OTLP_HEADERS.
func parseHeaders(raw string) map[string]string {
	var out map[string]string
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func envInt(key string, def int) int {
	if i, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return i
	}
	return def
}
