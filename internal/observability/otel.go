package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ongoingai/airelay/internal/config"
	"github.com/ongoingai/airelay/internal/correlation"
	"github.com/ongoingai/airelay/internal/pathutil"
)

const instrumentationName = "github.com/ongoingai/airelay"

// Runtime owns the OpenTelemetry providers and the relay's OTel instruments.
// A nil or disabled Runtime turns every method into a no-op.
type Runtime struct {
	enabled  bool
	prefixes []string

	tokens          metric.Int64Counter
	sinkRejected    metric.Int64Counter
	sinkWriteFailed metric.Int64Counter

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers. routePrefixes name the mounted
// provider prefixes used to keep span names low-cardinality.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger, routePrefixes ...string) (*Runtime, error) {
	runtime := &Runtime{prefixes: routePrefixes}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := config.Duration(cfg.ExportTimeoutMS)
	endpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// An explicit scheme decides transport security.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithTimeout(exportTimeout)}
		if insecure {
			options = append(options, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, options...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}
		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(exporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		options := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithTimeout(exportTimeout)}
		if insecure {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, options...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(config.Duration(cfg.MetricExportIntervalMS)),
				sdkmetric.WithTimeout(exportTimeout),
			)),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})
	runtime.initInstruments(otel.Meter(instrumentationName), logger)
	runtime.enabled = true

	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", endpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}
	return runtime, nil
}

func (r *Runtime) initInstruments(meter metric.Meter, logger *slog.Logger) {
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry counter", "metric", name, "error", err)
		}
		return c
	}
	r.tokens = counter("airelay.tokens_total", "Tokens accounted from relayed responses.")
	r.sinkRejected = counter("airelay.ledger.queue_rejected_total", "Usage records rejected because the ledger queue was full.")
	r.sinkWriteFailed = counter("airelay.ledger.write_failed_total", "Usage records lost after ledger write failures.")
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPHandler wraps inbound requests in a server span.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(next, "airelay.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return methodName(req.Method) + " " + r.routePattern(req.URL.Path)
		}),
	)
}

// WrapHTTPTransport wraps outbound provider calls in client spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return "upstream " + methodName(req.Method) + " " + req.URL.Host
		}),
	)
}

// Annotate adds relay attributes to the request span and marks 5xx outcomes
// as errors.
func Annotate(ctx context.Context, status int, attrs ...attribute.KeyValue) {
	span := oteltrace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	if id, ok := correlation.FromContext(ctx); ok {
		attrs = append(attrs, attribute.String("airelay.correlation_id", id))
	}
	span.SetAttributes(attrs...)
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, fmt.Sprintf("http %d", status))
	}
}

// RecordTokens adds accounted tokens by provider and kind.
func (r *Runtime) RecordTokens(provider, model string, prompt, completion int) {
	if !r.Enabled() || r.tokens == nil {
		return
	}
	ctx := context.Background()
	for kind, n := range map[string]int{"prompt": prompt, "completion": completion} {
		if n <= 0 {
			continue
		}
		r.tokens.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.String("kind", kind),
		))
	}
}

// RecordSinkRejected counts a record the ledger queue turned away.
func (r *Runtime) RecordSinkRejected() {
	if !r.Enabled() || r.sinkRejected == nil {
		return
	}
	r.sinkRejected.Add(context.Background(), 1)
}

// RecordSinkWriteFailure counts records lost by the store.
func (r *Runtime) RecordSinkWriteFailure(operation, class string, failed int) {
	if !r.Enabled() || failed <= 0 || r.sinkWriteFailed == nil {
		return
	}
	r.sinkWriteFailed.Add(context.Background(), int64(failed), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("error_class", class),
	))
}

// Shutdown flushes and stops the providers in reverse setup order.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) routePattern(path string) string {
	for _, prefix := range r.prefixes {
		if pathutil.HasPathPrefix(path, prefix) {
			return pathutil.NormalizePrefix(prefix) + "/*"
		}
	}
	return "/other"
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if parsed.Host == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

func methodName(method string) string {
	if method = strings.TrimSpace(method); method == "" {
		return "UNKNOWN"
	}
	return method
}
