package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ongoingai/airelay/internal/config"
	"github.com/ongoingai/airelay/internal/correlation"
)

func TestNormalizeOTLPEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		input         string
		wantEndpoint  string
		wantInsecure  bool
		wantErrSubstr string
	}{
		{name: "host and port", input: "collector:4318", wantEndpoint: "collector:4318"},
		{name: "http url", input: "http://collector:4318", wantEndpoint: "collector:4318", wantInsecure: true},
		{name: "https url", input: "https://collector:4318", wantEndpoint: "collector:4318"},
		{name: "invalid scheme", input: "ftp://collector:4318", wantErrSubstr: "scheme must be http or https"},
		{name: "missing host", input: "http://", wantErrSubstr: "must include host"},
		{name: "empty endpoint", input: "   ", wantErrSubstr: "must not be empty"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gotEndpoint, gotInsecure, err := normalizeOTLPEndpoint(tt.input)
			if tt.wantErrSubstr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErrSubstr) {
					t.Fatalf("error=%v, want substring %q", err, tt.wantErrSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeOTLPEndpoint(%q) error=%v", tt.input, err)
			}
			if gotEndpoint != tt.wantEndpoint || gotInsecure != tt.wantInsecure {
				t.Fatalf("got (%q, %v), want (%q, %v)", gotEndpoint, gotInsecure, tt.wantEndpoint, tt.wantInsecure)
			}
		})
	}
}

func TestRoutePattern(t *testing.T) {
	t.Parallel()

	runtime := &Runtime{prefixes: []string{"/azure", "/bedrock"}}
	tests := []struct {
		path string
		want string
	}{
		{path: "/azure/openai/deployments/gpt-4o/chat/completions", want: "/azure/*"},
		{path: "/bedrock/model/anthropic.claude-v2/invoke-with-response-stream", want: "/bedrock/*"},
		{path: "/bedrockx/model", want: "/other"},
		{path: "/health", want: "/other"},
	}
	for _, tt := range tests {
		if got := runtime.routePattern(tt.path); got != tt.want {
			t.Fatalf("routePattern(%q)=%q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestWrapHTTPHandlerNamesSpansByPrefix(t *testing.T) {
	oldTracerProvider := otel.GetTracerProvider()
	defer otel.SetTracerProvider(oldTracerProvider)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	runtime := &Runtime{enabled: true, prefixes: []string{"/azure"}}
	handler := runtime.WrapHTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Annotate(r.Context(), http.StatusBadGateway, attribute.String("airelay.provider", "azure"))
		w.WriteHeader(http.StatusBadGateway)
	}))

	req := httptest.NewRequest(http.MethodPost, "/azure/openai/deployments/d/chat/completions", nil)
	req = req.WithContext(correlation.WithContext(req.Context(), "corr-1"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans=%d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "POST /azure/*" {
		t.Fatalf("span name=%q", span.Name())
	}
	if span.Status().Code != codes.Error {
		t.Fatalf("status=%v, want error", span.Status().Code)
	}
	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["airelay.provider"] != "azure" || attrs["airelay.correlation_id"] != "corr-1" {
		t.Fatalf("attributes=%v", attrs)
	}
}

func TestRuntimeCountersRecordAttributes(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = meterProvider.Shutdown(context.Background()) })

	runtime := &Runtime{enabled: true}
	runtime.initInstruments(meterProvider.Meter("test"), nil)

	runtime.RecordTokens("bedrock-runtime", "anthropic.claude-v2", 5, 2)
	runtime.RecordTokens("azure", "gpt-4o", 0, 0)
	runtime.RecordSinkRejected()
	runtime.RecordSinkWriteFailure("write_batch", "contention", 3)
	runtime.RecordSinkWriteFailure("write", "unknown", 0)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}

	totals := map[string]int64{}
	points := map[string]int{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s data type=%T", m.Name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
				points[m.Name]++
			}
		}
	}

	if totals["airelay.tokens_total"] != 7 || points["airelay.tokens_total"] != 2 {
		t.Fatalf("tokens total=%d points=%d", totals["airelay.tokens_total"], points["airelay.tokens_total"])
	}
	if totals["airelay.ledger.queue_rejected_total"] != 1 {
		t.Fatalf("rejected=%d", totals["airelay.ledger.queue_rejected_total"])
	}
	if totals["airelay.ledger.write_failed_total"] != 3 || points["airelay.ledger.write_failed_total"] != 1 {
		t.Fatalf("write failed=%d points=%d", totals["airelay.ledger.write_failed_total"], points["airelay.ledger.write_failed_total"])
	}
}

func TestSetupExportsTracesAndMetrics(t *testing.T) {
	oldTracerProvider := otel.GetTracerProvider()
	oldMeterProvider := otel.GetMeterProvider()
	oldPropagator := otel.GetTextMapPropagator()
	defer func() {
		otel.SetTracerProvider(oldTracerProvider)
		otel.SetMeterProvider(oldMeterProvider)
		otel.SetTextMapPropagator(oldPropagator)
	}()

	var traceRequests, metricRequests atomic.Int64
	var unexpectedPath atomic.Bool
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_ = r.Body.Close()
		switch r.URL.Path {
		case "/v1/traces":
			traceRequests.Add(1)
		case "/v1/metrics":
			metricRequests.Add(1)
		default:
			unexpectedPath.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	runtime, err := Setup(context.Background(), config.OTelConfig{
		Enabled:                true,
		Endpoint:               collector.URL,
		ServiceName:            "airelay-test",
		TracesEnabled:          true,
		MetricsEnabled:         true,
		SamplingRatio:          1.0,
		ExportTimeoutMS:        1000,
		MetricExportIntervalMS: 25,
	}, "test", nil, "/azure", "/bedrock")
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if !runtime.Enabled() {
		t.Fatal("runtime should be enabled")
	}

	_, span := otel.Tracer("test").Start(context.Background(), "relay.test")
	span.End()
	runtime.RecordTokens("azure", "gpt-4o", 5, 2)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := runtime.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("runtime.Shutdown() error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return traceRequests.Load() > 0 && metricRequests.Load() > 0
	})
	if unexpectedPath.Load() {
		t.Fatal("collector observed unexpected OTLP request path")
	}
}

func TestSetupRejectsBadEndpoint(t *testing.T) {
	t.Parallel()

	_, err := Setup(context.Background(), config.OTelConfig{Enabled: true, Endpoint: "ftp://collector", TracesEnabled: true}, "test", nil)
	if err == nil {
		t.Fatal("Setup() error=nil, want scheme error")
	}
}

func TestRuntimeGuardsDoNotPanic(t *testing.T) {
	t.Parallel()

	var nilRuntime *Runtime
	disabled, err := Setup(context.Background(), config.OTelConfig{}, "test", nil)
	if err != nil {
		t.Fatalf("Setup(disabled) error: %v", err)
	}

	for _, runtime := range []*Runtime{nilRuntime, disabled} {
		if runtime.Enabled() {
			t.Fatal("runtime should be disabled")
		}
		next := http.NotFoundHandler()
		if got := runtime.WrapHTTPHandler(next); got == nil {
			t.Fatal("WrapHTTPHandler returned nil")
		}
		if got := runtime.WrapHTTPTransport(nil); got != http.DefaultTransport {
			t.Fatal("WrapHTTPTransport(nil) should fall back to the default transport")
		}
		runtime.RecordTokens("azure", "m", 1, 1)
		runtime.RecordSinkRejected()
		runtime.RecordSinkWriteFailure("write", "unknown", 1)
		if err := runtime.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown() error: %v", err)
		}
	}
	Annotate(context.Background(), http.StatusInternalServerError)
}

func waitFor(t *testing.T, timeout time.Duration, predicate func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
