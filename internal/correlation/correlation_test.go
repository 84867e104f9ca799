package correlation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestEnsureRequestUsesIncomingHeaderWhenValid(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/azure/openai/deployments/gpt4o/chat/completions", nil)
	req.Header.Set("X-Request-ID", "abc-123")

	updated, id := EnsureRequest(req)
	if updated == nil {
		t.Fatal("updated request is nil")
	}
	if id != "abc-123" {
		t.Fatalf("correlation id=%q, want abc-123", id)
	}
	if got := updated.Header.Get(HeaderName); got != "abc-123" {
		t.Fatalf("%s=%q, want abc-123", HeaderName, got)
	}
	if fromCtx, ok := FromContext(updated.Context()); !ok || fromCtx != "abc-123" {
		t.Fatalf("context correlation=%q (ok=%v), want abc-123", fromCtx, ok)
	}
}

func TestEnsureRequestGeneratesIDWhenIncomingHeaderInvalid(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/azure/openai/deployments/gpt4o/chat/completions", nil)
	req.Header.Set(HeaderName, "bad value with spaces")

	updated, id := EnsureRequest(req)
	if updated == nil {
		t.Fatal("updated request is nil")
	}
	if id == "" {
		t.Fatal("expected generated correlation id")
	}
	if got := updated.Header.Get(HeaderName); got != id {
		t.Fatalf("%s=%q, want %q", HeaderName, got, id)
	}
	if fromCtx, ok := FromContext(updated.Context()); !ok || fromCtx != id {
		t.Fatalf("context correlation=%q (ok=%v), want %q", fromCtx, ok, id)
	}
}

func TestFromHeadersPrioritizesCanonicalHeader(t *testing.T) {
	t.Parallel()

	headers := make(http.Header)
	headers.Set("X-Request-ID", "request-id")
	headers.Set(HeaderName, "canonical-id")

	if got := FromHeaders(headers); got != "canonical-id" {
		t.Fatalf("FromHeaders()=%q, want canonical-id", got)
	}
}

func TestEnsureRequestGeneratesUUID(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/bedrock/runtime/model/m/converse", nil)
	_, id := EnsureRequest(req)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("generated id %q is not a uuid: %v", id, err)
	}
}

func TestFromHeadersAcceptsProviderRequestIDs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{name: "azure client id", header: "X-Ms-Client-Request-Id", value: "6f1c2b9e-azure", want: "6f1c2b9e-azure"},
		{name: "amzn trace root", header: "X-Amzn-Trace-Id", value: "Root=1-67891233-abcdef012345678912345678;Sampled=1", want: "1-67891233-abcdef012345678912345678"},
		{name: "amzn trace without root", header: "X-Amzn-Trace-Id", value: "Self=1-67891233-abc;Sampled=1", want: ""},
		{name: "traceparent", header: "Traceparent", value: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", want: "4bf92f3577b34da6a3ce929d0e0e4736"},
		{name: "zero traceparent", header: "Traceparent", value: "00-00000000000000000000000000000000-00f067aa0ba902b7-01", want: ""},
		{name: "malformed traceparent", header: "Traceparent", value: "00-abc-01", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			headers := make(http.Header)
			headers.Set(tt.header, tt.value)
			if got := FromHeaders(headers); got != tt.want {
				t.Fatalf("FromHeaders(%s)=%q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestFromHeadersFallsThroughInvalidValues(t *testing.T) {
	t.Parallel()

	headers := make(http.Header)
	headers.Set("X-Request-ID", "has spaces")
	headers.Set("X-Amzn-Trace-Id", "Root=1-aa-bb")
	if got := FromHeaders(headers); got != "1-aa-bb" {
		t.Fatalf("FromHeaders()=%q, want 1-aa-bb", got)
	}
	if got := FromHeaders(nil); got != "" {
		t.Fatalf("FromHeaders(nil)=%q, want empty", got)
	}
}

func TestEnsureRequestKeepsContextID(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/azure/openai/deployments/d/chat/completions", nil)
	req.Header.Set("X-Request-ID", "from-header")
	req = req.WithContext(WithContext(req.Context(), "from-context"))

	updated, id := EnsureRequest(req)
	if id != "from-context" || updated.Header.Get(HeaderName) != "from-context" {
		t.Fatalf("id=%q header=%q, want from-context", id, updated.Header.Get(HeaderName))
	}
}

func TestWithContextIgnoresInvalidID(t *testing.T) {
	t.Parallel()

	ctx := WithContext(context.Background(), "not valid!")
	if id, ok := FromContext(ctx); ok {
		t.Fatalf("FromContext()=%q, want none", id)
	}
	long := WithContext(context.Background(), strings.Repeat("a", maxIDLen+10))
	if id, _ := FromContext(long); len(id) != maxIDLen {
		t.Fatalf("len(id)=%d, want %d", len(id), maxIDLen)
	}
}
