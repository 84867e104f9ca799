// Package correlation carries one identifier per relayed request through
// logs, ledger records and response headers.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderName is the canonical correlation identifier header.
	HeaderName = "X-Airelay-Correlation-ID"
	maxIDLen   = 128
)

// source pulls a candidate identifier out of one inbound header value.
type source struct {
	header  string
	extract func(string) string
}

// Checked in order. Provider SDK headers come after the generic ones so an
// explicit caller id always wins over a trace id the SDK made up.
var sources = []source{
	{header: HeaderName, extract: plain},
	{header: "X-Request-ID", extract: plain},
	{header: "X-Correlation-ID", extract: plain},
	{header: "X-Ms-Client-Request-Id", extract: plain},
	{header: "X-Amzn-Trace-Id", extract: amznTraceRoot},
	{header: "Traceparent", extract: traceparentID},
}

type ctxKey struct{}

// EnsureRequest returns req with a correlation identifier on its context and
// in HeaderName. An id already on the context wins, then a valid inbound
// header, then a fresh one.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}
	id, ok := FromContext(req.Context())
	if !ok {
		if id = FromHeaders(req.Header); id == "" {
			id = NewID()
		}
		req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, id))
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set(HeaderName, id)
	return req, id
}

// WithContext stores id on ctx. Invalid ids leave ctx unchanged.
func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if id = normalizeID(id); id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identifier stored by WithContext or EnsureRequest.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id, id != ""
}

// FromHeaders returns the first usable identifier among the known inbound
// headers, or "".
func FromHeaders(headers http.Header) string {
	for _, src := range sources {
		raw := headers.Get(src.header)
		if raw == "" {
			continue
		}
		if id := normalizeID(src.extract(raw)); id != "" {
			return id
		}
	}
	return ""
}

// NewID returns a random UUID.
func NewID() string {
	return uuid.NewString()
}

func plain(raw string) string { return raw }

// amznTraceRoot keeps the Root field of an X-Amzn-Trace-Id value
// ("Root=1-5759e988-bd862e3fe1be46a994272793;Parent=...;Sampled=1").
func amznTraceRoot(raw string) string {
	for _, field := range strings.Split(raw, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if ok && strings.EqualFold(key, "Root") {
			return value
		}
	}
	return ""
}

// traceparentID keeps the trace-id of a W3C traceparent
// ("00-<32 hex trace-id>-<16 hex parent-id>-<flags>").
func traceparentID(raw string) string {
	parts := strings.Split(strings.TrimSpace(raw), "-")
	if len(parts) != 4 || len(parts[1]) != 32 || strings.Trim(parts[1], "0") == "" {
		return ""
	}
	return parts[1]
}

func normalizeID(raw string) string {
	id := strings.TrimSpace(raw)
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	if id == "" || strings.IndexFunc(id, invalidIDRune) >= 0 {
		return ""
	}
	return id
}

func invalidIDRune(r rune) bool {
	switch {
	case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
		return false
	case strings.ContainsRune("-_.:=;", r):
		return false
	}
	return true
}
