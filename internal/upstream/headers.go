package upstream

import (
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/ongoingai/airelay/internal/usage"
)

// Hop-by-hop headers are per-connection and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Inbound headers that describe the client connection rather than the call.
var inboundStripHeaders = []string{
	"Host",
	"Content-Length",
	"Accept-Encoding",
	"Forwarded",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
}

// Credential and signing headers a Bedrock client may carry; the dispatcher
// sets its own.
var bedrockStripHeaders = []string{
	"Api-Key",
	"Authorization",
	"X-Amz-Date",
	"X-Amz-Security-Token",
	"X-Amz-Content-Sha256",
	"X-Amz-User-Agent",
	"Amz-Sdk-Invocation-Id",
	"Amz-Sdk-Request",
}

// Upstream headers that expose provider-internal routing.
var upstreamRoutingHeaders = []string{
	"X-Ms-Region",
	"X-Ms-Deployment-Name",
	"Azureml-Model-Session",
	"Azureml-Model-Group",
	"X-Envoy-Upstream-Service-Time",
	"Apim-Request-Id",
}

const (
	headerBedrockInputTokens  = "X-Amzn-Bedrock-Input-Token-Count"
	headerBedrockOutputTokens = "X-Amzn-Bedrock-Output-Token-Count"
)

// ForwardHeaders returns the inbound headers that may reach provider.
func ForwardHeaders(src http.Header, provider usage.Provider) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopHeaders(dst)
	for _, name := range inboundStripHeaders {
		dst.Del(name)
	}
	if provider != usage.ProviderAzureChat {
		for _, name := range bedrockStripHeaders {
			dst.Del(name)
		}
	}
	// Usage extraction reads the body as sent.
	dst.Set("Accept-Encoding", "identity")
	return dst
}

// ResponseHeaders returns the upstream response headers the client may see.
func ResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		return make(http.Header)
	}
	removeHopHeaders(dst)
	for _, name := range upstreamRoutingHeaders {
		dst.Del(name)
	}
	return dst
}

// CopyHeaders replaces dst's values for every key in src.
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		dst[key] = append([]string(nil), values...)
	}
}

// HeaderUsage reads the token counts Bedrock InvokeModel reports in
// response headers. They are final for the call.
func HeaderUsage(h http.Header) usage.Delta {
	var delta usage.Delta
	if v, ok := headerInt(h, headerBedrockInputTokens); ok {
		delta.PromptTokens = usage.Int(v)
	}
	if v, ok := headerInt(h, headerBedrockOutputTokens); ok {
		delta.CompletionTokens = usage.Int(v)
	}
	if !delta.IsZero() {
		delta.Final = true
	}
	return delta
}

func headerInt(h http.Header, name string) (int, bool) {
	raw := strings.TrimSpace(h.Get(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func removeHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, field := range strings.Split(value, ",") {
			if field = textproto.TrimString(field); field != "" {
				h.Del(field)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
