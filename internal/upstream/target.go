// Package upstream resolves inbound relay paths to provider targets and
// opens the outbound request.
package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ongoingai/airelay/internal/parser"
	"github.com/ongoingai/airelay/internal/pathutil"
	"github.com/ongoingai/airelay/internal/relay"
	"github.com/ongoingai/airelay/internal/usage"
)

// Bedrock runtime operations.
const (
	OpInvoke                   = "invoke"
	OpInvokeWithResponseStream = "invoke-with-response-stream"
	OpConverse                 = "converse"
	OpConverseStream           = "converse-stream"
)

// Bedrock agent runtime operations.
const (
	OpInvokeAgent               = "invokeAgent"
	OpRetrieveAndGenerate       = "retrieveAndGenerate"
	OpRetrieveAndGenerateStream = "retrieveAndGenerateStream"
)

const (
	agentInvokeSuffix            = "text"
	defaultAzurePrefix           = "/azure"
	defaultBedrockPrefix         = "/bedrock"
	bedrockRuntimeSegment        = "runtime"
	bedrockAgentSegment          = "agent-runtime"
	bedrockRuntimeEndpointFormat = "https://bedrock-runtime.%s.amazonaws.com"
	bedrockAgentEndpointFormat   = "https://bedrock-agent-runtime.%s.amazonaws.com"
)

var bedrockRuntimeOps = map[string]bool{
	OpInvoke:                   false,
	OpInvokeWithResponseStream: true,
	OpConverse:                 false,
	OpConverseStream:           true,
}

// OperationOther labels any operation outside the known set.
const OperationOther = "other"

var azureOps = map[string]bool{
	"chat/completions":     true,
	"completions":          true,
	"embeddings":           true,
	"responses":            true,
	"images/generations":   true,
	"audio/speech":         true,
	"audio/transcriptions": true,
	"audio/translations":   true,
}

var agentOps = map[string]bool{
	OpInvokeAgent:               true,
	OpRetrieveAndGenerate:       true,
	OpRetrieveAndGenerateStream: true,
	"retrieve":                  true,
}

// OperationLabel maps an operation taken from the request path onto a
// bounded set suitable for metric labels.
func OperationLabel(provider, operation string) string {
	var known bool
	switch usage.Provider(provider) {
	case usage.ProviderAzureChat:
		known = azureOps[operation]
	case usage.ProviderBedrockRuntime:
		_, known = bedrockRuntimeOps[operation]
	case usage.ProviderBedrockAgent:
		known = agentOps[operation]
	}
	if !known {
		return OperationOther
	}
	return operation
}

// Auth says how the outbound request is authenticated.
type Auth int

const (
	// AuthPassthrough forwards the client's credential header.
	AuthPassthrough Auth = iota
	// AuthSigV4 signs the request with cached AWS credentials.
	AuthSigV4
)

// Target is the resolved upstream for one request. It is immutable once
// returned by Resolve.
type Target struct {
	Provider  usage.Provider
	Operation string
	// ModelID is the Bedrock model id or the Azure deployment name.
	ModelID   string
	Streaming bool
	URL       string
	Header    http.Header
	Body      []byte
	Auth      Auth
	// BodyRewritten is set when the forwarded body differs from the inbound one.
	BodyRewritten bool
}

// NewDecoder picks the framing variant and payload decoder for the response.
// The Content-Type header wins; the target's streaming mode is the fallback.
func (t Target) NewDecoder(contentType string, limits parser.Limits) parser.Decoder {
	fallback := parser.FormatDocument
	var payload parser.PayloadDecoder
	switch t.Provider {
	case usage.ProviderAzureChat:
		payload = parser.NewAzurePayload()
		if t.Streaming {
			fallback = parser.FormatEventStream
		}
	case usage.ProviderBedrockAgent:
		payload = parser.NewBedrockAgentPayload()
		if t.Streaming {
			fallback = parser.FormatEnvelope
		}
	default:
		payload = parser.NewBedrockRuntimePayload()
		if t.Streaming {
			fallback = parser.FormatEnvelope
		}
	}
	return parser.New(parser.FormatForContentType(contentType, fallback), payload, limits)
}

// Endpoints configures where each provider lives.
type Endpoints struct {
	AzurePrefix   string
	AzureEndpoint string
	// AzureAPIVersion is added as api-version when the client sends none.
	AzureAPIVersion string
	// InjectStreamUsage asks Azure for a trailing usage chunk on streams.
	InjectStreamUsage bool

	BedrockPrefix          string
	BedrockRegion          string
	BedrockRuntimeEndpoint string
	BedrockAgentEndpoint   string
}

// Resolver maps inbound requests to Targets.
type Resolver struct {
	azurePrefix       string
	azureEndpoint     string
	azureAPIVersion   string
	injectStreamUsage bool
	bedrockPrefix     string
	runtimeEndpoint   string
	agentEndpoint     string
}

// NewResolver validates endpoints and fills Bedrock defaults from the region.
func NewResolver(endpoints Endpoints) (*Resolver, error) {
	r := &Resolver{
		azurePrefix:       pathutil.NormalizePrefix(firstNonEmpty(endpoints.AzurePrefix, defaultAzurePrefix)),
		azureEndpoint:     strings.TrimRight(strings.TrimSpace(endpoints.AzureEndpoint), "/"),
		azureAPIVersion:   strings.TrimSpace(endpoints.AzureAPIVersion),
		injectStreamUsage: endpoints.InjectStreamUsage,
		bedrockPrefix:     pathutil.NormalizePrefix(firstNonEmpty(endpoints.BedrockPrefix, defaultBedrockPrefix)),
		runtimeEndpoint:   strings.TrimRight(strings.TrimSpace(endpoints.BedrockRuntimeEndpoint), "/"),
		agentEndpoint:     strings.TrimRight(strings.TrimSpace(endpoints.BedrockAgentEndpoint), "/"),
	}
	region := strings.TrimSpace(endpoints.BedrockRegion)
	if r.runtimeEndpoint == "" && region != "" {
		r.runtimeEndpoint = fmt.Sprintf(bedrockRuntimeEndpointFormat, region)
	}
	if r.agentEndpoint == "" && region != "" {
		r.agentEndpoint = fmt.Sprintf(bedrockAgentEndpointFormat, region)
	}
	for name, endpoint := range map[string]string{
		"azure endpoint":           r.azureEndpoint,
		"bedrock runtime endpoint": r.runtimeEndpoint,
		"bedrock agent endpoint":   r.agentEndpoint,
	} {
		if endpoint == "" {
			continue
		}
		parsed, err := url.Parse(endpoint)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid %s %q", name, endpoint)
		}
	}
	return r, nil
}

// Prefixes returns the Azure and Bedrock mount prefixes.
func (r *Resolver) Prefixes() (azure, bedrock string) {
	return r.azurePrefix, r.bedrockPrefix
}

// Resolve computes the Target for req with its already-read body. Failures
// are *relay.Error values of KindRouting and happen before any upstream call.
func (r *Resolver) Resolve(req *http.Request, body []byte) (Target, error) {
	escaped := req.URL.EscapedPath()
	if rest, ok := pathutil.Rest(escaped, r.azurePrefix); ok {
		return r.resolveAzure(req, rest, body)
	}
	if rest, ok := pathutil.Rest(escaped, r.bedrockPrefix); ok {
		return r.resolveBedrock(req, rest, body)
	}
	return Target{}, relay.RoutingError(http.StatusNotFound, "unknown provider for path %q", req.URL.Path)
}

func (r *Resolver) resolveAzure(req *http.Request, rest string, body []byte) (Target, error) {
	if r.azureEndpoint == "" {
		return Target{}, relay.RoutingError(http.StatusNotFound, "azure provider is not configured")
	}
	segments := pathutil.Segments(rest)
	if len(segments) == 0 {
		return Target{}, relay.RoutingError(http.StatusNotFound, "missing azure path")
	}

	query := req.URL.RawQuery
	if r.azureAPIVersion != "" && !req.URL.Query().Has("api-version") {
		if query != "" {
			query += "&"
		}
		query += "api-version=" + url.QueryEscape(r.azureAPIVersion)
	}

	target := Target{
		Provider:  usage.ProviderAzureChat,
		Operation: strings.Join(segments, "/"),
		URL:       pathutil.JoinURL(r.azureEndpoint, strings.Join(segments, "/"), query),
		Header:    ForwardHeaders(req.Header, usage.ProviderAzureChat),
		Body:      body,
		Auth:      AuthPassthrough,
	}
	// openai/deployments/{deployment}/{operation...}
	for i := 0; i+2 < len(segments); i++ {
		if segments[i] == "deployments" {
			target.ModelID = pathutil.Unescape(segments[i+1])
			target.Operation = strings.Join(segments[i+2:], "/")
			break
		}
	}

	streaming, rewritten, err := azureStreamBody(body, r.injectStreamUsage)
	if err != nil {
		return Target{}, relay.RoutingError(http.StatusBadRequest, "rewrite request body: %v", err)
	}
	target.Streaming = streaming
	if rewritten != nil {
		target.Body = rewritten
		target.BodyRewritten = true
	}
	return target, nil
}

func (r *Resolver) resolveBedrock(req *http.Request, rest string, body []byte) (Target, error) {
	segments := pathutil.Segments(rest)
	if len(segments) == 0 {
		return Target{}, relay.RoutingError(http.StatusNotFound, "missing bedrock path")
	}

	auth := AuthSigV4
	header := ForwardHeaders(req.Header, usage.ProviderBedrockRuntime)
	if key := strings.TrimSpace(req.Header.Get("api-key")); key != "" {
		header.Set("Authorization", "Bearer "+key)
		auth = AuthPassthrough
	} else if bearer := req.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
		header.Set("Authorization", bearer)
		auth = AuthPassthrough
	}

	switch segments[0] {
	case bedrockRuntimeSegment:
		if r.runtimeEndpoint == "" {
			return Target{}, relay.RoutingError(http.StatusNotFound, "bedrock runtime is not configured")
		}
		// runtime/model/{modelId}/{operation}
		if len(segments) != 4 || segments[1] != "model" {
			return Target{}, relay.RoutingError(http.StatusNotFound, "unsupported bedrock runtime path %q", rest)
		}
		operation := segments[3]
		streaming, known := bedrockRuntimeOps[operation]
		if !known {
			return Target{}, relay.RoutingError(http.StatusNotFound, "unsupported bedrock runtime operation %q", operation)
		}
		modelID := pathutil.Unescape(segments[2])
		if strings.TrimSpace(modelID) == "" {
			return Target{}, relay.RoutingError(http.StatusBadRequest, "missing bedrock model id")
		}
		return Target{
			Provider:  usage.ProviderBedrockRuntime,
			Operation: operation,
			ModelID:   modelID,
			Streaming: streaming,
			URL:       pathutil.JoinURL(r.runtimeEndpoint, "model/"+url.PathEscape(modelID)+"/"+operation, req.URL.RawQuery),
			Header:    header,
			Body:      body,
			Auth:      auth,
		}, nil
	case bedrockAgentSegment:
		if r.agentEndpoint == "" {
			return Target{}, relay.RoutingError(http.StatusNotFound, "bedrock agent runtime is not configured")
		}
		agentPath := segments[1:]
		if len(agentPath) == 0 {
			return Target{}, relay.RoutingError(http.StatusNotFound, "missing bedrock agent runtime path")
		}
		operation, streaming := agentOperation(agentPath)
		return Target{
			Provider:  usage.ProviderBedrockAgent,
			Operation: operation,
			Streaming: streaming,
			URL:       pathutil.JoinURL(r.agentEndpoint, strings.Join(agentPath, "/"), req.URL.RawQuery),
			Header:    header,
			Body:      body,
			Auth:      auth,
		}, nil
	default:
		return Target{}, relay.RoutingError(http.StatusNotFound, "unknown bedrock service %q", segments[0])
	}
}

func agentOperation(segments []string) (string, bool) {
	last := segments[len(segments)-1]
	switch {
	case len(segments) > 1 && segments[0] == "agents" && last == agentInvokeSuffix:
		return OpInvokeAgent, true
	case len(segments) == 1 && last == OpRetrieveAndGenerateStream:
		return OpRetrieveAndGenerateStream, true
	default:
		return last, false
	}
}

// azureStreamBody reports whether body asks for streaming and, when it does
// and inject is set, returns a copy with stream_options.include_usage set.
// Bodies that are not JSON objects are forwarded untouched as non-streaming,
// and a stream_options that is not an object is left for the upstream to judge.
func azureStreamBody(body []byte, inject bool) (bool, []byte, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return false, nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return false, nil, nil
	}
	var stream bool
	if raw, ok := fields["stream"]; ok {
		if err := json.Unmarshal(raw, &stream); err != nil {
			stream = false
		}
	}
	if !stream || !inject {
		return stream, nil, nil
	}

	options := map[string]json.RawMessage{}
	if raw, ok := fields["stream_options"]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &options); err != nil {
			return true, nil, nil
		}
	}
	if bytes.Equal(bytes.TrimSpace(options["include_usage"]), []byte("true")) {
		return true, nil, nil
	}
	options["include_usage"] = json.RawMessage("true")

	encodedOptions, err := json.Marshal(options)
	if err != nil {
		return false, nil, err
	}
	fields["stream_options"] = encodedOptions
	rewritten, err := json.Marshal(fields)
	if err != nil {
		return false, nil, err
	}
	return true, rewritten, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
