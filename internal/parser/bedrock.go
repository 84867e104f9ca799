package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ongoingai/airelay/internal/usage"
)

// Bedrock runtime event types carried in the :event-type header.
const (
	bedrockEventChunk             = "chunk"
	bedrockEventContentBlockDelta = "contentBlockDelta"
	bedrockEventMetadata          = "metadata"
	bedrockEventTrace             = "trace"
	bedrockEventOutput            = "output"
)

type bedrockUsage struct {
	InputTokens  *int `json:"inputTokens"`
	OutputTokens *int `json:"outputTokens"`
	TotalTokens  *int `json:"totalTokens"`
	// Anthropic model-native spelling.
	InputTokensSnake  *int `json:"input_tokens"`
	OutputTokensSnake *int `json:"output_tokens"`
}

func (u *bedrockUsage) delta(final bool) usage.Delta {
	if u == nil {
		return usage.Delta{}
	}
	d := usage.Delta{
		PromptTokens:     firstSet(u.InputTokens, u.InputTokensSnake),
		CompletionTokens: firstSet(u.OutputTokens, u.OutputTokensSnake),
		TotalTokens:      u.TotalTokens,
	}
	if !d.IsZero() {
		d.Final = final
	}
	return d
}

type invocationMetrics struct {
	InputTokenCount  *int `json:"inputTokenCount"`
	OutputTokenCount *int `json:"outputTokenCount"`
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// modelNative is the union of the model-specific bodies Bedrock passes
// through for InvokeModel, both streamed (inside chunk events) and whole.
type modelNative struct {
	Type       string        `json:"type"`
	Model      string        `json:"model"`
	OutputText string        `json:"outputText"`
	Completion string        `json:"completion"`
	Generation string        `json:"generation"`
	Delta      *textBlock    `json:"delta"`
	Content    []textBlock   `json:"content"`
	Usage      *bedrockUsage `json:"usage"`
	Message    *struct {
		Model string        `json:"model"`
		Usage *bedrockUsage `json:"usage"`
	} `json:"message"`
	Results []struct {
		OutputText string `json:"outputText"`
		TokenCount *int   `json:"tokenCount"`
	} `json:"results"`
	InputTextTokenCount       *int               `json:"inputTextTokenCount"`
	TotalOutputTextTokenCount *int               `json:"totalOutputTextTokenCount"`
	PromptTokenCount          *int               `json:"prompt_token_count"`
	GenerationTokenCount      *int               `json:"generation_token_count"`
	Metrics                   *invocationMetrics `json:"amazon-bedrock-invocationMetrics"`

	// Converse document shape.
	Output *struct {
		Message struct {
			Content []textBlock `json:"content"`
		} `json:"message"`
	} `json:"output"`
}

// BedrockRuntimePayload decodes Bedrock runtime InvokeModel and Converse
// payloads, streamed or whole.
type BedrockRuntimePayload struct{}

// NewBedrockRuntimePayload returns a payload decoder for bedrock-runtime.
func NewBedrockRuntimePayload() *BedrockRuntimePayload {
	return &BedrockRuntimePayload{}
}

// Decode dispatches on the event type.
func (p *BedrockRuntimePayload) Decode(event Event) (Fragment, error) {
	if event.MessageType == MessageTypeException {
		return exceptionFragment(event), nil
	}

	switch event.Type {
	case DocumentEventType:
		return decodeModelNative(event.Data, true)
	case bedrockEventChunk:
		var chunk struct {
			Bytes []byte `json:"bytes"`
		}
		if err := json.Unmarshal(event.Data, &chunk); err != nil {
			return Fragment{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if len(chunk.Bytes) == 0 {
			return Fragment{}, nil
		}
		return decodeModelNative(chunk.Bytes, false)
	case bedrockEventContentBlockDelta:
		var delta struct {
			Delta textBlock `json:"delta"`
		}
		if err := json.Unmarshal(event.Data, &delta); err != nil {
			return Fragment{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return Fragment{Text: delta.Delta.Text}, nil
	case bedrockEventMetadata:
		var metadata struct {
			Usage *bedrockUsage `json:"usage"`
		}
		if err := json.Unmarshal(event.Data, &metadata); err != nil {
			return Fragment{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return Fragment{Usage: metadata.Usage.delta(true)}, nil
	default:
		// messageStart, contentBlockStart/Stop, messageStop carry no text or usage.
		return Fragment{}, nil
	}
}

func exceptionFragment(event Event) Fragment {
	name := strings.TrimSpace(event.Type)
	if name == "" {
		name = MessageTypeException
	}
	return Fragment{Exception: name}
}

func decodeModelNative(raw []byte, whole bool) (Fragment, error) {
	var body modelNative
	if err := json.Unmarshal(raw, &body); err != nil {
		return Fragment{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var text strings.Builder
	text.WriteString(body.OutputText)
	text.WriteString(body.Completion)
	text.WriteString(body.Generation)
	if body.Delta != nil {
		text.WriteString(body.Delta.Text)
	}
	for _, block := range body.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	for _, result := range body.Results {
		text.WriteString(result.OutputText)
	}
	if body.Output != nil {
		for _, block := range body.Output.Message.Content {
			text.WriteString(block.Text)
		}
	}

	fragment := Fragment{Text: text.String()}
	switch {
	case body.Metrics != nil:
		fragment.Usage = usage.Delta{
			PromptTokens:     body.Metrics.InputTokenCount,
			CompletionTokens: body.Metrics.OutputTokenCount,
			Final:            true,
		}
	case body.Usage != nil:
		fragment.Usage = body.Usage.delta(whole)
	case body.Message != nil && body.Message.Usage != nil:
		fragment.Usage = body.Message.Usage.delta(false)
	default:
		prompt := firstSet(body.InputTextTokenCount, body.PromptTokenCount)
		completion := firstSet(body.TotalOutputTextTokenCount, body.GenerationTokenCount)
		if completion == nil && len(body.Results) > 0 {
			completion = body.Results[0].TokenCount
		}
		if prompt != nil || completion != nil {
			fragment.Usage = usage.Delta{PromptTokens: prompt, CompletionTokens: completion, Final: whole}
		}
	}

	model := strings.TrimSpace(body.Model)
	if model == "" && body.Message != nil {
		model = strings.TrimSpace(body.Message.Model)
	}
	fragment.Usage.Model = model
	return fragment, nil
}

// BedrockAgentPayload decodes bedrock-agent-runtime responses. Agent traces
// report usage per model invocation, so the decoder keeps running sums and
// emits cumulative totals.
type BedrockAgentPayload struct {
	inputTokens  int
	outputTokens int
}

// NewBedrockAgentPayload returns a payload decoder for one agent response.
func NewBedrockAgentPayload() *BedrockAgentPayload {
	return &BedrockAgentPayload{}
}

// Decode dispatches on the event type.
func (p *BedrockAgentPayload) Decode(event Event) (Fragment, error) {
	if event.MessageType == MessageTypeException {
		return exceptionFragment(event), nil
	}

	switch event.Type {
	case bedrockEventChunk:
		var chunk struct {
			Bytes []byte `json:"bytes"`
		}
		if err := json.Unmarshal(event.Data, &chunk); err != nil {
			return Fragment{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return Fragment{Text: string(chunk.Bytes)}, nil
	case bedrockEventOutput:
		var output struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(event.Data, &output); err != nil {
			return Fragment{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return Fragment{Text: output.Text}, nil
	case bedrockEventTrace:
		var trace map[string]any
		if err := json.Unmarshal(event.Data, &trace); err != nil {
			return Fragment{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if !p.addTraceUsage(trace) {
			return Fragment{}, nil
		}
		return Fragment{Usage: usage.Delta{
			PromptTokens:     usage.Int(p.inputTokens),
			CompletionTokens: usage.Int(p.outputTokens),
		}}, nil
	case DocumentEventType:
		var document struct {
			Output *struct {
				Text string `json:"text"`
			} `json:"output"`
		}
		if err := json.Unmarshal(event.Data, &document); err != nil {
			return Fragment{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if document.Output == nil {
			return Fragment{}, nil
		}
		return Fragment{Text: document.Output.Text}, nil
	default:
		return Fragment{}, nil
	}
}

// addTraceUsage sums every usage object nested under a trace payload.
func (p *BedrockAgentPayload) addTraceUsage(node any) bool {
	found := false
	switch typed := node.(type) {
	case map[string]any:
		for key, value := range typed {
			if key == "usage" {
				if u, ok := value.(map[string]any); ok {
					in, hasIn := numberField(u, "inputTokens")
					out, hasOut := numberField(u, "outputTokens")
					if hasIn || hasOut {
						p.inputTokens += in
						p.outputTokens += out
						found = true
						continue
					}
				}
			}
			if p.addTraceUsage(value) {
				found = true
			}
		}
	case []any:
		for _, value := range typed {
			if p.addTraceUsage(value) {
				found = true
			}
		}
	}
	return found
}

func numberField(values map[string]any, key string) (int, bool) {
	raw, ok := values[key]
	if !ok {
		return 0, false
	}
	number, ok := raw.(float64)
	if !ok {
		return 0, false
	}
	return int(number), true
}

func firstSet(values ...*int) *int {
	for _, value := range values {
		if value != nil {
			return value
		}
	}
	return nil
}
