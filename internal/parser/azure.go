package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ongoingai/airelay/internal/usage"
)

// azureChunk covers chat completion chunks, legacy completion chunks and
// the non-streamed bodies of both.
type azureChunk struct {
	Model   string        `json:"model"`
	Choices []azureChoice `json:"choices"`
	Usage   *openai.Usage `json:"usage"`
}

type azureChoice struct {
	Delta   *openai.ChatCompletionStreamChoiceDelta `json:"delta"`
	Message *azureMessage                           `json:"message"`
	Text    string                                  `json:"text"`
}

// azureMessage keeps only the text content; openai.ChatCompletionMessage
// rejects bodies that carry both content forms.
type azureMessage struct {
	Content string `json:"content"`
}

// AzurePayload decodes Azure OpenAI chat and completion payloads.
type AzurePayload struct{}

// NewAzurePayload returns a payload decoder for Azure OpenAI responses.
func NewAzurePayload() *AzurePayload {
	return &AzurePayload{}
}

// Decode extracts delta text and usage. A usage object only appears on the
// final chunk of a stream (stream_options.include_usage) or on a complete
// document, so it is treated as terminal.
func (p *AzurePayload) Decode(event Event) (Fragment, error) {
	var chunk azureChunk
	if err := json.Unmarshal(event.Data, &chunk); err != nil {
		return Fragment{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var fragment Fragment
	var text strings.Builder
	for _, choice := range chunk.Choices {
		if choice.Delta != nil {
			text.WriteString(choice.Delta.Content)
		}
		if choice.Message != nil {
			text.WriteString(choice.Message.Content)
		}
		text.WriteString(choice.Text)
	}
	fragment.Text = text.String()

	fragment.Usage.Model = strings.TrimSpace(chunk.Model)
	if chunk.Usage != nil {
		fragment.Usage.PromptTokens = usage.Int(chunk.Usage.PromptTokens)
		fragment.Usage.CompletionTokens = usage.Int(chunk.Usage.CompletionTokens)
		fragment.Usage.TotalTokens = usage.Int(chunk.Usage.TotalTokens)
		fragment.Usage.Final = true
	}
	return fragment, nil
}
