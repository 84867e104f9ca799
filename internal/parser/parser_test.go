package parser

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	"github.com/ongoingai/airelay/internal/usage"
)

const chatStream = "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"!\"}}]}\n\n" +
	"data: {\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}\n\n" +
	"data: [DONE]\n\n"

type folded struct {
	text       string
	record     usage.Record
	degraded   int
	exceptions []string
}

func (f *folded) add(result Result) {
	f.text += result.Text
	for _, delta := range result.Usage {
		f.record.Merge(delta)
	}
	f.degraded += result.Degraded
	f.exceptions = append(f.exceptions, result.Exceptions...)
}

func feedChunks(decoder Decoder, chunks [][]byte) folded {
	var out folded
	for _, chunk := range chunks {
		out.add(decoder.Feed(chunk))
	}
	out.add(decoder.Finish())
	out.record.Complete()
	return out
}

// splits returns the whole body, every single-byte split, every two-way
// split and a split with interleaved empty chunks.
func splits(body []byte) [][][]byte {
	out := [][][]byte{{body}}
	single := make([][]byte, 0, len(body))
	withEmpty := make([][]byte, 0, len(body)*2)
	for i := range body {
		single = append(single, body[i:i+1])
		withEmpty = append(withEmpty, nil, body[i:i+1])
	}
	out = append(out, single, withEmpty)
	for i := 1; i < len(body); i++ {
		out = append(out, [][]byte{body[:i], {}, body[i:]})
	}
	return out
}

func TestEventStreamChatScenarioIsSplitInvariant(t *testing.T) {
	t.Parallel()

	for i, chunks := range splits([]byte(chatStream)) {
		got := feedChunks(New(FormatEventStream, NewAzurePayload(), Limits{}), chunks)
		if got.text != "Hi!" {
			t.Fatalf("split %d: text=%q, want %q", i, got.text, "Hi!")
		}
		want := usage.Record{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}
		if !got.record.Equal(want) {
			t.Fatalf("split %d: usage=%+v, want %+v", i, got.record, want)
		}
		if got.degraded != 0 {
			t.Fatalf("split %d: degraded=%d, want 0", i, got.degraded)
		}
	}
}

func TestEventStreamCRLFAndComments(t *testing.T) {
	t.Parallel()

	body := ": keep-alive\r\n\r\n" +
		"event: message\r\ndata: {\"model\":\"gpt-4o\",\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\r\n\r\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\r\n\r\n" +
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":2,\"total_tokens\":3}}"

	for i, chunks := range splits([]byte(body)) {
		got := feedChunks(New(FormatEventStream, NewAzurePayload(), Limits{}), chunks)
		if got.text != "ab" {
			t.Fatalf("split %d: text=%q, want ab", i, got.text)
		}
		if got.record.TotalTokens != 3 || got.record.ModelID != "gpt-4o" {
			t.Fatalf("split %d: usage=%+v, want total 3 and model gpt-4o", i, got.record)
		}
	}
}

func TestEventStreamSkipsMalformedEvent(t *testing.T) {
	t.Parallel()

	body := "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"!\"}}]}\n\n" +
		"data: {\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}\n\n"

	for i, chunks := range splits([]byte(body)) {
		got := feedChunks(New(FormatEventStream, NewAzurePayload(), Limits{}), chunks)
		if got.text != "Hi!" {
			t.Fatalf("split %d: text=%q, want Hi!", i, got.text)
		}
		if got.record.TotalTokens != 7 {
			t.Fatalf("split %d: total=%d, want 7", i, got.record.TotalTokens)
		}
		if got.degraded != 1 {
			t.Fatalf("split %d: degraded=%d, want 1", i, got.degraded)
		}
	}
}

func TestEventStreamOversizedLineIsSkipped(t *testing.T) {
	t.Parallel()

	long := "data: {\"choices\":[{\"delta\":{\"content\":\"" + string(bytes.Repeat([]byte("x"), 64)) + "\"}}]}\n\n"
	body := long + "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n"

	for i, chunks := range splits([]byte(body)) {
		got := feedChunks(New(FormatEventStream, NewAzurePayload(), Limits{MaxLineBytes: 48}), chunks)
		if got.text != "ok" {
			t.Fatalf("split %d: text=%q, want ok", i, got.text)
		}
		if got.degraded != 1 {
			t.Fatalf("split %d: degraded=%d, want 1", i, got.degraded)
		}
	}
}

func TestEventStreamIgnoresDataAfterDone(t *testing.T) {
	t.Parallel()

	body := "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\ndata: [DONE]\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"late\"}}]}\n\n"
	got := feedChunks(New(FormatEventStream, NewAzurePayload(), Limits{}), [][]byte{[]byte(body)})
	if got.text != "x" {
		t.Fatalf("text=%q, want x", got.text)
	}
}

func encodeEnvelope(t *testing.T, eventType string, payload []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	msg := eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":event-type", Value: eventstream.StringValue(eventType)},
			{Name: ":message-type", Value: eventstream.StringValue("event")},
			{Name: ":content-type", Value: eventstream.StringValue("application/json")},
		},
		Payload: payload,
	}
	if err := eventstream.NewEncoder().Encode(&buf, msg); err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return buf.Bytes()
}

func encodeException(t *testing.T, exceptionType string, payload []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	msg := eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":exception-type", Value: eventstream.StringValue(exceptionType)},
			{Name: ":message-type", Value: eventstream.StringValue("exception")},
		},
		Payload: payload,
	}
	if err := eventstream.NewEncoder().Encode(&buf, msg); err != nil {
		t.Fatalf("encode exception: %v", err)
	}
	return buf.Bytes()
}

func chunkEvent(t *testing.T, inner string) []byte {
	t.Helper()
	payload := fmt.Sprintf(`{"bytes":%q}`, base64.StdEncoding.EncodeToString([]byte(inner)))
	return encodeEnvelope(t, "chunk", []byte(payload))
}

func TestEnvelopeConverseStreamIsSplitInvariant(t *testing.T) {
	t.Parallel()

	var body []byte
	body = append(body, encodeEnvelope(t, "messageStart", []byte(`{"role":"assistant"}`))...)
	body = append(body, encodeEnvelope(t, "contentBlockDelta", []byte(`{"contentBlockIndex":0,"delta":{"text":"Hel"}}`))...)
	body = append(body, encodeEnvelope(t, "contentBlockDelta", []byte(`{"contentBlockIndex":0,"delta":{"text":"lo"}}`))...)
	body = append(body, encodeEnvelope(t, "messageStop", []byte(`{"stopReason":"end_turn"}`))...)
	body = append(body, encodeEnvelope(t, "metadata", []byte(`{"usage":{"inputTokens":9,"outputTokens":3,"totalTokens":12},"metrics":{"latencyMs":100}}`))...)

	for i, chunks := range splits(body) {
		got := feedChunks(New(FormatEnvelope, NewBedrockRuntimePayload(), Limits{}), chunks)
		if got.text != "Hello" {
			t.Fatalf("split %d: text=%q, want Hello", i, got.text)
		}
		want := usage.Record{PromptTokens: 9, CompletionTokens: 3, TotalTokens: 12}
		if !got.record.Equal(want) {
			t.Fatalf("split %d: usage=%+v, want %+v", i, got.record, want)
		}
		if got.degraded != 0 {
			t.Fatalf("split %d: degraded=%d, want 0", i, got.degraded)
		}
	}
}

func TestEnvelopeCorruptedChecksumIsSkipped(t *testing.T) {
	t.Parallel()

	valid := chunkEvent(t, `{"type":"content_block_delta","delta":{"type":"text_delta","text":"ok"},"amazon-bedrock-invocationMetrics":{"inputTokenCount":4,"outputTokenCount":1}}`)
	corrupt := chunkEvent(t, `{"amazon-bedrock-invocationMetrics":{"inputTokenCount":400,"outputTokenCount":100}}`)
	corrupt[len(corrupt)-1] ^= 0xff

	body := append(append([]byte(nil), valid...), corrupt...)
	for i, chunks := range splits(body) {
		got := feedChunks(New(FormatEnvelope, NewBedrockRuntimePayload(), Limits{}), chunks)
		if got.text != "ok" {
			t.Fatalf("split %d: text=%q, want ok", i, got.text)
		}
		want := usage.Record{PromptTokens: 4, CompletionTokens: 1, TotalTokens: 5}
		if !got.record.Equal(want) {
			t.Fatalf("split %d: usage=%+v, want %+v", i, got.record, want)
		}
		if got.degraded != 1 {
			t.Fatalf("split %d: degraded=%d, want 1", i, got.degraded)
		}
	}
}

func TestEnvelopeAnthropicPartialUsageDoesNotOverrideMetrics(t *testing.T) {
	t.Parallel()

	var body []byte
	body = append(body, chunkEvent(t, `{"type":"message_start","message":{"model":"claude-3-haiku","usage":{"input_tokens":12,"output_tokens":1}}}`)...)
	body = append(body, chunkEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Yo"}}`)...)
	body = append(body, chunkEvent(t, `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":6}}`)...)
	body = append(body, chunkEvent(t, `{"type":"message_stop","amazon-bedrock-invocationMetrics":{"inputTokenCount":12,"outputTokenCount":6}}`)...)
	body = append(body, chunkEvent(t, `{"type":"message_delta","usage":{"output_tokens":2}}`)...)

	got := feedChunks(New(FormatEnvelope, NewBedrockRuntimePayload(), Limits{}), [][]byte{body})
	if got.text != "Yo" {
		t.Fatalf("text=%q, want Yo", got.text)
	}
	want := usage.Record{PromptTokens: 12, CompletionTokens: 6, TotalTokens: 18, ModelID: "claude-3-haiku"}
	if !got.record.Equal(want) {
		t.Fatalf("usage=%+v, want %+v", got.record, want)
	}
}

func TestEnvelopeExceptionIsSurfaced(t *testing.T) {
	t.Parallel()

	var body []byte
	body = append(body, encodeEnvelope(t, "contentBlockDelta", []byte(`{"delta":{"text":"a"}}`))...)
	body = append(body, encodeException(t, "throttlingException", []byte(`{"message":"slow down"}`))...)

	got := feedChunks(New(FormatEnvelope, NewBedrockRuntimePayload(), Limits{}), [][]byte{body})
	if got.text != "a" || got.degraded != 0 {
		t.Fatalf("text=%q degraded=%d, want a and 0", got.text, got.degraded)
	}
	if len(got.exceptions) != 1 || got.exceptions[0] != "throttlingException" {
		t.Fatalf("exceptions=%v, want [throttlingException]", got.exceptions)
	}

	agent := feedChunks(New(FormatEnvelope, NewBedrockAgentPayload(), Limits{}),
		[][]byte{encodeException(t, "", []byte(`{}`))})
	if len(agent.exceptions) != 1 || agent.exceptions[0] != MessageTypeException {
		t.Fatalf("agent exceptions=%v, want [%s]", agent.exceptions, MessageTypeException)
	}
}

func TestEnvelopeImpossibleLengthDesyncs(t *testing.T) {
	t.Parallel()

	bogus := make([]byte, 16)
	binary.BigEndian.PutUint32(bogus, 8)
	valid := encodeEnvelope(t, "contentBlockDelta", []byte(`{"delta":{"text":"lost"}}`))

	decoder := New(FormatEnvelope, NewBedrockRuntimePayload(), Limits{})
	got := feedChunks(decoder, [][]byte{bogus, valid})
	if got.text != "" {
		t.Fatalf("text=%q, want empty after desync", got.text)
	}
	if got.degraded != 1 {
		t.Fatalf("degraded=%d, want 1", got.degraded)
	}
}

func TestEnvelopeTruncatedTrailingFrame(t *testing.T) {
	t.Parallel()

	valid := encodeEnvelope(t, "contentBlockDelta", []byte(`{"delta":{"text":"a"}}`))
	partial := encodeEnvelope(t, "contentBlockDelta", []byte(`{"delta":{"text":"b"}}`))
	body := append(append([]byte(nil), valid...), partial[:len(partial)-3]...)

	got := feedChunks(New(FormatEnvelope, NewBedrockRuntimePayload(), Limits{}), [][]byte{body})
	if got.text != "a" || got.degraded != 1 {
		t.Fatalf("text=%q degraded=%d, want a and 1", got.text, got.degraded)
	}
}

func TestEnvelopeDoesNotRetainChunk(t *testing.T) {
	t.Parallel()

	frame := encodeEnvelope(t, "contentBlockDelta", []byte(`{"delta":{"text":"keep"}}`))
	chunk := append([]byte(nil), frame[:10]...)
	decoder := New(FormatEnvelope, NewBedrockRuntimePayload(), Limits{})

	first := decoder.Feed(chunk)
	for i := range chunk {
		chunk[i] = 0
	}
	second := decoder.Feed(frame[10:])

	if first.Text != "" || second.Text != "keep" {
		t.Fatalf("texts=%q,%q, want \"\",keep", first.Text, second.Text)
	}
}

func TestDocumentDecoders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		payload   PayloadDecoder
		body      string
		wantText  string
		wantUsage usage.Record
	}{
		{
			name:      "azure chat completion",
			payload:   NewAzurePayload(),
			body:      `{"model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"Hello there"}}],"usage":{"prompt_tokens":8,"completion_tokens":2,"total_tokens":10}}`,
			wantText:  "Hello there",
			wantUsage: usage.Record{PromptTokens: 8, CompletionTokens: 2, TotalTokens: 10, ModelID: "gpt-4o-mini"},
		},
		{
			name:      "azure legacy completion",
			payload:   NewAzurePayload(),
			body:      `{"choices":[{"text":"done"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`,
			wantText:  "done",
			wantUsage: usage.Record{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		},
		{
			name:      "bedrock converse",
			payload:   NewBedrockRuntimePayload(),
			body:      `{"output":{"message":{"role":"assistant","content":[{"text":"Sure"}]}},"stopReason":"end_turn","usage":{"inputTokens":3,"outputTokens":1,"totalTokens":4}}`,
			wantText:  "Sure",
			wantUsage: usage.Record{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
		},
		{
			name:      "bedrock anthropic invoke",
			payload:   NewBedrockRuntimePayload(),
			body:      `{"model":"claude-3","content":[{"type":"text","text":"Hi"}],"usage":{"input_tokens":7,"output_tokens":2}}`,
			wantText:  "Hi",
			wantUsage: usage.Record{PromptTokens: 7, CompletionTokens: 2, TotalTokens: 9, ModelID: "claude-3"},
		},
		{
			name:      "bedrock titan invoke",
			payload:   NewBedrockRuntimePayload(),
			body:      `{"inputTextTokenCount":5,"results":[{"tokenCount":3,"outputText":"abc","completionReason":"FINISH"}]}`,
			wantText:  "abc",
			wantUsage: usage.Record{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
		},
		{
			name:     "agent retrieve and generate",
			payload:  NewBedrockAgentPayload(),
			body:     `{"output":{"text":"grounded answer"},"citations":[]}`,
			wantText: "grounded answer",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			body := []byte(tt.body)
			got := feedChunks(New(FormatDocument, tt.payload, Limits{}), [][]byte{body[:len(body)/2], body[len(body)/2:]})
			if got.text != tt.wantText {
				t.Fatalf("text=%q, want %q", got.text, tt.wantText)
			}
			if !got.record.Equal(tt.wantUsage) {
				t.Fatalf("usage=%+v, want %+v", got.record, tt.wantUsage)
			}
		})
	}
}

func TestDocumentOverflowDegrades(t *testing.T) {
	t.Parallel()

	decoder := New(FormatDocument, NewAzurePayload(), Limits{MaxDocumentBytes: 8})
	got := feedChunks(decoder, [][]byte{[]byte(`{"choices":`), []byte(`[]}`)})
	if got.degraded != 1 || got.text != "" {
		t.Fatalf("degraded=%d text=%q, want 1 and empty", got.degraded, got.text)
	}
}

func TestAgentTraceUsageIsCumulative(t *testing.T) {
	t.Parallel()

	var body []byte
	body = append(body, encodeEnvelope(t, "trace", []byte(`{"trace":{"orchestrationTrace":{"modelInvocationOutput":{"metadata":{"usage":{"inputTokens":10,"outputTokens":4}}}}}}`))...)
	body = append(body, encodeEnvelope(t, "chunk", []byte(fmt.Sprintf(`{"bytes":%q}`, base64.StdEncoding.EncodeToString([]byte("agent says hi")))))...)
	body = append(body, encodeEnvelope(t, "trace", []byte(`{"trace":{"postProcessingTrace":{"modelInvocationOutput":{"metadata":{"usage":{"inputTokens":6,"outputTokens":2}}}}}}`))...)

	got := feedChunks(New(FormatEnvelope, NewBedrockAgentPayload(), Limits{}), [][]byte{body})
	if got.text != "agent says hi" {
		t.Fatalf("text=%q", got.text)
	}
	want := usage.Record{PromptTokens: 16, CompletionTokens: 6, TotalTokens: 22}
	if !got.record.Equal(want) {
		t.Fatalf("usage=%+v, want %+v", got.record, want)
	}
}

func TestFormatForContentType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		contentType string
		fallback    Format
		want        Format
	}{
		{contentType: "text/event-stream; charset=utf-8", fallback: FormatDocument, want: FormatEventStream},
		{contentType: "application/vnd.amazon.eventstream", fallback: FormatDocument, want: FormatEnvelope},
		{contentType: "application/json", fallback: FormatEnvelope, want: FormatDocument},
		{contentType: "", fallback: FormatEnvelope, want: FormatEnvelope},
	}
	for _, tt := range tests {
		if got := FormatForContentType(tt.contentType, tt.fallback); got != tt.want {
			t.Fatalf("FormatForContentType(%q)=%s, want %s", tt.contentType, got, tt.want)
		}
	}
}
