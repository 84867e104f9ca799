// Package parser decodes provider response bodies incrementally into response
// text and token usage without holding the whole body in memory.
//
// A Decoder owns the framing state for one response. Framing is one of three
// closed variants: line-delimited server-sent events, length-prefixed binary
// envelopes, or a single JSON document for non-streaming responses. Decoded
// units are handed to a provider PayloadDecoder which knows the JSON shapes.
package parser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ongoingai/airelay/internal/usage"
)

// Format names a response body framing.
type Format int

const (
	// FormatDocument is a single non-streamed JSON body.
	FormatDocument Format = iota
	// FormatEventStream is text/event-stream framing.
	FormatEventStream
	// FormatEnvelope is the length-prefixed, checksummed binary event stream.
	FormatEnvelope
)

func (f Format) String() string {
	switch f {
	case FormatDocument:
		return "document"
	case FormatEventStream:
		return "event-stream"
	case FormatEnvelope:
		return "envelope"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ErrMalformedPayload reports an event body that could not be decoded.
var ErrMalformedPayload = errors.New("malformed event payload")

// Event is one complete framing unit.
type Event struct {
	// Type is the SSE event name, the envelope :event-type header, or
	// "document" for whole bodies.
	Type string
	// MessageType is the envelope :message-type header (event, exception).
	MessageType string
	Data        []byte
}

// Fragment is what a payload decoder recovers from one event.
type Fragment struct {
	Text  string
	Usage usage.Delta
	// Exception is the :exception-type of an exception envelope.
	Exception string
}

// PayloadDecoder interprets complete events for one provider. Implementations
// may keep state across events of a single response and are not shared
// between responses.
type PayloadDecoder interface {
	Decode(event Event) (Fragment, error)
}

// Result is the output of one Feed or Finish call.
type Result struct {
	Text  string
	Usage []usage.Delta
	// Degraded counts units that were skipped as malformed.
	Degraded int
	// Exceptions lists exception envelopes seen, in order.
	Exceptions []string
}

func (r *Result) add(fragment Fragment) {
	if fragment.Exception != "" {
		r.Exceptions = append(r.Exceptions, fragment.Exception)
	}
	if fragment.Text != "" {
		r.Text += fragment.Text
	}
	if !fragment.Usage.IsZero() {
		r.Usage = append(r.Usage, fragment.Usage)
	}
}

// Decoder consumes raw body bytes split at arbitrary boundaries. Feed never
// retains chunk; bytes that do not yet form a complete unit are copied into
// internal carryover. Finish flushes a trailing unit at end of body.
type Decoder interface {
	Feed(chunk []byte) Result
	Finish() Result
	Format() Format
	sealed()
}

// Limits bounds the memory a decoder may hold for incomplete units.
type Limits struct {
	MaxLineBytes     int
	MaxEnvelopeBytes int
	MaxDocumentBytes int
}

const (
	defaultMaxLineBytes     = 1 << 20
	defaultMaxEnvelopeBytes = 16<<20 + 128<<10
	defaultMaxDocumentBytes = 8 << 20
)

func (l Limits) normalized() Limits {
	if l.MaxLineBytes <= 0 {
		l.MaxLineBytes = defaultMaxLineBytes
	}
	if l.MaxEnvelopeBytes <= 0 {
		l.MaxEnvelopeBytes = defaultMaxEnvelopeBytes
	}
	if l.MaxDocumentBytes <= 0 {
		l.MaxDocumentBytes = defaultMaxDocumentBytes
	}
	return l
}

// New returns the decoder for format, feeding complete events to payload.
func New(format Format, payload PayloadDecoder, limits Limits) Decoder {
	limits = limits.normalized()
	switch format {
	case FormatEventStream:
		return newEventStreamDecoder(payload, limits.MaxLineBytes)
	case FormatEnvelope:
		return newEnvelopeDecoder(payload, limits.MaxEnvelopeBytes)
	default:
		return newDocumentDecoder(payload, limits.MaxDocumentBytes)
	}
}

// FormatForContentType picks a framing from a response Content-Type header,
// returning fallback when the header does not name one.
func FormatForContentType(contentType string, fallback Format) Format {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return FormatEventStream
	case strings.Contains(ct, "application/vnd.amazon.eventstream"):
		return FormatEnvelope
	case strings.Contains(ct, "json"):
		return FormatDocument
	}
	return fallback
}
