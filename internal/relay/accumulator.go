// Package relay copies upstream response bodies to clients while folding the
// same bytes through a usage decoder.
package relay

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ongoingai/airelay/internal/parser"
	"github.com/ongoingai/airelay/internal/usage"
)

const defaultMaxTextBytes = 1 << 20

// Summary is what an Accumulator recovered from one response.
type Summary struct {
	Text          string
	TextTruncated bool
	Usage         usage.Record
	Format        parser.Format
	// Degraded counts framing units that could not be decoded.
	Degraded int
	// Dropped counts chunks that were relayed but never accumulated.
	Dropped int
	// Exception is the first exception type the upstream sent mid-stream.
	Exception string
}

// Accumulator owns the decoder state, response text and usage for a single
// response. It is not safe for concurrent use; the Pipe serializes calls.
type Accumulator struct {
	decoder  parser.Decoder
	maxText  int
	text     strings.Builder
	record   usage.Record
	degraded int
	dropped  int
	// exception keeps the first upstream exception type.
	exception string

	truncated bool
	finalized bool

	once    sync.Once
	summary Summary
}

// NewAccumulator returns an accumulator feeding decoder. Text beyond
// maxTextBytes is dropped from the summary; usage is still tracked.
func NewAccumulator(decoder parser.Decoder, provider usage.Provider, maxTextBytes int) *Accumulator {
	if maxTextBytes <= 0 {
		maxTextBytes = defaultMaxTextBytes
	}
	return &Accumulator{
		decoder: decoder,
		maxText: maxTextBytes,
		record:  usage.Record{Provider: provider},
	}
}

// Consume folds chunk into the running state. Chunks may be empty or split
// framing units anywhere. Consume after Finalize is a no-op.
func (a *Accumulator) Consume(chunk []byte) {
	if a.finalized || len(chunk) == 0 {
		return
	}
	a.apply(a.decoder.Feed(chunk))
}

// Merge folds an out-of-band usage observation, such as response headers.
func (a *Accumulator) Merge(delta usage.Delta) {
	if a.finalized {
		return
	}
	a.record.Merge(delta)
}

// MarkDropped records n relayed chunks that skipped accumulation.
func (a *Accumulator) MarkDropped(n int) {
	a.dropped += n
}

// Finalize flushes the decoder and returns the summary. Only the first call
// does any work; later calls return the same summary.
func (a *Accumulator) Finalize() Summary {
	a.once.Do(func() {
		a.apply(a.decoder.Finish())
		a.finalized = true
		a.record.Complete()
		a.summary = Summary{
			Text:          a.text.String(),
			TextTruncated: a.truncated,
			Usage:         a.record,
			Format:        a.decoder.Format(),
			Degraded:      a.degraded,
			Dropped:       a.dropped,
			Exception:     a.exception,
		}
	})
	return a.summary
}

func (a *Accumulator) apply(result parser.Result) {
	a.degraded += result.Degraded
	if a.exception == "" && len(result.Exceptions) > 0 {
		a.exception = result.Exceptions[0]
	}
	for _, delta := range result.Usage {
		a.record.Merge(delta)
	}
	if result.Text == "" || a.truncated {
		if result.Text != "" {
			a.truncated = true
		}
		return
	}
	text := strings.ToValidUTF8(result.Text, "\uFFFD")
	remaining := a.maxText - a.text.Len()
	if len(text) > remaining {
		a.text.WriteString(TruncateUTF8(text, remaining))
		a.truncated = true
		return
	}
	a.text.WriteString(text)
}

// TruncateUTF8 cuts s to at most max bytes without splitting a rune.
func TruncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 0 {
		return ""
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
