// Package ledger persists one usage record per relayed request through an
// asynchronous, bounded writer. Persistence never blocks the relay.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is the log entry for one relayed request.
type Record struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	Provider  string `json:"provider"`
	Operation string `json:"operation"`
	ModelID   string `json:"model_id,omitempty"`
	Streaming bool   `json:"streaming"`
	Status    int    `json:"status"`

	RequestBody           string `json:"request_body,omitempty"`
	RequestBodyTruncated  bool   `json:"request_body_truncated,omitempty"`
	ResponseText          string `json:"response_text,omitempty"`
	ResponseTextTruncated bool   `json:"response_text_truncated,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	DurationMS        int64 `json:"duration_ms"`
	TimeToFirstByteMS int64 `json:"time_to_first_byte_ms"`
	ResponseBytes     int64 `json:"response_bytes"`

	// ErrorKind is empty for requests that completed normally.
	ErrorKind string `json:"error_kind,omitempty"`
	// Degraded counts framing units that could not be accounted.
	Degraded int `json:"degraded,omitempty"`
	// Dropped counts relayed chunks that skipped accounting.
	Dropped int `json:"dropped,omitempty"`
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.NewString()
}

// normalize fills defaults without mutating r.
func normalize(r *Record) *Record {
	out := *r
	if out.ID == "" {
		out.ID = NewID()
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	out.Timestamp = out.Timestamp.UTC()
	return &out
}

// Store persists records.
type Store interface {
	Write(ctx context.Context, record *Record) error
	WriteBatch(ctx context.Context, records []*Record) error
	Close() error
}

// Sink accepts finalized records without blocking.
type Sink interface {
	Enqueue(record *Record) bool
}

// Fanout delivers each record to every sink. It reports whether at least one
// sink accepted it.
type Fanout []Sink

// Enqueue implements Sink.
func (f Fanout) Enqueue(record *Record) bool {
	accepted := false
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if sink.Enqueue(record) {
			accepted = true
		}
	}
	return accepted
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(*Record) bool

// Enqueue implements Sink.
func (f SinkFunc) Enqueue(record *Record) bool {
	return f(record)
}
