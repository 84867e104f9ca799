// Package session runs one relayed request from routing through the copy
// loop to the usage record handed to the ledger.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ongoingai/airelay/internal/correlation"
	"github.com/ongoingai/airelay/internal/ledger"
	"github.com/ongoingai/airelay/internal/observability"
	"github.com/ongoingai/airelay/internal/parser"
	"github.com/ongoingai/airelay/internal/relay"
	"github.com/ongoingai/airelay/internal/upstream"
)

// State is a session lifecycle phase.
type State int

const (
	StateRouting State = iota
	StateDispatching
	StateStreaming
	StateFinalizing
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateRouting:
		return "routing"
	case StateDispatching:
		return "dispatching"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

const (
	defaultMaxRequestBytes = 32 << 20
	unknownProvider        = "unknown"
)

// Resolver maps an inbound request to its upstream target.
type Resolver interface {
	Resolve(req *http.Request, body []byte) (upstream.Target, error)
}

// Dispatcher opens the upstream call.
type Dispatcher interface {
	Dispatch(ctx context.Context, target upstream.Target) (*http.Response, error)
}

// Options configures a Handler. Resolver and Dispatcher are required.
type Options struct {
	Resolver   Resolver
	Dispatcher Dispatcher
	// Sink receives one record per request. Nil discards records.
	Sink ledger.Sink

	Pipe   relay.PipeOptions
	Limits parser.Limits

	MaxRequestBytes int64
	MaxTextBytes    int
	// NonStreamTimeout bounds a whole non-streaming call. Zero disables it.
	NonStreamTimeout time.Duration

	CaptureRequestBody bool
	BodyMaxSize        int

	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Telemetry *observability.Runtime
	Now       func() time.Time
}

// Handler relays provider calls.
type Handler struct {
	options Options
	logger  *slog.Logger
	now     func() time.Time
}

func NewHandler(options Options) (*Handler, error) {
	if options.Resolver == nil {
		return nil, errors.New("session: resolver is required")
	}
	if options.Dispatcher == nil {
		return nil, errors.New("session: dispatcher is required")
	}
	if options.MaxRequestBytes <= 0 {
		options.MaxRequestBytes = defaultMaxRequestBytes
	}
	if options.BodyMaxSize <= 0 {
		options.BodyMaxSize = int(options.MaxRequestBytes)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{options: options, logger: logger, now: now}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := &session{
		handler: h,
		started: h.now(),
		state:   StateRouting,
		record:  &ledger.Record{Provider: unknownProvider},
	}
	if id, ok := correlation.FromContext(r.Context()); ok {
		s.record.CorrelationID = id
	}
	s.run(w, r)
}

// session is the per-request aggregate. It is confined to the request
// goroutine.
type session struct {
	handler *Handler
	started time.Time
	state   State
	target  upstream.Target
	record  *ledger.Record
	err     error
	once    sync.Once
	// exception is the upstream exception type seen mid-stream, if any.
	exception string
}

func (s *session) run(w http.ResponseWriter, r *http.Request) {
	h := s.handler
	ctx := r.Context()
	defer s.finalize(ctx)

	body, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, err)
		return
	}

	target, err := h.options.Resolver.Resolve(r, body)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.target = target
	s.record.Provider = string(target.Provider)
	s.record.Operation = target.Operation
	s.record.ModelID = target.ModelID
	s.record.Streaming = target.Streaming
	release := h.options.Metrics.Begin(string(target.Provider))
	defer release()

	s.transition(StateDispatching)
	var (
		upstreamCtx context.Context
		cancel      context.CancelFunc
	)
	if !target.Streaming && h.options.NonStreamTimeout > 0 {
		upstreamCtx, cancel = context.WithTimeout(ctx, h.options.NonStreamTimeout)
	} else {
		upstreamCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	resp, err := h.options.Dispatcher.Dispatch(upstreamCtx, target)
	if err != nil {
		if ctx.Err() != nil {
			err = &relay.Error{Kind: relay.KindClientDisconnect, Message: "client went away before upstream responded", Err: relay.ErrClientDisconnected}
		}
		s.fail(w, err)
		return
	}

	s.transition(StateStreaming)
	s.relay(ctx, w, resp, cancel)
}

func (s *session) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	opts := s.handler.options
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, opts.MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, relay.RoutingError(http.StatusRequestEntityTooLarge, "request body exceeds %d bytes", opts.MaxRequestBytes)
		}
		if r.Context().Err() != nil {
			return nil, &relay.Error{Kind: relay.KindClientDisconnect, Message: "client went away while sending body", Err: relay.ErrClientDisconnected}
		}
		return nil, relay.RoutingError(http.StatusBadRequest, "read request body: %v", err)
	}
	if opts.CaptureRequestBody {
		// Ledger text columns must hold valid UTF-8.
		captured := strings.ToValidUTF8(string(body), "\uFFFD")
		if len(captured) > opts.BodyMaxSize {
			captured = relay.TruncateUTF8(captured, opts.BodyMaxSize)
			s.record.RequestBodyTruncated = true
		}
		s.record.RequestBody = captured
	}
	return body, nil
}

// relay copies the upstream response. Non-2xx bodies are relayed verbatim
// without accounting.
func (s *session) relay(ctx context.Context, w http.ResponseWriter, resp *http.Response, cancel context.CancelFunc) {
	h := s.handler
	s.record.Status = resp.StatusCode
	upstream.CopyHeaders(w.Header(), upstream.ResponseHeaders(resp.Header))

	var acc *relay.Accumulator
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		decoder := s.target.NewDecoder(resp.Header.Get("Content-Type"), h.options.Limits)
		acc = relay.NewAccumulator(decoder, s.target.Provider, h.options.MaxTextBytes)
		acc.Merge(upstream.HeaderUsage(resp.Header))
	} else {
		s.err = &relay.Error{Kind: relay.KindUpstreamProtocol, Message: fmt.Sprintf("upstream returned %d", resp.StatusCode)}
	}

	pipeOptions := h.options.Pipe
	pipeOptions.Flush = s.target.Streaming
	dst := &lazyWriter{w: w, status: resp.StatusCode}
	outcome := relay.NewPipe(pipeOptions).Run(ctx, relay.Source{Body: resp.Body, Cancel: cancel}, dst, acc)

	s.record.ResponseBytes = outcome.Bytes
	s.record.TimeToFirstByteMS = outcome.TimeToFirstByte.Milliseconds()
	if outcome.Err != nil {
		s.err = outcome.Err
	}
	if !dst.wrote {
		if outcome.Err != nil && relay.KindOf(outcome.Err) != relay.KindClientDisconnect {
			// Nothing reached the client yet, so the failure can still
			// change the status.
			s.fail(w, outcome.Err)
		} else {
			dst.writeHeader()
		}
	}

	if acc != nil {
		s.transition(StateFinalizing)
		summary := acc.Finalize()
		s.record.ResponseText = summary.Text
		s.record.ResponseTextTruncated = summary.TextTruncated
		s.record.PromptTokens = summary.Usage.PromptTokens
		s.record.CompletionTokens = summary.Usage.CompletionTokens
		s.record.TotalTokens = summary.Usage.TotalTokens
		if summary.Usage.ModelID != "" {
			s.record.ModelID = summary.Usage.ModelID
		}
		s.record.Degraded = summary.Degraded
		s.record.Dropped = summary.Dropped
		if summary.Exception != "" {
			s.exception = summary.Exception
			if s.record.ErrorKind == "" {
				s.record.ErrorKind = string(relay.KindUpstreamException)
			}
		}
	}
}

// fail records err and, when headers are still unsent, answers the client.
func (s *session) fail(w http.ResponseWriter, err error) {
	s.err = err
	s.transition(StateErrored)
	if relay.KindOf(err) == relay.KindClientDisconnect {
		return
	}
	status := relay.StatusOf(err)
	s.record.Status = status
	writeError(w, status, err)
}

func (s *session) transition(next State) {
	if s.state == StateErrored {
		return
	}
	s.state = next
}

// finalize hands exactly one record to the sink. It never blocks and never
// reports sink problems to the client.
func (s *session) finalize(ctx context.Context) {
	s.once.Do(func() {
		h := s.handler
		if s.err != nil {
			s.record.ErrorKind = string(relay.KindOf(s.err))
			if s.record.ErrorKind == "" {
				s.record.ErrorKind = string(relay.KindUpstreamConnect)
			}
			if relay.KindOf(s.err) != relay.KindUpstreamProtocol {
				s.state = StateErrored
			}
		}
		if s.state != StateErrored {
			s.state = StateDone
		}
		elapsed := h.now().Sub(s.started)
		s.record.DurationMS = elapsed.Milliseconds()
		s.record.Timestamp = s.started

		if sink := h.options.Sink; sink != nil && !sink.Enqueue(s.record) {
			h.logger.DebugContext(ctx, "usage record not accepted by any sink", "provider", s.record.Provider)
		}
		h.options.Metrics.ObserveRecord(s.record)
		h.options.Telemetry.RecordTokens(s.record.Provider, s.record.ModelID, s.record.PromptTokens, s.record.CompletionTokens)
		observability.Annotate(ctx, s.record.Status,
			attribute.String("airelay.provider", s.record.Provider),
			attribute.String("airelay.operation", s.record.Operation),
			attribute.String("airelay.model", s.record.ModelID),
			attribute.Bool("airelay.streaming", s.record.Streaming),
			attribute.Int("airelay.tokens.total", s.record.TotalTokens),
			attribute.String("airelay.state", s.state.String()),
		)
		s.log(ctx)
	})
}

func (s *session) log(ctx context.Context) {
	logger := s.handler.logger
	r := s.record
	attrs := []any{
		"provider", r.Provider,
		"operation", r.Operation,
		"model_id", r.ModelID,
		"status", r.Status,
		"state", s.state.String(),
		"prompt_tokens", r.PromptTokens,
		"completion_tokens", r.CompletionTokens,
		"total_tokens", r.TotalTokens,
		"duration_ms", r.DurationMS,
	}
	if s.exception != "" {
		logger.WarnContext(ctx, "upstream stream exception", append(attrs, "exception_type", s.exception)...)
	}
	if r.Degraded > 0 || r.Dropped > 0 {
		logger.WarnContext(ctx, "usage accounting degraded", append(attrs, "degraded", r.Degraded, "dropped_chunks", r.Dropped)...)
	}
	switch {
	case s.err == nil:
		logger.InfoContext(ctx, "relay complete", attrs...)
	case relay.KindOf(s.err) == relay.KindUpstreamProtocol, relay.KindOf(s.err) == relay.KindClientDisconnect:
		logger.InfoContext(ctx, "relay complete", append(attrs, "error_kind", r.ErrorKind)...)
	case relay.KindOf(s.err) == relay.KindRouting:
		logger.InfoContext(ctx, "relay rejected", append(attrs, "error_kind", r.ErrorKind, "error", s.err.Error())...)
	default:
		logger.WarnContext(ctx, "relay failed", append(attrs, "error_kind", r.ErrorKind, "error", observability.ScrubCredentials(s.err.Error()))...)
	}
}

type errorBody struct {
	Detail    string `json:"detail"`
	ErrorKind string `json:"error_kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	detail := http.StatusText(status)
	var relayErr *relay.Error
	if errors.As(err, &relayErr) && relayErr.Message != "" {
		detail = relayErr.Message
	}
	header := w.Header()
	for key := range header {
		if key != correlation.HeaderName {
			header.Del(key)
		}
	}
	header.Set("Content-Type", "application/json")
	header.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Detail: detail, ErrorKind: string(relay.KindOf(err))})
}

// lazyWriter defers the status line until the first body byte so a failure
// before any byte can still become an error response.
type lazyWriter struct {
	w      http.ResponseWriter
	status int
	wrote  bool
}

func (l *lazyWriter) writeHeader() {
	if l.wrote {
		return
	}
	l.wrote = true
	l.w.WriteHeader(l.status)
}

func (l *lazyWriter) Write(p []byte) (int, error) {
	l.writeHeader()
	return l.w.Write(p)
}

func (l *lazyWriter) Flush() {
	if flusher, ok := l.w.(http.Flusher); ok {
		flusher.Flush()
	}
}
