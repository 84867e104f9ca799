package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

const (
	defaultChunkSize = 32 << 10
	defaultQueueSize = 64
)

// PipeOptions configures one copy loop.
type PipeOptions struct {
	// ChunkSize is the read buffer size.
	ChunkSize int
	// IdleTimeout aborts the upstream read when no bytes arrive for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	// Flush pushes every chunk to the client as soon as it is written.
	Flush bool
	// Async hands chunks to a background consumer through a bounded queue.
	// A full queue drops accumulation for that chunk, never the relay.
	Async     bool
	QueueSize int
}

// Source is an upstream response body plus the cancel func of the request
// that produced it. Cancel unblocks a pending read.
type Source struct {
	Body   io.ReadCloser
	Cancel context.CancelFunc
}

// Outcome reports what one Run delivered.
type Outcome struct {
	Bytes           int64
	Chunks          int
	Dropped         int
	TimeToFirstByte time.Duration
	// Err is nil when the upstream body ended cleanly.
	Err error
}

// Pipe copies an upstream body to a client writer.
type Pipe struct {
	options PipeOptions
}

// NewPipe returns a Pipe with defaults applied.
func NewPipe(options PipeOptions) *Pipe {
	if options.ChunkSize <= 0 {
		options.ChunkSize = defaultChunkSize
	}
	if options.QueueSize <= 0 {
		options.QueueSize = defaultQueueSize
	}
	return &Pipe{options: options}
}

// Run copies src to dst in arrival order and feeds each copied chunk to acc.
// It returns once the body ends, the client goes away, or a read fails. The
// upstream body is always closed. Run does not call acc.Finalize.
func (p *Pipe) Run(ctx context.Context, src Source, dst io.Writer, acc *Accumulator) (out Outcome) {
	defer func() {
		if src.Body != nil {
			_ = src.Body.Close()
		}
	}()
	if src.Body == nil {
		return out
	}

	consume, wait := p.consumer(acc)
	defer func() {
		dropped := wait()
		out.Dropped = dropped
		if acc != nil && dropped > 0 {
			acc.MarkDropped(dropped)
		}
	}()

	var idleFired atomic.Bool
	var idleTimer *time.Timer
	if p.options.IdleTimeout > 0 && src.Cancel != nil {
		idleTimer = time.AfterFunc(p.options.IdleTimeout, func() {
			idleFired.Store(true)
			src.Cancel()
		})
		defer idleTimer.Stop()
	}

	flusher, _ := dst.(http.Flusher)
	started := time.Now()
	buf := make([]byte, p.options.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			out.Err = &Error{Kind: KindClientDisconnect, Message: "client went away", Err: ErrClientDisconnected}
			return out
		}

		n, readErr := src.Body.Read(buf)
		if idleTimer != nil && !idleFired.Load() {
			idleTimer.Reset(p.options.IdleTimeout)
		}
		if n > 0 {
			chunk := buf[:n]
			written, writeErr := dst.Write(chunk)
			if written > 0 && out.Bytes == 0 {
				out.TimeToFirstByte = time.Since(started)
			}
			out.Bytes += int64(written)
			if writeErr == nil && written < n {
				writeErr = io.ErrShortWrite
			}
			if written > 0 {
				out.Chunks++
				consume(chunk[:written])
			}
			if writeErr != nil {
				out.Err = &Error{
					Kind:    KindClientDisconnect,
					Message: "write to client failed",
					Err:     fmt.Errorf("%w: %v", ErrClientDisconnected, writeErr),
				}
				return out
			}
			if p.options.Flush && flusher != nil {
				flusher.Flush()
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			return out
		}
		switch {
		case idleFired.Load():
			out.Err = &Error{Kind: KindUpstreamTimeout, Status: http.StatusGatewayTimeout, Message: "upstream stalled", Err: ErrIdleTimeout}
		case ctx.Err() != nil:
			out.Err = &Error{Kind: KindClientDisconnect, Message: "client went away", Err: ErrClientDisconnected}
		case IsTimeout(readErr):
			out.Err = &Error{Kind: KindUpstreamTimeout, Status: http.StatusGatewayTimeout, Message: "upstream timed out", Err: readErr}
		default:
			out.Err = &Error{Kind: KindUpstreamRead, Status: http.StatusBadGateway, Message: "upstream read failed", Err: readErr}
		}
		return out
	}
}

// consumer returns the per-chunk accumulation hook and a func that waits for
// queued chunks to drain and reports how many were dropped.
func (p *Pipe) consumer(acc *Accumulator) (func([]byte), func() int) {
	if acc == nil {
		return func([]byte) {}, func() int { return 0 }
	}
	if !p.options.Async {
		return acc.Consume, func() int { return 0 }
	}

	queue := make(chan []byte, p.options.QueueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range queue {
			acc.Consume(chunk)
		}
	}()

	dropped := 0
	consume := func(chunk []byte) {
		copied := make([]byte, len(chunk))
		copy(copied, chunk)
		select {
		case queue <- copied:
		default:
			dropped++
		}
	}
	wait := func() int {
		close(queue)
		<-done
		return dropped
	}
	return consume, wait
}
