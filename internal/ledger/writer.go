package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize = 256
	batchSize        = 64
)

// Queue pressure states.
const (
	PressureOK        = "ok"
	PressureElevated  = "elevated"
	PressureHigh      = "high"
	PressureSaturated = "saturated"
)

// Diagnostics is a point-in-time view of the writer queue.
type Diagnostics struct {
	QueueCapacity   int              `json:"queue_capacity"`
	QueueDepth      int              `json:"queue_depth"`
	QueuePeak       int              `json:"queue_peak"`
	Pressure        string           `json:"pressure"`
	Accepted        int64            `json:"accepted_total"`
	Rejected        int64            `json:"rejected_total"`
	WriteFailed     int64            `json:"write_failed_total"`
	LastRejectAt    *time.Time       `json:"last_reject_at,omitempty"`
	FailuresByClass map[string]int64 `json:"failures_by_class,omitempty"`
}

// WriteFailure describes records the store did not persist.
type WriteFailure struct {
	Operation string
	Records   int
	Failed    int
	Class     string
	Err       error
}

// Hooks receive writer events. Every field is optional.
type Hooks struct {
	OnAccept  func()
	OnReject  func()
	OnFlush   func(records int, elapsed time.Duration)
	OnFailure func(WriteFailure)
}

// Writer persists records on a background goroutine. Enqueue never blocks; a
// full queue rejects the record.
type Writer struct {
	store Store
	hooks Hooks

	mu      sync.RWMutex
	queue   chan *Record
	closed  bool
	started atomic.Bool
	done    chan struct{}
	once    sync.Once

	peak         atomic.Int64
	accepted     atomic.Int64
	rejected     atomic.Int64
	writeFailed  atomic.Int64
	lastRejectNS atomic.Int64

	failMu   sync.Mutex
	failures map[string]int64
}

// NewWriter returns a Writer over store. A non-positive queueSize uses the
// default.
func NewWriter(store Store, queueSize int, hooks Hooks) *Writer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Writer{
		store:    store,
		hooks:    hooks,
		queue:    make(chan *Record, queueSize),
		done:     make(chan struct{}),
		failures: make(map[string]int64),
	}
}

// Start launches the flush loop. Calling it more than once has no effect.
func (w *Writer) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.loop()
}

func (w *Writer) loop() {
	defer close(w.done)
	for first := range w.queue {
		batch := make([]*Record, 0, batchSize)
		batch = append(batch, first)
	fill:
		for len(batch) < batchSize {
			select {
			case next, ok := <-w.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		w.flush(batch)
	}
}

// Enqueue implements Sink.
func (w *Writer) Enqueue(record *Record) bool {
	if w == nil || record == nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.queue <- normalize(record):
		w.accepted.Add(1)
		w.observeDepth(len(w.queue))
		if w.hooks.OnAccept != nil {
			w.hooks.OnAccept()
		}
		return true
	default:
		w.rejected.Add(1)
		w.observeDepth(cap(w.queue))
		w.lastRejectNS.Store(time.Now().UnixNano())
		if w.hooks.OnReject != nil {
			w.hooks.OnReject()
		}
		return false
	}
}

// Shutdown stops accepting records and waits for queued ones to flush, or
// for ctx to end.
func (w *Writer) Shutdown(ctx context.Context) error {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
		if !w.started.Load() {
			close(w.done)
		}
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueLen returns the number of records waiting.
func (w *Writer) QueueLen() int {
	return len(w.queue)
}

// Diagnostics returns counters for operators.
func (w *Writer) Diagnostics() Diagnostics {
	capacity := cap(w.queue)
	depth := len(w.queue)
	peak := int(w.peak.Load())
	if depth > peak {
		peak = depth
	}
	d := Diagnostics{
		QueueCapacity: capacity,
		QueueDepth:    depth,
		QueuePeak:     peak,
		Pressure:      pressure(depth, capacity),
		Accepted:      w.accepted.Load(),
		Rejected:      w.rejected.Load(),
		WriteFailed:   w.writeFailed.Load(),
	}
	if ns := w.lastRejectNS.Load(); ns > 0 {
		at := time.Unix(0, ns).UTC()
		d.LastRejectAt = &at
	}
	w.failMu.Lock()
	if len(w.failures) > 0 {
		d.FailuresByClass = make(map[string]int64, len(w.failures))
		for class, n := range w.failures {
			d.FailuresByClass[class] = n
		}
	}
	w.failMu.Unlock()
	return d
}

func (w *Writer) observeDepth(depth int) {
	v := int64(depth)
	for {
		cur := w.peak.Load()
		if v <= cur || w.peak.CompareAndSwap(cur, v) {
			return
		}
	}
}

func pressure(depth, capacity int) string {
	if capacity <= 0 {
		return PressureOK
	}
	pct := depth * 100 / capacity
	switch {
	case pct >= 100:
		return PressureSaturated
	case pct >= 80:
		return PressureHigh
	case pct >= 50:
		return PressureElevated
	default:
		return PressureOK
	}
}

func (w *Writer) flush(batch []*Record) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(batch) == 1 {
		if err := w.store.Write(ctx, batch[0]); err != nil {
			w.fail(WriteFailure{Operation: "write", Records: 1, Failed: 1, Err: err})
		}
	} else if err := w.store.WriteBatch(ctx, batch); err != nil {
		// Retry one at a time so one bad row does not lose the batch.
		failed := 0
		var firstErr error
		for _, record := range batch {
			if recordErr := w.store.Write(ctx, record); recordErr != nil {
				failed++
				if firstErr == nil {
					firstErr = recordErr
				}
			}
		}
		if failed > 0 {
			w.fail(WriteFailure{Operation: "write_batch", Records: len(batch), Failed: failed, Err: errors.Join(err, firstErr)})
		}
	}

	if w.hooks.OnFlush != nil {
		w.hooks.OnFlush(len(batch), time.Since(start))
	}
}

func (w *Writer) fail(failure WriteFailure) {
	failure.Class = ClassifyWriteError(failure.Err)
	w.writeFailed.Add(int64(failure.Failed))
	w.failMu.Lock()
	w.failures[failure.Class] += int64(failure.Failed)
	w.failMu.Unlock()
	if w.hooks.OnFailure != nil {
		w.hooks.OnFailure(failure)
	}
}
