package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/parascope/parascope/internal/trace"
)

// Recorder coordinates per-thread recording into a single trace store.
//
// Thread-safety model:
//   - Thread(): safe from any goroutine
//   - per-Thread record calls: owned by that thread
//   - Stop(): safe from any goroutine, once
//
// The flusher goroutine is the single writer of the trace.Writer. A write
// failure aborts recording immediately with a clear cause; a silently
// incomplete trace is worse than no trace.
type Recorder struct {
	opts Options
	w    *trace.Writer

	flushCh     chan batch
	flusherDone chan struct{}

	mu      sync.Mutex
	threads map[uint32]*Thread
	stopped bool

	// syncMu guards syncClocks: the only cross-thread state, touched only
	// at the monitored program's own synchronization points.
	syncMu     sync.Mutex
	syncClocks map[uint64]uint64

	failed  atomic.Bool
	errMu   sync.Mutex
	err     error
	dropped atomic.Uint64
}

// batch is the single-producer/single-consumer buffer handoff unit.
type batch struct {
	t      *Thread
	events []trace.Event
}

// New starts a Recorder writing to w and launches the background flusher.
func New(w *trace.Writer, opts Options) *Recorder {
	r := &Recorder{
		opts:        opts.withDefaults(),
		w:           w,
		threads:     make(map[uint32]*Thread),
		syncClocks:  make(map[uint64]uint64),
		flusherDone: make(chan struct{}),
	}
	r.flushCh = make(chan batch, r.opts.QueueDepth)
	go r.flusher()
	return r
}

// Thread returns the recording context for the given thread id, creating it
// on first use. The returned Thread must only be used by that thread.
func (r *Recorder) Thread(tid uint32) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.threads[tid]; ok {
		return t
	}
	t := &Thread{
		rec:  r,
		tid:  tid,
		buf:  make([]trace.Event, 0, r.opts.BufferEvents),
		free: make(chan []trace.Event, 2),
	}
	// After Stop the flush queue is closed; a late thread context records
	// nothing rather than feeding it.
	if r.stopped {
		t.closed = true
	}
	r.threads[tid] = t
	return t
}

// Stop performs the scoped flush: every thread's buffer is handed to the
// flusher, the queue is drained, and the writer is flushed. No event
// recorded before Stop was called is lost, except under the drop policy
// where gaps were already marked. An expiring context makes the flush
// best-effort (the abort path).
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return r.Err()
	}
	r.stopped = true
	threads := make([]*Thread, 0, len(r.threads))
	for _, t := range r.threads {
		threads = append(threads, t)
	}
	r.mu.Unlock()

	for _, t := range threads {
		if err := t.flushResidual(ctx); err != nil {
			slog.Warn("scoped flush incomplete", "tid", t.tid, "error", err)
		}
	}

	close(r.flushCh)
	select {
	case <-r.flusherDone:
	case <-ctx.Done():
		return fmt.Errorf("stop recorder: %w", ctx.Err())
	}

	if err := r.w.Flush(); err != nil {
		r.fail(err)
	}
	return r.Err()
}

// Err returns the fatal recording error, if any.
func (r *Recorder) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Dropped returns the total number of events discarded under the drop
// policy across all threads.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// flusher is the single consumer of the flush queue and the single writer
// of the trace store.
func (r *Recorder) flusher() {
	defer close(r.flusherDone)

	for b := range r.flushCh {
		if !r.failed.Load() {
			for i := range b.events {
				if err := r.w.WriteEvent(&b.events[i]); err != nil {
					r.fail(err)
					break
				}
			}
		}
		// Return the buffer to its owning thread; discard if the thread
		// already holds its spares.
		select {
		case b.t.free <- b.events:
		default:
		}
	}
}

// fail records the first fatal error and halts further recording.
func (r *Recorder) fail(err error) {
	r.errMu.Lock()
	if r.err == nil {
		r.err = fmt.Errorf("recording aborted: %w", err)
		slog.Error("trace store unwritable, recording aborted", "error", err)
	}
	r.errMu.Unlock()
	r.failed.Store(true)
}

// joinSync merges the stored clock for a synchronization token into the
// thread clock and returns the joined value. Called only from OnSync.
func (r *Recorder) joinSync(token uint64, clock uint64) uint64 {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	if g := r.syncClocks[token]; g > clock {
		clock = g
	}
	return clock
}

// publishSync records the thread clock against a synchronization token so
// later arrivals order after it.
func (r *Recorder) publishSync(token uint64, clock uint64) {
	r.syncMu.Lock()
	if clock > r.syncClocks[token] {
		r.syncClocks[token] = clock
	}
	r.syncMu.Unlock()
}
