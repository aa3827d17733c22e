package recorder

import (
	"context"
	"fmt"
	"sync"

	"github.com/parascope/parascope/internal/trace"
)

// Thread is the record surface for one monitored thread. All methods except
// flushResidual must be called from the owning thread only; the internal
// mutex exists solely for the Stop-time buffer steal and is uncontended on
// the hot path.
type Thread struct {
	rec *Recorder
	tid uint32

	mu    sync.Mutex
	seq   uint64
	clock uint64
	buf   []trace.Event
	free  chan []trace.Event

	loops   []loopFrame
	dropped uint64
	closed  bool
}

// loopFrame tracks one open loop on the thread's nesting stack. A fresh
// frame is pushed per dynamic loop instance, so nested loops get
// independent iteration counters per enclosing iteration.
type loopFrame struct {
	id   uint32
	iter uint64
}

// OnAccess records one memory access at the given static site. Accesses are
// attributed to the innermost open loop and its current iteration.
func (t *Thread) OnAccess(site uint32, addr uint64, length uint32, kind trace.AccessKind) {
	if !t.rec.opts.Scope.SiteMonitored(site) {
		return
	}
	ev := trace.Event{
		Kind:   trace.KindAccess,
		Site:   site,
		Addr:   addr,
		Length: length,
		Access: kind,
	}
	if n := len(t.loops); n > 0 {
		ev.Loop = t.loops[n-1].id
		ev.Iter = t.loops[n-1].iter
	}
	t.emit(ev)
}

// OnScopeEnter records a function entry or loop entry. A LoopEnter for the
// loop already on top of the stack is a re-entry at the same nesting depth
// and increments that loop's iteration counter; any other LoopEnter opens a
// new loop instance starting at iteration 0.
func (t *Thread) OnScopeEnter(site uint32, kind trace.ScopeKind, loop uint32) {
	if kind == trace.LoopEnter {
		if !t.rec.opts.Scope.LoopMonitored(loop) {
			return
		}
		if n := len(t.loops); n > 0 && t.loops[n-1].id == loop {
			t.loops[n-1].iter++
		} else {
			t.loops = append(t.loops, loopFrame{id: loop})
		}
	}
	t.emit(trace.Event{Kind: trace.KindScope, Site: site, Scope: kind, Loop: loop})
}

// OnScopeExit records a function exit or loop exit and closes the matching
// loop instance. An exit for a loop that is not open is recorded but leaves
// the stack unchanged; the instrumentation pass brackets scopes, the
// recorder only defends against mismatches.
func (t *Thread) OnScopeExit(site uint32, kind trace.ScopeKind, loop uint32) {
	if kind == trace.LoopExit {
		if !t.rec.opts.Scope.LoopMonitored(loop) {
			return
		}
		if n := len(t.loops); n > 0 && t.loops[n-1].id == loop {
			t.loops = t.loops[:n-1]
		}
	}
	t.emit(trace.Event{Kind: trace.KindScope, Site: site, Scope: kind, Loop: loop})
}

// OnAlloc records an observed allocation of [addr, addr+size).
func (t *Thread) OnAlloc(addr, size uint64) {
	t.emit(trace.Event{Kind: trace.KindAlloc, Addr: addr, Size: size})
}

// OnFree records an observed deallocation starting at addr.
func (t *Thread) OnFree(addr uint64) {
	t.emit(trace.Event{Kind: trace.KindFree, Addr: addr})
}

// OnSync records a cross-thread synchronization point identified by token
// (for example the address of a lock). The thread's Lamport clock joins the
// token's stored clock before the event and publishes after, so analysis
// can order events across threads through the program's own
// synchronization.
func (t *Thread) OnSync(token uint64) {
	t.mu.Lock()
	t.clock = t.rec.joinSync(token, t.clock)
	t.mu.Unlock()

	t.emit(trace.Event{Kind: trace.KindSync, Token: token})

	t.mu.Lock()
	clock := t.clock
	t.mu.Unlock()
	t.rec.publishSync(token, clock)
}

// Close flushes the thread's buffer at thread exit. The flush is
// synchronous so no event recorded by this thread is left behind.
func (t *Thread) Close() error {
	return t.flushResidual(context.Background())
}

// Dropped returns the events discarded by this thread under the drop policy.
func (t *Thread) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// emit stamps and buffers one event, rotating the buffer when full.
func (t *Thread) emit(ev trace.Event) {
	if t.rec.failed.Load() {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.seq++
	t.clock++
	ev.TID = t.tid
	ev.Seq = t.seq
	ev.Clock = t.clock
	t.buf = append(t.buf, ev)
	if len(t.buf) >= t.rec.opts.BufferEvents {
		t.rotateLocked()
	}
	t.mu.Unlock()
}

// rotateLocked hands the full buffer to the flusher. When the flush queue
// is backlogged the overflow policy decides: block waits for queue space,
// drop discards this buffer (the thread's oldest unflushed records) and
// replaces it with a single gap marker.
func (t *Thread) rotateLocked() {
	b := batch{t: t, events: t.buf}
	select {
	case t.rec.flushCh <- b:
		t.buf = t.takeSpareLocked()
		return
	default:
	}

	if t.rec.opts.Overflow == OverflowBlock {
		t.rec.flushCh <- b
		t.buf = t.takeSpareLocked()
		return
	}

	// Count real events only; a gap marker caught in the discarded buffer
	// folds its tally into the new marker so no drop goes unaccounted.
	var n, carried uint64
	for i := range t.buf {
		if t.buf[i].Kind == trace.KindGap {
			carried += t.buf[i].Dropped
		} else {
			n++
		}
	}
	t.dropped += n
	t.rec.dropped.Add(n)
	n += carried
	t.buf = t.buf[:0]
	t.seq++
	t.clock++
	t.buf = append(t.buf, trace.Event{
		Kind:    trace.KindGap,
		TID:     t.tid,
		Seq:     t.seq,
		Clock:   t.clock,
		Dropped: n,
	})
}

// takeSpareLocked fetches a recycled buffer from the flusher, or allocates
// one. Allocation is bounded: buffers beyond the thread's spare capacity
// are discarded by the flusher on return.
func (t *Thread) takeSpareLocked() []trace.Event {
	select {
	case nb := <-t.free:
		return nb[:0]
	default:
		return make([]trace.Event, 0, t.rec.opts.BufferEvents)
	}
}

// flushResidual hands any buffered events to the flusher. Called by Close
// from the owning thread and by Stop from the controller; the mutex makes
// the steal safe.
func (t *Thread) flushResidual(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	b := batch{t: t, events: t.buf}
	t.buf = nil
	t.mu.Unlock()

	if len(b.events) == 0 {
		return nil
	}
	select {
	case t.rec.flushCh <- b:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush thread %d: %w", t.tid, ctx.Err())
	}
}
