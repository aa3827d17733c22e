// Package recorder implements the instrumentation runtime linked into a
// monitored program.
//
// An external compiler pass injects calls to the per-thread record surface
// (OnAccess, OnScopeEnter, OnScopeExit, OnAlloc, OnFree, OnSync); the
// recorder only records what it is told. Each thread owns a private append
// buffer; full buffers are handed to a single background flusher over a
// channel, one producer per thread, so writes from different threads never
// interleave within a buffer. The flusher is the only writer of the trace
// store.
//
// Ordering model: within a thread, events reach the store in program order.
// Across threads no order is enforced while recording; every event carries
// a Lamport clock, incremented per record and joined at the monitored
// program's own synchronization points, and analysis reconstructs a
// consistent global order offline. The hot path takes no cross-thread locks
// except at those synchronization points.
package recorder
