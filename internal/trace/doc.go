// Package trace defines the event model and the on-disk trace store format.
//
// A trace is an append-only sequence of variable-length records produced by
// the recorder during a monitored execution and consumed once, forward-only,
// by the dependence graph builder. Each record carries a fixed header
// (kind, thread id, per-thread sequence number, logical clock, payload
// length) followed by a kind-specific payload and a CRC32 checksum.
//
// The format is stable for a given Version so that replaying the same trace
// twice yields identical analysis results. A truncated trailing record
// (partial write from an abrupt termination) is detected by a length or
// checksum mismatch; the reader keeps the valid prefix and reports the
// truncation, it never fails the whole trace.
package trace
