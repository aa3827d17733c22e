package trace

// Kind tags the record type stored in a trace.
type Kind uint8

const (
	// KindAccess records a single memory access (read or write).
	KindAccess Kind = iota + 1
	// KindScope records a function or loop boundary.
	KindScope
	// KindAlloc records an observed allocation of an address range.
	KindAlloc
	// KindFree records an observed deallocation of an address range.
	KindFree
	// KindSync records a cross-thread synchronization point.
	KindSync
	// KindGap marks dropped events under the drop overflow policy.
	// Exactly one gap record is emitted per overflow event.
	KindGap
)

// String returns the record kind name used in dumps and diagnostics.
func (k Kind) String() string {
	switch k {
	case KindAccess:
		return "access"
	case KindScope:
		return "scope"
	case KindAlloc:
		return "alloc"
	case KindFree:
		return "free"
	case KindSync:
		return "sync"
	case KindGap:
		return "gap"
	default:
		return "unknown"
	}
}

// AccessKind distinguishes reads from writes.
type AccessKind uint8

const (
	Read AccessKind = iota + 1
	Write
)

func (a AccessKind) String() string {
	switch a {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

// ScopeKind distinguishes the four scope boundary events.
type ScopeKind uint8

const (
	FuncEnter ScopeKind = iota + 1
	FuncExit
	LoopEnter
	LoopExit
)

func (s ScopeKind) String() string {
	switch s {
	case FuncEnter:
		return "func_enter"
	case FuncExit:
		return "func_exit"
	case LoopEnter:
		return "loop_enter"
	case LoopExit:
		return "loop_exit"
	default:
		return "unknown"
	}
}

// Event is one decoded trace record. The header fields (Kind, TID, Seq,
// Clock) are always set; the remaining fields are populated per Kind:
//
//	KindAccess: Site, Addr, Length, Access, Loop, Iter
//	KindScope:  Site, Scope, Loop
//	KindAlloc:  Addr, Size
//	KindFree:   Addr
//	KindSync:   Token
//	KindGap:    Dropped
//
// Events are immutable once recorded.
type Event struct {
	Kind  Kind
	TID   uint32
	Seq   uint64 // per-thread sequence number, strictly increasing
	Clock uint64 // Lamport clock, incremented on every record and joined at sync points

	Site   uint32
	Addr   uint64
	Length uint32
	Access AccessKind
	Loop   uint32 // innermost loop context, 0 when outside any loop
	Iter   uint64 // iteration number within Loop

	Scope ScopeKind
	Size  uint64 // allocation size for KindAlloc
	Token uint64 // synchronization token for KindSync

	Dropped uint64 // number of events discarded before this gap marker
}
