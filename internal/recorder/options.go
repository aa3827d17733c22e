package recorder

import "fmt"

// OverflowPolicy selects what happens when a thread fills its buffer while
// the flusher is backlogged. The choice is never silent: block perturbs the
// monitored program's timing, drop loses events and leaves a gap marker.
type OverflowPolicy uint8

const (
	// OverflowBlock back-pressures the monitored thread until the flusher
	// catches up. No events are lost.
	OverflowBlock OverflowPolicy = iota + 1

	// OverflowDrop discards the oldest unflushed records for the thread and
	// emits exactly one gap marker per overflow event.
	OverflowDrop
)

// ParseOverflowPolicy maps the configuration string to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "block":
		return OverflowBlock, nil
	case "drop":
		return OverflowDrop, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q (want \"block\" or \"drop\")", s)
	}
}

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowBlock:
		return "block"
	case OverflowDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Defaults for Options fields left zero.
const (
	DefaultBufferEvents = 4096
	DefaultQueueDepth   = 8
)

// Options configures a Recorder.
type Options struct {
	// BufferEvents is the per-thread buffer capacity in events.
	BufferEvents int

	// QueueDepth is the flush queue depth in buffers. Together with
	// BufferEvents it bounds the memory held in unflushed events.
	QueueDepth int

	// Overflow selects the buffer overflow policy. Default: block.
	Overflow OverflowPolicy

	// Scope restricts recording to the configured sites and loops.
	// Nil records everything the instrumentation reports.
	Scope *Scope
}

func (o Options) withDefaults() Options {
	if o.BufferEvents <= 0 {
		o.BufferEvents = DefaultBufferEvents
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.Overflow == 0 {
		o.Overflow = OverflowBlock
	}
	return o
}

// Scope is the instrumentation scope: which static sites and loop contexts
// to record. Empty sets mean "all". The external instrumentation pass
// assigns the stable site and loop identifiers.
type Scope struct {
	sites map[uint32]struct{}
	loops map[uint32]struct{}
}

// NewScope builds a scope from explicit site and loop lists.
func NewScope(sites, loops []uint32) *Scope {
	s := &Scope{}
	if len(sites) > 0 {
		s.sites = make(map[uint32]struct{}, len(sites))
		for _, id := range sites {
			s.sites[id] = struct{}{}
		}
	}
	if len(loops) > 0 {
		s.loops = make(map[uint32]struct{}, len(loops))
		for _, id := range loops {
			s.loops[id] = struct{}{}
		}
	}
	return s
}

// SiteMonitored reports whether accesses at the given site are recorded.
func (s *Scope) SiteMonitored(site uint32) bool {
	if s == nil || s.sites == nil {
		return true
	}
	_, ok := s.sites[site]
	return ok
}

// LoopMonitored reports whether the given loop context is recorded.
func (s *Scope) LoopMonitored(loop uint32) bool {
	if s == nil || s.loops == nil {
		return true
	}
	_, ok := s.loops[loop]
	return ok
}
