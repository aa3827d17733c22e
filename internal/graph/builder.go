package graph

import (
	"container/heap"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/parascope/parascope/internal/shadow"
	"github.com/parascope/parascope/internal/trace"
)

// AliasPolicy decides how observed address reuse is treated. An address
// freed and reallocated hosts two unrelated objects; accesses on either
// side of the reuse are not dependences. The policy is user-visible
// because both answers are wrong somewhere: severing risks false
// negatives when the instrumentation mislabels a live range, keeping
// risks false positives across genuine reuse.
type AliasPolicy uint8

const (
	// AliasOptimistic resets shadow state at observed allocation and
	// deallocation events, so accesses separated by a free/realloc of
	// their address are never reported as dependent. Default.
	AliasOptimistic AliasPolicy = iota + 1

	// AliasConservative keeps shadow state across observed reuse:
	// same-address accesses stay dependent even over a free/realloc.
	AliasConservative
)

// ParseAliasPolicy maps the configuration string to a policy.
func ParseAliasPolicy(s string) (AliasPolicy, error) {
	switch s {
	case "optimistic":
		return AliasOptimistic, nil
	case "conservative":
		return AliasConservative, nil
	default:
		return 0, fmt.Errorf("unknown aliasing policy %q (want \"optimistic\" or \"conservative\")", s)
	}
}

func (p AliasPolicy) String() string {
	switch p {
	case AliasOptimistic:
		return "optimistic"
	case AliasConservative:
		return "conservative"
	default:
		return "unknown"
	}
}

// Options configures a Builder. Zero values select the defaults.
type Options struct {
	// FanOutCap bounds the reader set per shadow word: a write against a
	// location with more readers links the most recent ones and counts
	// the rest as elided. Default 32.
	FanOutCap int

	// Shards partitions the address space into independent shadow maps
	// whose per-shard graphs merge deterministically. Default 1.
	Shards int

	// ShadowBudget bounds the live shadow cells per shard. 0 applies the
	// shadow default, negative is unbounded.
	ShadowBudget int

	// Aliasing selects how observed address reuse is treated.
	Aliasing AliasPolicy
}

func (o Options) withDefaults() Options {
	if o.FanOutCap <= 0 {
		o.FanOutCap = shadow.DefaultMaxReaders
	}
	if o.Shards <= 0 {
		o.Shards = 1
	}
	if o.Aliasing == 0 {
		o.Aliasing = AliasOptimistic
	}
	return o
}

// Builder replays traces into dependence graphs.
type Builder struct {
	opts Options
}

// NewBuilder returns a Builder with the given options.
func NewBuilder(opts Options) *Builder {
	return &Builder{opts: opts.withDefaults()}
}

// BuildFile replays the trace at path into a dependence graph. It merges
// the per-thread streams with forward-only cursors, one reader per
// thread over the same file, so memory stays proportional to the thread
// count rather than the trace length. A corrupt or truncated tail
// degrades coverage, it does not fail the build.
func (b *Builder) BuildFile(path string) (*Graph, error) {
	tids, corrupt, err := scanThreads(path)
	if err != nil {
		return nil, err
	}

	cursors := make([]cursor, 0, len(tids))
	for _, tid := range tids {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r, err := trace.NewReader(f)
		if err != nil {
			return nil, err
		}
		cursors = append(cursors, &threadCursor{r: r, tid: tid})
	}

	g, err := b.merge(cursors)
	if err != nil {
		return nil, err
	}
	if corrupt != nil {
		g.Coverage.Truncated = true
		slog.Warn("trace ends early, graph covers the valid prefix",
			"offset", corrupt.Offset, "truncated", corrupt.Truncated)
	}
	return g, nil
}

// scanThreads reads the valid prefix once and returns the thread ids in
// first-seen order, plus the corruption record if the tail is damaged.
func scanThreads(path string) ([]uint32, *trace.CorruptRecordError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r, err := trace.NewReader(f)
	if err != nil {
		return nil, nil, err
	}

	var tids []uint32
	seen := make(map[uint32]bool)
	for {
		ev, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return tids, r.Corrupt(), nil
			}
			return nil, nil, err
		}
		if !seen[ev.TID] {
			seen[ev.TID] = true
			tids = append(tids, ev.TID)
		}
	}
}

// BuildEvents builds a graph from an in-memory event slice. Events for a
// given thread must appear in their recorded order.
func (b *Builder) BuildEvents(events []trace.Event) *Graph {
	byTID := make(map[uint32][]trace.Event)
	var tids []uint32
	for _, ev := range events {
		if _, ok := byTID[ev.TID]; !ok {
			tids = append(tids, ev.TID)
		}
		byTID[ev.TID] = append(byTID[ev.TID], ev)
	}
	cursors := make([]cursor, 0, len(tids))
	for _, tid := range tids {
		cursors = append(cursors, &sliceCursor{events: byTID[tid]})
	}
	g, err := b.merge(cursors)
	if err != nil {
		// sliceCursor cannot fail.
		panic(err)
	}
	return g
}

// cursor yields one thread's events in recorded order.
type cursor interface {
	next() (trace.Event, bool, error)
}

// threadCursor filters a trace reader down to a single thread. The
// reader stops at the end of the valid prefix, so a damaged tail shows
// up as exhaustion here, never as an error.
type threadCursor struct {
	r   *trace.Reader
	tid uint32
}

func (c *threadCursor) next() (trace.Event, bool, error) {
	for {
		ev, err := c.r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return trace.Event{}, false, nil
			}
			return trace.Event{}, false, err
		}
		if ev.TID == c.tid {
			return ev, true, nil
		}
	}
}

type sliceCursor struct {
	events []trace.Event
	pos    int
}

func (c *sliceCursor) next() (trace.Event, bool, error) {
	if c.pos == len(c.events) {
		return trace.Event{}, false, nil
	}
	ev := c.events[c.pos]
	c.pos++
	return ev, true, nil
}

// stream is one cursor plus its buffered head event during the merge.
type stream struct {
	cur  cursor
	head trace.Event
}

// mergeHeap orders streams by their head event's (clock, tid, seq).
type mergeHeap []*stream

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	a, b := &h[i].head, &h[j].head
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	if a.TID != b.TID {
		return a.TID < b.TID
	}
	return a.Seq < b.Seq
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*stream)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	*h = old[:n-1]
	return s
}

type lastRead struct {
	site uint32
	loop uint32
	iter uint64
}

type rmwKey struct {
	tid  uint32
	loop uint32
	site uint32
}

type instKey struct {
	tid  uint32
	loop uint32
}

// replay owns the mutable state of one build.
type replay struct {
	b      *Builder
	maps   []*shadow.Map
	graphs []*Graph // per-shard edge graphs
	main   *Graph   // loops and coverage

	stacks  map[uint32][]uint32 // per-thread open loop ids
	insts   map[instKey]uint64  // per-thread loop instance ordinals
	reads   map[uint32]map[uint64]lastRead
	rmwLast map[rmwKey]uint64
	maxIter map[uint32]uint64
}

// merge replays the cursors in global (clock, tid, seq) order via a
// k-way heap merge, holding one buffered event per thread.
func (b *Builder) merge(cursors []cursor) (*Graph, error) {
	rp := &replay{
		b:       b,
		maps:    make([]*shadow.Map, b.opts.Shards),
		graphs:  make([]*Graph, b.opts.Shards),
		main:    NewGraph(),
		stacks:  make(map[uint32][]uint32),
		insts:   make(map[instKey]uint64),
		reads:   make(map[uint32]map[uint64]lastRead),
		rmwLast: make(map[rmwKey]uint64),
		maxIter: make(map[uint32]uint64),
	}
	for i := range rp.maps {
		rp.maps[i] = shadow.New(shadow.Options{
			BudgetCells: b.opts.ShadowBudget,
			MaxReaders:  b.opts.FanOutCap,
		})
		rp.graphs[i] = NewGraph()
	}

	h := make(mergeHeap, 0, len(cursors))
	for _, cur := range cursors {
		ev, ok, err := cur.next()
		if err != nil {
			return nil, err
		}
		if ok {
			h = append(h, &stream{cur: cur, head: ev})
		}
	}
	heap.Init(&h)

	for h.Len() > 0 {
		s := h[0]
		rp.apply(&s.head)
		ev, ok, err := s.cur.next()
		if err != nil {
			return nil, err
		}
		if ok {
			s.head = ev
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}

	return rp.finish(), nil
}

func (rp *replay) apply(ev *trace.Event) {
	rp.main.Coverage.Events++

	switch ev.Kind {
	case trace.KindAccess:
		rp.applyAccess(ev)
	case trace.KindScope:
		rp.applyScope(ev)
	case trace.KindAlloc:
		if rp.b.opts.Aliasing != AliasConservative {
			for _, m := range rp.maps {
				m.NoteAlloc(ev.Addr, ev.Size)
			}
		}
	case trace.KindFree:
		if rp.b.opts.Aliasing != AliasConservative {
			for _, m := range rp.maps {
				m.NoteFree(ev.Addr)
			}
			delete(rp.reads[ev.TID], ev.Addr)
		}
	case trace.KindGap:
		rp.main.Coverage.Gaps++
		rp.main.Coverage.DroppedEvents += ev.Dropped
		for _, loop := range rp.stacks[ev.TID] {
			rp.main.loop(loop).SawGap = true
		}
		// An unknown interval invalidates pending read-modify-write state.
		delete(rp.reads, ev.TID)
	case trace.KindSync:
		// Sync events order the merge; they carry no dependence.
	}
}

func (rp *replay) applyScope(ev *trace.Event) {
	stack := rp.stacks[ev.TID]
	switch ev.Scope {
	case trace.LoopEnter:
		l := rp.main.loop(ev.Loop)
		l.Iterations++
		if n := len(stack); n == 0 || stack[n-1] != ev.Loop {
			if n > 0 && l.Parent == 0 {
				l.Parent = stack[n-1]
			}
			rp.stacks[ev.TID] = append(stack, ev.Loop)
			rp.insts[instKey{tid: ev.TID, loop: ev.Loop}]++
		}
	case trace.LoopExit:
		if n := len(stack); n > 0 && stack[n-1] == ev.Loop {
			rp.stacks[ev.TID] = stack[:n-1]
		}
	}
}

const wordShift = 3

func (rp *replay) shardOf(word uint64) int {
	page := word >> (12 - wordShift)
	return int(page % uint64(len(rp.maps)))
}

func (rp *replay) applyAccess(ev *trace.Event) {
	acc := shadow.Access{
		Site:  ev.Site,
		TID:   ev.TID,
		Seq:   ev.Seq,
		Clock: ev.Clock,
		Loop:  ev.Loop,
		Iter:  ev.Iter,
	}
	if ev.Loop != 0 {
		acc.Inst = rp.insts[instKey{tid: ev.TID, loop: ev.Loop}]
	}
	if ev.Loop != 0 {
		l := rp.main.loop(ev.Loop)
		l.Accesses++
		if ev.Iter > rp.maxIter[ev.Loop] {
			rp.maxIter[ev.Loop] = ev.Iter
		}
	}

	length := ev.Length
	if length == 0 {
		length = 1
	}
	first := ev.Addr >> wordShift
	last := (ev.Addr + uint64(length) - 1) >> wordShift

	// Word-by-word dispatch keeps the shard assignment of every byte
	// independent of the access that touched it, so the merged graph is
	// identical for any shard count.
	for w := first; w <= last; w++ {
		si := rp.shardOf(w)
		m, g := rp.maps[si], rp.graphs[si]
		wordAddr := w << wordShift

		if ev.Access == trace.Write {
			m.Write(wordAddr, 1<<wordShift, acc, func(prev *shadow.Access, readers []shadow.Access, elided uint64) {
				for i := range readers {
					rp.record(g, WAR, &readers[i], &acc)
				}
				if len(readers) > 0 && elided > 0 {
					key, _, _ := rp.edgeKey(WAR, &readers[len(readers)-1], &acc)
					g.edge(key).Elided += elided
				}
				if prev != nil {
					rp.record(g, WAW, prev, &acc)
				}
			})
		} else {
			m.Read(wordAddr, 1<<wordShift, acc, func(writer *shadow.Access) {
				if writer != nil {
					rp.record(g, RAW, writer, &acc)
				} else {
					key := EdgeKey{Sink: acc.Site, Type: INPUT, Loop: acc.Loop}
					e := g.edge(key)
					e.Count++
					e.Distance.Unknown++
				}
			})
		}
	}

	rp.trackRMW(ev)
}

// trackRMW watches for a read followed by a write of the same location in
// the same thread, loop and iteration: the accumulator shape reduction
// detection keys on.
func (rp *replay) trackRMW(ev *trace.Event) {
	if ev.Loop == 0 {
		if ev.Access == trace.Write {
			delete(rp.reads[ev.TID], ev.Addr)
		}
		return
	}
	tr := rp.reads[ev.TID]
	if tr == nil {
		tr = make(map[uint64]lastRead)
		rp.reads[ev.TID] = tr
	}
	if ev.Access == trace.Read {
		tr[ev.Addr] = lastRead{site: ev.Site, loop: ev.Loop, iter: ev.Iter}
		return
	}
	lr, ok := tr[ev.Addr]
	if !ok || lr.loop != ev.Loop || lr.iter != ev.Iter {
		return
	}
	delete(tr, ev.Addr)
	key := rmwKey{tid: ev.TID, loop: ev.Loop, site: ev.Site}
	if last, seen := rp.rmwLast[key]; seen && last == ev.Iter {
		return
	}
	rp.rmwLast[key] = ev.Iter
	rp.main.loop(ev.Loop).RMW[ev.Site]++
}

// record aggregates one dependence observation.
//
// Iteration distance is meaningful only between accesses of the same
// thread in the same dynamic loop instance; iteration counters restart
// per instance and are private per thread. A dependence crossing loop
// instances of the same thread is really carried by the enclosing loop,
// so it is attributed to the parent at the instance distance. Everything
// else keeps the sink's loop with an unknown distance.
func (rp *replay) record(g *Graph, typ DepType, src, sink *shadow.Access) {
	key, known, dist := rp.edgeKey(typ, src, sink)
	e := g.edge(key)
	e.Count++
	if known {
		e.Distance.observe(dist)
	} else {
		e.Distance.Unknown++
	}
}

func (rp *replay) edgeKey(typ DepType, src, sink *shadow.Access) (key EdgeKey, known bool, dist int64) {
	loop := sink.Loop
	switch {
	case loop == 0 || src.TID != sink.TID || src.Loop != sink.Loop:
		// unknown
	case src.Inst == sink.Inst:
		known = true
		dist = int64(sink.Iter) - int64(src.Iter)
	default:
		if parent := rp.main.loop(loop).Parent; parent != 0 {
			loop = parent
			known = true
			dist = int64(sink.Inst) - int64(src.Inst)
		}
	}
	return EdgeKey{Source: src.Site, Sink: sink.Site, Type: typ, Loop: loop}, known, dist
}

// finish merges per-shard graphs into the main graph in shard order.
func (rp *replay) finish() *Graph {
	// Shard order is fixed, and edge aggregation commutes anyway.
	for _, g := range rp.graphs {
		rp.main.Merge(g)
	}
	for _, m := range rp.maps {
		rp.main.Coverage.Evicted += m.Stats().Evicted
	}
	for id, maxIter := range rp.maxIter {
		l := rp.main.loop(id)
		if maxIter+1 > l.Iterations {
			l.Iterations = maxIter + 1
		}
	}
	return rp.main
}

// Sites returns the distinct access sites seen in the graph, sorted.
func (g *Graph) Sites() []uint32 {
	set := make(map[uint32]struct{})
	for key := range g.Edges {
		if key.Source != 0 {
			set[key.Source] = struct{}{}
		}
		set[key.Sink] = struct{}{}
	}
	out := make([]uint32, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
