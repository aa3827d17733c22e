// Package graph builds dynamic dependence graphs from recorded traces.
//
// The builder merges per-thread event streams into one logical-clock order
// and replays every memory access against a shadow map, aggregating the
// observed dependences into edges keyed by source site, sink site,
// dependence type and loop context. The same trace always yields the same
// graph, regardless of how many address shards the build used.
package graph

import (
	"fmt"
	"sort"
)

// DepType classifies a dependence edge.
type DepType uint8

const (
	// RAW: the sink reads a value the source wrote (true dependence).
	RAW DepType = iota + 1
	// WAR: the sink overwrites a value the source read (anti dependence).
	WAR
	// WAW: the sink overwrites a value the source wrote (output dependence).
	WAW
	// INPUT: the sink reads a location never written in the trace.
	INPUT
)

func (t DepType) String() string {
	switch t {
	case RAW:
		return "RAW"
	case WAR:
		return "WAR"
	case WAW:
		return "WAW"
	case INPUT:
		return "INPUT"
	default:
		return fmt.Sprintf("DepType(%d)", uint8(t))
	}
}

// EdgeKey identifies one aggregated dependence. Source is 0 for INPUT
// edges; Loop is the sink's innermost loop, 0 outside any loop.
type EdgeKey struct {
	Source uint32
	Sink   uint32
	Type   DepType
	Loop   uint32
}

// DistanceStats aggregates iteration distances for one edge. A distance is
// known only when source and sink ran in the same loop context; distance 0
// is loop-independent, anything else is loop-carried.
type DistanceStats struct {
	Known      uint64
	Unknown    uint64
	Min        int64
	Max        int64
	ByDistance map[int64]uint64
}

func (d *DistanceStats) observe(dist int64) { d.add(dist, 1) }

func (d *DistanceStats) add(dist int64, n uint64) {
	if n == 0 {
		return
	}
	if d.ByDistance == nil {
		d.ByDistance = make(map[int64]uint64)
	}
	if d.Known == 0 || dist < d.Min {
		d.Min = dist
	}
	if d.Known == 0 || dist > d.Max {
		d.Max = dist
	}
	d.Known += n
	d.ByDistance[dist] += n
}

// Carried reports whether any observation had a nonzero distance.
func (d *DistanceStats) Carried() bool {
	for dist, n := range d.ByDistance {
		if dist != 0 && n > 0 {
			return true
		}
	}
	return false
}

// Edge is one aggregated dependence. Elided counts observations lost to
// the reader-set bound; they are known to exist but carry no distance.
type Edge struct {
	Key      EdgeKey
	Count    uint64
	Elided   uint64
	Distance DistanceStats
}

// LoopStats carries per-loop aggregates for the pattern detector.
type LoopStats struct {
	ID     uint32
	Parent uint32

	// Iterations counts iteration starts across all instances and threads.
	Iterations uint64

	// Accesses counts memory accesses attributed to the loop.
	Accesses uint64

	// RMW maps a write site to the number of iterations in which that site
	// completed a read-modify-write of a single location.
	RMW map[uint32]uint64

	// SawGap marks that events were dropped while the loop was open, so
	// edge evidence for it is incomplete.
	SawGap bool
}

// Coverage describes how complete the replayed evidence is.
type Coverage struct {
	Events        uint64
	Gaps          uint64
	DroppedEvents uint64
	Truncated     bool
	Evicted       uint64
}

// Complete reports whether the graph saw every recorded event.
func (c Coverage) Complete() bool {
	return c.Gaps == 0 && !c.Truncated && c.Evicted == 0
}

// Graph is the aggregated dependence graph for one trace.
type Graph struct {
	Edges    map[EdgeKey]*Edge
	Loops    map[uint32]*LoopStats
	Coverage Coverage
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		Edges: make(map[EdgeKey]*Edge),
		Loops: make(map[uint32]*LoopStats),
	}
}

func (g *Graph) edge(key EdgeKey) *Edge {
	e, ok := g.Edges[key]
	if !ok {
		e = &Edge{Key: key}
		g.Edges[key] = e
	}
	return e
}

func (g *Graph) loop(id uint32) *LoopStats {
	l, ok := g.Loops[id]
	if !ok {
		l = &LoopStats{ID: id, RMW: make(map[uint32]uint64)}
		g.Loops[id] = l
	}
	return l
}

// LoopEdges returns the edges attributed to one loop, sorted.
func (g *Graph) LoopEdges(loop uint32) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e.Key.Loop == loop {
			out = append(out, e)
		}
	}
	sortEdges(out)
	return out
}

// SortedEdges returns all edges in a stable order for export and
// comparison.
func (g *Graph) SortedEdges() []*Edge {
	out := make([]*Edge, 0, len(g.Edges))
	for _, e := range g.Edges {
		out = append(out, e)
	}
	sortEdges(out)
	return out
}

func sortEdges(edges []*Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i].Key, edges[j].Key
		if a.Loop != b.Loop {
			return a.Loop < b.Loop
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Sink != b.Sink {
			return a.Sink < b.Sink
		}
		return a.Type < b.Type
	})
}

// Merge folds other into g. Edge counts and distance histograms add;
// loop aggregates add; coverage flags combine. Merging per-shard graphs
// in any order yields the same result.
func (g *Graph) Merge(other *Graph) {
	for key, oe := range other.Edges {
		e := g.edge(key)
		e.Count += oe.Count
		e.Elided += oe.Elided
		e.Distance.Unknown += oe.Distance.Unknown
		for dist, n := range oe.Distance.ByDistance {
			e.Distance.add(dist, n)
		}
	}
	for id, ol := range other.Loops {
		l := g.loop(id)
		if l.Parent == 0 {
			l.Parent = ol.Parent
		}
		l.Iterations += ol.Iterations
		l.Accesses += ol.Accesses
		for site, n := range ol.RMW {
			l.RMW[site] += n
		}
		l.SawGap = l.SawGap || ol.SawGap
	}
	g.Coverage.Events += other.Coverage.Events
	g.Coverage.Gaps += other.Coverage.Gaps
	g.Coverage.DroppedEvents += other.Coverage.DroppedEvents
	g.Coverage.Truncated = g.Coverage.Truncated || other.Coverage.Truncated
	g.Coverage.Evicted += other.Coverage.Evicted
}
