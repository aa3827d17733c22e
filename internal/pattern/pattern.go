// Package pattern classifies the loops of a dependence graph into
// parallelization opportunities.
//
// Rules are evaluated per loop in a fixed priority order; the first rule
// whose confidence clears the configured threshold names the finding, any
// later qualifier is kept as a secondary candidate. A loop no rule claims
// becomes a NoPattern finding naming the dependence type that blocked it.
package pattern

import (
	"fmt"
	"sort"

	"github.com/parascope/parascope/internal/graph"
)

// Kind names a detected parallelism pattern.
type Kind uint8

const (
	// DoAll: iterations are independent and can run in any order.
	DoAll Kind = iota + 1
	// Reduction: iterations are independent except for one commutative
	// accumulator updated read-modify-write each iteration.
	Reduction
	// Pipeline: iterations form stages linked by a fixed positive
	// iteration distance.
	Pipeline
	// Geometric: a nested loop whose inner partitions parallelize
	// independently, sharing only chunk boundaries.
	Geometric
	// NoPattern: dependences block every known pattern.
	NoPattern
)

func (k Kind) String() string {
	switch k {
	case DoAll:
		return "do_all"
	case Reduction:
		return "reduction"
	case Pipeline:
		return "pipeline"
	case Geometric:
		return "geometric_decomposition"
	case NoPattern:
		return "no_pattern"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Evidence is the supporting material behind a finding. Field relevance
// depends on the kind; zero values mean not applicable.
type Evidence struct {
	Iterations   uint64
	Accesses     uint64
	IterWorkload uint64 // mean accesses per iteration
	CarriedEdges int

	// Incomplete marks findings whose loop spanned dropped events or a
	// truncated trace.
	Incomplete bool

	// Accumulator is the read-modify-write site of a reduction.
	Accumulator uint32

	// Stages is the pipeline chain in stage order; Distance its step.
	Stages   []uint32
	Distance int64

	// Inner lists the qualifying child loops of a geometric finding.
	Inner []uint32

	// Dominant is the blocking dependence type of a NoPattern finding.
	Dominant graph.DepType
}

// Candidate is a qualifying but non-primary classification.
type Candidate struct {
	Kind       Kind
	Confidence float64
}

// Finding is the classification of one loop.
type Finding struct {
	Loop       uint32
	Kind       Kind
	Confidence float64
	Evidence   Evidence
	Secondary  []Candidate
}

// Options configures a Detector. Zero values select the defaults.
type Options struct {
	// MinConfidence is the qualification threshold. Default 0.6.
	MinConfidence float64

	// GapPenalty scales the confidence of findings built on incomplete
	// evidence. Default 0.5.
	GapPenalty float64
}

const (
	DefaultMinConfidence = 0.6
	DefaultGapPenalty    = 0.5
)

func (o Options) withDefaults() Options {
	if o.MinConfidence <= 0 {
		o.MinConfidence = DefaultMinConfidence
	}
	if o.GapPenalty <= 0 {
		o.GapPenalty = DefaultGapPenalty
	}
	return o
}

// Detector evaluates the rule table over a graph's loops.
type Detector struct {
	opts  Options
	rules []rule
}

type rule struct {
	kind Kind
	eval func(*loopView) (float64, Evidence)
}

// New returns a Detector. The rule order is the priority order, with one
// exception applied in classify: when both qualify, geometric
// decomposition outranks pipeline, because a chunked nest's boundary
// handoff looks exactly like a two-stage pipeline on the outer loop.
func New(opts Options) *Detector {
	d := &Detector{opts: opts.withDefaults()}
	d.rules = []rule{
		{DoAll, d.evalDoAll},
		{Reduction, d.evalReduction},
		{Pipeline, d.evalPipeline},
		{Geometric, d.evalGeometric},
	}
	return d
}

// loopView bundles what the rules need about one loop.
type loopView struct {
	d        *Detector
	g        *graph.Graph
	stats    *graph.LoopStats
	edges    []*graph.Edge // non-INPUT edges attributed to the loop
	carried  []*graph.Edge
	children []uint32
	findings map[uint32]*Finding // already-classified loops (children first)
}

// Detect classifies every loop of the graph. Findings come back sorted by
// loop id; inner loops are classified before the loops containing them.
func (d *Detector) Detect(g *graph.Graph) []Finding {
	order := loopOrder(g)
	findings := make(map[uint32]*Finding, len(order))

	for _, id := range order {
		lv := d.view(g, id, findings)
		f := d.classify(lv)
		findings[id] = f
	}

	out := make([]Finding, 0, len(findings))
	for _, id := range sortedIDs(g) {
		out = append(out, *findings[id])
	}
	return out
}

// loopOrder returns loop ids children-before-parents so composite rules
// can consult child findings.
func loopOrder(g *graph.Graph) []uint32 {
	ids := sortedIDs(g)
	depth := func(id uint32) int {
		d := 0
		for cur := g.Loops[id]; cur != nil && cur.Parent != 0; cur = g.Loops[cur.Parent] {
			d++
			if d > len(g.Loops) {
				break // defend against a parent cycle in a bad trace
			}
		}
		return d
	}
	sort.SliceStable(ids, func(i, j int) bool { return depth(ids[i]) > depth(ids[j]) })
	return ids
}

func sortedIDs(g *graph.Graph) []uint32 {
	ids := make([]uint32, 0, len(g.Loops))
	for id := range g.Loops {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *Detector) view(g *graph.Graph, id uint32, findings map[uint32]*Finding) *loopView {
	lv := &loopView{d: d, g: g, stats: g.Loops[id], findings: findings}
	for _, e := range g.LoopEdges(id) {
		if e.Key.Type == graph.INPUT {
			continue
		}
		lv.edges = append(lv.edges, e)
		if e.Distance.Carried() {
			lv.carried = append(lv.carried, e)
		}
	}
	for _, cid := range sortedIDs(g) {
		if g.Loops[cid].Parent == id {
			lv.children = append(lv.children, cid)
		}
	}
	return lv
}

func (lv *loopView) incomplete() bool {
	return lv.stats.SawGap || lv.g.Coverage.Truncated || lv.g.Coverage.Evicted > 0
}

func (lv *loopView) baseEvidence() Evidence {
	ev := Evidence{
		Iterations:   lv.stats.Iterations,
		Accesses:     lv.stats.Accesses,
		CarriedEdges: len(lv.carried),
		Incomplete:   lv.incomplete(),
	}
	if lv.stats.Iterations > 0 {
		ev.IterWorkload = lv.stats.Accesses / lv.stats.Iterations
	}
	return ev
}

func (d *Detector) classify(lv *loopView) *Finding {
	type qualifier struct {
		kind Kind
		conf float64
		ev   Evidence
	}
	var quals []qualifier
	for _, r := range d.rules {
		conf, ev := r.eval(lv)
		if lv.incomplete() {
			conf *= d.opts.GapPenalty
		}
		if conf >= d.opts.MinConfidence {
			quals = append(quals, qualifier{kind: r.kind, conf: conf, ev: ev})
		}
	}

	f := &Finding{Loop: lv.stats.ID, Kind: NoPattern}
	if len(quals) == 0 {
		f.Evidence = lv.baseEvidence()
		f.Evidence.Dominant = lv.dominantDep()
		return f
	}

	// A qualifying geometric decomposition demotes pipeline: the boundary
	// handoff of a chunked nest mimics a two-stage pipeline.
	primary := 0
	if quals[0].kind == Pipeline {
		for i := 1; i < len(quals); i++ {
			if quals[i].kind == Geometric {
				primary = i
			}
		}
	}

	f.Kind = quals[primary].kind
	f.Confidence = quals[primary].conf
	f.Evidence = quals[primary].ev
	for i, q := range quals {
		if i != primary {
			f.Secondary = append(f.Secondary, Candidate{Kind: q.kind, Confidence: q.conf})
		}
	}
	return f
}

// dominantDep is the carried dependence type with the most observations,
// the thing a developer would have to break first.
func (lv *loopView) dominantDep() graph.DepType {
	counts := make(map[graph.DepType]uint64)
	for _, e := range lv.carried {
		counts[e.Key.Type] += e.Count
	}
	var best graph.DepType
	var bestN uint64
	for _, t := range []graph.DepType{graph.RAW, graph.WAR, graph.WAW} {
		if counts[t] > bestN {
			best, bestN = t, counts[t]
		}
	}
	return best
}

// evalDoAll scores a loop by the fraction of intra-loop dependence
// observations that are not loop-carried. Elided and unknown-distance
// observations count against: they might have been carried.
func (d *Detector) evalDoAll(lv *loopView) (float64, Evidence) {
	var total, carried uint64
	for _, e := range lv.edges {
		total += e.Distance.Known + e.Distance.Unknown + e.Elided
		carried += e.Distance.Unknown + e.Elided
		for dist, n := range e.Distance.ByDistance {
			if dist != 0 {
				carried += n
			}
		}
	}
	conf := 1.0
	if total > 0 {
		conf = 1.0 - float64(carried)/float64(total)
	}
	return conf, lv.baseEvidence()
}

// evalReduction matches the accumulator shape: one site performing a
// read-modify-write every iteration, with every carried edge touching it.
func (d *Detector) evalReduction(lv *loopView) (float64, Evidence) {
	if len(lv.stats.RMW) == 0 || lv.stats.Iterations == 0 || len(lv.carried) == 0 {
		return 0, Evidence{}
	}

	var accum uint32
	var accumIters uint64
	for site, n := range lv.stats.RMW {
		if n > accumIters || (n == accumIters && site < accum) {
			accum, accumIters = site, n
		}
	}
	for _, e := range lv.carried {
		if e.Key.Source != accum && e.Key.Sink != accum {
			return 0, Evidence{}
		}
	}

	ev := lv.baseEvidence()
	ev.Accumulator = accum
	return float64(accumIters) / float64(lv.stats.Iterations), ev
}

// evalPipeline matches stage chains: carried true dependences sharing one
// fixed positive distance and forming a linear site chain.
func (d *Detector) evalPipeline(lv *loopView) (float64, Evidence) {
	if len(lv.carried) == 0 {
		return 0, Evidence{}
	}

	// Modal carried distance across true dependences, observation-weighted.
	distCount := make(map[int64]uint64)
	for _, e := range lv.carried {
		if e.Key.Type != graph.RAW {
			continue
		}
		for dist, n := range e.Distance.ByDistance {
			if dist > 0 {
				distCount[dist] += n
			}
		}
	}
	var modal int64
	var modalN uint64
	for dist, n := range distCount {
		if n > modalN || (n == modalN && dist < modal) {
			modal, modalN = dist, n
		}
	}
	if modal == 0 {
		return 0, Evidence{}
	}

	// An edge matches when it is a true dependence at exactly the modal
	// distance between two distinct sites, and the matched edges must
	// chain without branching.
	out := make(map[uint32]uint32)
	in := make(map[uint32]int)
	matched := 0
	for _, e := range lv.carried {
		if !pipelineEdge(e, modal) {
			continue
		}
		if _, dup := out[e.Key.Source]; dup {
			return 0, Evidence{}
		}
		out[e.Key.Source] = e.Key.Sink
		in[e.Key.Sink]++
		if in[e.Key.Sink] > 1 {
			return 0, Evidence{}
		}
		matched++
	}
	if matched == 0 {
		return 0, Evidence{}
	}

	ev := lv.baseEvidence()
	ev.Distance = modal
	ev.Stages = chainOrder(out, in)
	return float64(matched) / float64(len(lv.carried)), ev
}

func pipelineEdge(e *graph.Edge, modal int64) bool {
	if e.Key.Type != graph.RAW || e.Key.Source == e.Key.Sink {
		return false
	}
	for dist, n := range e.Distance.ByDistance {
		if dist != 0 && dist != modal && n > 0 {
			return false
		}
	}
	return e.Distance.ByDistance[modal] > 0
}

// chainOrder walks the matched edges head to tail. A non-linear match
// graph yields no stage listing.
func chainOrder(out map[uint32]uint32, in map[uint32]int) []uint32 {
	var head uint32
	heads := 0
	for src := range out {
		if in[src] == 0 {
			head = src
			heads++
		}
	}
	if heads != 1 {
		return nil
	}
	stages := []uint32{head}
	for cur, ok := head, true; ; {
		cur, ok = out[cur]
		if !ok {
			break
		}
		if len(stages) > len(out)+1 {
			return nil // cycle
		}
		stages = append(stages, cur)
	}
	return stages
}

// evalGeometric matches chunked nests: inner loops that individually
// parallelize and ran at least one iteration, with the outer loop sharing
// only chunk boundaries (carried distance 1 either way).
func (d *Detector) evalGeometric(lv *loopView) (float64, Evidence) {
	if len(lv.children) == 0 {
		return 0, Evidence{}
	}
	for _, e := range lv.carried {
		for dist, n := range e.Distance.ByDistance {
			if n > 0 && dist != 0 && dist != 1 && dist != -1 {
				return 0, Evidence{}
			}
		}
	}

	var qualifying []uint32
	for _, cid := range lv.children {
		cf := lv.findings[cid]
		if cf == nil {
			continue
		}
		if lv.g.Loops[cid].Iterations == 0 {
			continue
		}
		if cf.Kind == DoAll || cf.Kind == Reduction {
			qualifying = append(qualifying, cid)
		}
	}
	if len(qualifying) == 0 {
		return 0, Evidence{}
	}

	ev := lv.baseEvidence()
	ev.Inner = qualifying
	return float64(len(qualifying)) / float64(len(lv.children)), ev
}
