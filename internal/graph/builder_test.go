package graph

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parascope/parascope/internal/trace"
)

// script builds event slices with recorder-style stamping: per-thread
// sequence and clock advance together per event.
type script struct {
	events []trace.Event
	state  map[uint32]uint64
}

func newScript() *script {
	return &script{state: make(map[uint32]uint64)}
}

func (s *script) stamp(tid uint32, ev trace.Event) {
	s.state[tid]++
	ev.TID = tid
	ev.Seq = s.state[tid]
	ev.Clock = s.state[tid]
	s.events = append(s.events, ev)
}

func (s *script) read(tid, site uint32, addr uint64, loop uint32, iter uint64) {
	s.stamp(tid, trace.Event{Kind: trace.KindAccess, Site: site, Addr: addr, Length: 8, Access: trace.Read, Loop: loop, Iter: iter})
}

func (s *script) write(tid, site uint32, addr uint64, loop uint32, iter uint64) {
	s.stamp(tid, trace.Event{Kind: trace.KindAccess, Site: site, Addr: addr, Length: 8, Access: trace.Write, Loop: loop, Iter: iter})
}

func (s *script) enter(tid, loop uint32) {
	s.stamp(tid, trace.Event{Kind: trace.KindScope, Scope: trace.LoopEnter, Loop: loop})
}

func (s *script) exit(tid, loop uint32) {
	s.stamp(tid, trace.Event{Kind: trace.KindScope, Scope: trace.LoopExit, Loop: loop})
}

func (s *script) alloc(tid uint32, addr, size uint64) {
	s.stamp(tid, trace.Event{Kind: trace.KindAlloc, Addr: addr, Size: size})
}

func (s *script) free(tid uint32, addr uint64) {
	s.stamp(tid, trace.Event{Kind: trace.KindFree, Addr: addr})
}

func (s *script) gap(tid uint32, dropped uint64) {
	s.stamp(tid, trace.Event{Kind: trace.KindGap, Dropped: dropped})
}

func TestBuilder_WriteWriteRead(t *testing.T) {
	s := newScript()
	s.write(1, 1, 0x1000, 0, 0)
	s.write(1, 2, 0x1000, 0, 0)
	s.read(1, 3, 0x1000, 0, 0)

	g := NewBuilder(Options{}).BuildEvents(s.events)

	waw := g.Edges[EdgeKey{Source: 1, Sink: 2, Type: WAW}]
	require.NotNil(t, waw, "second write depends on the first")
	assert.Equal(t, uint64(1), waw.Count)

	raw := g.Edges[EdgeKey{Source: 2, Sink: 3, Type: RAW}]
	require.NotNil(t, raw, "read depends on the latest write")
	assert.Equal(t, uint64(1), raw.Count)

	assert.Nil(t, g.Edges[EdgeKey{Source: 1, Sink: 3, Type: RAW}],
		"overwritten value is not a read dependence source")
}

func TestBuilder_OverwriteWithoutReadersStillDepends(t *testing.T) {
	s := newScript()
	s.write(1, 1, 0x1000, 0, 0)
	s.write(1, 2, 0x1000, 0, 0)

	g := NewBuilder(Options{}).BuildEvents(s.events)
	waw := g.Edges[EdgeKey{Source: 1, Sink: 2, Type: WAW}]
	require.NotNil(t, waw, "an overwrite is an output dependence even if nothing read the old value")
	assert.Equal(t, uint64(1), waw.Count)
}

func TestBuilder_CarriedDistance(t *testing.T) {
	const loop = 7
	s := newScript()
	base := uint64(0x2000)
	for i := uint64(0); i < 4; i++ {
		s.enter(1, loop)
		if i > 0 {
			s.read(1, 2, base+(i-1)*8, loop, i)
		}
		s.write(1, 1, base+i*8, loop, i)
	}
	s.exit(1, loop)

	g := NewBuilder(Options{}).BuildEvents(s.events)

	raw := g.Edges[EdgeKey{Source: 1, Sink: 2, Type: RAW, Loop: loop}]
	require.NotNil(t, raw)
	assert.Equal(t, uint64(3), raw.Count)
	assert.Equal(t, uint64(3), raw.Distance.Known)
	assert.Equal(t, int64(1), raw.Distance.Min)
	assert.Equal(t, int64(1), raw.Distance.Max)
	assert.Equal(t, uint64(3), raw.Distance.ByDistance[1])
	assert.True(t, raw.Distance.Carried())

	l := g.Loops[loop]
	require.NotNil(t, l)
	assert.Equal(t, uint64(4), l.Iterations)
	assert.Equal(t, uint64(7), l.Accesses)
}

func TestBuilder_ShardCountDoesNotChangeGraph(t *testing.T) {
	s := newScript()
	for i := uint64(0); i < 64; i++ {
		addr := 0x1000 + (i%16)*0x1000 // spread across pages
		s.enter(1, 5)
		s.write(1, 1, addr, 5, i)
		s.read(1, 2, addr, 5, i)
		s.read(2, 3, addr+8, 0, 0)
		s.write(2, 4, addr+8, 0, 0)
	}

	one := NewBuilder(Options{Shards: 1}).BuildEvents(s.events)
	four := NewBuilder(Options{Shards: 4}).BuildEvents(s.events)
	seven := NewBuilder(Options{Shards: 7}).BuildEvents(s.events)

	requireSameGraph(t, one, four)
	requireSameGraph(t, one, seven)
}

func requireSameGraph(t *testing.T, a, b *Graph) {
	t.Helper()
	ae, be := a.SortedEdges(), b.SortedEdges()
	require.Equal(t, len(ae), len(be), "edge sets differ in size")
	for i := range ae {
		assert.Equal(t, ae[i].Key, be[i].Key)
		assert.Equal(t, ae[i].Count, be[i].Count)
		assert.Equal(t, ae[i].Elided, be[i].Elided)
		assert.Equal(t, ae[i].Distance.Known, be[i].Distance.Known)
		assert.Equal(t, ae[i].Distance.Unknown, be[i].Distance.Unknown)
		assert.Equal(t, ae[i].Distance.ByDistance, be[i].Distance.ByDistance)
	}
	assert.Equal(t, a.Coverage, b.Coverage)
}

func TestBuilder_ReaderFanOutCap(t *testing.T) {
	s := newScript()
	s.write(1, 1, 0x1000, 0, 0)
	for i := 0; i < 10; i++ {
		s.read(1, 2, 0x1000, 0, 0)
	}
	s.write(1, 3, 0x1000, 0, 0)

	g := NewBuilder(Options{FanOutCap: 2}).BuildEvents(s.events)

	war := g.Edges[EdgeKey{Source: 2, Sink: 3, Type: WAR}]
	require.NotNil(t, war)
	assert.Equal(t, uint64(2), war.Count, "kept readers link directly")
	assert.Equal(t, uint64(8), war.Elided, "dropped readers are accounted")
}

func TestBuilder_RMWIterations(t *testing.T) {
	const loop, accum = 9, uint64(0x4000)
	s := newScript()
	for i := uint64(0); i < 5; i++ {
		s.enter(1, loop)
		s.read(1, 11, accum, loop, i)
		s.write(1, 12, accum, loop, i)
	}
	s.exit(1, loop)

	g := NewBuilder(Options{}).BuildEvents(s.events)
	l := g.Loops[loop]
	require.NotNil(t, l)
	assert.Equal(t, uint64(5), l.Iterations)
	assert.Equal(t, uint64(5), l.RMW[12])

	raw := g.Edges[EdgeKey{Source: 12, Sink: 11, Type: RAW, Loop: loop}]
	require.NotNil(t, raw)
	assert.True(t, raw.Distance.Carried())
	assert.Equal(t, uint64(4), raw.Distance.ByDistance[1])
}

func TestBuilder_CrossInstanceDependenceBelongsToParent(t *testing.T) {
	// Each outer iteration runs a fresh inner instance that writes its
	// chunk boundary and reads the previous chunk's. Iteration numbers
	// restart per instance, so the boundary dependence is carried by the
	// outer loop at distance 1, not by the inner loop.
	const outer, inner = 1, 2
	s := newScript()
	for k := uint64(0); k < 3; k++ {
		s.enter(1, outer)
		s.enter(1, inner)
		if k > 0 {
			s.read(1, 21, 0x1000+(k-1)*8, inner, 0)
		}
		s.write(1, 20, 0x1000+k*8, inner, 0)
		s.exit(1, inner)
	}
	s.exit(1, outer)

	g := NewBuilder(Options{}).BuildEvents(s.events)

	raw := g.Edges[EdgeKey{Source: 20, Sink: 21, Type: RAW, Loop: outer}]
	require.NotNil(t, raw, "boundary dependence attributed to the outer loop")
	assert.Equal(t, uint64(2), raw.Count)
	assert.Equal(t, uint64(2), raw.Distance.ByDistance[1])

	for key := range g.Edges {
		assert.NotEqual(t, uint32(inner), key.Loop,
			"inner loop must not carry the cross-instance edge: %+v", key)
	}
	assert.Equal(t, uint32(outer), g.Loops[inner].Parent)
}

func TestBuilder_GapMarksOpenLoops(t *testing.T) {
	s := newScript()
	s.enter(1, 3)
	s.write(1, 1, 0x1000, 3, 0)
	s.gap(1, 42)
	s.write(1, 1, 0x1008, 3, 0)

	g := NewBuilder(Options{}).BuildEvents(s.events)
	require.NotNil(t, g.Loops[3])
	assert.True(t, g.Loops[3].SawGap)
	assert.Equal(t, uint64(1), g.Coverage.Gaps)
	assert.Equal(t, uint64(42), g.Coverage.DroppedEvents)
	assert.False(t, g.Coverage.Complete())
}

func TestBuilder_FreeSeversDependences(t *testing.T) {
	s := newScript()
	s.alloc(1, 0x5000, 64)
	s.write(1, 1, 0x5000, 0, 0)
	s.free(1, 0x5000)
	s.write(1, 2, 0x5000, 0, 0)
	s.read(1, 3, 0x5010, 0, 0)

	g := NewBuilder(Options{}).BuildEvents(s.events)
	assert.Nil(t, g.Edges[EdgeKey{Source: 1, Sink: 2, Type: WAW}],
		"recycled address is a fresh object")

	input := g.Edges[EdgeKey{Sink: 3, Type: INPUT}]
	require.NotNil(t, input, "read of never-written location")
}

func TestBuilder_ConservativeAliasingKeepsReuseDependences(t *testing.T) {
	s := newScript()
	s.write(1, 1, 0x5000, 0, 0)
	s.free(1, 0x5000)
	s.alloc(1, 0x5000, 64)
	s.write(1, 2, 0x5000, 0, 0)
	s.read(1, 3, 0x5000, 0, 0)

	g := NewBuilder(Options{Aliasing: AliasConservative}).BuildEvents(s.events)

	waw := g.Edges[EdgeKey{Source: 1, Sink: 2, Type: WAW}]
	require.NotNil(t, waw, "conservative policy keeps same-address accesses dependent across reuse")
	raw := g.Edges[EdgeKey{Source: 2, Sink: 3, Type: RAW}]
	require.NotNil(t, raw)
}

func TestBuilder_CrossThreadOrderedBySyncClocks(t *testing.T) {
	// Thread 1 writes, then thread 2 reads with a later clock: the merge
	// replays the write first and the read sees it.
	var events []trace.Event
	events = append(events, trace.Event{
		Kind: trace.KindAccess, TID: 1, Seq: 1, Clock: 1,
		Site: 1, Addr: 0x1000, Length: 8, Access: trace.Write,
	})
	events = append(events, trace.Event{
		Kind: trace.KindAccess, TID: 2, Seq: 1, Clock: 5,
		Site: 2, Addr: 0x1000, Length: 8, Access: trace.Read,
	})

	g := NewBuilder(Options{}).BuildEvents(events)
	raw := g.Edges[EdgeKey{Source: 1, Sink: 2, Type: RAW}]
	require.NotNil(t, raw)
	assert.Equal(t, uint64(1), raw.Count)
}

// writeTraceFile serializes the events to a trace file under the test's
// temp dir and returns its path.
func writeTraceFile(t *testing.T, events []trace.Event) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := trace.NewWriter(&buf, uuid.Must(uuid.NewV7()))
	require.NoError(t, err)
	for i := range events {
		require.NoError(t, w.WriteEvent(&events[i]))
	}
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), "run.trace")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestBuilder_FileBuildMatchesEventBuild(t *testing.T) {
	s := newScript()
	for i := uint64(0); i < 32; i++ {
		s.enter(1, 5)
		s.write(1, 1, 0x1000+i*8, 5, i)
		s.read(1, 2, 0x1000+i*8, 5, i)
		s.write(2, 3, 0x8000+(i%4)*8, 0, 0)
	}
	s.exit(1, 5)

	path := writeTraceFile(t, s.events)
	fromFile, err := NewBuilder(Options{}).BuildFile(path)
	require.NoError(t, err)
	fromEvents := NewBuilder(Options{}).BuildEvents(s.events)

	requireSameGraph(t, fromEvents, fromFile)
	assert.False(t, fromFile.Coverage.Truncated)
}

func TestBuilder_TruncatedTraceDegradesCoverage(t *testing.T) {
	var buf bytes.Buffer
	w, err := trace.NewWriter(&buf, uuid.Must(uuid.NewV7()))
	require.NoError(t, err)
	for i := uint64(0); i < 3; i++ {
		ev := trace.Event{
			Kind: trace.KindAccess, TID: 1, Seq: i + 1, Clock: i + 1,
			Site: 1, Addr: 0x1000 + i*8, Length: 8, Access: trace.Write,
		}
		require.NoError(t, w.WriteEvent(&ev))
	}
	require.NoError(t, w.Close())

	raw := buf.Bytes()
	path := filepath.Join(t.TempDir(), "chopped.trace")
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-10], 0o644))

	g, err := NewBuilder(Options{}).BuildFile(path)
	require.NoError(t, err)
	assert.True(t, g.Coverage.Truncated)
	assert.Equal(t, uint64(2), g.Coverage.Events, "valid prefix still contributes")
}
