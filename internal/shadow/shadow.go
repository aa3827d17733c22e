// Package shadow implements the shadow map the dependence graph builder
// replays a trace against: for every touched word of the monitored address
// space it remembers the last writer and a bounded set of readers since
// that write.
//
// Cells are keyed at 8-byte word granularity so adjacent array elements
// stay independent, and grouped into shards by page so lookups touch a
// small map. The map is bounded: a cell budget with least-recently-touched
// eviction keeps replay memory flat on large traces, at the cost of
// forgetting old accesses. Evictions are counted and surface as a coverage
// diagnostic.
//
// A Map is not safe for concurrent use. Sharded graph builds give each
// address partition its own Map and merge the resulting graphs.
package shadow

import "container/list"

const (
	wordShift = 3
	pageShift = 12
)

// Access identifies one recorded memory access with everything the graph
// builder needs to source an edge from it. Loop is 0 when the access was
// outside any monitored loop; loop and site identifiers start at 1. Inst
// distinguishes dynamic instances of the same loop within a thread, since
// iteration numbers restart per instance.
type Access struct {
	Site  uint32
	TID   uint32
	Seq   uint64
	Clock uint64
	Loop  uint32
	Iter  uint64
	Inst  uint64
}

// Options configures a Map. Zero values select the defaults.
type Options struct {
	// Shards is the number of page-indexed shards. Default 64.
	Shards int

	// BudgetCells bounds the total live cells across all shards.
	// 0 means DefaultBudgetCells; negative means unbounded.
	BudgetCells int

	// MaxReaders bounds the reader set kept per cell. When a write finds
	// more readers than fit, the oldest were already dropped and counted
	// as elided. Default 32.
	MaxReaders int
}

const (
	DefaultShards      = 64
	DefaultBudgetCells = 1 << 20
	DefaultMaxReaders  = 32
)

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = DefaultShards
	}
	if o.BudgetCells == 0 {
		o.BudgetCells = DefaultBudgetCells
	}
	if o.MaxReaders <= 0 {
		o.MaxReaders = DefaultMaxReaders
	}
	return o
}

type cell struct {
	word    uint64
	writer  Access
	written bool
	readers []Access
	elided  uint64
	elem    *list.Element
}

type shard struct {
	cells map[uint64]*cell
	lru   *list.List // front is most recently touched
}

// Stats reports the map's occupancy and information loss.
type Stats struct {
	Cells   int
	Evicted uint64
	Freed   uint64
}

// Map is the shadow state for one address partition.
type Map struct {
	opts    Options
	shards  []shard
	perCap  int // per-shard cell cap, <=0 means unbounded
	allocs  map[uint64]uint64
	evicted uint64
	freed   uint64
}

// New builds an empty shadow map.
func New(opts Options) *Map {
	opts = opts.withDefaults()
	m := &Map{
		opts:   opts,
		shards: make([]shard, opts.Shards),
		allocs: make(map[uint64]uint64),
	}
	if opts.BudgetCells > 0 {
		m.perCap = opts.BudgetCells / opts.Shards
		if m.perCap < 1 {
			m.perCap = 1
		}
	}
	for i := range m.shards {
		m.shards[i].cells = make(map[uint64]*cell)
		m.shards[i].lru = list.New()
	}
	return m
}

func (m *Map) shardFor(word uint64) *shard {
	page := word >> (pageShift - wordShift)
	return &m.shards[page%uint64(len(m.shards))]
}

// lookup returns the cell for a word, creating it when create is set.
// Creation beyond the shard budget evicts the least recently touched cell.
func (m *Map) lookup(word uint64, create bool) *cell {
	s := m.shardFor(word)
	if c, ok := s.cells[word]; ok {
		s.lru.MoveToFront(c.elem)
		return c
	}
	if !create {
		return nil
	}
	if m.perCap > 0 && len(s.cells) >= m.perCap {
		victim := s.lru.Back()
		s.lru.Remove(victim)
		delete(s.cells, victim.Value.(*cell).word)
		m.evicted++
	}
	c := &cell{word: word}
	c.elem = s.lru.PushFront(c)
	s.cells[word] = c
	return c
}

// span yields the inclusive word range covered by [addr, addr+length).
func span(addr uint64, length uint32) (first, last uint64) {
	if length == 0 {
		length = 1
	}
	return addr >> wordShift, (addr + uint64(length) - 1) >> wordShift
}

// Write records a write access. For every covered word, observe is called
// once with the cell's prior state: the last writer (nil when the word was
// never written), the readers since that write, and the count of readers
// dropped from the bounded set. The cell is then reset to acc as sole
// writer.
func (m *Map) Write(addr uint64, length uint32, acc Access, observe func(prev *Access, readers []Access, elided uint64)) {
	first, last := span(addr, length)
	for w := first; w <= last; w++ {
		c := m.lookup(w, true)
		if c.written || len(c.readers) > 0 || c.elided > 0 {
			var prev *Access
			if c.written {
				prev = &c.writer
			}
			observe(prev, c.readers, c.elided)
		}
		c.writer = acc
		c.written = true
		c.readers = c.readers[:0]
		c.elided = 0
	}
}

// Read records a read access. For every covered word, observe is called
// once with the last writer (nil when the word was never written), and acc
// joins the cell's reader set. When the set is full the oldest reader is
// dropped and counted as elided.
func (m *Map) Read(addr uint64, length uint32, acc Access, observe func(writer *Access)) {
	first, last := span(addr, length)
	for w := first; w <= last; w++ {
		c := m.lookup(w, true)
		if c.written {
			observe(&c.writer)
		} else {
			observe(nil)
		}
		if len(c.readers) >= m.opts.MaxReaders {
			copy(c.readers, c.readers[1:])
			c.readers[len(c.readers)-1] = acc
			c.elided++
		} else {
			c.readers = append(c.readers, acc)
		}
	}
}

// NoteAlloc records an observed allocation so a later free can reset the
// exact range.
func (m *Map) NoteAlloc(addr, size uint64) {
	m.allocs[addr] = size
}

// NoteFree resets the shadow state of the allocation starting at addr and
// reports whether the allocation was known. Resetting severs the
// dependence chain: a recycled address is a fresh object, not a
// continuation of the old one.
func (m *Map) NoteFree(addr uint64) bool {
	size, ok := m.allocs[addr]
	if !ok {
		return false
	}
	delete(m.allocs, addr)
	m.DropRange(addr, size)
	return true
}

// DropRange discards all shadow state covering [addr, addr+size).
func (m *Map) DropRange(addr, size uint64) {
	if size == 0 {
		return
	}
	first := addr >> wordShift
	last := (addr + size - 1) >> wordShift
	for w := first; w <= last; w++ {
		s := m.shardFor(w)
		if c, ok := s.cells[w]; ok {
			s.lru.Remove(c.elem)
			delete(s.cells, w)
		}
	}
	m.freed++
}

// Stats returns occupancy and loss counters.
func (m *Map) Stats() Stats {
	st := Stats{Evicted: m.evicted, Freed: m.freed}
	for i := range m.shards {
		st.Cells += len(m.shards[i].cells)
	}
	return st
}
