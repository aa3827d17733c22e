package shadow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acc(site uint32, seq uint64) Access {
	return Access{Site: site, TID: 1, Seq: seq, Clock: seq}
}

func TestMap_WriteObservesPriorWriterAndReaders(t *testing.T) {
	m := New(Options{})

	m.Write(0x1000, 8, acc(1, 1), func(prev *Access, readers []Access, elided uint64) {
		t.Fatal("first write must observe nothing")
	})

	m.Read(0x1000, 8, acc(2, 2), func(writer *Access) {
		require.NotNil(t, writer)
		assert.Equal(t, uint32(1), writer.Site)
	})

	var prevSite uint32
	var readerSites []uint32
	m.Write(0x1000, 8, acc(3, 3), func(prev *Access, readers []Access, elided uint64) {
		require.NotNil(t, prev)
		prevSite = prev.Site
		for _, r := range readers {
			readerSites = append(readerSites, r.Site)
		}
		assert.Zero(t, elided)
	})
	assert.Equal(t, uint32(1), prevSite)
	assert.Equal(t, []uint32{2}, readerSites)

	// The write reset the cell: the next read sees the new writer only.
	m.Read(0x1000, 8, acc(4, 4), func(writer *Access) {
		require.NotNil(t, writer)
		assert.Equal(t, uint32(3), writer.Site)
	})
}

func TestMap_AdjacentWordsIndependent(t *testing.T) {
	m := New(Options{})

	m.Write(0x1000, 8, acc(1, 1), nil2(t))
	m.Write(0x1008, 8, acc(2, 2), func(prev *Access, _ []Access, _ uint64) {
		t.Fatalf("neighbouring word must not alias, saw writer site %d", prev.Site)
	})
}

func TestMap_SpanningAccessTouchesEveryWord(t *testing.T) {
	m := New(Options{})
	m.Write(0x1000, 8, acc(1, 1), nil2(t))
	m.Write(0x1010, 8, acc(2, 2), nil2(t))

	var prior []uint32
	m.Write(0x1000, 24, acc(3, 3), func(prev *Access, _ []Access, _ uint64) {
		if prev != nil {
			prior = append(prior, prev.Site)
		}
	})
	assert.ElementsMatch(t, []uint32{1, 2}, prior)
}

func TestMap_ReaderSetBounded(t *testing.T) {
	m := New(Options{MaxReaders: 4})
	m.Write(0x2000, 8, acc(1, 1), nil2(t))

	for i := uint64(0); i < 10; i++ {
		m.Read(0x2000, 8, acc(uint32(100+i), 2+i), func(*Access) {})
	}

	var kept []uint32
	var elided uint64
	m.Write(0x2000, 8, acc(2, 20), func(_ *Access, readers []Access, e uint64) {
		for _, r := range readers {
			kept = append(kept, r.Site)
		}
		elided = e
	})

	// The most recent readers survive; older ones are counted, not kept.
	assert.Equal(t, []uint32{106, 107, 108, 109}, kept)
	assert.Equal(t, uint64(6), elided)
}

func TestMap_FreeResetsAllocation(t *testing.T) {
	m := New(Options{})
	m.NoteAlloc(0x3000, 64)
	m.Write(0x3000, 8, acc(1, 1), nil2(t))
	m.Write(0x3038, 8, acc(2, 2), nil2(t))

	require.True(t, m.NoteFree(0x3000))
	assert.False(t, m.NoteFree(0x3000), "double free is not a known allocation")

	// A recycled address starts clean.
	m.Write(0x3000, 8, acc(3, 3), func(prev *Access, _ []Access, _ uint64) {
		t.Fatalf("freed word kept writer site %d", prev.Site)
	})
	m.Read(0x3038, 8, acc(4, 4), func(writer *Access) {
		assert.Nil(t, writer)
	})
}

func TestMap_BudgetEvictsLeastRecent(t *testing.T) {
	// One shard so the budget applies to a single LRU chain.
	m := New(Options{Shards: 1, BudgetCells: 4})

	for i := uint64(0); i < 8; i++ {
		m.Write(i*8, 8, acc(uint32(i+1), i+1), nil2(t))
	}

	st := m.Stats()
	assert.Equal(t, 4, st.Cells)
	assert.Equal(t, uint64(4), st.Evicted)

	// Evicted words forgot their writer.
	m.Read(0, 8, acc(99, 100), func(writer *Access) {
		assert.Nil(t, writer)
	})
	// Recent words kept theirs. Word 7 was just behind the re-created
	// word 0, still within budget.
	m.Read(7*8, 8, acc(99, 101), func(writer *Access) {
		require.NotNil(t, writer)
		assert.Equal(t, uint32(8), writer.Site)
	})
}

func TestMap_UnboundedBudget(t *testing.T) {
	m := New(Options{Shards: 1, BudgetCells: -1})
	for i := uint64(0); i < 100; i++ {
		m.Write(i*8, 8, acc(1, i+1), nil2(t))
	}
	st := m.Stats()
	assert.Equal(t, 100, st.Cells)
	assert.Zero(t, st.Evicted)
}

// nil2 returns a write observer that fails the test if invoked: the cell
// under test is expected to be clean.
func nil2(t *testing.T) func(*Access, []Access, uint64) {
	t.Helper()
	return func(prev *Access, _ []Access, _ uint64) {
		t.Helper()
		t.Fatalf("unexpected prior state, writer %+v", prev)
	}
}
