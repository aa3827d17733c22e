package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parascope/parascope/internal/config"
	"github.com/parascope/parascope/internal/graph"
	"github.com/parascope/parascope/internal/pattern"
)

func TestParseScenario(t *testing.T) {
	sc, err := ParseScenario([]byte(`
name: sample
config:
  detector:
    min_confidence: 0.7
steps:
  - {op: write, site: 1, addr: 0x100}
`))
	require.NoError(t, err)
	assert.Equal(t, "sample", sc.Name)
	assert.Equal(t, 0.7, sc.Config.Detector.MinConfidence)
	assert.Equal(t, 0.5, sc.Config.Detector.GapPenalty, "unset config keeps defaults")
	require.Len(t, sc.Steps, 1)
	assert.Equal(t, uint64(0x100), sc.Steps[0].Addr)
}

func TestParseScenario_Rejects(t *testing.T) {
	_, err := ParseScenario([]byte("name: x\n"))
	require.Error(t, err, "no steps")

	_, err = ParseScenario([]byte("steps:\n  - {op: write}\n"))
	require.Error(t, err, "no name")

	_, err = ParseScenario([]byte(`
name: x
config:
  builder:
    aliasing: sideways
steps:
  - {op: write}
`))
	require.Error(t, err, "config validation applies to scenarios")
}

func TestRun_UnknownOp(t *testing.T) {
	sc := &Scenario{
		Name:   "bad",
		Config: config.Default(),
		Steps:  []Step{{Op: "teleport"}},
	}
	_, err := Run(sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown op "teleport"`)
}

func TestRun_GoldenDoAll(t *testing.T) {
	sc, err := LoadScenario("testdata/doall_small.yaml")
	require.NoError(t, err)

	res := RunGolden(t, sc)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, pattern.DoAll, res.Findings[0].Kind)
	assert.True(t, res.Graph.Coverage.Complete())
}

func TestRun_ReductionScenario(t *testing.T) {
	sc := &Scenario{Name: "reduction", Config: config.Default()}
	for i := 0; i < 200; i++ {
		sc.Steps = append(sc.Steps,
			Step{Op: "loop_enter", Loop: 4},
			Step{Op: "read", Site: 11, Addr: 0x2000},
			Step{Op: "write", Site: 12, Addr: 0x2000},
		)
	}

	res, err := Run(sc)
	require.NoError(t, err)

	f := res.Findings[0]
	assert.Equal(t, pattern.Reduction, f.Kind)
	assert.GreaterOrEqual(t, f.Confidence, 0.95)
	assert.Equal(t, uint32(12), f.Evidence.Accumulator)
	assert.Equal(t, uint64(200), f.Evidence.Iterations)
}

func TestRun_RepeatStride(t *testing.T) {
	sc := &Scenario{
		Name:   "stride",
		Config: config.Default(),
		Steps: []Step{
			{Op: "loop_enter", Loop: 2},
			{Op: "write", Site: 1, Addr: 0x3000, Repeat: 16, Stride: 8},
		},
	}
	res, err := Run(sc)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), res.Graph.Loops[2].Accesses)
}

func TestRun_SyncOrdersThreads(t *testing.T) {
	sc := &Scenario{
		Name:   "handoff",
		Config: config.Default(),
		Steps: []Step{
			{Thread: 1, Op: "write", Site: 1, Addr: 0x4000},
			{Thread: 1, Op: "sync", Token: 0xBEEF},
			{Thread: 2, Op: "sync", Token: 0xBEEF},
			{Thread: 2, Op: "read", Site: 2, Addr: 0x4000},
		},
	}
	res, err := Run(sc)
	require.NoError(t, err)

	raw := res.Graph.Edges[graph.EdgeKey{Source: 1, Sink: 2, Type: graph.RAW}]
	require.NotNil(t, raw, "cross-thread read-after-write through the sync point")
	assert.Equal(t, uint64(1), raw.Count)
}

func TestRun_DeterministicDocument(t *testing.T) {
	sc, err := LoadScenario("testdata/doall_small.yaml")
	require.NoError(t, err)

	first, err := Run(sc)
	require.NoError(t, err)
	second, err := Run(sc)
	require.NoError(t, err)

	h1, err := first.Document.Hash()
	require.NoError(t, err)
	h2, err := second.Document.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, first.Trace, second.Trace, "trace bytes are stable too")
}
