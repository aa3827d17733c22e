package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parascope/parascope/internal/graph"
	"github.com/parascope/parascope/internal/recorder"
)

func TestDefault_PassesValidation(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
recorder:
  buffer_events: 128
  overflow: drop
builder:
  shards: 4
  aliasing: conservative
detector:
  min_confidence: 0.8
scope:
  loops: [3, 7]
`))
	require.NoError(t, err)

	assert.Equal(t, 128, cfg.Recorder.BufferEvents)
	assert.Equal(t, recorder.DefaultQueueDepth, cfg.Recorder.QueueDepth, "unset fields keep defaults")
	assert.Equal(t, "drop", cfg.Recorder.Overflow)
	assert.Equal(t, 4, cfg.Builder.Shards)
	assert.Equal(t, 0.8, cfg.Detector.MinConfidence)
	assert.Equal(t, []uint32{3, 7}, cfg.Scope.Loops)
}

func TestParse_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown overflow", "recorder:\n  overflow: panic\n"},
		{"unknown aliasing", "builder:\n  aliasing: sometimes\n"},
		{"confidence above one", "detector:\n  min_confidence: 1.5\n"},
		{"zero buffer", "recorder:\n  buffer_events: 0\n"},
		{"negative shards", "builder:\n  shards: -2\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("recorder: [not a map"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parascope.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detector:\n  gap_penalty: 0.25\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.25, cfg.Detector.GapPenalty)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestOptionConversions(t *testing.T) {
	cfg := Default()
	cfg.Builder.Shards = 8
	cfg.Scope.Sites = []uint32{5}

	ro, err := cfg.RecorderOptions()
	require.NoError(t, err)
	assert.Equal(t, recorder.OverflowBlock, ro.Overflow)
	require.NotNil(t, ro.Scope)
	assert.True(t, ro.Scope.SiteMonitored(5))
	assert.False(t, ro.Scope.SiteMonitored(6))

	bo, err := cfg.BuilderOptions()
	require.NoError(t, err)
	assert.Equal(t, 8, bo.Shards)
	assert.Equal(t, graph.AliasOptimistic, bo.Aliasing)

	po := cfg.DetectorOptions()
	assert.Equal(t, 0.6, po.MinConfidence)
}
