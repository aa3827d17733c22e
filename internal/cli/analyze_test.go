package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parascope/parascope/internal/config"
	"github.com/parascope/parascope/internal/harness"
)

// writeTestTrace records a small do-all loop and writes the trace to a
// temp file, returning the path and the expected canonical document.
func writeTestTrace(t *testing.T) (string, *harness.Result) {
	t.Helper()

	sc := &harness.Scenario{Name: "cli", Config: config.Default()}
	for i := 0; i < 8; i++ {
		sc.Steps = append(sc.Steps,
			harness.Step{Op: "loop_enter", Loop: 3},
			harness.Step{Op: "write", Site: 1, Addr: 0x1000 + uint64(i)*8},
			harness.Step{Op: "read", Site: 2, Addr: 0x1000 + uint64(i)*8},
		)
	}
	res, err := harness.Run(sc)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "run.trace")
	require.NoError(t, os.WriteFile(path, res.Trace, 0o644))
	return path, res
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestAnalyze_Text(t *testing.T) {
	tracePath, _ := writeTestTrace(t)

	out, _, err := execute(t, "analyze", "--trace", tracePath)
	require.NoError(t, err)

	assert.Contains(t, out, "=== Findings ===")
	assert.Contains(t, out, "do_all")
	assert.Contains(t, out, "Status:  complete")
}

func TestAnalyze_JSON(t *testing.T) {
	tracePath, res := writeTestTrace(t)

	out, _, err := execute(t, "analyze", "--trace", tracePath, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   AnalyzeResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, res.RunID.String(), resp.Data.RunID)
	assert.True(t, resp.Data.Coverage.Complete)
	require.Len(t, resp.Data.Findings, 1)
	assert.Equal(t, "do_all", resp.Data.Findings[0].Kind)
	assert.Equal(t, int64(1000), resp.Data.Findings[0].ConfidencePermille)

	hash, err := res.Document.Hash()
	require.NoError(t, err)
	assert.Equal(t, hash, resp.Data.Hash)
}

func TestAnalyze_WritesCanonicalDocument(t *testing.T) {
	tracePath, res := writeTestTrace(t)
	outPath := filepath.Join(t.TempDir(), "report.json")

	_, _, err := execute(t, "analyze", "--trace", tracePath, "--out", outPath)
	require.NoError(t, err)

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	want, err := res.Document.Canonical()
	require.NoError(t, err)
	assert.Equal(t, want, got, "exported document must be byte-identical to the in-process one")
}

func TestAnalyze_CanonicalToStdout(t *testing.T) {
	tracePath, res := writeTestTrace(t)

	out, _, err := execute(t, "analyze", "--trace", tracePath, "--out", "-")
	require.NoError(t, err)

	want, err := res.Document.Canonical()
	require.NoError(t, err)
	assert.Equal(t, string(want), out, "summary must not mix into the document stream")
}

func TestAnalyze_PersistsAndQueries(t *testing.T) {
	tracePath, res := writeTestTrace(t)
	dbPath := filepath.Join(t.TempDir(), "findings.db")

	_, _, err := execute(t, "analyze", "--trace", tracePath, "--db", dbPath)
	require.NoError(t, err)

	out, _, err := execute(t, "findings", "--db", dbPath, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   FindingsResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, res.RunID.String(), resp.Data.Run.ID)
	require.Len(t, resp.Data.Findings, 1)
	assert.Equal(t, "do_all", resp.Data.Findings[0].Kind)
}

func TestFindings_EdgesAndLoopFilter(t *testing.T) {
	tracePath, _ := writeTestTrace(t)
	dbPath := filepath.Join(t.TempDir(), "findings.db")

	_, _, err := execute(t, "analyze", "--trace", tracePath, "--db", dbPath)
	require.NoError(t, err)

	out, _, err := execute(t, "findings", "--db", dbPath, "--loop", "3", "--edges")
	require.NoError(t, err)
	assert.Contains(t, out, "=== Edges ===")
	assert.Contains(t, out, "-RAW->")

	out, _, err = execute(t, "findings", "--db", dbPath, "--loop", "99")
	require.NoError(t, err)
	assert.Contains(t, out, "(none)")
}

func TestFindings_UnknownRun(t *testing.T) {
	tracePath, _ := writeTestTrace(t)
	dbPath := filepath.Join(t.TempDir(), "findings.db")

	_, _, err := execute(t, "analyze", "--trace", tracePath, "--db", dbPath)
	require.NoError(t, err)

	_, _, err = execute(t, "findings", "--db", dbPath, "--run", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestAnalyze_TruncatedTraceExitsNonZero(t *testing.T) {
	tracePath, _ := writeTestTrace(t)

	raw, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	chopped := filepath.Join(t.TempDir(), "chopped.trace")
	require.NoError(t, os.WriteFile(chopped, raw[:len(raw)-10], 0o644))

	out, _, err := execute(t, "analyze", "--trace", chopped)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "INCOMPLETE", "results still print before the failure exit")
}

func TestAnalyze_MissingTrace(t *testing.T) {
	_, _, err := execute(t, "analyze", "--trace", filepath.Join(t.TempDir(), "missing.trace"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestAnalyze_BadConfig(t *testing.T) {
	tracePath, _ := writeTestTrace(t)
	cfgPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("builder:\n  aliasing: sideways\n"), 0o644))

	_, _, err := execute(t, "analyze", "--trace", tracePath, "--config", cfgPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDump_Text(t *testing.T) {
	tracePath, _ := writeTestTrace(t)

	out, _, err := execute(t, "dump", "--trace", tracePath)
	require.NoError(t, err)
	assert.Contains(t, out, "loop_enter")
	assert.Contains(t, out, "write site=1")
	assert.Contains(t, out, "read site=2")
}

func TestDump_Limit(t *testing.T) {
	tracePath, _ := writeTestTrace(t)

	out, _, err := execute(t, "dump", "--trace", tracePath, "--limit", "2", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Data DumpResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Len(t, resp.Data.Events, 2)
}

func TestDump_TruncatedTrace(t *testing.T) {
	tracePath, _ := writeTestTrace(t)

	raw, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	chopped := filepath.Join(t.TempDir(), "chopped.trace")
	require.NoError(t, os.WriteFile(chopped, raw[:len(raw)-10], 0o644))

	out, _, err := execute(t, "dump", "--trace", chopped)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "(trace truncated)")
}
