package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/parascope/parascope/internal/config"
	"github.com/parascope/parascope/internal/graph"
	"github.com/parascope/parascope/internal/pattern"
	"github.com/parascope/parascope/internal/report"
	"github.com/parascope/parascope/internal/trace"
)

// AnalyzeOptions holds flags for the analyze command.
type AnalyzeOptions struct {
	*RootOptions
	Trace    string
	Database string
	Config   string
	Out      string
}

// AnalyzeResult holds the analyze command output.
type AnalyzeResult struct {
	RunID    string           `json:"run_id"`
	Hash     string           `json:"document_hash"`
	Coverage CoverageSummary  `json:"coverage"`
	Findings []FindingSummary `json:"findings"`
	Edges    int              `json:"edges"`
}

// CoverageSummary reports how much of the run the trace captured.
type CoverageSummary struct {
	Events        uint64 `json:"events"`
	Gaps          uint64 `json:"gaps"`
	DroppedEvents uint64 `json:"dropped_events"`
	Truncated     bool   `json:"truncated"`
	Evicted       uint64 `json:"evicted"`
	Complete      bool   `json:"complete"`
}

// FindingSummary is one classified loop.
type FindingSummary struct {
	Loop               uint32   `json:"loop"`
	Kind               string   `json:"kind"`
	ConfidencePermille int64    `json:"confidence_permille"`
	Secondary          []string `json:"secondary,omitempty"`
}

// NewAnalyzeCommand creates the analyze command.
func NewAnalyzeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AnalyzeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze a trace for parallel patterns",
		Long: `Replay a recorded trace into a dependence graph and classify
each observed loop against the known parallel patterns.

Findings can be persisted to a SQLite database (--db) for later queries
and exported as a canonical JSON document (--out) whose bytes are stable
across runs and platforms.

A trace with gaps, eviction or a truncated tail still analyzes, but the
verdicts are marked incomplete and the command exits with code 1.

Examples:
  parascope analyze --trace run.trace
  parascope analyze --trace run.trace --db findings.db --out report.json
  parascope analyze --trace run.trace --config parascope.yaml --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Trace, "trace", "", "path to trace file (required)")
	_ = cmd.MarkFlagRequired("trace")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite findings database")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to YAML config file")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "write canonical JSON document to this path (- for stdout)")

	return cmd
}

func runAnalyze(opts *AnalyzeOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	cfg := config.Default()
	if opts.Config != "" {
		var err error
		cfg, err = config.Load(opts.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}

	runID, err := readTraceRunID(opts.Trace)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trace header", err)
	}
	verboseLog(cmd.ErrOrStderr(), opts.Verbose, "trace %s: run %s", opts.Trace, runID)

	buildOpts, err := cfg.BuilderOptions()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid builder config", err)
	}
	g, err := graph.NewBuilder(buildOpts).BuildFile(opts.Trace)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build dependence graph", err)
	}

	findings := pattern.New(cfg.DetectorOptions()).Detect(g)
	doc := report.Build(runID, g, findings)

	hash, err := doc.Hash()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to hash document", err)
	}

	if opts.Out != "" {
		canonical, err := doc.Canonical()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to encode document", err)
		}
		if opts.Out == "-" {
			if _, err := cmd.OutOrStdout().Write(canonical); err != nil {
				return WrapExitError(ExitCommandError, "failed to write document", err)
			}
		} else {
			if err := os.WriteFile(opts.Out, canonical, 0o644); err != nil {
				return WrapExitError(ExitCommandError, "failed to write document", err)
			}
			verboseLog(cmd.ErrOrStderr(), opts.Verbose, "wrote %s (%d bytes)", opts.Out, len(canonical))
		}
	}

	if opts.Database != "" {
		st, err := report.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer st.Close()
		if err := st.WriteDocument(ctx, doc); err != nil {
			return WrapExitError(ExitCommandError, "failed to persist findings", err)
		}
		verboseLog(cmd.ErrOrStderr(), opts.Verbose, "persisted run %s to %s", runID, opts.Database)
	}

	result := buildAnalyzeResult(runID, g, findings, hash)

	// With --out - the canonical document owns stdout; skip the summary.
	if opts.Out != "-" {
		if opts.Format == "json" {
			if err := outputJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
		} else if err := outputAnalyzeText(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	}

	if !result.Coverage.Complete {
		return NewExitError(ExitFailure, "trace coverage incomplete, verdicts are lower bounds")
	}
	return nil
}

// readTraceRunID opens the trace just long enough to read its header.
func readTraceRunID(path string) (uuid.UUID, error) {
	f, err := os.Open(path)
	if err != nil {
		return uuid.UUID{}, err
	}
	defer f.Close()
	r, err := trace.NewReader(f)
	if err != nil {
		return uuid.UUID{}, err
	}
	return r.RunID(), nil
}

func buildAnalyzeResult(runID uuid.UUID, g *graph.Graph, findings []pattern.Finding, hash string) AnalyzeResult {
	result := AnalyzeResult{
		RunID: runID.String(),
		Hash:  hash,
		Coverage: CoverageSummary{
			Events:        g.Coverage.Events,
			Gaps:          g.Coverage.Gaps,
			DroppedEvents: g.Coverage.DroppedEvents,
			Truncated:     g.Coverage.Truncated,
			Evicted:       g.Coverage.Evicted,
			Complete:      g.Coverage.Complete(),
		},
		Findings: []FindingSummary{},
		Edges:    len(g.Edges),
	}
	for i := range findings {
		f := &findings[i]
		summary := FindingSummary{
			Loop:               f.Loop,
			Kind:               f.Kind.String(),
			ConfidencePermille: report.Permille(f.Confidence),
		}
		for _, c := range f.Secondary {
			summary.Secondary = append(summary.Secondary, c.Kind.String())
		}
		result.Findings = append(result.Findings, summary)
	}
	return result
}

func outputAnalyzeText(w io.Writer, result AnalyzeResult) error {
	fmt.Fprintf(w, "Run: %s\n", result.RunID)
	fmt.Fprintf(w, "Document: %s\n", result.Hash)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Coverage ===")
	cov := result.Coverage
	fmt.Fprintf(w, "  Events:  %d\n", cov.Events)
	fmt.Fprintf(w, "  Edges:   %d\n", result.Edges)
	if cov.Complete {
		fmt.Fprintln(w, "  Status:  complete")
	} else {
		fmt.Fprintln(w, "  Status:  INCOMPLETE")
		if cov.Gaps > 0 {
			fmt.Fprintf(w, "    gaps: %d (%d events dropped)\n", cov.Gaps, cov.DroppedEvents)
		}
		if cov.Evicted > 0 {
			fmt.Fprintf(w, "    shadow cells evicted: %d\n", cov.Evicted)
		}
		if cov.Truncated {
			fmt.Fprintln(w, "    trace ends mid-record, tail discarded")
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Findings ===")
	if len(result.Findings) == 0 {
		fmt.Fprintln(w, "  (no loops observed)")
	}
	for _, f := range result.Findings {
		fmt.Fprintf(w, "  loop %-6d %-25s %4d/1000", f.Loop, f.Kind, f.ConfidencePermille)
		if len(f.Secondary) > 0 {
			fmt.Fprintf(w, "  (also: %v)", f.Secondary)
		}
		fmt.Fprintln(w)
	}
	return nil
}
