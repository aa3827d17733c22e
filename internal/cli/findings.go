package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/parascope/parascope/internal/report"
)

// FindingsOptions holds flags for the findings command.
type FindingsOptions struct {
	*RootOptions
	Database string
	Run      string
	Loop     uint32
	Edges    bool
}

// FindingsResult holds the findings command output.
type FindingsResult struct {
	Run      report.RunRow       `json:"run"`
	Findings []report.FindingRow `json:"findings"`
	Edges    []report.EdgeRow    `json:"edges,omitempty"`
}

// NewFindingsCommand creates the findings command.
func NewFindingsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FindingsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "findings",
		Short: "Query persisted findings",
		Long: `Query the findings database written by analyze.

With no --run, shows the most recent run. Use --loop to restrict the
output to one loop and --edges to include its dependence edges.

Examples:
  parascope findings --db findings.db
  parascope findings --db findings.db --run 01912d68-7d00-7000-8000-000000000001
  parascope findings --db findings.db --loop 3 --edges --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFindings(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite findings database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Run, "run", "", "run id to query (default: most recent)")
	cmd.Flags().Uint32Var(&opts.Loop, "loop", 0, "only show this loop")
	cmd.Flags().BoolVar(&opts.Edges, "edges", false, "include dependence edges")

	return cmd
}

func runFindings(opts *FindingsOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := report.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	run, err := pickRun(ctx, st, opts.Run)
	if err != nil {
		return err
	}

	findings, err := st.Findings(ctx, run.ID, opts.Loop)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to query findings", err)
	}

	result := FindingsResult{Run: run, Findings: findings}
	if opts.Edges {
		edges, err := st.Edges(ctx, run.ID, opts.Loop)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to query edges", err)
		}
		result.Edges = edges
	}

	if opts.Format == "json" {
		return outputJSON(cmd.OutOrStdout(), result)
	}
	outputFindingsText(cmd.OutOrStdout(), result, opts.Verbose)
	return nil
}

// pickRun resolves the requested run, defaulting to the newest one.
func pickRun(ctx context.Context, st *report.Store, runID string) (report.RunRow, error) {
	runs, err := st.Runs(ctx)
	if err != nil {
		return report.RunRow{}, WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	if runID == "" {
		if len(runs) == 0 {
			return report.RunRow{}, NewExitError(ExitCommandError, "database holds no runs")
		}
		return runs[0], nil
	}
	for _, r := range runs {
		if r.ID == runID {
			return r, nil
		}
	}
	return report.RunRow{}, NewExitError(ExitCommandError, fmt.Sprintf("run %s not found", runID))
}

func outputFindingsText(w io.Writer, result FindingsResult, verbose bool) {
	run := result.Run
	fmt.Fprintf(w, "Run: %s (%s)\n", run.ID, run.CreatedAt)
	fmt.Fprintf(w, "Document: %s\n", run.DocumentHash)
	if run.Gaps > 0 || run.Truncated || run.Evicted > 0 {
		fmt.Fprintf(w, "Coverage: INCOMPLETE (gaps=%d dropped=%d evicted=%d truncated=%v)\n",
			run.Gaps, run.DroppedEvents, run.Evicted, run.Truncated)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Findings ===")
	if len(result.Findings) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, f := range result.Findings {
		fmt.Fprintf(w, "  loop %-6d %-25s %4d/1000\n", f.Loop, f.Kind, f.ConfidencePermille)
		if verbose {
			fmt.Fprintf(w, "       evidence: %s\n", f.Evidence)
		}
	}

	if result.Edges != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Edges ===")
		if len(result.Edges) == 0 {
			fmt.Fprintln(w, "  (none)")
		}
		for _, e := range result.Edges {
			fmt.Fprintf(w, "  loop %-6d %d -%s-> %d count=%d", e.Loop, e.Source, e.Type, e.Sink, e.Count)
			if e.MinDistance.Valid {
				fmt.Fprintf(w, " dist=[%d,%d]", e.MinDistance.Int64, e.MaxDistance.Int64)
			}
			if e.Elided > 0 {
				fmt.Fprintf(w, " elided=%d", e.Elided)
			}
			fmt.Fprintln(w)
		}
	}
}
