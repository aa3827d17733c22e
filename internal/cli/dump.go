package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/parascope/parascope/internal/trace"
)

// DumpOptions holds flags for the dump command.
type DumpOptions struct {
	*RootOptions
	Trace string
	TID   uint32
	Limit uint64
}

// DumpEvent is one decoded record in the dump output.
type DumpEvent struct {
	Kind  string `json:"kind"`
	TID   uint32 `json:"tid"`
	Seq   uint64 `json:"seq"`
	Clock uint64 `json:"clock"`

	Site    uint32 `json:"site,omitempty"`
	Addr    string `json:"addr,omitempty"`
	Length  uint32 `json:"length,omitempty"`
	Access  string `json:"access,omitempty"`
	Loop    uint32 `json:"loop,omitempty"`
	Iter    uint64 `json:"iter,omitempty"`
	Scope   string `json:"scope,omitempty"`
	Size    uint64 `json:"size,omitempty"`
	Token   uint64 `json:"token,omitempty"`
	Dropped uint64 `json:"dropped,omitempty"`
}

// DumpResult holds the dump command output.
type DumpResult struct {
	RunID     string      `json:"run_id"`
	Events    []DumpEvent `json:"events"`
	Truncated bool        `json:"truncated"`
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DumpOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Decode a trace file record by record",
		Long: `Decode a trace file and print its records in recording order.

Useful for inspecting what a recorder actually captured before running
the full analysis. A corrupt or truncated tail stops the dump at the
last valid record and exits with code 1.

Examples:
  parascope dump --trace run.trace
  parascope dump --trace run.trace --tid 3 --limit 100
  parascope dump --trace run.trace --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Trace, "trace", "", "path to trace file (required)")
	_ = cmd.MarkFlagRequired("trace")
	cmd.Flags().Uint32Var(&opts.TID, "tid", 0, "only show records from this thread")
	cmd.Flags().Uint64Var(&opts.Limit, "limit", 0, "stop after this many records (0 = all)")

	return cmd
}

func runDump(opts *DumpOptions, cmd *cobra.Command) error {
	f, err := os.Open(opts.Trace)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open trace", err)
	}
	defer f.Close()

	r, err := trace.NewReader(f)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trace header", err)
	}

	result := DumpResult{RunID: r.RunID().String(), Events: []DumpEvent{}}
	var shown uint64
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to decode trace", err)
		}
		if opts.TID != 0 && ev.TID != opts.TID {
			continue
		}
		result.Events = append(result.Events, dumpEvent(ev))
		shown++
		if opts.Limit > 0 && shown >= opts.Limit {
			break
		}
	}
	result.Truncated = r.Truncated()

	if opts.Format == "json" {
		if err := outputJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	} else {
		outputDumpText(cmd.OutOrStdout(), result)
	}

	if result.Truncated {
		if corrupt := r.Corrupt(); corrupt != nil {
			verboseLog(cmd.ErrOrStderr(), opts.Verbose, "corrupt record at offset %d: %v", corrupt.Offset, corrupt)
		}
		return NewExitError(ExitFailure, "trace ends mid-record, tail discarded")
	}
	return nil
}

func dumpEvent(ev trace.Event) DumpEvent {
	out := DumpEvent{
		Kind:  ev.Kind.String(),
		TID:   ev.TID,
		Seq:   ev.Seq,
		Clock: ev.Clock,
	}
	switch ev.Kind {
	case trace.KindAccess:
		out.Site = ev.Site
		out.Addr = fmt.Sprintf("0x%x", ev.Addr)
		out.Length = ev.Length
		out.Access = ev.Access.String()
		out.Loop = ev.Loop
		out.Iter = ev.Iter
	case trace.KindScope:
		out.Site = ev.Site
		out.Scope = ev.Scope.String()
		out.Loop = ev.Loop
	case trace.KindAlloc:
		out.Addr = fmt.Sprintf("0x%x", ev.Addr)
		out.Size = ev.Size
	case trace.KindFree:
		out.Addr = fmt.Sprintf("0x%x", ev.Addr)
	case trace.KindSync:
		out.Token = ev.Token
	case trace.KindGap:
		out.Dropped = ev.Dropped
	}
	return out
}

func outputDumpText(w io.Writer, result DumpResult) {
	fmt.Fprintf(w, "Run: %s\n", result.RunID)
	for _, ev := range result.Events {
		fmt.Fprintf(w, "[t%d %d @%d] %s", ev.TID, ev.Seq, ev.Clock, ev.Kind)
		switch ev.Kind {
		case "access":
			fmt.Fprintf(w, " %s site=%d addr=%s len=%d", ev.Access, ev.Site, ev.Addr, ev.Length)
			if ev.Loop != 0 {
				fmt.Fprintf(w, " loop=%d iter=%d", ev.Loop, ev.Iter)
			}
		case "scope":
			fmt.Fprintf(w, " %s site=%d", ev.Scope, ev.Site)
			if ev.Loop != 0 {
				fmt.Fprintf(w, " loop=%d", ev.Loop)
			}
		case "alloc":
			fmt.Fprintf(w, " addr=%s size=%d", ev.Addr, ev.Size)
		case "free":
			fmt.Fprintf(w, " addr=%s", ev.Addr)
		case "sync":
			fmt.Fprintf(w, " token=%d", ev.Token)
		case "gap":
			fmt.Fprintf(w, " dropped=%d", ev.Dropped)
		}
		fmt.Fprintln(w)
	}
	if result.Truncated {
		fmt.Fprintln(w, "(trace truncated)")
	}
}
