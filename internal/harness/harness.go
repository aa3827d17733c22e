// Package harness runs scripted recording scenarios end to end: scenario
// steps drive the real recorder into an in-memory trace, the trace is
// replayed into a dependence graph, the detector classifies it, and the
// resulting findings document can be compared against a golden file.
//
// Scenarios execute on one goroutine, so event stamping and therefore the
// canonical document bytes are fully deterministic.
package harness

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/parascope/parascope/internal/graph"
	"github.com/parascope/parascope/internal/pattern"
	"github.com/parascope/parascope/internal/recorder"
	"github.com/parascope/parascope/internal/report"
	"github.com/parascope/parascope/internal/trace"
)

// defaultRunID keeps golden output stable for scenarios that do not pin
// their own run id.
const defaultRunID = "01912d68-7d00-7000-8000-000000000001"

// Result is everything one scenario run produced.
type Result struct {
	Scenario *Scenario
	RunID    uuid.UUID
	Trace    []byte
	Graph    *graph.Graph
	Findings []pattern.Finding
	Document *report.Document
}

// Run executes a scenario and returns its result.
func Run(sc *Scenario) (*Result, error) {
	runID, err := scenarioRunID(sc)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := trace.NewWriter(&buf, runID)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}

	recOpts, err := sc.Config.RecorderOptions()
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	rec := recorder.New(w, recOpts)

	for i, step := range sc.Steps {
		if err := applyStep(rec, step); err != nil {
			return nil, fmt.Errorf("scenario %q step %d: %w", sc.Name, i, err)
		}
	}
	if err := rec.Stop(context.Background()); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}

	r, err := trace.NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	events, err := trace.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}

	buildOpts, err := sc.Config.BuilderOptions()
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	g := graph.NewBuilder(buildOpts).BuildEvents(events)

	findings := pattern.New(sc.Config.DetectorOptions()).Detect(g)

	return &Result{
		Scenario: sc,
		RunID:    runID,
		Trace:    buf.Bytes(),
		Graph:    g,
		Findings: findings,
		Document: report.Build(runID, g, findings),
	}, nil
}

func scenarioRunID(sc *Scenario) (uuid.UUID, error) {
	s := sc.RunID
	if s == "" {
		s = defaultRunID
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("scenario %q: bad run_id: %w", sc.Name, err)
	}
	return id, nil
}

func applyStep(rec *recorder.Recorder, step Step) error {
	tid := step.Thread
	if tid == 0 {
		tid = 1
	}
	th := rec.Thread(tid)

	length := step.Len
	if length == 0 {
		length = 8
	}
	repeat := step.Repeat
	if repeat <= 0 {
		repeat = 1
	}

	for i := 0; i < repeat; i++ {
		addr := step.Addr + uint64(i)*step.Stride
		switch step.Op {
		case "read":
			th.OnAccess(step.Site, addr, length, trace.Read)
		case "write":
			th.OnAccess(step.Site, addr, length, trace.Write)
		case "alloc":
			th.OnAlloc(addr, step.Size)
		case "free":
			th.OnFree(addr)
		case "sync":
			th.OnSync(step.Token)
		case "loop_enter":
			th.OnScopeEnter(step.Site, trace.LoopEnter, step.Loop)
		case "loop_exit":
			th.OnScopeExit(step.Site, trace.LoopExit, step.Loop)
		case "func_enter":
			th.OnScopeEnter(step.Site, trace.FuncEnter, 0)
		case "func_exit":
			th.OnScopeExit(step.Site, trace.FuncExit, 0)
		default:
			return fmt.Errorf("unknown op %q", step.Op)
		}
	}
	return nil
}
