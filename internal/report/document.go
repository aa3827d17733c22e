// Package report exports analysis results: a canonical JSON findings
// document whose content hash makes replay determinism checkable, and a
// SQLite database for the external reporting layer.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"

	"github.com/parascope/parascope/internal/graph"
	"github.com/parascope/parascope/internal/pattern"
)

// DocumentVersion identifies the findings document layout.
const DocumentVersion = 1

// Document is the complete result of one analysis run.
type Document struct {
	RunID    uuid.UUID
	Coverage graph.Coverage
	Findings []pattern.Finding
	Edges    []*graph.Edge
}

// Build assembles the document for one run. Edges come out in the graph's
// stable order, findings stay in detector order (sorted by loop).
func Build(runID uuid.UUID, g *graph.Graph, findings []pattern.Finding) *Document {
	return &Document{
		RunID:    runID,
		Coverage: g.Coverage,
		Findings: findings,
		Edges:    g.SortedEdges(),
	}
}

// Permille converts a confidence to its canonical integer form.
func Permille(confidence float64) int64 {
	return int64(math.Round(confidence * 1000))
}

// Canonical returns the canonical JSON encoding of the document.
func (d *Document) Canonical() ([]byte, error) {
	out, err := MarshalCanonical(d.value())
	if err != nil {
		return nil, fmt.Errorf("encode findings document: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 content hash of the canonical encoding.
func (d *Document) Hash() (string, error) {
	raw, err := d.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (d *Document) value() map[string]any {
	findings := make([]any, 0, len(d.Findings))
	for i := range d.Findings {
		findings = append(findings, findingValue(&d.Findings[i]))
	}
	edges := make([]any, 0, len(d.Edges))
	for _, e := range d.Edges {
		edges = append(edges, edgeValue(e))
	}
	return map[string]any{
		"version":  DocumentVersion,
		"run_id":   d.RunID.String(),
		"coverage": coverageValue(d.Coverage),
		"findings": findings,
		"edges":    edges,
	}
}

func coverageValue(c graph.Coverage) map[string]any {
	return map[string]any{
		"events":         c.Events,
		"gaps":           c.Gaps,
		"dropped_events": c.DroppedEvents,
		"truncated":      c.Truncated,
		"evicted":        c.Evicted,
		"complete":       c.Complete(),
	}
}

func findingValue(f *pattern.Finding) map[string]any {
	secondary := make([]any, 0, len(f.Secondary))
	for _, c := range f.Secondary {
		secondary = append(secondary, map[string]any{
			"kind":                c.Kind.String(),
			"confidence_permille": Permille(c.Confidence),
		})
	}
	return map[string]any{
		"loop":                f.Loop,
		"kind":                f.Kind.String(),
		"confidence_permille": Permille(f.Confidence),
		"evidence":            evidenceValue(&f.Evidence),
		"secondary":           secondary,
	}
}

func evidenceValue(ev *pattern.Evidence) map[string]any {
	out := map[string]any{
		"iterations":    ev.Iterations,
		"accesses":      ev.Accesses,
		"iter_workload": ev.IterWorkload,
		"carried_edges": ev.CarriedEdges,
		"incomplete":    ev.Incomplete,
	}
	if ev.Accumulator != 0 {
		out["accumulator"] = ev.Accumulator
	}
	if len(ev.Stages) > 0 {
		stages := make([]any, 0, len(ev.Stages))
		for _, s := range ev.Stages {
			stages = append(stages, s)
		}
		out["stages"] = stages
		out["distance"] = ev.Distance
	}
	if len(ev.Inner) > 0 {
		inner := make([]any, 0, len(ev.Inner))
		for _, id := range ev.Inner {
			inner = append(inner, id)
		}
		out["inner"] = inner
	}
	if ev.Dominant != 0 {
		out["dominant"] = ev.Dominant.String()
	}
	return out
}

func edgeValue(e *graph.Edge) map[string]any {
	hist := make(map[string]any, len(e.Distance.ByDistance))
	for dist, n := range e.Distance.ByDistance {
		hist[strconv.FormatInt(dist, 10)] = n
	}
	out := map[string]any{
		"loop":    e.Key.Loop,
		"source":  e.Key.Source,
		"sink":    e.Key.Sink,
		"type":    e.Key.Type.String(),
		"count":   e.Count,
		"elided":  e.Elided,
		"known":   e.Distance.Known,
		"unknown": e.Distance.Unknown,
	}
	if e.Distance.Known > 0 {
		out["min_distance"] = e.Distance.Min
		out["max_distance"] = e.Distance.Max
		out["histogram"] = hist
	}
	return out
}
