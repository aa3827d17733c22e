package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RunGolden executes a scenario and compares its canonical findings
// document against testdata/<name>.golden.
//
// To regenerate golden files:
//
//	go test ./internal/harness -update
func RunGolden(t *testing.T, sc *Scenario) *Result {
	t.Helper()

	res, err := Run(sc)
	if err != nil {
		t.Fatalf("run scenario: %v", err)
	}
	doc, err := res.Document.Canonical()
	if err != nil {
		t.Fatalf("encode document: %v", err)
	}

	g := goldie.New(t)
	g.Assert(t, sc.Name, doc)
	return res
}
