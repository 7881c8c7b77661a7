package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/docsync/internal/revision"
)

// TraceSnapshot captures the trace and final state of a scenario execution.
// It is serialized as canonical JSON for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceStep
	Final        map[string]map[string]LeafState
}

// toCanonical converts the snapshot to a body value so it serializes
// through revision.MarshalCanonical.
func (s *TraceSnapshot) toCanonical() (revision.Object, error) {
	steps := make([]any, len(s.Trace))
	for i, ts := range s.Trace {
		m := map[string]any{
			"step": int64(ts.Step),
			"op":   ts.Op,
			"peer": ts.Peer,
		}
		if ts.Remote != "" {
			m["remote"] = ts.Remote
		}
		if ts.Doc != "" {
			m["doc"] = ts.Doc
			m["gen"] = ts.Generation
		}
		if len(ts.Outcomes) > 0 {
			outcomes := make([]any, len(ts.Outcomes))
			for j, o := range ts.Outcomes {
				om := map[string]any{"dir": o.Direction, "doc": o.Doc, "gen": o.Generation}
				if o.Deleted {
					om["deleted"] = true
				}
				if o.Error != "" {
					om["error"] = o.Error
				}
				outcomes[j] = om
			}
			m["outcomes"] = outcomes
		}
		if ts.Error != "" {
			m["error"] = ts.Error
		}
		steps[i] = m
	}

	final := make(map[string]any, len(s.Final))
	for name, leaves := range s.Final {
		docs := make(map[string]any, len(leaves))
		for doc, leaf := range leaves {
			lm := map[string]any{"gen": leaf.Generation}
			if leaf.Deleted {
				lm["deleted"] = true
			}
			if leaf.Body != nil {
				lm["body"] = leaf.Body
			}
			docs[doc] = lm
		}
		final[name] = docs
	}

	return revision.FromAny(map[string]any{
		"scenario": s.ScenarioName,
		"steps":    steps,
		"final":    final,
	})
}

// MarshalTrace renders a result as canonical JSON.
func MarshalTrace(name string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{ScenarioName: name, Trace: result.Trace, Final: result.Final}
	obj, err := snapshot.toCanonical()
	if err != nil {
		return nil, err
	}
	return revision.MarshalCanonical(obj)
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := RunContext(t.Context(), scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
