package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/threadkeep/internal/ir"
)

// TraceSnapshot is what golden files hold: the scenario name and its trace
// in canonical JSON.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonicalMap lowers the snapshot to types ir.MarshalCanonical accepts.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		m := map[string]any{
			"type": event.Type,
			"op":   event.Op,
			"seq":  event.Seq,
		}
		if event.As != "" {
			m["as"] = event.As
		}
		if event.Args != nil {
			m["args"] = event.Args
		}
		if event.Case != "" {
			m["case"] = event.Case
		}
		if event.Result != nil {
			m["result"] = event.Result
		}
		trace[i] = m
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
	}
}

// MarshalSnapshot renders the snapshot as canonical JSON.
func (s *TraceSnapshot) MarshalSnapshot() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden runs the scenario and compares its trace with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()
	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's trace with its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()
	snapshot := TraceSnapshot{ScenarioName: scenarioName, Trace: result.Trace}
	data, err := snapshot.MarshalSnapshot()
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
