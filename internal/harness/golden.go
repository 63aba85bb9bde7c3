package harness

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/midst/internal/snapshot"
)

// MarshalTrace renders a result as one canonical JSON object per line: a
// header naming the scenario, every trace event, then the final history.
func MarshalTrace(name string, r *Result) ([]byte, error) {
	var buf bytes.Buffer

	write := func(v map[string]any) error {
		s, err := snapshot.FromValue(v)
		if err != nil {
			return err
		}
		buf.WriteString(s.String())
		buf.WriteByte('\n')
		return nil
	}

	if err := write(map[string]any{"scenario": name}); err != nil {
		return nil, err
	}
	for _, e := range r.Trace {
		if err := write(eventMap(e)); err != nil {
			return nil, fmt.Errorf("trace seq %d: %w", e.Seq, err)
		}
	}

	hist := make([]any, len(r.History))
	for i, t := range r.History {
		hist[i] = t
	}
	if err := write(map[string]any{"history": hist}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func eventMap(e TraceEvent) map[string]any {
	m := map[string]any{
		"type": e.Type,
		"seq":  e.Seq,
	}
	switch e.Type {
	case EventDisplay:
		m["text"] = e.Text
	default:
		m["op"] = e.Op
		m["outcome"] = e.Outcome
		m["mode"] = e.Mode
		m["cursor"] = e.Cursor
		m["len"] = e.Len
		if len(e.Args) > 0 {
			m["args"] = e.Args
		}
	}
	return m
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	trace, err := MarshalTrace(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, trace)
	return nil
}
