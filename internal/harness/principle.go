package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Principle is an invariant every scenario trace must satisfy.
type Principle struct {
	Name  string
	Check func(r *Result) []string
}

// Principles are checked after every scenario run.
var Principles = []Principle{
	{Name: "cursor_in_range", Check: checkCursorInRange},
	{Name: "input_returns_to_editing", Check: checkInputReturnsToEditing},
	{Name: "edit_appends_once", Check: checkEditAppendsOnce},
	{Name: "replay_needs_history", Check: checkReplayNeedsHistory},
	{Name: "frames_only_while_replaying", Check: checkFramesOnlyWhileReplaying},
	{Name: "history_has_no_adjacent_duplicates", Check: checkNoAdjacentDuplicates},
}

// CheckPrinciples returns one message per violated principle.
func CheckPrinciples(r *Result) []string {
	var out []string
	for _, p := range Principles {
		for _, msg := range p.Check(r) {
			out = append(out, fmt.Sprintf("principle %s: %s", p.Name, msg))
		}
	}
	return out
}

func checkCursorInRange(r *Result) []string {
	var out []string
	for _, e := range r.Steps() {
		switch {
		case e.Len == 0 && e.Cursor != -1:
			out = append(out, fmt.Sprintf("seq %d: cursor %d on empty history", e.Seq, e.Cursor))
		case e.Len > 0 && (e.Cursor < 0 || e.Cursor >= e.Len):
			out = append(out, fmt.Sprintf("seq %d: cursor %d outside [0, %d]", e.Seq, e.Cursor, e.Len-1))
		}
	}
	return out
}

func checkInputReturnsToEditing(r *Result) []string {
	var out []string
	for _, e := range r.Steps() {
		switch e.Op {
		case OpEdit, OpInteract, OpCreate, OpLoad:
			if e.Outcome != OutcomeOK && e.Outcome != OutcomeDuplicate {
				continue
			}
			if e.Mode != "editing" {
				out = append(out, fmt.Sprintf("seq %d: %s left mode %s", e.Seq, e.Op, e.Mode))
			}
		}
	}
	return out
}

func checkEditAppendsOnce(r *Result) []string {
	var out []string
	prev := 0
	for _, e := range r.Steps() {
		if e.Op == OpEdit {
			switch e.Outcome {
			case OutcomeOK:
				if e.Len != prev+1 {
					out = append(out, fmt.Sprintf("seq %d: edit grew history from %d to %d", e.Seq, prev, e.Len))
				}
			case OutcomeDuplicate:
				if e.Len != prev {
					out = append(out, fmt.Sprintf("seq %d: duplicate edit changed length from %d to %d", e.Seq, prev, e.Len))
				}
			}
		}
		prev = e.Len
	}
	return out
}

func checkReplayNeedsHistory(r *Result) []string {
	var out []string
	for _, e := range r.Steps() {
		if e.Mode != "editing" && e.Len == 0 {
			out = append(out, fmt.Sprintf("seq %d: mode %s with empty history", e.Seq, e.Mode))
		}
	}
	return out
}

// checkFramesOnlyWhileReplaying: a tick after a step that left the machine
// outside Replaying must not move the cursor.
func checkFramesOnlyWhileReplaying(r *Result) []string {
	var out []string
	steps := r.Steps()
	for i := 1; i < len(steps); i++ {
		prev, e := steps[i-1], steps[i]
		if e.Op != OpTick || prev.Mode == "replaying" {
			continue
		}
		if e.Cursor != prev.Cursor || e.Mode != prev.Mode {
			out = append(out, fmt.Sprintf("seq %d: frame fired in mode %s", e.Seq, prev.Mode))
		}
	}
	return out
}

func checkNoAdjacentDuplicates(r *Result) []string {
	var out []string
	for i := 1; i < len(r.History); i++ {
		if r.History[i] == r.History[i-1] {
			out = append(out, fmt.Sprintf("history[%d] repeats %q", i, r.History[i]))
		}
	}
	return out
}

// ValidationResult summarizes a directory of scenarios.
type ValidationResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure is one failed scenario.
type ScenarioFailure struct {
	Scenario string `json:"scenario"`
	Path     string `json:"path"`
	Error    string `json:"error"`
}

// ScenarioFiles returns the scenario files at path: path itself when it is
// a file, otherwise every .yaml and .yml file directly inside it.
func ScenarioFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// ValidateScenarios loads and runs every scenario at path.
func ValidateScenarios(path string) (*ValidationResult, error) {
	files, err := ScenarioFiles(path)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{}
	for _, file := range files {
		result.TotalScenarios++

		scenario, err := LoadScenario(file)
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, ScenarioFailure{
				Path:  file,
				Error: fmt.Sprintf("failed to load scenario: %v", err),
			})
			continue
		}

		runResult, err := Run(scenario)
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, ScenarioFailure{
				Scenario: scenario.Name,
				Path:     file,
				Error:    fmt.Sprintf("scenario execution failed: %v", err),
			})
			continue
		}

		if !runResult.Pass {
			result.Failed++
			result.Failures = append(result.Failures, ScenarioFailure{
				Scenario: scenario.Name,
				Path:     file,
				Error:    strings.Join(runResult.Errors, "\n"),
			})
			continue
		}

		result.Passed++
	}
	return result, nil
}
