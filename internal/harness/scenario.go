package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted editing session with expectations.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Documents are .mds files written before the flow, keyed by file name.
	Documents map[string]Document `yaml:"documents,omitempty"`

	// Flow is the sequence of session operations.
	Flow []Step `yaml:"flow"`

	// Assertions validate the trace and the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Document is a .mds fixture. Head and Past are texts. RawPast and Version
// replace the generated snapshots.json and VERSION entries, for damaged or
// foreign files.
type Document struct {
	Head    string   `yaml:"head"`
	Past    []string `yaml:"past,omitempty"`
	RawPast string   `yaml:"raw_past,omitempty"`
	Version string   `yaml:"version,omitempty"`
}

// Step is one session operation.
type Step struct {
	Op       string   `yaml:"op"`
	Path     string   `yaml:"path,omitempty"`
	Text     string   `yaml:"text,omitempty"`
	Position *float64 `yaml:"position,omitempty"`
	Count    int      `yaml:"count,omitempty"`

	// Expect is the required outcome. Empty accepts any outcome.
	Expect string `yaml:"expect,omitempty"`
}

// Operations.
const (
	OpCreate      = "create"
	OpEdit        = "edit"
	OpLoad        = "load"
	OpAwait       = "await"
	OpSave        = "save"
	OpHold        = "hold"
	OpRelease     = "release"
	OpEnterReplay = "enter_replay"
	OpInteract    = "interact"
	OpScrub       = "scrub"
	OpPlay        = "play"
	OpTick        = "tick"
)

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Op and Outcome select steps (trace_contains, trace_count).
	Op      string `yaml:"op,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`

	// Count is the expected number of matching steps (trace_count).
	Count int `yaml:"count,omitempty"`

	// Ops is the expected step order (trace_order).
	Ops []string `yaml:"ops,omitempty"`

	// Mode, Cursor and History describe the final state (final_state).
	// Unset fields are not checked.
	Mode    string   `yaml:"mode,omitempty"`
	Cursor  *int     `yaml:"cursor,omitempty"`
	History []string `yaml:"history,omitempty"`

	// Texts is the exact sequence of displayed snapshots (displayed).
	Texts []string `yaml:"texts,omitempty"`

	// Path, SavedLen, Snapshots and Unsaved describe a journal entry
	// (journal).
	Path      string `yaml:"path,omitempty"`
	SavedLen  *int   `yaml:"saved_len,omitempty"`
	Snapshots *int   `yaml:"snapshots,omitempty"`
	Unsaved   *bool  `yaml:"unsaved,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertDisplayed     = "displayed"
	AssertJournal       = "journal"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Reject unknown fields (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for name, doc := range s.Documents {
		if doc.Head == "" {
			return fmt.Errorf("documents[%s]: head is required", name)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step) error {
	switch step.Op {
	case OpCreate, OpLoad:
		if step.Path == "" {
			return fmt.Errorf("flow[%d]: path is required for %s", index, step.Op)
		}
	case OpEdit:
		if step.Text == "" {
			return fmt.Errorf("flow[%d]: text is required for edit", index)
		}
	case OpScrub:
		if step.Position == nil {
			return fmt.Errorf("flow[%d]: position is required for scrub", index)
		}
	case OpTick:
		if step.Count < 0 {
			return fmt.Errorf("flow[%d]: count must be non-negative for tick", index)
		}
	case OpSave, OpAwait, OpHold, OpRelease, OpEnterReplay, OpInteract, OpPlay:
	case "":
		return fmt.Errorf("flow[%d]: op is required", index)
	default:
		return fmt.Errorf("flow[%d]: unknown op %q", index, step.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Mode == "" && a.Cursor == nil && a.History == nil {
			return fmt.Errorf("assertions[%d]: final_state needs mode, cursor or history", index)
		}
	case AssertDisplayed:
		if a.Texts == nil {
			return fmt.Errorf("assertions[%d]: texts is required for displayed", index)
		}
	case AssertJournal:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for journal", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
