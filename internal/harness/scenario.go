package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/branchline/internal/operator"
	"github.com/roach88/branchline/internal/record"
)

// Scenario defines a fork and commit scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Operator names a built-in fork operator. Defaults to "identity".
	Operator string `yaml:"operator,omitempty"`

	// Props are handed to the operator unchanged.
	Props map[string]string `yaml:"props,omitempty"`

	// Schema is the input stream schema.
	Schema record.Schema `yaml:"schema,omitempty"`

	// BufferCapacity bounds each branch queue. Defaults to 8.
	BufferCapacity int `yaml:"buffer_capacity,omitempty"`

	// Records are fed to the fork in order.
	Records []RecordStep `yaml:"records"`

	// Steps run after every branch has drained.
	Steps []Step `yaml:"steps,omitempty"`

	// CommitFailures makes the first commits fail with these messages.
	CommitFailures []string `yaml:"commit_failures,omitempty"`

	// ExpectError is the fork error code the scenario expects, such as
	// CONFIGURATION. Empty means the fork must succeed.
	ExpectError string `yaml:"expect_error,omitempty"`

	Assertions []Assertion `yaml:"assertions"`
}

// RecordStep is one input record.
type RecordStep struct {
	Source string         `yaml:"source"`
	Offset int64          `yaml:"offset"`
	Record map[string]any `yaml:"record,omitempty"`
}

// Step is one scripted action. Exactly one field is set.
type Step struct {
	// Complete acknowledges one record on one branch.
	Complete *CompleteStep `yaml:"complete,omitempty"`

	// CompleteAll acknowledges every delivered record not yet completed,
	// branch by branch in delivery order.
	CompleteAll bool `yaml:"complete_all,omitempty"`

	// Commit runs one retrieve-and-commit cycle.
	Commit bool `yaml:"commit,omitempty"`
}

// CompleteStep identifies a record on a branch.
type CompleteStep struct {
	Source string `yaml:"source"`
	Offset int64  `yaml:"offset"`
	Branch int    `yaml:"branch"`
}

// Assertion validates the trace, the store or the tracker.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Event is the trace event type (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Watermark narrows trace_contains and trace_count, as "src@offset:3".
	Watermark string `yaml:"watermark,omitempty"`

	// Branch narrows trace_contains.
	Branch *int `yaml:"branch,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Events is the expected order of "type watermark" keys (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Source and Offset are checked by committed and committable. A nil
	// Offset expects nothing for the source.
	Source string `yaml:"source,omitempty"`
	Offset *int64 `yaml:"offset,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertCommitted     = "committed"
	AssertCommittable   = "committable"
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
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	scenario.applyDefaults()

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// applyDefaults fills the operator and buffer capacity left unset.
func (s *Scenario) applyDefaults() {
	if s.Operator == "" {
		s.Operator = "identity"
	}
	if s.BufferCapacity == 0 {
		s.BufferCapacity = 8
	}
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if _, err := operator.New(s.Operator); err != nil {
		return err
	}
	if s.BufferCapacity < 0 {
		return fmt.Errorf("buffer_capacity must be positive")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, r := range s.Records {
		if r.Source == "" {
			return fmt.Errorf("records[%d]: source is required", i)
		}
	}

	for i, step := range s.Steps {
		set := 0
		if step.Complete != nil {
			set++
			if step.Complete.Source == "" {
				return fmt.Errorf("steps[%d].complete: source is required", i)
			}
		}
		if step.CompleteAll {
			set++
		}
		if step.Commit {
			set++
		}
		if set != 1 {
			return fmt.Errorf("steps[%d]: exactly one of complete, complete_all, commit is required", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertCommitted, AssertCommittable:
		if a.Source == "" {
			return fmt.Errorf("assertions[%d]: source is required for %s", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
