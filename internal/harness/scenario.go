package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines one harness run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Types is inline CUE source declaring document types.
	Types string `yaml:"types,omitempty"`

	// TypesDir is a directory of .cue files. Relative paths are resolved
	// against the scenario file.
	TypesDir string `yaml:"types_dir,omitempty"`

	// Computations maps a type name to a built-in computation name.
	// Types not listed are computed manually.
	Computations map[string]string `yaml:"computations,omitempty"`

	// Documents are created in order before the first step.
	Documents []DocumentSeed `yaml:"documents"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`

	// Expect is checked after the last step.
	Expect []Expectation `yaml:"expect,omitempty"`
}

// DocumentSeed creates one document.
type DocumentSeed struct {
	ID     string         `yaml:"id"`
	Type   string         `yaml:"type"`
	Fields map[string]any `yaml:"fields,omitempty"`
}

// Step is one scenario action. Exactly one of Subscribe, Unsubscribe, Set,
// Start, Finish or Abort is set.
type Step struct {
	Subscribe   string `yaml:"subscribe,omitempty"`
	As          string `yaml:"as,omitempty"`
	Unsubscribe string `yaml:"unsubscribe,omitempty"`
	Set         string `yaml:"set,omitempty"`
	Start       string `yaml:"start,omitempty"`
	Finish      string `yaml:"finish,omitempty"`
	Abort       string `yaml:"abort,omitempty"`

	// Fields holds the batch for set and the computed values for finish.
	Fields map[string]any `yaml:"fields,omitempty"`

	// ExpectError, when set, requires the step to fail with an error
	// whose message contains it (for example "NOT_COMPUTING").
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step kinds.
const (
	StepSubscribe   = "subscribe"
	StepUnsubscribe = "unsubscribe"
	StepSet         = "set"
	StepStart       = "start"
	StepFinish      = "finish"
	StepAbort       = "abort"
)

// Kind returns the step kind and its target (a document id, or a
// subscription name for unsubscribe).
func (s Step) Kind() (kind, target string) {
	switch {
	case s.Subscribe != "":
		return StepSubscribe, s.Subscribe
	case s.Unsubscribe != "":
		return StepUnsubscribe, s.Unsubscribe
	case s.Set != "":
		return StepSet, s.Set
	case s.Start != "":
		return StepStart, s.Start
	case s.Finish != "":
		return StepFinish, s.Finish
	case s.Abort != "":
		return StepAbort, s.Abort
	}
	return "", ""
}

func (s Step) kindCount() int {
	n := 0
	for _, v := range []string{s.Subscribe, s.Unsubscribe, s.Set, s.Start, s.Finish, s.Abort} {
		if v != "" {
			n++
		}
	}
	return n
}

// Expectation checks one document after the last step. Fields is a subset
// match. State and Computed are checked when set.
type Expectation struct {
	Doc      string         `yaml:"doc"`
	Fields   map[string]any `yaml:"fields,omitempty"`
	State    string         `yaml:"state,omitempty"`
	Computed *bool          `yaml:"computed,omitempty"`
	Absent   []string       `yaml:"absent,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.TypesDir != "" && !filepath.IsAbs(scenario.TypesDir) {
		scenario.TypesDir = filepath.Join(filepath.Dir(path), scenario.TypesDir)
	}
	if scenario.TypesDir != "" {
		if _, err := os.Stat(scenario.TypesDir); err != nil {
			return nil, fmt.Errorf("invalid scenario: types_dir: %w", err)
		}
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "step:" vs "steps:"
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
	if (s.Types == "") == (s.TypesDir == "") {
		return fmt.Errorf("exactly one of types or types_dir is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for name, builtin := range s.Computations {
		if _, ok := Builtins[builtin]; !ok {
			return fmt.Errorf("computations[%s]: unknown computation %q", name, builtin)
		}
	}

	seen := make(map[string]bool)
	for i, d := range s.Documents {
		if d.ID == "" {
			return fmt.Errorf("documents[%d]: id is required", i)
		}
		if d.Type == "" {
			return fmt.Errorf("documents[%d]: type is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("documents[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
	}

	subs := make(map[string]bool)
	for i, step := range s.Steps {
		if n := step.kindCount(); n != 1 {
			return fmt.Errorf("steps[%d]: exactly one action is required, got %d", i, n)
		}
		kind, target := step.Kind()
		switch kind {
		case StepSubscribe:
			if step.As == "" {
				return fmt.Errorf("steps[%d]: subscribe requires as", i)
			}
			if subs[step.As] {
				return fmt.Errorf("steps[%d]: subscription %q already exists", i, step.As)
			}
			subs[step.As] = true
		case StepUnsubscribe:
			if !subs[target] {
				return fmt.Errorf("steps[%d]: unknown subscription %q", i, target)
			}
		case StepSet:
			if len(step.Fields) == 0 {
				return fmt.Errorf("steps[%d]: set requires fields", i)
			}
		case StepFinish:
			if step.Fields == nil {
				return fmt.Errorf("steps[%d]: finish requires fields", i)
			}
		}
		if kind != StepSubscribe && step.As != "" {
			return fmt.Errorf("steps[%d]: as is only valid on subscribe", i)
		}
	}

	for i, e := range s.Expect {
		if e.Doc == "" {
			return fmt.Errorf("expect[%d]: doc is required", i)
		}
	}
	return nil
}
