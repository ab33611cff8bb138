package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/flowq/internal/protocol"
	"github.com/roach88/flowq/internal/querystate"
)

// Scenario is a scripted protocol session with expectations.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// FailKinds lists query kinds whose materialization fails.
	FailKinds []string `yaml:"fail_kinds,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`
}

// Step is exactly one of Send or Await.
type Step struct {
	Send  *Send  `yaml:"send,omitempty"`
	Await *Await `yaml:"await,omitempty"`
}

// Send dispatches one action.
type Send struct {
	Action string         `yaml:"action"`
	Params map[string]any `yaml:"params,omitempty"`

	// Repeat sends the same request this many times concurrently. Every
	// reply must satisfy Expect. Zero means once.
	Repeat int `yaml:"repeat,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`

	// Save maps a variable name to a string field of the reply data.
	Save map[string]string `yaml:"save,omitempty"`
}

// Expect is a subset match on a reply.
type Expect struct {
	Status string `yaml:"status"`

	// Msg is compared exactly when set.
	Msg *string `yaml:"msg,omitempty"`

	// Data holds the fields that must be present with these values.
	Data map[string]any `yaml:"data,omitempty"`
}

// Await polls a query until it reaches State.
type Await struct {
	Query   string `yaml:"query"`
	State   string `yaml:"state"`
	Timeout string `yaml:"timeout,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Action is used by trace_contains and trace_count.
	Action string `yaml:"action,omitempty"`

	// Status and Data are matched by trace_contains.
	Status string         `yaml:"status,omitempty"`
	Data   map[string]any `yaml:"data,omitempty"`

	// Count is used by trace_count and materializations.
	Count int `yaml:"count,omitempty"`

	// Actions is used by trace_order.
	Actions []string `yaml:"actions,omitempty"`

	// Query and State are used by final_state and materializations.
	Query string `yaml:"query,omitempty"`
	State string `yaml:"state,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains    = "trace_contains"
	AssertTraceOrder       = "trace_order"
	AssertTraceCount       = "trace_count"
	AssertFinalState       = "final_state"
	AssertMaterializations = "materializations"
)

const defaultAwaitTimeout = 5 * time.Second

// LoadScenario reads and parses a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
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

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	saved := make(map[string]bool)
	for i, step := range s.Steps {
		if (step.Send == nil) == (step.Await == nil) {
			return fmt.Errorf("steps[%d]: exactly one of send or await is required", i)
		}
		if step.Send != nil {
			if err := validateSend(i, step.Send); err != nil {
				return err
			}
			for name := range step.Send.Save {
				saved[name] = true
			}
			continue
		}
		if err := validateAwait(i, step.Await); err != nil {
			return err
		}
		if err := checkVar(step.Await.Query, saved); err != nil {
			return fmt.Errorf("steps[%d].await: %w", i, err)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
		if err := checkVar(s.Assertions[i].Query, saved); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateSend(index int, s *Send) error {
	if s.Action == "" {
		return fmt.Errorf("steps[%d].send: action is required", index)
	}
	if s.Repeat < 0 {
		return fmt.Errorf("steps[%d].send: repeat must be non-negative", index)
	}
	if s.Expect != nil && !protocol.Status(s.Expect.Status).Valid() {
		return fmt.Errorf("steps[%d].send.expect: invalid status %q", index, s.Expect.Status)
	}
	for name, field := range s.Save {
		if name == "" || strings.HasPrefix(name, "$") {
			return fmt.Errorf("steps[%d].send.save: invalid variable name %q", index, name)
		}
		if field == "" {
			return fmt.Errorf("steps[%d].send.save.%s: field is required", index, name)
		}
	}
	return nil
}

func validateAwait(index int, a *Await) error {
	if a.Query == "" {
		return fmt.Errorf("steps[%d].await: query is required", index)
	}
	if !querystate.State(a.State).Valid() {
		return fmt.Errorf("steps[%d].await: invalid state %q", index, a.State)
	}
	if a.Timeout != "" {
		if _, err := time.ParseDuration(a.Timeout); err != nil {
			return fmt.Errorf("steps[%d].await: invalid timeout: %w", index, err)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Query == "" {
			return fmt.Errorf("assertions[%d]: query is required for final_state", index)
		}
		if !querystate.State(a.State).Valid() {
			return fmt.Errorf("assertions[%d]: invalid state %q for final_state", index, a.State)
		}
	case AssertMaterializations:
		if a.Query == "" {
			return fmt.Errorf("assertions[%d]: query is required for materializations", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for materializations", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// checkVar rejects a "$name" reference to a variable no earlier step saves.
func checkVar(ref string, saved map[string]bool) error {
	name, ok := strings.CutPrefix(ref, "$")
	if !ok || saved[name] {
		return nil
	}
	return fmt.Errorf("variable $%s is never saved", name)
}

func (a *Await) timeout() time.Duration {
	if a.Timeout == "" {
		return defaultAwaitTimeout
	}
	d, _ := time.ParseDuration(a.Timeout)
	return d
}
