package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines an end-to-end build and deploy scenario.
// Scenarios drive the real build pipeline and deployment manager against an
// in-memory store and an in-process cluster, then assert on the resulting
// trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Pipeline is the CUE build definition, inline.
	Pipeline string `yaml:"pipeline,omitempty"`

	// PipelineFile is a CUE file used when Pipeline is empty.
	// Relative paths resolve against the scenario file location.
	PipelineFile string `yaml:"pipeline_file,omitempty"`

	// Bases maps base environment references to their files.
	Bases map[string]map[string]string `yaml:"bases,omitempty"`

	// Source is the initial source tree, path to content.
	Source map[string]string `yaml:"source"`

	// Policy overrides the deploy retry policy.
	Policy *PolicySpec `yaml:"policy,omitempty"`

	// Flow contains the steps, run in order, with expected outcomes.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// PolicySpec is the scenario form of deploy.Policy.
type PolicySpec struct {
	RetryBudget    int    `yaml:"retry_budget"`
	AttemptTimeout string `yaml:"attempt_timeout,omitempty"`
}

// FlowStep invokes one action and optionally validates its outcome.
type FlowStep struct {
	// Invoke is the action: build, edit, deploy, resolve or evict.
	Invoke string `yaml:"invoke"`

	// Args contains the action arguments.
	Args map[string]interface{} `yaml:"args"`

	// Expect specifies the expected outcome. Nil expects Success.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies expected completion behavior.
type ExpectClause struct {
	// Case is the expected outcome name (e.g., "Success", "TagConflict").
	Case string `yaml:"case"`

	// Result contains expected result field values.
	// This is a subset match - only specified fields are validated.
	Result map[string]interface{} `yaml:"result,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": Check action appears in trace with args
	// - "trace_order": Check actions appear in order
	// - "trace_count": Check action appears exactly N times
	// - "final_state": Query table and verify expected values
	Type string `yaml:"type"`

	// Action is the action name (used by trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Args are the expected action arguments (used by trace_contains).
	// Subset match - only specified fields are validated.
	Args map[string]interface{} `yaml:"args,omitempty"`

	// Table is the state table name (used by final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (used by final_state).
	Where map[string]interface{} `yaml:"where,omitempty"`

	// Expect contains expected field values (used by final_state).
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences (used by trace_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected action order (used by trace_order).
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Action names.
const (
	ActionBuild   = "build"
	ActionEdit    = "edit"
	ActionDeploy  = "deploy"
	ActionResolve = "resolve"
	ActionEvict   = "evict"
)

var validActions = map[string]bool{
	ActionBuild:   true,
	ActionEdit:    true,
	ActionDeploy:  true,
	ActionResolve: true,
	ActionEvict:   true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving pipeline_file relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.PipelineFile != "" && !filepath.IsAbs(scenario.PipelineFile) && basePath != "" {
		scenario.PipelineFile = filepath.Join(basePath, scenario.PipelineFile)
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

	if s.Pipeline == "" && s.PipelineFile == "" {
		return fmt.Errorf("pipeline or pipeline_file is required")
	}
	if s.Pipeline != "" && s.PipelineFile != "" {
		return fmt.Errorf("pipeline and pipeline_file are mutually exclusive")
	}
	if s.PipelineFile != "" {
		if _, err := os.Stat(s.PipelineFile); os.IsNotExist(err) {
			return fmt.Errorf("pipeline file not found: %s", s.PipelineFile)
		}
	}

	if s.Policy != nil {
		if s.Policy.RetryBudget < 0 {
			return fmt.Errorf("policy.retry_budget must be non-negative")
		}
		if s.Policy.AttemptTimeout != "" {
			if _, err := time.ParseDuration(s.Policy.AttemptTimeout); err != nil {
				return fmt.Errorf("policy.attempt_timeout: %w", err)
			}
		}
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if step.Invoke == "" {
			return fmt.Errorf("flow[%d]: invoke is required", i)
		}
		if !validActions[step.Invoke] {
			return fmt.Errorf("flow[%d]: unknown action %q", i, step.Invoke)
		}
		if step.Args == nil {
			return fmt.Errorf("flow[%d]: args is required (use empty map if no args)", i)
		}
		if step.Expect != nil && step.Expect.Case == "" {
			return fmt.Errorf("flow[%d].expect: case is required", i)
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
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

// decodeArgs decodes a step's args into a typed struct, rejecting
// unknown keys.
func decodeArgs(args map[string]interface{}, out any) error {
	data, err := yaml.Marshal(args)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("args: %w", err)
	}
	return nil
}
