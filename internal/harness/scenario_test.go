package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalPipeline = `pipeline: {
	name: "hello"
	stages: [{
		name: "build"
		inputs: [{from: "source", path: "src"}]
		steps: [{kind: "copy", src: "src", dst: "app/src"}]
		outputs: ["app"]
	}]
	runtime: {base: "node:20-slim", stage: "build"}
}
`

// writeScenario writes content to dir/name and returns the path.
func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "hello.cue", minimalPipeline)
	path := writeScenario(t, dir, "test.yaml", `
name: test_scenario
description: "Builds the hello pipeline"
pipeline_file: hello.cue
bases:
  node:20-slim: { usr/local/bin/node: elf }
source:
  src/index.js: "console.log(1)"
policy: { retry_budget: 2, attempt_timeout: 30s }
flow:
  - invoke: build
    args: { tag: v1 }
    expect:
      case: Success
      result: { cache_hits: 0 }
assertions:
  - type: trace_contains
    action: build
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, filepath.Join(dir, "hello.cue"), scenario.PipelineFile)
	assert.Equal(t, "elf", scenario.Bases["node:20-slim"]["usr/local/bin/node"])
	assert.Equal(t, 2, scenario.Policy.RetryBudget)
	require.Len(t, scenario.Flow, 1)
	assert.Equal(t, ActionBuild, scenario.Flow[0].Invoke)
	assert.Equal(t, "v1", scenario.Flow[0].Args["tag"])
	assert.Equal(t, CaseSuccess, scenario.Flow[0].Expect.Case)
	assert.Len(t, scenario.Assertions, 1)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownFieldRejected(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "typo.yaml", `
name: typo
description: "misspelled key"
pipeline: "x"
flow:
  - invoke: build
    args: {}
assertion:
  - type: trace_count
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing name",
			content: `
description: "d"
pipeline: "x"
flow: [{invoke: build, args: {}}]
`,
			wantErr: "name is required",
		},
		{
			name: "missing description",
			content: `
name: n
pipeline: "x"
flow: [{invoke: build, args: {}}]
`,
			wantErr: "description is required",
		},
		{
			name: "missing pipeline",
			content: `
name: n
description: "d"
flow: [{invoke: build, args: {}}]
`,
			wantErr: "pipeline or pipeline_file is required",
		},
		{
			name: "both pipeline forms",
			content: `
name: n
description: "d"
pipeline: "x"
pipeline_file: hello.cue
flow: [{invoke: build, args: {}}]
`,
			wantErr: "mutually exclusive",
		},
		{
			name: "pipeline file not found",
			content: `
name: n
description: "d"
pipeline_file: absent.cue
flow: [{invoke: build, args: {}}]
`,
			wantErr: "pipeline file not found",
		},
		{
			name: "negative retry budget",
			content: `
name: n
description: "d"
pipeline: "x"
policy: { retry_budget: -1 }
flow: [{invoke: build, args: {}}]
`,
			wantErr: "retry_budget must be non-negative",
		},
		{
			name: "bad attempt timeout",
			content: `
name: n
description: "d"
pipeline: "x"
policy: { attempt_timeout: soon }
flow: [{invoke: build, args: {}}]
`,
			wantErr: "policy.attempt_timeout",
		},
		{
			name: "empty flow",
			content: `
name: n
description: "d"
pipeline: "x"
flow: []
`,
			wantErr: "flow list is required",
		},
		{
			name: "unknown action",
			content: `
name: n
description: "d"
pipeline: "x"
flow: [{invoke: push, args: {}}]
`,
			wantErr: `unknown action "push"`,
		},
		{
			name: "missing args",
			content: `
name: n
description: "d"
pipeline: "x"
flow: [{invoke: build}]
`,
			wantErr: "args is required",
		},
		{
			name: "expect without case",
			content: `
name: n
description: "d"
pipeline: "x"
flow: [{invoke: build, args: {}, expect: {result: {stages: 1}}}]
`,
			wantErr: "case is required",
		},
		{
			name: "final_state without expect",
			content: `
name: n
description: "d"
pipeline: "x"
flow: [{invoke: build, args: {}}]
assertions:
  - type: final_state
    table: workloads
`,
			wantErr: "expect is required for final_state",
		},
		{
			name: "trace_order without actions",
			content: `
name: n
description: "d"
pipeline: "x"
flow: [{invoke: build, args: {}}]
assertions:
  - type: trace_order
`,
			wantErr: "actions list is required",
		},
		{
			name: "unknown assertion type",
			content: `
name: n
description: "d"
pipeline: "x"
flow: [{invoke: build, args: {}}]
assertions:
  - type: eventually
`,
			wantErr: `unknown assertion type "eventually"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScenario(t, t.TempDir(), "s.yaml", tt.content)
			_, err := LoadScenario(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDecodeArgs_RejectsUnknownKeys(t *testing.T) {
	var a buildArgs
	err := decodeArgs(map[string]interface{}{"tag": "v1", "tga": "v2"}, &a)
	require.Error(t, err)

	require.NoError(t, decodeArgs(map[string]interface{}{"tag": "v1"}, &a))
	assert.Equal(t, "v1", a.Tag)
}
