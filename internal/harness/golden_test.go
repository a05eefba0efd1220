package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarios runs every scenario under testdata/scenarios and compares
// its trace with testdata/golden/<name>.golden.
func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			require.Equal(t, name, scenario.Name, "scenario name must match its file name")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestMarshalTrace_Canonical(t *testing.T) {
	trace := []TraceEvent{
		{Type: EventInvocation, Action: ActionBuild, Args: map[string]interface{}{"tag": "v1"}, Seq: 1},
		{Type: EventCompletion, Action: ActionBuild, OutputCase: CaseSuccess, Result: map[string]interface{}{
			"stages":   2,
			"skeleton": []interface{}{"app/package.json"},
		}, Seq: 2},
	}

	data, err := MarshalTrace("build_once", trace)
	require.NoError(t, err)

	want := `{"scenario_name":"build_once","trace":[` +
		`{"action":"build","args":{"tag":"v1"},"seq":1,"type":"invocation"},` +
		`{"action":"build","output_case":"Success","result":{"skeleton":["app/package.json"],"stages":2},"seq":2,"type":"completion"}]}`
	assert.Equal(t, want, string(data))
}

func TestMarshalTrace_OmitsEmptyFields(t *testing.T) {
	data, err := MarshalTrace("empty", []TraceEvent{{Type: EventCompletion, Action: ActionEdit, OutputCase: CaseSuccess, Seq: 2}})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"args"`)
	assert.NotContains(t, string(data), `"result"`)
}

func TestMarshalTrace_RejectsFloats(t *testing.T) {
	_, err := MarshalTrace("floats", []TraceEvent{
		{Type: EventInvocation, Action: ActionDeploy, Args: map[string]interface{}{"replicas": 1.5}, Seq: 1},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")
}
