package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stevedore/internal/ir"
)

func validPipeline() *Pipeline {
	return &Pipeline{
		Name: "app",
		Stages: []ir.Stage{
			{Name: "deps", Base: "scratch", Inputs: []ir.Input{{From: "source", Path: "package.json"}}, Outputs: []string{"node_modules"}},
			{Name: "build", Base: "scratch", Inputs: []ir.Input{{From: "deps", Path: "node_modules/x"}}, Outputs: []string{"dist"}},
		},
		Runtime: Runtime{Base: "node", Stage: "build"},
	}
}

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, Validate(validPipeline()))
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Pipeline)
		message string
	}{
		{"duplicate stage", func(p *Pipeline) { p.Stages[1].Name = "deps" }, "duplicate stage name"},
		{"unknown origin", func(p *Pipeline) { p.Stages[1].Inputs[0].From = "nope" }, `unknown stage "nope"`},
		{"input outside outputs", func(p *Pipeline) { p.Stages[1].Inputs[0].Path = "src" }, "not inside the declared outputs"},
		{"escaping output", func(p *Pipeline) { p.Stages[0].Outputs = []string{"../x"} }, "escapes"},
		{"no outputs", func(p *Pipeline) { p.Stages[0].Outputs = nil }, "at least one output"},
		{"reserved name", func(p *Pipeline) { p.Stages[0].Name = "source" }, "reserved"},
		{"runtime stage", func(p *Pipeline) { p.Runtime.Stage = "ghost" }, `unknown stage "ghost"`},
		{"run without command", func(p *Pipeline) { p.Stages[0].Steps = []ir.Step{{Kind: ir.StepRun}} }, "command is required"},
		{"copy without dst", func(p *Pipeline) { p.Stages[0].Steps = []ir.Step{{Kind: ir.StepCopy, Src: "a"}} }, "src and dst"},
		{"absolute config", func(p *Pipeline) { p.Config = []string{"/etc/app.yaml"} }, "absolute"},
		{"bad manifest glob", func(p *Pipeline) { p.Manifests = []string{"["} }, "bad pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPipeline()
			tt.mutate(p)
			err := Validate(p)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	p := validPipeline()
	p.Stages[1].Inputs[0].From = "nope"
	p.Runtime.Stage = "ghost"

	var ve *ValidationError
	require.True(t, errors.As(Validate(p), &ve))
	assert.Len(t, ve.Problems, 2)
}

func TestResolveInputs_OnlyDeclaredPaths(t *testing.T) {
	source := ir.SnapshotOf(map[string]string{
		"package.json": "{}",
		"src/app.ts":   "x",
		"README.md":    "docs",
	})
	artifacts := map[string]ir.Snapshot{
		"deps": ir.SnapshotOf(map[string]string{"node_modules/x/i.js": "i", "node_modules/y/j.js": "j"}),
	}
	st := ir.Stage{Inputs: []ir.Input{
		{From: "source", Path: "package.json"},
		{From: "deps", Path: "node_modules/x"},
	}}

	got := ResolveInputs(st, source, artifacts)
	assert.Equal(t, []string{"node_modules/x/i.js", "package.json"}, got.Paths())
}
