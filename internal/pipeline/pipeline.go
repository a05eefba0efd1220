// Package pipeline sequences build stages into a published image.
//
// A Pipeline is declared in CUE. Each stage consumes declared inputs from
// the source tree or from earlier stages' declared outputs, and its cache
// key is computed from those declared inputs only, so editing files a
// stage never reads leaves its cache entry valid.
//
// Build runs stages strictly in order within one invocation. The first
// failing stage aborts the build and nothing is published. Independent
// builds may run concurrently against the same cache and registry.
package pipeline

import "github.com/roach88/stevedore/internal/ir"

// Pipeline is a validated build definition.
type Pipeline struct {
	Name string `json:"name"`
	// Manifests are the skeleton basename patterns; empty means the
	// bundler's defaults.
	Manifests []string   `json:"manifests,omitempty"`
	Stages    []ir.Stage `json:"stages"`
	Runtime   Runtime    `json:"runtime"`
	// Config lists source paths shipped in the image as configuration
	// layers, in order.
	Config []string `json:"config,omitempty"`
}

// Runtime selects what ends up in the image.
type Runtime struct {
	// Base is the minimal runtime environment the image runs on.
	Base string `json:"base"`
	// Stage is the stage whose outputs are bundled.
	Stage string `json:"stage"`
}

// Stage returns the stage named name.
func (p *Pipeline) Stage(name string) (ir.Stage, int, bool) {
	for i, st := range p.Stages {
		if st.Name == name {
			return st, i, true
		}
	}
	return ir.Stage{}, -1, false
}
