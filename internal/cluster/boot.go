package cluster

import (
	"github.com/roach88/stevedore/internal/config"
	"github.com/roach88/stevedore/internal/secrets"
	"github.com/roach88/stevedore/internal/workload"
)

// DefaultBoot runs the workload startup path against the image's config
// files in their declared order, with only the referenced secrets as
// environment. An image without config files only has its required names
// checked.
func DefaultBoot(spec BootSpec) error {
	sources := make([]secrets.Source, len(spec.Env))
	for i, data := range spec.Env {
		sources[i] = secrets.MapSource{Label: "secret", Values: data}
	}

	if len(spec.Image.ConfigFiles) == 0 {
		p := &secrets.Provider{Sources: sources, Numeric: spec.Template.NumericEnv}
		_, err := p.Resolve(spec.Template.RequiredEnv)
		return err
	}

	layers := make([]config.Layer, len(spec.Image.ConfigFiles))
	for i, f := range spec.Image.ConfigFiles {
		layers[i] = config.Layer{Name: f.Name, Data: f.Data}
	}
	_, err := workload.Prepare(workload.Options{
		Layers:   layers,
		Sources:  sources,
		Required: spec.Template.RequiredEnv,
		Numeric:  spec.Template.NumericEnv,
		Logger:   spec.Logger,
	})
	return err
}
