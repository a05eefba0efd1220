package cli

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/stevedore/internal/ir"
	"github.com/roach88/stevedore/internal/manifest"
	"github.com/roach88/stevedore/internal/secrets"
)

// DeployFile is the hand-written description of one workload. Secret
// values never appear in it: each secret lists the variable names copied
// into it from the environment at deploy time.
//
//	namespace: apps
//	name: backstage
//	image: backstage
//	replicas: 2
//	ports: [{name: http, containerPort: 7007, servicePort: 80}]
//	pullPolicy: Never
//	secrets:
//	  backstage-env: [HOST, PORT, AUTH_GITHUB_CLIENT_SECRET]
type DeployFile struct {
	Namespace   string              `yaml:"namespace"`
	Name        string              `yaml:"name"`
	Image       string              `yaml:"image"`
	Replicas    *int                `yaml:"replicas"`
	Ports       []ir.Port           `yaml:"ports"`
	PullPolicy  ir.PullPolicy       `yaml:"pullPolicy"`
	RequiredEnv []string            `yaml:"requiredEnv"`
	NumericEnv  []string            `yaml:"numericEnv"`
	Secrets     map[string][]string `yaml:"secrets"`
}

// LoadDeployFile reads and strictly decodes path.
func LoadDeployFile(path string) (*DeployFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deploy file: %w", err)
	}
	var f DeployFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse deploy file %s: %w", path, err)
	}
	return &f, nil
}

// ImageRef returns the image reference. tag, when set, replaces any tag
// in the file; the file may name the image alone or as name:tag.
func (f *DeployFile) ImageRef(tag string) (ir.ImageRef, error) {
	ref := ir.ImageRef{Name: f.Image}
	if strings.Contains(f.Image, ":") {
		parsed, err := ir.ParseImageRef(f.Image)
		if err != nil {
			return ir.ImageRef{}, err
		}
		ref = parsed
	}
	if tag != "" {
		ref.Tag = tag
	}
	if ref.Tag == "" {
		return ir.ImageRef{}, fmt.Errorf("image %q has no tag; pass --tag", f.Image)
	}
	return ref, nil
}

// SecretNames returns every variable name any secret needs, sorted.
func (f *DeployFile) SecretNames() []string {
	var names []string
	for _, keys := range f.Secrets {
		names = append(names, keys...)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// Document resolves the secret data through p and returns the desired
// state for tag. Resolution fails closed on the first call: every missing
// or invalid name across all secrets is reported together.
func (f *DeployFile) Document(tag string, p *secrets.Provider) (manifest.Document, error) {
	ref, err := f.ImageRef(tag)
	if err != nil {
		return manifest.Document{}, err
	}

	set, err := p.Resolve(f.SecretNames())
	if err != nil {
		return manifest.Document{}, err
	}

	refs := make([]string, 0, len(f.Secrets))
	data := make(map[string]map[string]string, len(f.Secrets))
	for name, keys := range f.Secrets {
		refs = append(refs, name)
		values := make(map[string]string, len(keys))
		for _, k := range keys {
			v, _ := set.Lookup(k)
			values[k] = v
		}
		data[name] = values
	}
	slices.Sort(refs)

	replicas := 1
	if f.Replicas != nil {
		replicas = *f.Replicas
	}
	return manifest.Document{
		State: ir.DesiredState{
			Namespace:   f.Namespace,
			Name:        f.Name,
			Image:       ref,
			Replicas:    replicas,
			Ports:       f.Ports,
			SecretRefs:  refs,
			RequiredEnv: f.RequiredEnv,
			NumericEnv:  f.NumericEnv,
			PullPolicy:  f.PullPolicy,
		},
		Secrets: data,
	}, nil
}

// secretProvider consults the process environment first, then the env
// files, where a later file overrides an earlier one.
func secretProvider(envFiles []string, numeric []string) (*secrets.Provider, error) {
	sources := []secrets.Source{secrets.EnvSource{}}
	if len(envFiles) > 0 {
		dotenv, err := secrets.LoadDotenv(envFiles...)
		if err != nil {
			return nil, err
		}
		sources = append(sources, dotenv)
	}
	return &secrets.Provider{Sources: sources, Numeric: numeric}, nil
}
