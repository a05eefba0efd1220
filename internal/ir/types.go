package ir

import (
	"fmt"
	"strings"
)

// SourceOrigin is the Input.From value naming the build's source tree.
const SourceOrigin = "source"

// Input declares one path a stage consumes.
type Input struct {
	From string `json:"from"` // "source" or the name of an earlier stage
	Path string `json:"path"` // file or directory prefix; "." for everything
}

// StepKind selects how a Step transforms the workspace.
type StepKind string

const (
	StepWrite  StepKind = "write"  // write Content to Path
	StepCopy   StepKind = "copy"   // copy Src (file or dir) to Dst
	StepRemove StepKind = "remove" // remove Path (file or dir)
	StepRun    StepKind = "run"    // execute Command in the workspace
)

// ValidStepKinds defines allowed step kinds.
var ValidStepKinds = map[StepKind]bool{
	StepWrite:  true,
	StepCopy:   true,
	StepRemove: true,
	StepRun:    true,
}

// Step is one transform inside a stage.
type Step struct {
	Kind    StepKind          `json:"kind"`
	Path    string            `json:"path,omitempty"`
	Content string            `json:"content,omitempty"`
	Mode    uint32            `json:"mode,omitempty"`
	Src     string            `json:"src,omitempty"`
	Dst     string            `json:"dst,omitempty"`
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// String renders a short human label for logs and errors.
func (s Step) String() string {
	switch s.Kind {
	case StepWrite, StepRemove:
		return fmt.Sprintf("%s %s", s.Kind, s.Path)
	case StepCopy:
		return fmt.Sprintf("copy %s -> %s", s.Src, s.Dst)
	case StepRun:
		return "run " + strings.Join(s.Command, " ")
	default:
		return string(s.Kind)
	}
}

// Stage is one phase of a build with explicit inputs and outputs.
//
// INVARIANT: the stage sees nothing but its base environment and its
// declared inputs, and may change nothing but its declared outputs.
type Stage struct {
	Name    string   `json:"name"`
	Base    string   `json:"base"`
	Steps   []Step   `json:"steps"`
	Inputs  []Input  `json:"inputs"`
	Outputs []string `json:"outputs"`
}

// definition returns the hashed form of the stage. The name and the base
// reference are excluded: renaming a stage keeps its cache entries valid, and
// the base participates through its content identity only.
func (s Stage) definition() map[string]any {
	steps := make([]any, len(s.Steps))
	for i, st := range s.Steps {
		step := map[string]any{"kind": string(st.Kind)}
		if st.Path != "" {
			step["path"] = st.Path
		}
		if st.Content != "" {
			step["content"] = st.Content
		}
		if st.Mode != 0 {
			step["mode"] = st.Mode
		}
		if st.Src != "" {
			step["src"] = st.Src
		}
		if st.Dst != "" {
			step["dst"] = st.Dst
		}
		if len(st.Command) > 0 {
			step["command"] = st.Command
		}
		if len(st.Env) > 0 {
			step["env"] = st.Env
		}
		steps[i] = step
	}
	inputs := make([]any, len(s.Inputs))
	for i, in := range s.Inputs {
		inputs[i] = map[string]any{"from": in.From, "path": in.Path}
	}
	return map[string]any{
		"steps":   steps,
		"inputs":  inputs,
		"outputs": append([]string{}, s.Outputs...),
	}
}

// CacheKey identifies a stage execution by its base environment, its
// definition and the content of its declared inputs.
type CacheKey string

// Short returns the first 12 characters for display.
func (k CacheKey) Short() string {
	if len(k) > 12 {
		return string(k[:12])
	}
	return string(k)
}

// Artifact is the immutable output of one stage execution.
type Artifact struct {
	Stage    string   `json:"stage"`
	Key      CacheKey `json:"key"`
	Snapshot Snapshot `json:"-"`
	Cached   bool     `json:"cached"`
}

// Digest returns the snapshot digest of the artifact.
func (a Artifact) Digest() string {
	return a.Snapshot.Digest()
}

// Bundle is a build output split into a dependency skeleton and a payload.
//
// INVARIANT: the skeleton installs without the payload present, so edits to
// payload files never change SkeletonDigest.
type Bundle struct {
	Skeleton       []byte   `json:"-"`
	Payload        []byte   `json:"-"`
	SkeletonDigest string   `json:"skeleton_digest"`
	PayloadDigest  string   `json:"payload_digest"`
	SkeletonPaths  []string `json:"skeleton_paths"`
	PayloadPaths   []string `json:"payload_paths"`
}

// ImageRef names an image by repository and tag.
type ImageRef struct {
	Name string `json:"name" yaml:"name"`
	Tag  string `json:"tag" yaml:"tag"`
}

// String renders name:tag.
func (r ImageRef) String() string {
	return r.Name + ":" + r.Tag
}

// IsZero reports whether the reference is unset.
func (r ImageRef) IsZero() bool {
	return r.Name == "" && r.Tag == ""
}

// ParseImageRef splits "name:tag". A missing tag is an error: untagged
// references silently mean "latest", which defeats tag-keyed caches.
func ParseImageRef(s string) (ImageRef, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 || strings.Contains(s[i+1:], "/") {
		return ImageRef{}, fmt.Errorf("image reference %q must be name:tag", s)
	}
	return ImageRef{Name: s[:i], Tag: s[i+1:]}, nil
}

// Image is an immutable, tagged runtime unit.
type Image struct {
	Ref            ImageRef          `json:"ref"`
	Digest         string            `json:"digest"`
	Runtime        string            `json:"runtime"`
	Skeleton       []byte            `json:"-"`
	Payload        []byte            `json:"-"`
	SkeletonDigest string            `json:"skeleton_digest"`
	PayloadDigest  string            `json:"payload_digest"`
	ConfigFiles    []ConfigFile      `json:"-"`
	Seq            int64             `json:"seq"`
}

// ConfigFile is one config layer shipped with an image. Images keep their
// config files in declared order; later files override earlier ones.
type ConfigFile struct {
	Name string
	Data []byte
}

// ConfigNames returns the config file names in declared order.
func (img Image) ConfigNames() []string {
	names := make([]string, len(img.ConfigFiles))
	for i, f := range img.ConfigFiles {
		names[i] = f.Name
	}
	return names
}

// PullPolicy tells the runtime where an image may come from.
type PullPolicy string

const (
	PullNever        PullPolicy = "Never"
	PullIfNotPresent PullPolicy = "IfNotPresent"
	PullAlways       PullPolicy = "Always"
)

// Port maps a container port to a service port.
type Port struct {
	Name          string `json:"name" yaml:"name"`
	ContainerPort int    `json:"container_port" yaml:"containerPort"`
	ServicePort   int    `json:"service_port" yaml:"servicePort"`
}

// DesiredState declares what a workload should look like.
// It is mutated only by explicit apply calls.
type DesiredState struct {
	Namespace   string     `json:"namespace" yaml:"namespace"`
	Name        string     `json:"name" yaml:"name"`
	Image       ImageRef   `json:"image" yaml:"image"`
	ImageDigest string     `json:"image_digest,omitempty" yaml:"imageDigest,omitempty"`
	Replicas    int        `json:"replicas" yaml:"replicas"`
	Ports       []Port     `json:"ports,omitempty" yaml:"ports,omitempty"`
	SecretRefs  []string   `json:"secret_refs,omitempty" yaml:"secretRefs,omitempty"`
	RequiredEnv []string   `json:"required_env,omitempty" yaml:"requiredEnv,omitempty"`
	NumericEnv  []string   `json:"numeric_env,omitempty" yaml:"numericEnv,omitempty"`
	PullPolicy  PullPolicy `json:"pull_policy" yaml:"pullPolicy"`
}

// Key returns "namespace/name".
func (d DesiredState) Key() string {
	return d.Namespace + "/" + d.Name
}

// Phase is the lifecycle state of one workload instance.
type Phase string

const (
	PhasePending     Phase = "Pending"
	PhaseStarting    Phase = "Starting"
	PhaseReady       Phase = "Ready"
	PhaseFailed      Phase = "Failed"
	PhaseTerminating Phase = "Terminating"
)
