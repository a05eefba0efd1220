package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/roach88/stevedore/internal/bundle"
	"github.com/roach88/stevedore/internal/ident"
	"github.com/roach88/stevedore/internal/ir"
	"github.com/roach88/stevedore/internal/registry"
	"github.com/roach88/stevedore/internal/stage"
)

// StageRunner executes stages. *stage.Executor implements it.
type StageRunner interface {
	Base(ctx context.Context, st ir.Stage) (stage.Environment, error)
	Run(ctx context.Context, st ir.Stage, inputs ir.Snapshot) (ir.Artifact, error)
}

// ArtifactCache serves and stores stage outputs. *cache.Cache implements it.
type ArtifactCache interface {
	Do(ctx context.Context, key ir.CacheKey, stage string, produce func(context.Context) (ir.Snapshot, error)) (ir.Snapshot, bool, error)
}

// Publisher binds a tag to image content. *registry.Registry implements it.
type Publisher interface {
	Publish(ctx context.Context, req registry.PublishRequest) (ir.Image, error)
}

// Request is one build invocation.
type Request struct {
	Pipeline *Pipeline
	Source   ir.Snapshot
	Tag      string
}

// StageReport describes one stage of a finished build.
type StageReport struct {
	Name     string        `json:"name"`
	Key      ir.CacheKey   `json:"cache_key"`
	Cached   bool          `json:"cached"`
	Files    int           `json:"files"`
	Duration time.Duration `json:"duration_ns"`
}

// Report describes a build, successful or not.
type Report struct {
	BuildID  string        `json:"build_id"`
	Image    string        `json:"image"`
	Digest   string        `json:"digest,omitempty"`
	Stages   []StageReport `json:"stages"`
	Skeleton []string      `json:"skeleton,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// CacheHits counts stages served from cache.
func (r Report) CacheHits() int {
	n := 0
	for _, s := range r.Stages {
		if s.Cached {
			n++
		}
	}
	return n
}

// Controller runs builds. It keeps no per-build state, so one Controller
// serves concurrent builds.
type Controller struct {
	Runner    StageRunner
	Cache     ArtifactCache
	Publisher Publisher
	IDs       ident.Generator
	Logger    *slog.Logger
}

// Build runs every stage in order, bundles the runtime stage's outputs and
// publishes the image under req.Tag.
func (c *Controller) Build(ctx context.Context, req Request) (_ ir.Image, report Report, _ error) {
	p := req.Pipeline
	if p == nil {
		return ir.Image{}, report, fmt.Errorf("build: no pipeline given")
	}
	ref := ir.ImageRef{Name: p.Name, Tag: req.Tag}
	report = Report{BuildID: c.ids().Generate(), Image: ref.String()}
	start := time.Now()
	defer func() { report.Duration = time.Since(start) }()

	if err := Validate(p); err != nil {
		return ir.Image{}, report, err
	}
	// Refuse a bad tag before spending time on stages.
	if err := registry.ValidateRef(ref); err != nil {
		return ir.Image{}, report, err
	}

	log := c.logger().With("build_id", report.BuildID, "image", ref.String())
	log.Info("build started", "stages", len(p.Stages))

	artifacts := make(map[string]ir.Snapshot, len(p.Stages))
	for i, st := range p.Stages {
		sr, snap, err := c.runStage(ctx, log, st, req.Source, artifacts)
		report.Stages = append(report.Stages, sr)
		if err != nil {
			log.Error("build failed", "stage", st.Name, "index", i, "error", err)
			return ir.Image{}, report, &BuildError{Phase: PhaseStage, Stage: st.Name, Index: i, Err: err}
		}
		artifacts[st.Name] = snap
	}

	img, err := c.publish(ctx, p, ref, req.Source, artifacts, &report)
	if err != nil {
		log.Error("build failed", "error", err)
		return ir.Image{}, report, err
	}
	report.Digest = img.Digest
	log.Info("build finished", "digest", img.Digest[:12], "cache_hits", report.CacheHits())
	return img, report, nil
}

func (c *Controller) runStage(ctx context.Context, log *slog.Logger, st ir.Stage, source ir.Snapshot, artifacts map[string]ir.Snapshot) (StageReport, ir.Snapshot, error) {
	start := time.Now()
	sr := StageReport{Name: st.Name}
	if err := ctx.Err(); err != nil {
		return sr, ir.Snapshot{}, err
	}

	inputs := ResolveInputs(st, source, artifacts)
	env, err := c.Runner.Base(ctx, st)
	if err != nil {
		return sr, ir.Snapshot{}, err
	}
	key, err := ir.ComputeCacheKey(env.Identity, st, inputs)
	if err != nil {
		return sr, ir.Snapshot{}, err
	}
	sr.Key = key

	snap, cached, err := c.Cache.Do(ctx, key, st.Name, func(ctx context.Context) (ir.Snapshot, error) {
		art, err := c.Runner.Run(ctx, st, inputs)
		if err != nil {
			return ir.Snapshot{}, err
		}
		return art.Snapshot, nil
	})
	sr.Duration = time.Since(start)
	if err != nil {
		return sr, ir.Snapshot{}, err
	}
	sr.Cached = cached
	sr.Files = snap.Len()
	log.Info("stage done", "stage", st.Name, "cache_key", key.Short(), "cached", cached, "duration", sr.Duration)
	return sr, snap, nil
}

func (c *Controller) publish(ctx context.Context, p *Pipeline, ref ir.ImageRef, source ir.Snapshot, artifacts map[string]ir.Snapshot, report *Report) (ir.Image, error) {
	out := artifacts[p.Runtime.Stage]
	fail := func(phase string, err error) error {
		return &BuildError{Phase: phase, Stage: p.Runtime.Stage, Index: -1, Err: err}
	}

	b, err := bundle.New(p.Manifests)
	if err != nil {
		return ir.Image{}, fail(PhaseBundle, err)
	}
	b.Logger = c.Logger
	bdl, err := b.Bundle(out)
	if err != nil {
		return ir.Image{}, fail(PhaseBundle, err)
	}
	report.Skeleton = bdl.SkeletonPaths

	runtimeEnv, err := c.Runner.Base(ctx, ir.Stage{Name: "runtime", Base: p.Runtime.Base})
	if err != nil {
		return ir.Image{}, fail(PhasePublish, err)
	}

	configs := make([]ir.ConfigFile, len(p.Config))
	for i, name := range p.Config {
		f, ok := source.File(path.Clean(name))
		if !ok {
			return ir.Image{}, fail(PhasePublish, fmt.Errorf("config file %q not found in source", name))
		}
		configs[i] = ir.ConfigFile{Name: name, Data: f.Data}
	}

	img, err := c.Publisher.Publish(ctx, registry.PublishRequest{
		Ref:         ref,
		Runtime:     runtimeEnv.Ref + "@" + runtimeEnv.Identity,
		Bundle:      bdl,
		ConfigFiles: configs,
	})
	if err != nil {
		return ir.Image{}, fail(PhasePublish, err)
	}
	return img, nil
}

// ResolveInputs assembles the snapshot a stage may see: for each declared
// input, the files under its path from the source or from the producing
// stage's artifact. Later inputs win on overlapping paths.
func ResolveInputs(st ir.Stage, source ir.Snapshot, artifacts map[string]ir.Snapshot) ir.Snapshot {
	var out ir.Snapshot
	for _, in := range st.Inputs {
		origin := source
		if in.From != ir.SourceOrigin {
			origin = artifacts[in.From]
		}
		out = out.Merge(origin.Filter([]string{in.Path}))
	}
	return out
}

func (c *Controller) ids() ident.Generator {
	if c.IDs != nil {
		return c.IDs
	}
	return ident.UUIDv7Generator{}
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
