// Package orchestrator wires the build and deploy halves together.
//
// An Orchestrator owns one state store, one artifact cache, one registry
// and one in-process cluster. Up runs the whole path a release takes:
// build the pipeline, load the published image into the cluster, then
// apply the desired state pinned to that image's digest.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/stevedore/internal/cache"
	"github.com/roach88/stevedore/internal/cluster"
	"github.com/roach88/stevedore/internal/deploy"
	"github.com/roach88/stevedore/internal/ident"
	"github.com/roach88/stevedore/internal/ir"
	"github.com/roach88/stevedore/internal/manifest"
	"github.com/roach88/stevedore/internal/pipeline"
	"github.com/roach88/stevedore/internal/registry"
	"github.com/roach88/stevedore/internal/stage"
	"github.com/roach88/stevedore/internal/store"
)

// Options configures New. Store is required.
type Options struct {
	Store *store.Store
	// Environments resolves stage bases. Nil means only stage.Scratch.
	Environments *stage.Environments
	// Remote mirrors cache entries; nil keeps the cache local.
	Remote cache.Remote
	// Cluster is the deploy target. Nil creates a cluster named "local".
	Cluster *cluster.Cluster
	Policy  deploy.Policy
	Clock   deploy.Clock
	// BuildIDs defaults to UUIDv7.
	BuildIDs ident.Generator
	// TempDir is the parent of stage workspaces.
	TempDir string
	// Identity overrides the identity run steps drop to under root.
	Identity *stage.Identity
	Logger   *slog.Logger
}

// Orchestrator exposes its parts so callers can also drive them directly.
type Orchestrator struct {
	Store        *store.Store
	Environments *stage.Environments
	Executor     *stage.Executor
	Cache        *cache.Cache
	Registry     *registry.Registry
	Controller   *pipeline.Controller
	Cluster      *cluster.Cluster
	Deployer     *deploy.Manager

	logger *slog.Logger
}

// New assembles an orchestrator over opts.Store.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	envs := opts.Environments
	if envs == nil {
		envs = stage.NewEnvironments()
	}
	exec := &stage.Executor{
		Environments: envs,
		TempDir:      opts.TempDir,
		Identity:     opts.Identity,
		Logger:       logger,
	}
	c, err := cache.New(opts.Store, cache.Options{Remote: opts.Remote, Logger: logger})
	if err != nil {
		return nil, err
	}
	reg := registry.New(opts.Store, logger)
	cl := opts.Cluster
	if cl == nil {
		cl = cluster.New(cluster.Options{Logger: logger})
	}
	return &Orchestrator{
		Store:        opts.Store,
		Environments: envs,
		Executor:     exec,
		Cache:        c,
		Registry:     reg,
		Controller: &pipeline.Controller{
			Runner:    exec,
			Cache:     c,
			Publisher: reg,
			IDs:       opts.BuildIDs,
			Logger:    logger,
		},
		Cluster: cl,
		Deployer: deploy.New(cl, deploy.Options{
			Store:  opts.Store,
			Policy: opts.Policy,
			Clock:  opts.Clock,
			Logger: logger,
		}),
		logger: logger,
	}, nil
}

// Build runs p against source and publishes the result as p.Name:tag.
func (o *Orchestrator) Build(ctx context.Context, p *pipeline.Pipeline, source ir.Snapshot, tag string) (ir.Image, pipeline.Report, error) {
	return o.Controller.Build(ctx, pipeline.Request{Pipeline: p, Source: source, Tag: tag})
}

// Deploy applies doc. When the cluster does not hold the desired image
// yet and the registry does, the image is loaded first and the desired
// state is pinned to its digest.
func (o *Orchestrator) Deploy(ctx context.Context, doc manifest.Document) (deploy.Result, error) {
	ref := doc.State.Image
	if _, held := o.Cluster.Lookup(ref); !held && !ref.IsZero() {
		switch err := o.Registry.Load(ctx, ref, o.Cluster); {
		case err == nil:
		case errors.Is(err, registry.ErrNotFound):
			// Nothing published under ref; the pull policy decides.
		default:
			return deploy.Result{Workload: doc.State.Key()}, err
		}
	}
	if doc.State.ImageDigest == "" {
		if img, ok := o.Cluster.Image(ref); ok {
			doc.State.ImageDigest = img.Digest
		}
	}
	return o.Deployer.ApplyDocument(ctx, doc)
}

// UpRequest is one build-and-deploy.
type UpRequest struct {
	Pipeline *pipeline.Pipeline
	Source   ir.Snapshot
	Tag      string
	// Document is the deployment; its image is replaced by the build's.
	Document manifest.Document
}

// UpResult reports both halves of Up.
type UpResult struct {
	Image  ir.Image        `json:"image"`
	Build  pipeline.Report `json:"build"`
	Deploy deploy.Result   `json:"deploy"`
}

// Up builds, loads and deploys. A failed build never touches the cluster.
func (o *Orchestrator) Up(ctx context.Context, req UpRequest) (UpResult, error) {
	img, report, err := o.Build(ctx, req.Pipeline, req.Source, req.Tag)
	res := UpResult{Image: img, Build: report}
	if err != nil {
		return res, err
	}
	if err := o.Registry.Load(ctx, img.Ref, o.Cluster); err != nil {
		return res, fmt.Errorf("up: %w", err)
	}

	doc := req.Document
	doc.State.Image = img.Ref
	doc.State.ImageDigest = img.Digest
	o.logger.Info("deploying", "workload", doc.State.Key(), "image", img.Ref.String())
	res.Deploy, err = o.Deployer.ApplyDocument(ctx, doc)
	return res, err
}
