package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/stevedore/internal/cache"
	"github.com/roach88/stevedore/internal/deploy"
	"github.com/roach88/stevedore/internal/ir"
	"github.com/roach88/stevedore/internal/orchestrator"
	"github.com/roach88/stevedore/internal/pipeline"
	"github.com/roach88/stevedore/internal/stage"
	"github.com/roach88/stevedore/internal/store"
)

// BuildOptions holds flags shared by build and up.
type BuildOptions struct {
	*RootOptions
	Pipeline string
	Source   string
	Tag      string
	// Bases maps a base-environment reference to a directory.
	Bases map[string]string

	CacheEndpoint string
	CacheBucket   string
	CachePrefix   string
	CacheInsecure bool
}

// Environment variables holding mirror credentials. They are never flags
// so they stay out of shell history.
const (
	EnvCacheAccessKey = "STEVEDORE_CACHE_ACCESS_KEY"
	EnvCacheSecretKey = "STEVEDORE_CACHE_SECRET_KEY"
)

func (o *BuildOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Pipeline, "pipeline", "stevedore.cue", "path to the CUE pipeline definition")
	cmd.Flags().StringVar(&o.Source, "source", ".", "source tree to build")
	cmd.Flags().StringVar(&o.Tag, "tag", "", "image tag to publish (required, never latest)")
	cmd.Flags().StringToStringVar(&o.Bases, "base", nil, "base environment as ref=dir (repeatable)")
	cmd.Flags().StringVar(&o.CacheEndpoint, "cache-endpoint", "", "S3-compatible endpoint mirroring the artifact cache")
	cmd.Flags().StringVar(&o.CacheBucket, "cache-bucket", "", "bucket for the cache mirror")
	cmd.Flags().StringVar(&o.CachePrefix, "cache-prefix", "", "object prefix for the cache mirror")
	cmd.Flags().BoolVar(&o.CacheInsecure, "cache-insecure", false, "talk to the cache mirror over plain HTTP")
	_ = cmd.MarkFlagRequired("tag")
}

// remote returns the configured cache mirror, or nil.
func (o *BuildOptions) remote() (cache.Remote, error) {
	if o.CacheEndpoint == "" && o.CacheBucket == "" {
		return nil, nil
	}
	r, err := cache.NewS3Remote(cache.S3Config{
		Endpoint:  o.CacheEndpoint,
		Bucket:    o.CacheBucket,
		Prefix:    o.CachePrefix,
		AccessKey: os.Getenv(EnvCacheAccessKey),
		SecretKey: os.Getenv(EnvCacheSecretKey),
		UseSSL:    !o.CacheInsecure,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid cache mirror", err)
	}
	return r, nil
}

// newOrchestrator opens the pieces a build needs. A zero policy means
// deploy.DefaultPolicy.
func (o *BuildOptions) newOrchestrator(st *store.Store, policy deploy.Policy, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	envs := stage.NewEnvironments()
	for ref, dir := range o.Bases {
		envs.RegisterDir(ref, dir)
	}
	remote, err := o.remote()
	if err != nil {
		return nil, err
	}
	return orchestrator.New(orchestrator.Options{
		Store:        st,
		Environments: envs,
		Remote:       remote,
		Policy:       policy,
		Logger:       logger,
	})
}

// inputs loads the pipeline and the source tree.
func (o *BuildOptions) inputs() (*pipeline.Pipeline, ir.Snapshot, error) {
	p, err := pipeline.LoadFile(o.Pipeline)
	if err != nil {
		return nil, ir.Snapshot{}, WrapExitError(ExitCommandError, "failed to load pipeline", err)
	}
	src, err := pipeline.LoadSource(o.Source)
	if err != nil {
		return nil, ir.Snapshot{}, WrapExitError(ExitCommandError, "failed to read source", err)
	}
	return p, src, nil
}

// NewBuildCommand creates the build command.
func NewBuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a pipeline and publish it as an immutable tag",
		Long: `Run every stage of a pipeline in an isolated workspace, reusing cached
stage outputs whose inputs are unchanged, then publish the runtime stage's
outputs as name:tag.

A tag is bound once. Rebuilding identical content under the same tag is a
no-op; different content under a bound tag is refused.

Exit codes:
  0 - Image published
  1 - Build or publish failed
  2 - Command error (bad pipeline, unreadable source, invalid flags)

Examples:
  stevedore build --tag v1 --base node:20-slim=./bases/node20
  stevedore build --pipeline ci/stevedore.cue --source ./app --tag 2024-06-01.3
  stevedore build --tag v2 --cache-endpoint minio:9000 --cache-bucket stevedore`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(opts, cmd)
		},
	}
	opts.addFlags(cmd)

	return cmd
}

func runBuild(opts *BuildOptions, cmd *cobra.Command) error {
	logger := opts.logger(cmd.ErrOrStderr())
	out := opts.formatter(cmd)

	p, src, err := opts.inputs()
	if err != nil {
		return err
	}

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	orch, err := opts.newOrchestrator(st, deploy.Policy{}, logger)
	if err != nil {
		return err
	}

	logger.Info("building", "pipeline", p.Name, "source", opts.Source, "files", src.Len(), "tag", opts.Tag)
	img, report, err := orch.Build(cmd.Context(), p, src, opts.Tag)
	if err != nil {
		return out.Fail(ExitFailure, "E_BUILD", report, err)
	}

	return out.Success(report, func(w io.Writer) {
		printReport(w, report)
		fmt.Fprintf(w, "Published %s (%s)\n", img.Ref, img.Digest)
	})
}

func printReport(w io.Writer, r pipeline.Report) {
	for _, s := range r.Stages {
		state := "built"
		if s.Cached {
			state = "cached"
		}
		fmt.Fprintf(w, "  %-20s %-6s %4d files  %s\n", s.Name, state, s.Files, shortKey(string(s.Key)))
	}
	if len(r.Skeleton) > 0 {
		fmt.Fprintf(w, "  skeleton: %s\n", strings.Join(r.Skeleton, ", "))
	}
	fmt.Fprintf(w, "  %d/%d stages from cache\n", r.CacheHits(), len(r.Stages))
}

func shortKey(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 && len(key) > i+13 {
		return key[:i+13]
	}
	return key
}
