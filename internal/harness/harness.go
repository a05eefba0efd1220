package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/roach88/stevedore/internal/cluster"
	"github.com/roach88/stevedore/internal/config"
	"github.com/roach88/stevedore/internal/deploy"
	"github.com/roach88/stevedore/internal/ident"
	"github.com/roach88/stevedore/internal/ir"
	"github.com/roach88/stevedore/internal/manifest"
	"github.com/roach88/stevedore/internal/orchestrator"
	"github.com/roach88/stevedore/internal/pipeline"
	"github.com/roach88/stevedore/internal/registry"
	"github.com/roach88/stevedore/internal/secrets"
	"github.com/roach88/stevedore/internal/stage"
	"github.com/roach88/stevedore/internal/store"
	"github.com/roach88/stevedore/internal/testutil"
)

// Harness is the scenario execution engine.
// It runs scenarios with a fake clock and sequential IDs so traces are
// identical across runs.
type Harness struct {
	store    *store.Store
	orch     *orchestrator.Orchestrator
	seq      *cluster.Sequence
	pipeline *pipeline.Pipeline
	source   map[string]string
	logger   *slog.Logger

	// lastSkeleton is the skeleton digest of the previous successful build.
	lastSkeleton string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database and a fresh cluster.
//
// Execution flow:
// 1. Create fresh in-memory database, cluster and base environments
// 2. Load the pipeline
// 3. Execute flow steps, comparing each outcome with its expect clause
// 4. Evaluate assertions against the trace and the final state
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	p, err := loadPipeline(scenario)
	if err != nil {
		return nil, err
	}

	workdir, err := os.MkdirTemp("", "stevedore-harness-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	defer os.RemoveAll(workdir)

	envs := stage.NewEnvironments()
	for ref, files := range scenario.Bases {
		envs.Register(ref, ir.SnapshotOf(files))
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch, err := orchestrator.New(orchestrator.Options{
		Store:        st,
		Environments: envs,
		Cluster: cluster.New(cluster.Options{
			IDs:    ident.NewSequenceGenerator("pod"),
			Logger: logger,
		}),
		Policy:   policyOf(scenario.Policy),
		Clock:    testutil.NewFakeClock(),
		BuildIDs: ident.NewSequenceGenerator("build"),
		TempDir:  workdir,
		// Run as ourselves so scenarios do not depend on setuid privileges.
		Identity: &stage.Identity{UID: uint32(os.Getuid()), GID: uint32(os.Getgid())},
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	h := &Harness{
		store:    st,
		orch:     orch,
		seq:      cluster.NewSequenceAt(0),
		pipeline: p,
		source:   make(map[string]string, len(scenario.Source)),
		logger:   logger,
	}
	for path, content := range scenario.Source {
		h.source[path] = content
	}

	ctx := context.Background()
	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	actx := &AssertionContext{
		Store: st,
		Ctx:   ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

func loadPipeline(s *Scenario) (*pipeline.Pipeline, error) {
	if s.PipelineFile != "" {
		return pipeline.LoadFile(s.PipelineFile)
	}
	return pipeline.Load(s.Name+".cue", []byte(s.Pipeline))
}

func policyOf(spec *PolicySpec) deploy.Policy {
	p := deploy.DefaultPolicy()
	if spec == nil {
		return p
	}
	p.RetryBudget = spec.RetryBudget
	if d, err := time.ParseDuration(spec.AttemptTimeout); err == nil && d > 0 {
		p.AttemptTimeout = d
	}
	return p
}

// executeFlow runs all flow steps and validates expect clauses.
//
// Each step:
// 1. Records an invocation with the step's args
// 2. Runs the action against the real pipeline, registry and cluster
// 3. Records a completion with the outcome case and result
// 4. Compares the outcome with the expect clause
//
// A failed expectation is recorded in the result and the flow continues.
// Only harness faults (bad args) abort the flow.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		result.AddInvocationTrace(step.Invoke, step.Args, h.seq.Next())

		out, err := h.execute(ctx, step)
		if err != nil {
			return fmt.Errorf("flow step %d (%s): %w", i, step.Invoke, err)
		}
		outputCase := Classify(out.err)
		result.AddCompletionTrace(step.Invoke, outputCase, out.result, h.seq.Next())

		want := CaseSuccess
		if step.Expect != nil {
			want = step.Expect.Case
		}
		if outputCase != want {
			msg := fmt.Sprintf("flow[%d] %s: expected case %q, got %q", i, step.Invoke, want, outputCase)
			if out.err != nil {
				msg += ": " + out.err.Error()
			}
			result.AddError(msg)
			continue
		}
		if step.Expect != nil && !matchArgs(out.result, step.Expect.Result) {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected result %v, got %v", i, step.Invoke, step.Expect.Result, out.result))
			continue
		}

		h.logger.Info("flow step completed",
			"step", i,
			"action", step.Invoke,
			"output_case", outputCase,
		)
	}
	return nil
}

// outcome is what an action did. err is the action's own failure, as
// opposed to a fault in the step definition.
type outcome struct {
	result map[string]interface{}
	err    error
}

func (h *Harness) execute(ctx context.Context, step FlowStep) (outcome, error) {
	switch step.Invoke {
	case ActionBuild:
		return h.build(ctx, step.Args)
	case ActionEdit:
		return h.edit(step.Args)
	case ActionDeploy:
		return h.deploy(ctx, step.Args)
	case ActionResolve:
		return h.resolve(step.Args)
	case ActionEvict:
		return h.evict(step.Args)
	default:
		return outcome{}, fmt.Errorf("unknown action %q", step.Invoke)
	}
}

type buildArgs struct {
	Tag string `yaml:"tag"`
}

func (h *Harness) build(ctx context.Context, args map[string]interface{}) (outcome, error) {
	var a buildArgs
	if err := decodeArgs(args, &a); err != nil {
		return outcome{}, err
	}
	img, report, err := h.orch.Build(ctx, h.pipeline, ir.SnapshotOf(h.source), a.Tag)
	res := map[string]interface{}{
		"image":      report.Image,
		"cache_hits": report.CacheHits(),
		"stages":     len(report.Stages),
	}
	if err != nil {
		var be *pipeline.BuildError
		if errors.As(err, &be) && be.Index >= 0 {
			res["stage"] = be.Stage
		}
		return outcome{result: res, err: err}, nil
	}
	res["skeleton"] = anySlice(report.Skeleton)
	res["skeleton_changed"] = img.SkeletonDigest != h.lastSkeleton
	h.lastSkeleton = img.SkeletonDigest
	return outcome{result: res}, nil
}

type editArgs struct {
	Files  map[string]string `yaml:"files"`
	Remove []string          `yaml:"remove"`
}

func (h *Harness) edit(args map[string]interface{}) (outcome, error) {
	var a editArgs
	if err := decodeArgs(args, &a); err != nil {
		return outcome{}, err
	}
	for path, content := range a.Files {
		h.source[path] = content
	}
	for _, path := range a.Remove {
		delete(h.source, path)
	}
	return outcome{result: map[string]interface{}{"files": len(h.source)}}, nil
}

type deployArgs struct {
	Manifest    string                       `yaml:"manifest"`
	Namespace   string                       `yaml:"namespace"`
	Name        string                       `yaml:"name"`
	Image       string                       `yaml:"image"`
	Replicas    *int                         `yaml:"replicas"`
	Ports       []ir.Port                    `yaml:"ports"`
	SecretRefs  []string                     `yaml:"secret_refs"`
	RequiredEnv []string                     `yaml:"required_env"`
	NumericEnv  []string                     `yaml:"numeric_env"`
	PullPolicy  string                       `yaml:"pull_policy"`
	Secrets     map[string]map[string]string `yaml:"secrets"`
}

func (a deployArgs) document() (manifest.Document, error) {
	if a.Manifest != "" {
		return manifest.Parse([]byte(a.Manifest))
	}
	ref, err := ir.ParseImageRef(a.Image)
	if err != nil {
		return manifest.Document{}, err
	}
	replicas := 1
	if a.Replicas != nil {
		replicas = *a.Replicas
	}
	return manifest.Document{
		State: ir.DesiredState{
			Namespace:   a.Namespace,
			Name:        a.Name,
			Image:       ref,
			Replicas:    replicas,
			Ports:       a.Ports,
			SecretRefs:  a.SecretRefs,
			RequiredEnv: a.RequiredEnv,
			NumericEnv:  a.NumericEnv,
			PullPolicy:  ir.PullPolicy(a.PullPolicy),
		},
		Secrets: a.Secrets,
	}, nil
}

func (h *Harness) deploy(ctx context.Context, args map[string]interface{}) (outcome, error) {
	var a deployArgs
	if err := decodeArgs(args, &a); err != nil {
		return outcome{}, err
	}
	doc, err := a.document()
	if err != nil {
		return outcome{}, err
	}
	r, err := h.orch.Deploy(ctx, doc)

	ops := make([]interface{}, len(r.Ops))
	for i, op := range r.Ops {
		ops[i] = op.String()
	}
	res := map[string]interface{}{
		"workload": r.Workload,
		"ready":    r.Ready,
		"no_op":    r.NoOp,
		"revision": r.Revision,
		"attempts": r.Attempts,
		"ops":      ops,
		"recycled": len(r.Recycled),
	}
	if err != nil {
		res["cause"] = Cause(err)
	}
	return outcome{result: res, err: err}, nil
}

type resolveArgs struct {
	Required []string          `yaml:"required"`
	Numeric  []string          `yaml:"numeric"`
	Values   map[string]string `yaml:"values"`
}

func (h *Harness) resolve(args map[string]interface{}) (outcome, error) {
	var a resolveArgs
	if err := decodeArgs(args, &a); err != nil {
		return outcome{}, err
	}
	p := &secrets.Provider{
		Sources: []secrets.Source{secrets.MapSource{Label: "scenario", Values: a.Values}},
		Numeric: a.Numeric,
	}
	set, err := p.Resolve(a.Required)
	if err != nil {
		res := map[string]interface{}{}
		var rerr *secrets.ResolveError
		if errors.As(err, &rerr) {
			res["missing"] = anySlice(rerr.MissingNames())
			invalid := make([]string, len(rerr.Invalid))
			for i, iv := range rerr.Invalid {
				invalid[i] = iv.Name
			}
			res["invalid"] = anySlice(invalid)
		}
		return outcome{result: res, err: err}, nil
	}
	return outcome{result: map[string]interface{}{"names": anySlice(set.Names())}}, nil
}

type evictArgs struct {
	Image string `yaml:"image"`
}

func (h *Harness) evict(args map[string]interface{}) (outcome, error) {
	var a evictArgs
	if err := decodeArgs(args, &a); err != nil {
		return outcome{}, err
	}
	ref, err := ir.ParseImageRef(a.Image)
	if err != nil {
		return outcome{}, err
	}
	_, held := h.orch.Cluster.Lookup(ref)
	h.orch.Cluster.Evict(ref)
	return outcome{result: map[string]interface{}{"held": held}}, nil
}

// Classify names the outcome of a step. Wrapping errors are checked before
// the errors they wrap.
func Classify(err error) string {
	var (
		invalidRef  *registry.InvalidRefError
		pipelineErr *pipeline.ValidationError
		deployErr   *deploy.ValidationError
	)
	switch {
	case err == nil:
		return CaseSuccess
	case registry.IsTagConflict(err):
		return "TagConflict"
	case errors.As(err, &invalidRef):
		return "InvalidRef"
	case errors.As(err, &pipelineErr):
		return "InvalidPipeline"
	case stage.IsStepFailure(err):
		return "StepFailed"
	case stage.IsDeclarationViolation(err):
		return "DeclarationViolation"
	case stage.IsEnvironmentError(err):
		return "EnvironmentUnavailable"
	case pipeline.IsBuildError(err):
		return "BuildFailed"
	case deploy.IsStaleTag(err):
		return "StaleTag"
	case errors.As(err, &deployErr):
		return "InvalidDesiredState"
	case deploy.IsApplyError(err):
		return "ApplyFailed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Interrupted"
	case secrets.IsMissingSecret(err):
		return "MissingSecret"
	case secrets.IsInvalidValue(err):
		return "InvalidValue"
	default:
		return "Error"
	}
}

// Cause names the root condition behind a failed apply.
func Cause(err error) string {
	switch {
	case errors.Is(err, cluster.ErrImageNotPresent):
		return "ImageNotPresent"
	case errors.Is(err, cluster.ErrRegistryUnreachable):
		return "RegistryUnreachable"
	case deploy.IsReconciliationTimeout(err):
		return "ReconciliationTimeout"
	case secrets.IsMissingSecret(err):
		return "MissingSecret"
	case secrets.IsInvalidValue(err):
		return "InvalidValue"
	case config.IsUnresolved(err):
		return "Unresolved"
	case errors.Is(err, cluster.ErrNotFound):
		return "NotFound"
	default:
		return Classify(err)
	}
}

func anySlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
