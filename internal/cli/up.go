package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stevedore/internal/deploy"
	"github.com/roach88/stevedore/internal/orchestrator"
)

// UpOptions holds flags for the up command.
type UpOptions struct {
	BuildOptions
	DeployFile     string
	EnvFiles       []string
	RetryBudget    int
	AttemptTimeout time.Duration
}

// NewUpCommand creates the up command.
func NewUpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UpOptions{BuildOptions: BuildOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Build, load and deploy in one step",
		Long: `Build the pipeline under --tag, load the image into the local runtime
and apply the deploy file with the new image.

A failed build never touches the runtime. A rollout that does not become
healthy within the retry budget fails with the last cause reported; the
previous instances are kept serving.

Exit codes:
  0 - Deployed and ready
  1 - Build, load or rollout failed
  2 - Command error (bad pipeline, deploy file or unresolved secret)

Examples:
  stevedore up --tag v1 --deploy deploy.yaml --base node:20-slim=./bases/node20
  stevedore up --tag v2 --deploy deploy.yaml --env-file .env --retry-budget 5`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUp(opts, cmd)
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().StringVar(&opts.DeployFile, "deploy", "deploy.yaml", "path to the deploy file")
	cmd.Flags().StringSliceVar(&opts.EnvFiles, "env-file", nil, "dotenv file with secret values (repeatable)")
	cmd.Flags().IntVar(&opts.RetryBudget, "retry-budget", deploy.DefaultPolicy().RetryBudget, "recycles or timeouts tolerated before failing")
	cmd.Flags().DurationVar(&opts.AttemptTimeout, "attempt-timeout", deploy.DefaultPolicy().AttemptTimeout, "time one attempt may take to become ready")

	return cmd
}

func runUp(opts *UpOptions, cmd *cobra.Command) error {
	logger := opts.logger(cmd.ErrOrStderr())
	out := opts.formatter(cmd)

	p, src, err := opts.inputs()
	if err != nil {
		return err
	}
	f, err := LoadDeployFile(opts.DeployFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load deploy file", err)
	}
	provider, err := secretProvider(opts.EnvFiles, f.NumericEnv)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read env files", err)
	}
	doc, err := f.Document(opts.Tag, provider)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to resolve deploy file", err)
	}

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	policy := deploy.DefaultPolicy()
	policy.RetryBudget = opts.RetryBudget
	policy.AttemptTimeout = opts.AttemptTimeout
	orch, err := opts.newOrchestrator(st, policy, logger)
	if err != nil {
		return err
	}

	res, err := orch.Up(cmd.Context(), orchestrator.UpRequest{
		Pipeline: p,
		Source:   src,
		Tag:      opts.Tag,
		Document: doc,
	})
	if err != nil {
		return out.Fail(ExitFailure, "E_UP", res, err)
	}

	return out.Success(res, func(w io.Writer) {
		printReport(w, res.Build)
		fmt.Fprintf(w, "Published %s (%s)\n", res.Image.Ref, res.Image.Digest)
		printDeploy(w, res.Deploy)
	})
}

func printDeploy(w io.Writer, r deploy.Result) {
	if r.NoOp {
		fmt.Fprintf(w, "%s unchanged (revision %d)\n", r.Workload, r.Revision)
		return
	}
	for _, op := range r.Ops {
		fmt.Fprintf(w, "  %s\n", op)
	}
	for _, id := range r.Recycled {
		fmt.Fprintf(w, "  recycled %s\n", id)
	}
	state := "ready"
	if !r.Ready {
		state = "not ready"
	}
	fmt.Fprintf(w, "%s revision %d %s after %d attempt(s)\n", r.Workload, r.Revision, state, r.Attempts)
}
