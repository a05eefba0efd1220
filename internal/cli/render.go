package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/stevedore/internal/deploy"
	"github.com/roach88/stevedore/internal/manifest"
)

// RenderOptions holds flags for the render command.
type RenderOptions struct {
	*RootOptions
	DeployFile string
	Tag        string
	EnvFiles   []string
}

// NewRenderCommand creates the render command.
func NewRenderCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RenderOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the manifests for a deploy file",
		Long: `Render a deploy file as multi-document YAML: Namespace, Secret,
Deployment and Service. Secret values are read from the environment and
--env-file files; a missing or invalid value fails the command before any
manifest is printed.

Exit codes:
  0 - Manifests printed
  2 - Invalid deploy file or unresolved secret

Examples:
  stevedore render --deploy deploy.yaml --tag v3
  stevedore render --deploy deploy.yaml --tag v3 --env-file .env | kubectl apply -f -`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DeployFile, "deploy", "deploy.yaml", "path to the deploy file")
	cmd.Flags().StringVar(&opts.Tag, "tag", "", "image tag (overrides the deploy file)")
	cmd.Flags().StringSliceVar(&opts.EnvFiles, "env-file", nil, "dotenv file with secret values (repeatable)")

	return cmd
}

func runRender(opts *RenderOptions, cmd *cobra.Command) error {
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
	if err := deploy.Validate(deploy.Normalize(doc.State)); err != nil {
		return WrapExitError(ExitCommandError, "invalid desired state", err)
	}

	data, err := manifest.Render(doc.State, doc.Secrets)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to render manifests", err)
	}

	if opts.Format == "json" {
		return opts.formatter(cmd).Success(map[string]string{"manifests": string(data)}, nil)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
