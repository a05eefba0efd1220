package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/stevedore/internal/secrets"
)

// CheckEnvOptions holds flags for the check-env command.
type CheckEnvOptions struct {
	*RootOptions
	Required []string
	Numeric  []string
	EnvFiles []string
}

// CheckEnvResult lists names only.
type CheckEnvResult struct {
	Resolved []string `json:"resolved"`
	Missing  []string `json:"missing,omitempty"`
	Invalid  []string `json:"invalid,omitempty"`
}

// NewCheckEnvCommand creates the check-env command.
func NewCheckEnvCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckEnvOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check-env",
		Short: "Verify that required secrets resolve",
		Long: `Resolve every --require name against the environment and --env-file
files. An empty value counts as missing. PORT and *_PORT names, and every
--numeric name, must be integers.

All problems are reported together. Resolved values are never printed.

Exit codes:
  0 - Every name resolved
  2 - A name is missing or invalid

Examples:
  stevedore check-env --require HOST --require PORT --env-file .env
  stevedore check-env --require POSTGRES_HOST,POSTGRES_PORT --numeric WORKERS`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckEnv(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Required, "require", nil, "required name (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Numeric, "numeric", nil, "name that must be an integer (repeatable)")
	cmd.Flags().StringSliceVar(&opts.EnvFiles, "env-file", nil, "dotenv file (repeatable, later files win)")
	_ = cmd.MarkFlagRequired("require")

	return cmd
}

func runCheckEnv(opts *CheckEnvOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	provider, err := secretProvider(opts.EnvFiles, opts.Numeric)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read env files", err)
	}

	set, err := provider.Resolve(opts.Required)
	if err == nil {
		res := CheckEnvResult{Resolved: set.Names()}
		return out.Success(res, func(w io.Writer) {
			fmt.Fprintf(w, "✓ %d names resolved\n", len(res.Resolved))
		})
	}

	var rerr *secrets.ResolveError
	if !errors.As(err, &rerr) {
		return WrapExitError(ExitCommandError, "failed to resolve", err)
	}
	res := CheckEnvResult{Resolved: []string{}, Missing: rerr.MissingNames()}
	for _, iv := range rerr.Invalid {
		res.Invalid = append(res.Invalid, iv.Name)
	}
	return out.Fail(ExitCommandError, "E_UNRESOLVED", res, err)
}
