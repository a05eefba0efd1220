package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/stevedore/internal/config"
	"github.com/roach88/stevedore/internal/workload"
)

// BootOptions holds flags for the boot command.
type BootOptions struct {
	*RootOptions
	Configs   []string
	ListenKey string
	EnvFiles  []string
	Required  []string
	Numeric   []string
	Schema    string
	// CheckOnly stops after the startup checks.
	CheckOnly bool
}

// NewBootCommand creates the boot command.
func NewBootCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BootOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Start a workload after its startup checks pass",
		Long: `The process entry point of a deployed workload.

Config layers are merged in flag order, later layers overriding earlier
ones. Placeholders such as ${PORT} are resolved from the environment and
--env-file files, and the listen address is validated. Only then is the address bound and /healthz served until
SIGINT or SIGTERM.

Any unresolved or invalid value stops the process before it listens.

Exit codes:
  0 - Served and shut down cleanly (or --check passed)
  1 - Serving failed
  2 - Startup check failed (missing secret, bad config, bad listen address)

Examples:
  stevedore boot --config app-config.yaml --config app-config.production.yaml
  stevedore boot --config app-config.yaml --env-file .env --check`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoot(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Configs, "config", nil, "config layer (repeatable, later layers win)")
	cmd.Flags().StringVar(&opts.ListenKey, "listen-key", workload.DefaultListenKey, "config path of the listen address")
	cmd.Flags().StringSliceVar(&opts.EnvFiles, "env-file", nil, "dotenv file (repeatable, later files win)")
	cmd.Flags().StringSliceVar(&opts.Required, "require", nil, "name that must resolve even if no placeholder uses it")
	cmd.Flags().StringSliceVar(&opts.Numeric, "numeric", nil, "name that must be an integer")
	cmd.Flags().StringVar(&opts.Schema, "schema", "", "CUE schema the resolved config must satisfy")
	cmd.Flags().BoolVar(&opts.CheckOnly, "check", false, "run the startup checks and exit")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runBoot(opts *BootOptions, cmd *cobra.Command) error {
	logger := opts.logger(cmd.ErrOrStderr())

	layers, err := config.ReadLayers(opts.Configs...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read config", err)
	}
	var schema []byte
	if opts.Schema != "" {
		if schema, err = os.ReadFile(opts.Schema); err != nil {
			return WrapExitError(ExitCommandError, "failed to read schema", err)
		}
	}
	provider, err := secretProvider(opts.EnvFiles, opts.Numeric)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read env files", err)
	}

	prepared, err := workload.Prepare(workload.Options{
		Layers:    layers,
		Sources:   provider.Sources,
		Required:  opts.Required,
		Numeric:   opts.Numeric,
		ListenKey: opts.ListenKey,
		Schema:    schema,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("startup check failed", "error", err)
		return WrapExitError(ExitCommandError, "startup check failed", err)
	}
	logger.Info("startup checks passed", "addr", prepared.Addr, "secrets", prepared.Secrets.Len())

	if opts.CheckOnly {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ ready to listen on %s\n", prepared.Addr)
		return nil
	}

	ctx, cancel := signalContext(cmd.Context(), logger)
	defer cancel()

	if err := workload.Serve(ctx, prepared, logger); err != nil {
		if workload.IsStartupError(err) {
			return WrapExitError(ExitCommandError, "failed to listen", err)
		}
		return WrapExitError(ExitFailure, "serve failed", err)
	}
	logger.Info("workload stopped gracefully")
	return nil
}

// signalContext is cancelled by SIGINT, SIGTERM or the parent.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
