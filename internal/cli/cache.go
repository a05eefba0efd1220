package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/stevedore/internal/cache"
)

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the stage artifact cache",
	}
	cmd.AddCommand(newCacheStatsCommand(rootOpts))
	cmd.AddCommand(newCachePruneCommand(rootOpts))
	return cmd
}

func newCacheStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache entry and hit counts",
		Example: `  stevedore cache stats
  stevedore cache stats --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := openCache(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			stats, err := c.Stats(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read cache", err)
			}
			return rootOpts.formatter(cmd).Success(stats, func(w io.Writer) {
				fmt.Fprintf(w, "%d entries, %d hits\n", stats.Entries, stats.Hits)
				names := make([]string, 0, len(stats.Stages))
				for name := range stats.Stages {
					names = append(names, name)
				}
				slices.Sort(names)
				for _, name := range names {
					fmt.Fprintf(w, "  %-20s %d\n", name, stats.Stages[name])
				}
			})
		},
	}
}

func newCachePruneCommand(rootOpts *RootOptions) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop all but the newest cache entries",
		Example: `  stevedore cache prune --keep 100
  stevedore cache prune --keep 0`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep < 0 {
				return WrapExitError(ExitCommandError, "invalid --keep", fmt.Errorf("must be >= 0, got %d", keep))
			}
			c, closeFn, err := openCache(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			removed, err := c.Prune(cmd.Context(), keep)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to prune cache", err)
			}
			res := map[string]int64{"removed": removed, "kept": int64(keep)}
			return rootOpts.formatter(cmd).Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "Removed %d entries\n", removed)
			})
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 100, "number of newest entries to keep")
	return cmd
}

func openCache(opts *RootOptions, cmd *cobra.Command) (*cache.Cache, func(), error) {
	st, err := opts.openStore()
	if err != nil {
		return nil, nil, err
	}
	c, err := cache.New(st, cache.Options{Logger: opts.logger(cmd.ErrOrStderr())})
	if err != nil {
		st.Close()
		return nil, nil, WrapExitError(ExitFailure, "failed to open cache", err)
	}
	return c, func() { st.Close() }, nil
}
