package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/stevedore/internal/registry"
)

// ImageEntry is one published tag.
type ImageEntry struct {
	Seq    int64  `json:"seq"`
	Image  string `json:"image"`
	Digest string `json:"digest"`
}

// NewImagesCommand creates the images command.
func NewImagesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "images [name]",
		Short: "List published image tags",
		Long: `List tag bindings in publish order. With a name, only that image's
tags are listed.

Examples:
  stevedore images
  stevedore images backstage --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return runImages(rootOpts, name, cmd)
		},
	}
}

func runImages(opts *RootOptions, name string, cmd *cobra.Command) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	reg := registry.New(st, opts.logger(cmd.ErrOrStderr()))
	tags, err := reg.List(cmd.Context(), name)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list images", err)
	}

	entries := make([]ImageEntry, len(tags))
	for i, t := range tags {
		entries[i] = ImageEntry{Seq: t.Seq, Image: t.Ref.String(), Digest: t.Digest}
	}

	return opts.formatter(cmd).Success(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "No images published.")
			return
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%-40s %s\n", e.Image, e.Digest)
		}
	})
}
