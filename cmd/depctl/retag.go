package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/depctl/pkg/registry"
)

// newRetagCommand copies an already-pushed image to a new reference, so a
// build verified by one deployment can be promoted to a stable tag without
// rebuilding.
func newRetagCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retag SRC DST",
		Short: "Copy a pushed image to a new reference without rebuilding",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dst := args[0], args[1]
			if err := registry.CopyReference(cmd.Context(), src, dst); err != nil {
				return fmt.Errorf("copy %s to %s: %w", src, dst, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", src, dst)
			return nil
		},
	}
}
