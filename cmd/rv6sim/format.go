// The "format" subcommand builds a fresh disk image per spec.md §6's
// on-disk layout and writes it to disk, the simulator-tooling
// equivalent of the teacher's standalone mkfs binary (spec.md §1 places
// mkfs out of scope as an external collaborator; internal/diskimage
// exists for exactly this "build a fixture image" role, not as a
// reimplementation of that binary).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"rv6/internal/diskimage"
)

func newFormatCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "format",
		Short: "build a fresh, empty disk image and write it to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := out
			if path == "" {
				path = globalConfig.Image
			}
			if path == "" {
				return fmt.Errorf("no output path: pass --out or set image in the config file")
			}
			backing, label := diskimage.Build(globalConfig.layout())
			if err := os.WriteFile(path, backing, 0o644); err != nil {
				return fmt.Errorf("writing image: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%d bytes)\n", label, path, len(backing))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "path to write the formatted image (defaults to --image)")
	return cmd
}
