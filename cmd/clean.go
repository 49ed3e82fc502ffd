package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/danzoq/internal/output"
	"github.com/tanq16/danzoq/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [OUTPUT_PATH]",
		Short: "Remove leftover part files of an output path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := utils.CleanFunction(args[0])
			if err != nil {
				output.PrintError("Error cleaning up part files")
				return err
			}
			output.PrintSuccess(fmt.Sprintf("Removed %d part file(s)", removed))
			return nil
		},
	}
}
