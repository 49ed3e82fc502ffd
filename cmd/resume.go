package cmd

import (
	"github.com/spf13/cobra"
	danzohttp "github.com/tanq16/danzoq/internal/downloaders/http"
	"github.com/tanq16/danzoq/internal/output"
	"github.com/tanq16/danzoq/internal/state"
	"github.com/tanq16/danzoq/internal/utils"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume paused, interrupted and failed downloads from the state file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := state.NewStore(cfg.StateFile)
			client := utils.NewHTTPClient(cfg.HTTP())
			return runUnits(cmd.Context(), client, cfg.Workers, func(opts []danzohttp.Option) []*danzohttp.Unit {
				units, err := store.RestoreUnits(cfg.Download(), opts...)
				if err != nil {
					output.PrintWarning("Some saved downloads could not be restored: " + err.Error())
				}
				queued := units[:0]
				for _, unit := range units {
					if unit.IsQueued() || unit.Status() == danzohttp.StatusPaused {
						queued = append(queued, unit)
					}
				}
				return queued
			})
		},
	}
}
