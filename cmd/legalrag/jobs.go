package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"tn-legal-rag/internal/app"
	"tn-legal-rag/internal/scheduler"
)

var jobsCmd = &cobra.Command{
	Use:       "jobs gaps|retry-sweep|precedent",
	Short:     "Run one batch job now",
	Long:      "Runs the job once under the same lock the scheduler takes, so it never overlaps a scheduled run.",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{app.JobGaps, app.JobRetrySweep, app.JobPrecedent},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			err := a.RunJob(cmd.Context(), args[0])
			if errors.Is(err, scheduler.ErrAlreadyRunning) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already running elsewhere, nothing to do\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s finished\n", args[0])
			return nil
		})
	},
}
