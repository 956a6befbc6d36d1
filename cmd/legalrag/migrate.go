package main

import (
	"github.com/spf13/cobra"

	"tn-legal-rag/internal/app"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate up|down",
	Short:     "Apply or roll back the database schema",
	Long:      "up applies every pending migration; down rolls back the most recent one.",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.Migrate(cfg.Database.URL, args[0] == "up", logger)
	},
}
