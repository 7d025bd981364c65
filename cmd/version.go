package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tumibloom/discord--insight-bot/insightbot"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			insightbot.Version,
			insightbot.CommitSHA,
			insightbot.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
