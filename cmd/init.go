package cmd

import (
	"fmt"
	"log"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/tumibloom/discord--insight-bot/insightbot"
)

var initialAdminID string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and optionally grant a first admin",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("database_type not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"database not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}

		db, err := insightbot.CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
			nil,
		)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		out := cmd.OutOrStdout()

		if initialAdminID != "" {
			store := insightbot.NewDatabase(
				db,
				slog.Default(),
				cfg.DatabaseType == "postgres",
			)
			if _, err = store.AddAdmin(
				ctx,
				initialAdminID,
				"",
				"init",
			); err != nil {
				log.Fatalf("Error granting admin: %v", err)
			}
			fmt.Fprintf(out, "Granted admin to user %s.\n", initialAdminID)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

//nolint:gochecknoinits
func init() {
	initCmd.Flags().StringVar(
		&initialAdminID,
		"admin",
		"",
		"Discord user ID to grant admin",
	)
	rootCmd.AddCommand(initCmd)
}
