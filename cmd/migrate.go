package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/trialogue/internal/config"
	"github.com/nextlevelbuilder/trialogue/internal/store/sqlite"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply metadata index schema migrations",
		Long:  "Applies any pending schema migrations to the SQLite metadata index. The server also does this on startup; the command exists for pre-deploy checks.",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			path := config.ExpandHome(cfg.Storage.DatabasePath)
			if err := sqlite.Migrate(path); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			fmt.Println("migrations applied:", path)
		},
	}
}
