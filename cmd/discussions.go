package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/trialogue/internal/config"
	"github.com/nextlevelbuilder/trialogue/internal/locks"
	"github.com/nextlevelbuilder/trialogue/internal/store/file"
)

func discussionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discussions",
		Short: "Inspect and manage stored discussions",
	}
	cmd.AddCommand(discussionsListCmd())
	cmd.AddCommand(discussionsDeleteCmd())
	return cmd
}

// openStoreCLI opens the journal store directly, bypassing the gateway.
// Uses in-process locks: safe for reads and whole-user deletes, but do not
// run destructive commands against a server mid-round.
func openStoreCLI() (*file.Store, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	lockSvc := locks.NewMemoryService()
	st, err := file.NewStore(config.ExpandHome(cfg.Storage.DiscussionsDir), lockSvc, file.Options{
		TokenBudget: cfg.Discussion.TokenLimit,
	})
	if err != nil {
		lockSvc.Close()
		return nil, nil, err
	}
	return st, lockSvc.Close, nil
}

func discussionsListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's discussions",
		Run: func(cmd *cobra.Command, args []string) {
			st, closeStore, err := openStoreCLI()
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			defer closeStore()

			infos, err := st.ListByUser(context.Background(), userID, 100)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			if len(infos) == 0 {
				fmt.Println("no discussions")
				return
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTOPIC\tROUNDS\tTOKENS\tRESOLVED\tUPDATED")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%v\t%s\n",
					info.ID, truncate(info.Topic, 40), info.CurrentRound,
					info.TokenCount, info.IsResolved,
					time.UnixMilli(info.UpdatedAt).Format(time.RFC3339))
			}
			w.Flush()
		},
	}
	cmd.Flags().StringVar(&userID, "user", "local", "user whose discussions to list")
	return cmd
}

func discussionsDeleteCmd() *cobra.Command {
	var userID string
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete all of a user's discussions",
		Run: func(cmd *cobra.Command, args []string) {
			if !yes {
				fmt.Printf("This deletes ALL discussions for user %q. Re-run with --yes to confirm.\n", userID)
				os.Exit(1)
			}
			st, closeStore, err := openStoreCLI()
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			defer closeStore()

			if err := st.DeleteAll(context.Background(), userID); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			fmt.Println("deleted")
		},
	}
	cmd.Flags().StringVar(&userID, "user", "local", "user whose discussions to delete")
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
