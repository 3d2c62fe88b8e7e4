package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pocketpilot/syncd/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync status",
	Long: `Display the current state of the local cache and outbox.

Shows:
  - Pending mutation count
  - Dead-letter count (mutations needing attention)
  - Last successful sync time
  - Per-table conflict counts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(viper.GetString("db.path"))
		if err != nil {
			return fmt.Errorf("failed to open local store: %w", err)
		}
		defer st.Close()

		if err := st.InitSchema(); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		ctx := context.Background()

		pending, err := st.PendingCount(ctx)
		if err != nil {
			return err
		}
		dead, err := st.DeadLetterCount(ctx)
		if err != nil {
			return err
		}
		lastSync, err := st.LastSyncAt(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Pending mutations:  %d\n", pending)
		fmt.Printf("Dead letters:       %d\n", dead)
		if lastSync.IsZero() {
			fmt.Printf("Last sync:          never\n")
		} else {
			fmt.Printf("Last sync:          %s (%s ago)\n",
				lastSync.Local().Format(time.RFC3339),
				time.Since(lastSync).Round(time.Second))
		}

		for _, table := range viper.GetStringSlice("tables") {
			conflicts, err := st.CountByState(ctx, table, store.StateConflict)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to count conflicts for %s: %v\n", table, err)
				continue
			}
			if conflicts > 0 {
				fmt.Printf("Conflicts (%s):  %d\n", table, conflicts)
			}
		}

		if dead > 0 {
			fmt.Println("\nRun 'syncd outbox list' to inspect dead letters.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
