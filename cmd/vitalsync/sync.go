package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stridehealth/vitalsync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload pending changes",
	Long: `Drain the sync queue, uploading every pending change to the
tracking service.

Example:
  vitalsync sync
  vitalsync sync --bootstrap   # also pull server history first`,
	RunE: runSync,
}

var (
	syncUser      string
	syncBootstrap bool
)

func init() {
	syncCmd.Flags().StringVar(&syncUser, "user", "", "User ID (default: VITALSYNC_USER_ID)")
	syncCmd.Flags().BoolVar(&syncBootstrap, "bootstrap", false, "Pull server history before uploading")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if cfg.BaseURL == "" {
		return fmt.Errorf("VITALSYNC_API_URL not configured")
	}

	client, err := vitalsync.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	start := time.Now()

	if syncBootstrap {
		user, err := userID(syncUser)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Pulling server history...")
		if err := client.Bootstrap(ctx, user); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Uploading pending changes...")
	if err := client.SyncNow(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Sync complete (took %s)\n", time.Since(start).Round(time.Millisecond))

	status := client.QueueStatus()
	fmt.Fprintf(cmd.OutOrStdout(), "Pending: %d\n", status.PendingCount)
	if status.FailedCount > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Failed:  %d\n", status.FailedCount)
	}
	return nil
}
