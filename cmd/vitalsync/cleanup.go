package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stridehealth/vitalsync"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old synced records",
	Long: `Delete server-confirmed records older than the retention window.
Records the server has not confirmed are never removed.

Example:
  vitalsync cleanup
  vitalsync cleanup --retention 720h   # 30 days`,
	RunE: runCleanup,
}

var cleanupRetention time.Duration

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupRetention, "retention", 0, "Retention window (default: 90 days)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if cleanupRetention > 0 {
		cfg.RetentionWindow = cleanupRetention
	}

	client, err := vitalsync.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	removed, err := client.Cleanup()
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired record(s)\n", removed)
	return nil
}
