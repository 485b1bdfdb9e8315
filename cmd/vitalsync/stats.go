package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stridehealth/vitalsync"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show local store statistics",
	Long: `Display statistics about the local tracking database.

Example:
  vitalsync stats
  vitalsync stats --health`,
	RunE: runStats,
}

var statsHealth bool

func init() {
	statsCmd.Flags().BoolVar(&statsHealth, "health", false, "Include health check")
}

func runStats(cmd *cobra.Command, args []string) error {
	client, err := vitalsync.New(loadConfig())
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	stats, err := client.Stats()
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Local Store Statistics")
	fmt.Fprintln(out, "----------------------")
	fmt.Fprintf(out, "Weight records: %d\n", stats.WeightCount)
	fmt.Fprintf(out, "Body records:   %d\n", stats.BodyCount)
	fmt.Fprintf(out, "Pending sync:   %d\n", stats.PendingRecords)
	fmt.Fprintf(out, "Failed sync:    %d\n", stats.FailedRecords)
	fmt.Fprintf(out, "Queue depth:    %d\n", stats.QueueDepth)
	fmt.Fprintf(out, "Schema version: %s\n", stats.SchemaVersion)

	if !stats.LastSuccessfulSync.IsZero() {
		fmt.Fprintf(out, "Last sync:      %s (%s ago)\n",
			stats.LastSuccessfulSync.Format(time.RFC3339),
			time.Since(stats.LastSuccessfulSync).Round(time.Minute))
	} else {
		fmt.Fprintln(out, "Last sync:      never")
	}

	if statsHealth {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Health Check")
		fmt.Fprintln(out, "------------")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		health := client.HealthCheck(ctx)

		status := "healthy"
		if !health.Healthy {
			status = "unhealthy"
		}
		fmt.Fprintf(out, "Status:           %s\n", status)
		fmt.Fprintf(out, "Store OK:         %v\n", health.StoreOK)
		fmt.Fprintf(out, "Server reachable: %v\n", health.ServerReachable)

		if health.Error != "" {
			fmt.Fprintf(out, "Error:            %s\n", health.Error)
		}
	}

	return nil
}
