package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stridehealth/vitalsync"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded measurements",
	Long: `List measurements from the local database, newest first.

Example:
  vitalsync list weight --limit 10
  vitalsync list body --all`,
}

var listWeightCmd = &cobra.Command{
	Use:   "weight",
	Short: "List weight measurements",
	RunE:  runListWeight,
}

var listBodyCmd = &cobra.Command{
	Use:   "body",
	Short: "List body measurements",
	RunE:  runListBody,
}

var (
	listUser  string
	listLimit int
	listAll   bool
)

func init() {
	listCmd.PersistentFlags().StringVar(&listUser, "user", "", "User ID (default: VITALSYNC_USER_ID)")
	listCmd.PersistentFlags().IntVar(&listLimit, "limit", 20, "Maximum number of records")
	listCmd.PersistentFlags().BoolVar(&listAll, "all", false, "Include records not yet confirmed by the server")

	listCmd.AddCommand(listWeightCmd)
	listCmd.AddCommand(listBodyCmd)
}

func listOptions() vitalsync.GetOptions {
	return vitalsync.GetOptions{
		IncludeLocalOnly: listAll,
		Limit:            listLimit,
	}
}

func runListWeight(cmd *cobra.Command, args []string) error {
	user, err := userID(listUser)
	if err != nil {
		return err
	}

	client, err := vitalsync.New(loadConfig())
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	records, err := client.Weights(user, listOptions())
	if err != nil {
		return fmt.Errorf("list weights: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No weight measurements found.")
		return nil
	}

	for _, m := range records {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %6.1f kg  [%s]  %s\n",
			m.MeasuredAt.Format(time.RFC3339), m.Weight, m.Status, m.LocalID)
	}
	return nil
}

func runListBody(cmd *cobra.Command, args []string) error {
	user, err := userID(listUser)
	if err != nil {
		return err
	}

	client, err := vitalsync.New(loadConfig())
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	records, err := client.BodyMeasurements(user, listOptions())
	if err != nil {
		return fmt.Errorf("list body measurements: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No body measurements found.")
		return nil
	}

	for _, m := range records {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  chest %5.1f  waist %5.1f  hips %5.1f  [%s]  %s\n",
			m.MeasuredAt.Format(time.RFC3339), m.Chest, m.Waist, m.Hips, m.Status, m.LocalID)
	}
	return nil
}
