package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/stridehealth/vitalsync"
)

var errMissingUser = errors.New("user not set (use --user or VITALSYNC_USER_ID)")

var (
	cfgDBPath  string
	cfgAPIURL  string
	cfgAPIKey  string
	cfgDevMode bool
)

var rootCmd = &cobra.Command{
	Use:   "vitalsync",
	Short: "VitalSync - offline-first health tracking CLI",
	Long: `VitalSync stores weight and body measurements locally and
synchronizes them with the tracking service whenever the network allows.

Records are always written to the local database first, so the CLI works
fully offline; pending changes upload automatically on the next sync.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgDBPath, "db-path", "", "Path to local tracking database (default: ~/.vitalsync/vitalsync.db)")
	rootCmd.PersistentFlags().StringVar(&cfgAPIURL, "api-url", "", "URL of the tracking data service")
	rootCmd.PersistentFlags().StringVar(&cfgAPIKey, "api-key", "", "API key for the tracking data service")
	rootCmd.PersistentFlags().BoolVar(&cfgDevMode, "dev", false, "Treat any network interface as online (skip reachability checks)")

	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func loadConfig() vitalsync.Config {
	cfg := vitalsync.ConfigFromEnv()

	// Flags win over environment.
	if cfgDBPath != "" {
		cfg.DBPath = cfgDBPath
	}
	if cfgAPIURL != "" {
		cfg.BaseURL = cfgAPIURL
	}
	if cfgAPIKey != "" {
		cfg.APIKey = cfgAPIKey
	}
	if cfgDevMode {
		cfg.Mode = vitalsync.ModeDevelopment
	}

	// The periodic drain belongs to long-running hosts, not one-shot
	// commands. The retention ticker is left alone: its 24h period never
	// elapses within a command's lifetime.
	cfg.DisableAutoSync = true

	return cfg
}

func userID(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if v := os.Getenv("VITALSYNC_USER_ID"); v != "" {
		return v, nil
	}
	return "", errMissingUser
}
