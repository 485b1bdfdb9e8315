package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "vitalsync %s\n", version)
	fmt.Fprintf(out, "  commit: %s\n", commit)
	fmt.Fprintf(out, "  built:  %s\n", date)
	fmt.Fprintf(out, "  go:     %s\n", runtime.Version())
	fmt.Fprintf(out, "  os:     %s/%s\n", runtime.GOOS, runtime.GOARCH)
	return nil
}
