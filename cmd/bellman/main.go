package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bellman",
	Short: "Bellman - distributed task scheduler",
	Long: `Bellman is a distributed task scheduler. A coordinator accepts
time-triggered jobs over HTTP, persists their schedules, and dispatches
them to remote handler processes over a request/reply transport with
retry, backoff and a queryable execution log.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Bellman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(runNowCmd)
	rootCmd.AddCommand(handlersCmd)
	rootCmd.AddCommand(executionsCmd)
	rootCmd.AddCommand(supervisorCmd)
}
