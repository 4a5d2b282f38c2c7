// Command dispatchctl inspects worker logs and dispatch queues and drives a
// running orchestrator over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	var noColor bool
	rootCmd := &cobra.Command{
		Use:   "dispatchctl",
		Short: "Inspect and steer cross-department dispatch",
		Long: `dispatchctl works on the artifacts of organ_dispatch.

Offline:
  dispatchctl hints <job.log>           decode a worker log into progress hints
  dispatchctl queues --parent <id>      print the delegation queues of a task

Against a running orchestrator:
  dispatchctl delegate <task-id>
  dispatchctl stop <job-id> --mode pause|cancel
  dispatchctl resume <job-id>`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(
		hintsCmd(),
		queuesCmd(),
		delegateCmd(),
		stopCmd(),
		resumeCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
