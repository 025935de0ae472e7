package app

import (
	"github.com/spf13/cobra"
)

// RootCmd is the root command for attentrace
var RootCmd = &cobra.Command{
	Use:   "attentrace",
	Short: "Local agent for page interaction telemetry",
	Long: `attentrace receives interaction signals from a page shim, runs the
trajectory capture, exposure dwell tracking and performance aggregation on
one event loop, and delivers batched reports to a collection endpoint.

Settings come from ATTENTRACE_* environment variables; flags override them.

Examples:
  # Run the agent against a collector
  ATTENTRACE_ENDPOINT=https://collect.example.com/report attentrace agent

  # Render recorded trajectories to SVG
  attentrace replay trajectories.json --out ./svg`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Enable cobra's built-in suggestion feature for unknown subcommands
	RootCmd.SuggestionsMinimumDistance = 2

	RootCmd.AddCommand(agentCmd)
	RootCmd.AddCommand(replayCmd)
}

// Execute runs the root command
func Execute() error {
	return RootCmd.Execute()
}
