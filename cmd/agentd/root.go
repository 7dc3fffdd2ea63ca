package main

import (
	"github.com/spf13/cobra"

	"agentd/internal/daemon"
)

// newRootCmd creates the root agentd command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "agentd",
		Short:         "Autonomous agent task orchestration daemon",
		Long:          "agentd supervises coding-agent subprocesses against a dependency-ordered task queue\nand streams daemon state to NDJSON clients over a local TCP socket.",
		Version:       daemon.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("agentd {{.Version}}\n")

	cmd.AddCommand(
		newRunCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newStopCmd(),
		newStatusCmd(),
		newSnapshotCmd(),
		newTaskCmd(),
	)

	return cmd
}
