package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"agentd/internal/protocol"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks in a running daemon",
	}
	cmd.AddCommand(
		newTaskCreateCmd(),
		newTaskStartCmd(),
		newTaskReopenCmd(),
		newTaskDoneCmd(),
		newTaskBlockCmd(),
	)
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var (
		pidPath      string
		instructions string
		complexity   string
		priority     int
		labels       []string
		blockedBy    []string
		epicID       string
		agent        string
	)
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a new task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialDaemon(pidPath)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Send(protocol.TaskCreateCommand{
				CommandBase:  protocol.CommandBase{Type: protocol.TypeTaskCreate},
				Title:        args[0],
				Instructions: instructions,
				Complexity:   complexity,
				Priority:     priority,
				Labels:       labels,
				BlockedBy:    blockedBy,
				EpicID:       epicID,
				Agent:        agent,
			}); err != nil {
				return err
			}
			fmt.Println("task submitted")
			return nil
		},
	}
	cmd.Flags().StringVar(&pidPath, "pid-file", defaultPIDPath(), "PID file path")
	cmd.Flags().StringVar(&instructions, "instructions", "", "Task instructions passed to the agent")
	cmd.Flags().StringVar(&complexity, "complexity", "", "Complexity tier (trivial|normal|complex)")
	cmd.Flags().IntVar(&priority, "priority", 100, "Priority (lower runs first)")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "Label (repeatable)")
	cmd.Flags().StringSliceVar(&blockedBy, "blocked-by", nil, "Blocking task ID (repeatable)")
	cmd.Flags().StringVar(&epicID, "epic", "", "Epic ID this task belongs to")
	cmd.Flags().StringVar(&agent, "agent", "", "Agent override (bypasses complexity routing)")
	return cmd
}

func newTaskStartCmd() *cobra.Command {
	var (
		pidPath string
		agent   string
	)
	cmd := &cobra.Command{
		Use:   "start <task-id>",
		Short: "Spawn an agent for an open task immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialDaemon(pidPath)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Send(protocol.TaskStartCommand{
				CommandBase: protocol.CommandBase{Type: protocol.TypeTaskStart},
				TaskIDField: args[0],
				Agent:       agent,
			}); err != nil {
				return err
			}
			fmt.Printf("start requested for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&pidPath, "pid-file", defaultPIDPath(), "PID file path")
	cmd.Flags().StringVar(&agent, "agent", "", "Agent override (bypasses complexity routing)")
	return cmd
}

func newTaskReopenCmd() *cobra.Command {
	var pidPath string
	cmd := &cobra.Command{
		Use:   "reopen <task-id>",
		Short: "Reopen a task (kills its live run, if any)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialDaemon(pidPath)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Send(protocol.TaskReopenCommand{
				CommandBase: protocol.CommandBase{Type: protocol.TypeTaskReopen},
				TaskIDField: args[0],
			}); err != nil {
				return err
			}
			fmt.Printf("reopened %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&pidPath, "pid-file", defaultPIDPath(), "PID file path")
	return cmd
}

func newTaskDoneCmd() *cobra.Command {
	var (
		pidPath    string
		reason     string
		commitHash string
	)
	cmd := &cobra.Command{
		Use:   "done <task-id>",
		Short: "Mark a task done on operator authority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialDaemon(pidPath)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Send(protocol.TaskDoneCommand{
				CommandBase: protocol.CommandBase{Type: protocol.TypeTaskDone},
				TaskIDField: args[0],
				Reason:      reason,
				CommitHash:  commitHash,
			}); err != nil {
				return err
			}
			fmt.Printf("marked %s done\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&pidPath, "pid-file", defaultPIDPath(), "PID file path")
	cmd.Flags().StringVar(&reason, "reason", "", "Done reason recorded on the task")
	cmd.Flags().StringVar(&commitHash, "commit", "", "Commit hash recorded on the task")
	return cmd
}

func newTaskBlockCmd() *cobra.Command {
	var pidPath string
	cmd := &cobra.Command{
		Use:   "block <blocked-id> <blocker-id>",
		Short: "Add a dependency: the first task waits on the second",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialDaemon(pidPath)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Send(protocol.DependencyAddCommand{
				CommandBase: protocol.CommandBase{Type: protocol.TypeDependencyAdd},
				BlockedID:   args[0],
				BlockerID:   args[1],
			}); err != nil {
				return err
			}
			fmt.Printf("%s now blocked by %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&pidPath, "pid-file", defaultPIDPath(), "PID file path")
	return cmd
}
