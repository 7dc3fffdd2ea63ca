package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agentd/internal/daemon"
	"agentd/internal/protocol"
)

func newPauseCmd() *cobra.Command {
	var pidPath string
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause task spawning (running agents are unaffected)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sendSimple(pidPath, protocol.TypePause); err != nil {
				return err
			}
			fmt.Println("paused")
			return nil
		},
	}
	cmd.Flags().StringVar(&pidPath, "pid-file", defaultPIDPath(), "PID file path")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var pidPath string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume task spawning",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sendSimple(pidPath, protocol.TypeResume); err != nil {
				return err
			}
			fmt.Println("resumed")
			return nil
		},
	}
	cmd.Flags().StringVar(&pidPath, "pid-file", defaultPIDPath(), "PID file path")
	return cmd
}

func newStopCmd() *cobra.Command {
	var (
		pidPath string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon (graceful by default, waits for running agents)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialDaemon(pidPath)
			if err != nil {
				return err
			}
			defer c.Close()

			mode := protocol.StopGraceful
			if force {
				mode = protocol.StopForce
			}
			if err := c.Send(protocol.StopCommand{
				CommandBase: protocol.CommandBase{Type: protocol.TypeStop},
				Mode:        mode,
			}); err != nil {
				return err
			}
			fmt.Printf("stop requested (%s)\n", mode)
			return nil
		},
	}
	cmd.Flags().StringVar(&pidPath, "pid-file", defaultPIDPath(), "PID file path")
	cmd.Flags().BoolVar(&force, "force", false, "Kill running agent processes instead of draining them")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var pidPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon liveness and a one-line state summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			pf, err := daemon.ReadPIDFile(pidPath)
			if err != nil {
				fmt.Println("stopped")
				return nil
			}

			snap, err := fetchSnapshot(pidPath)
			if err != nil {
				fmt.Printf("stale (pid %d, port %d unreachable)\n", pf.PID, pf.Port)
				return nil
			}

			state := "running"
			if snap.Paused {
				state = "paused"
			}
			fmt.Printf("%s  pid=%d port=%d instance=%s tasks=%d active=%d\n",
				state, pf.PID, pf.Port, pf.InstanceID, len(snap.Tasks), len(snap.ActiveRuns))
			return nil
		},
	}
	cmd.Flags().StringVar(&pidPath, "pid-file", defaultPIDPath(), "PID file path")
	return cmd
}

func newSnapshotCmd() *cobra.Command {
	var pidPath string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the daemon's full task and run state",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := fetchSnapshot(pidPath)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tTITLE")
			for _, t := range snap.Tasks {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.ID, t.Status, t.Priority, t.Title)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if len(snap.ActiveRuns) > 0 {
				fmt.Println()
				fmt.Fprintln(w, "RUN\tTASK\tAGENT\tPID")
				for _, r := range snap.ActiveRuns {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.ID, r.TaskID, r.Agent, r.PID)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pidPath, "pid-file", defaultPIDPath(), "PID file path")
	return cmd
}
