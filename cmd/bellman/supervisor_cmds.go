package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bellmanhq/bellman/pkg/supervisor"
)

// buildSupervisor assembles the managed process set. The coordinator child
// is this same binary running serve; it resolves its own settings from the
// environment and the deployments file.
func buildSupervisor(cmd *cobra.Command) (*supervisor.Supervisor, error) {
	pidDir, _ := cmd.Flags().GetString("pid-dir")
	logDir, _ := cmd.Flags().GetString("log-dir")

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve own binary: %w", err)
	}

	specs := []supervisor.ProcessSpec{
		{
			Name:    "coordinator",
			Command: []string{self, "serve"},
			LogFile: filepath.Join(logDir, "coordinator.log"),
		},
	}
	return supervisor.New(pidDir, specs)
}

// resolveTargets maps args to process names; no args means every process
func resolveTargets(sup *supervisor.Supervisor, args []string) []string {
	if len(args) == 0 {
		return sup.Names()
	}
	return args
}

var supervisorCmd = &cobra.Command{
	Use:   "supervisor",
	Short: "Manage coordinator processes",
	Long: `Start, stop and inspect the coordinator processes via pidfiles.
All operations are idempotent: starting a running process or stopping a
stopped one succeeds without side effects.`,
}

var supStartCmd = &cobra.Command{
	Use:   "start [name]",
	Short: "Start processes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, err := buildSupervisor(cmd)
		if err != nil {
			return err
		}
		for _, name := range resolveTargets(sup, args) {
			if err := sup.Start(name); err != nil {
				return err
			}
		}
		return nil
	},
}

var supStopCmd = &cobra.Command{
	Use:   "stop [name]",
	Short: "Stop processes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, err := buildSupervisor(cmd)
		if err != nil {
			return err
		}
		for _, name := range resolveTargets(sup, args) {
			if err := sup.Stop(name); err != nil {
				return err
			}
		}
		return nil
	},
}

var supRestartCmd = &cobra.Command{
	Use:   "restart [name]",
	Short: "Restart processes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, err := buildSupervisor(cmd)
		if err != nil {
			return err
		}
		for _, name := range resolveTargets(sup, args) {
			if err := sup.Restart(name); err != nil {
				return err
			}
		}
		return nil
	},
}

var supEnsureCmd = &cobra.Command{
	Use:   "ensure [name]",
	Short: "Start processes that are not running",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, err := buildSupervisor(cmd)
		if err != nil {
			return err
		}
		for _, name := range resolveTargets(sup, args) {
			if err := sup.Ensure(name); err != nil {
				return err
			}
		}
		return nil
	},
}

var supStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show process status",
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, err := buildSupervisor(cmd)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATE\tPID")
		for _, st := range sup.StatusAll() {
			state := "stopped"
			pid := "-"
			if st.Running {
				state = "running"
				pid = fmt.Sprintf("%d", st.PID)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", st.Name, state, pid)
		}
		return w.Flush()
	},
}

func init() {
	for _, cmd := range []*cobra.Command{supStartCmd, supStopCmd, supRestartCmd, supEnsureCmd, supStatusCmd} {
		cmd.Flags().String("pid-dir", "./run", "pidfile directory")
		cmd.Flags().String("log-dir", "./run", "process log directory")
		supervisorCmd.AddCommand(cmd)
	}
}
