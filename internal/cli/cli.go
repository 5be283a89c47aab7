// Package cli holds the proctop command line: one-shot snapshots and the
// process lifecycle operations.
package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeffypooo/proctop/internal/lifecycle"
	"github.com/jeffypooo/proctop/internal/metrics"
	"github.com/jeffypooo/proctop/internal/monitor"
	"github.com/jeffypooo/proctop/internal/registry"
)

var errUnknownOutput = errors.New("unknown output format")

// MonitorFunc builds the monitor a command runs against. path is the
// --config flag, empty when unset.
type MonitorFunc func(path string) (*monitor.Monitor, error)

// NewRootCmd returns the proctop-cli command tree.
func NewRootCmd(newMonitor MonitorFunc) *cobra.Command {
	var (
		cfgPath string
		mon     *monitor.Monitor
	)

	rootCmd := &cobra.Command{
		Use:   "proctop-cli",
		Short: "proctop CLI",
		Long:  `proctop CLI samples running processes and terminates, reprioritizes or launches them.`,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			m, err := newMonitor(cfgPath)
			if err != nil {
				return err
			}
			mon = m
			return nil
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "TOML config file")

	get := func() *monitor.Monitor { return mon }
	rootCmd.AddCommand(
		newSnapshotCmd(get),
		newKillCmd(get),
		newReniceCmd(get),
		newLaunchCmd(get),
	)
	return rootCmd
}

type snapshotOutput struct {
	Seq       uint64            `json:"seq"`
	Machine   metrics.Machine   `json:"machine"`
	Total     int               `json:"total"`
	Skipped   int               `json:"skipped"`
	Processes []metrics.Process `json:"processes"`
}

func newSnapshotCmd(mon func() *monitor.Monitor) *cobra.Command {
	var (
		output   string
		sortKey  string
		dir      string
		limit    int
		query    string
		detailed bool
	)

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Sample processes once",
		Long: `Sample the machine and every process once, then print the result.

Examples:
  # Top 5 processes by memory, as YAML
  proctop-cli snapshot --sort mem --limit 5 --output yaml

  # Everything named like "chrome", with owners and priorities
  proctop-cli snapshot --query chrome --detailed --limit 0`,
		Run: func(cmd *cobra.Command, _ []string) {
			key, err := registry.ParseProcSort(sortKey)
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			direction, err := registry.ParseSortDirection(dir)
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			if output != "json" && output != "yaml" {
				logErrorCmd(*cmd, fmt.Errorf("%w: %s", errUnknownOutput, output))
				return
			}

			b, err := mon().Sample(cmd.Context(), metrics.SampleParams{Detailed: detailed})
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			out := snapshotOutput{
				Seq:     b.Seq(),
				Machine: b.Machine(),
				Total:   b.Total(),
				Skipped: b.Skipped(),
				Processes: registry.FilterSort(b.Records(), registry.Query{
					Text: query, Sort: key, Direction: direction, Limit: limit,
				}),
			}

			if output == "yaml" {
				logYAMLCmd(*cmd, out)
				return
			}
			logJSONCmd(*cmd, out)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")
	cmd.Flags().StringVarP(&sortKey, "sort", "s", "cpu", "sort key: cpu, mem, pid or name")
	cmd.Flags().StringVar(&dir, "dir", "", "sort direction: asc or desc (default depends on key)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum processes to print, 0 for all")
	cmd.Flags().StringVarP(&query, "query", "q", "", "only processes whose name contains this text")
	cmd.Flags().BoolVarP(&detailed, "detailed", "d", false, "include threads, priority, owner and command line")
	return cmd
}

func newKillCmd(mon func() *monitor.Monitor) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <pid>",
		Short: "Terminate a process",
		Long:  `Ask a process to exit, and force it if it is still running after the terminate timeout. Critical system processes are refused.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)
				return
			}
			pid, err := parsePid(args[0])
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			logOutcome(*cmd, mon().Terminate(cmd.Context(), pid))
		},
	}
}

func newReniceCmd(mon func() *monitor.Monitor) *cobra.Command {
	return &cobra.Command{
		Use:   "renice <pid> <low|normal|high|realtime>",
		Short: "Change a process's priority",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 2 {
				logUsageCmd(*cmd, cmd.Use)
				return
			}
			pid, err := parsePid(args[0])
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			logOutcome(*cmd, mon().SetPriority(cmd.Context(), pid, args[1]))
		},
	}
}

func newLaunchCmd(mon func() *monitor.Monitor) *cobra.Command {
	return &cobra.Command{
		Use:   "launch <command>",
		Short: "Start a program",
		Long: `Start a program detached from proctop. Quote the command to pass arguments.

Examples:
  proctop-cli launch "sleep 30"
  proctop-cli launch report.pdf`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) == 0 {
				logUsageCmd(*cmd, cmd.Use)
				return
			}
			logOutcome(*cmd, mon().Launch(cmd.Context(), strings.Join(args, " ")))
		},
	}
}

func logOutcome(cmd cobra.Command, out lifecycle.Outcome) {
	if !out.OK {
		logErrorCmd(cmd, errors.New(out.Message))
		return
	}
	logOKCmd(cmd, out.Message)
}

func parsePid(s string) (int32, error) {
	pid, err := strconv.ParseInt(s, 10, 32)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid: %s", s)
	}
	return int32(pid), nil
}
