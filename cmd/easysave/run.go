package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/easysave/easysave/internal/backend/backup"
	"github.com/easysave/easysave/internal/utils"
)

var jobRunInterval time.Duration

var jobRunCmd = &cobra.Command{
	Use:   "run NAME",
	Short: "Run a job in the foreground while the daemon is stopped",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineManager(cmd.Context(), func(ctx context.Context, m *backup.Manager) error {
			sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runForeground(sigCtx, cmd.OutOrStdout(), m, args[0], jobRunInterval)
		})
	},
}

// runForeground starts a run of name and reports its progress until it
// reaches a terminal state. Canceling ctx stops the run.
func runForeground(ctx context.Context, out io.Writer, m *backup.Manager, name string, interval time.Duration) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	job, err := m.Job(name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "running %s (%s): %s -> %s\n", job.Name, job.Strategy, job.SourceDir, job.TargetDir)

	if err := m.StartJob(context.Background(), name); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := ctx.Done()
	for {
		st, err := m.Status(name)
		if err != nil {
			return err
		}
		if st.State.Terminal() {
			printRunSummary(out, st)
			if st.State == backup.StateFailed {
				return fmt.Errorf("run of %s failed: %s", name, st.LastError)
			}
			return nil
		}
		fmt.Fprintln(out, progressLine(st))

		select {
		case <-interrupted:
			interrupted = nil
			fmt.Fprintf(out, "stopping %s\n", name)
			if err := m.Stop(name); err != nil {
				return err
			}
		case <-ticker.C:
		}
	}
}

func progressLine(st backup.Status) string {
	line := fmt.Sprintf("%-9s %5.1f%%  %d/%d files  %s/%s",
		st.State, st.Progression, st.FilesDone, st.FilesTotal,
		utils.HumanizeBytes(uint64(st.BytesDone)), utils.HumanizeBytes(uint64(st.BytesTotal)))
	if st.CurrentFile != "" {
		line += "  " + st.CurrentFile
	}
	return line
}

func printRunSummary(out io.Writer, st backup.Status) {
	table := uitable.New()
	table.MaxColWidth = 80
	table.Wrap = true
	table.AddRow("JOB:", st.Name)
	table.AddRow("STATE:", st.State)
	table.AddRow("PROGRESSION:", fmt.Sprintf("%.1f%%", st.Progression))
	table.AddRow("FILES:", fmt.Sprintf("%d/%d", st.FilesDone, st.FilesTotal))
	table.AddRow("BYTES:", utils.HumanizeBytes(uint64(st.BytesDone)))
	table.AddRow("DURATION:", st.EndedAt.Sub(st.StartedAt).Round(time.Millisecond))
	if st.LastError != "" {
		table.AddRow("ERROR:", st.LastError)
	}
	fmt.Fprintln(out, table)
}

func init() {
	jobRunCmd.Flags().DurationVar(&jobRunInterval, "interval", 500*time.Millisecond, "progress reporting interval")
}
