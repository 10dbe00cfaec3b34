package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/easysave/easysave/internal/backend/backup"
	"github.com/easysave/easysave/internal/control"
)

func newClient() (*control.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return control.NewClient(cfg.Listen, cfg.ConnectionTimeout), nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state and progression of every job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		jobs, err := client.GetJobs(cmd.Context())
		if err != nil {
			return err
		}

		table := uitable.New()
		table.AddRow("NAME", "STATE", "PROGRESSION")
		for _, job := range jobs {
			table.AddRow(job.Name, job.State, fmt.Sprintf("%.1f%%", job.Progression))
		}
		fmt.Fprintln(cmd.OutOrStdout(), table)
		return nil
	},
}

var (
	startWait     bool
	startInterval time.Duration
)

var startCmd = &cobra.Command{
	Use:   "start NAME",
	Short: "Start a run of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		if err := client.Start(cmd.Context(), args[0]); err != nil {
			return err
		}
		if !startWait {
			fmt.Fprintf(cmd.OutOrStdout(), "started %s\n", args[0])
			return nil
		}

		entry, err := waitTerminal(cmd.Context(), client, args[0], startInterval)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s at %.1f%%\n", entry.Name, entry.State, entry.Progression)
		if entry.State == backup.StateFailed {
			return fmt.Errorf("run of %s failed", entry.Name)
		}
		return nil
	},
}

// waitTerminal polls GET_JOBS until name reaches a terminal state.
func waitTerminal(ctx context.Context, client *control.Client, name string, interval time.Duration) (backup.StatusEntry, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		jobs, err := client.GetJobs(ctx)
		if err != nil {
			return backup.StatusEntry{}, err
		}
		found := false
		for _, job := range jobs {
			if job.Name != name {
				continue
			}
			found = true
			if job.State.Terminal() {
				return job, nil
			}
		}
		if !found {
			return backup.StatusEntry{}, fmt.Errorf("%w: %s", backup.ErrNotFound, name)
		}

		select {
		case <-ctx.Done():
			return backup.StatusEntry{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func controlCommand(use, short string, send func(*control.Client, context.Context, string) error, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := send(client, cmd.Context(), args[0]); err != nil {
				if errors.Is(err, backup.ErrNotFound) {
					return fmt.Errorf("%s has no active run: %w", args[0], err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", done, args[0])
			return nil
		},
	}
}

var (
	pauseCmd  = controlCommand("pause", "Pause the active run of a job", (*control.Client).Pause, "paused")
	resumeCmd = controlCommand("resume", "Resume a paused run", (*control.Client).Resume, "resumed")
	stopCmd   = controlCommand("stop", "Stop the active run of a job", (*control.Client).Stop, "stopping")
)

func init() {
	startCmd.Flags().BoolVarP(&startWait, "wait", "w", false, "block until the run reaches a terminal state")
	startCmd.Flags().DurationVar(&startInterval, "interval", 500*time.Millisecond, "polling interval used by --wait")
}
