package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/easysave/easysave/internal/backend/backup"
	"github.com/easysave/easysave/internal/store/sqlite"
	"github.com/easysave/easysave/internal/store/types"
	"github.com/easysave/easysave/internal/syslog"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage and run backup jobs while the daemon is stopped",
}

var (
	addStrategy   string
	addExclusions []string
	addComment    string
)

var jobAddCmd = &cobra.Command{
	Use:   "add NAME SOURCE TARGET",
	Short: "Define a new backup job",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineManager(cmd.Context(), func(ctx context.Context, m *backup.Manager) error {
			job, err := m.AddJob(ctx, types.BackupJob{
				Name:       args[0],
				SourceDir:  args[1],
				TargetDir:  args[2],
				Strategy:   types.Strategy(addStrategy),
				Exclusions: addExclusions,
				Comment:    addComment,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s): %s -> %s\n", job.Name, job.Strategy, job.SourceDir, job.TargetDir)
			return nil
		})
	},
}

var jobRmCmd = &cobra.Command{
	Use:     "rm NAME",
	Aliases: []string{"remove"},
	Short:   "Delete a backup job and its manifest",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineManager(cmd.Context(), func(ctx context.Context, m *backup.Manager) error {
			if err := m.RemoveJob(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		})
	},
}

var jobLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List backup job definitions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := sqlite.Initialize(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer db.Close()

		jobs, err := db.GetAllJobs()
		if err != nil {
			return err
		}

		table := uitable.New()
		table.MaxColWidth = 60
		table.Wrap = true
		table.AddRow("NAME", "STRATEGY", "SOURCE", "TARGET", "EXCLUSIONS", "COMMENT")
		for _, job := range jobs {
			table.AddRow(job.Name, job.Strategy, job.SourceDir, job.TargetDir, strings.Join(job.Exclusions, ","), job.Comment)
		}
		fmt.Fprintln(cmd.OutOrStdout(), table)
		return nil
	},
}

// withOfflineManager runs fn against a Manager backed by the database while
// holding the daemon lock, so definitions never change under a live daemon.
func withOfflineManager(parent context.Context, fn func(context.Context, *backup.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lock, err := acquireLock(cfg.LockPath)
	if err != nil {
		return fmt.Errorf("stop the daemon before using offline job commands: %w", err)
	}
	defer lock.Unlock()

	db, err := sqlite.Initialize(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := syslog.NewEventLog(cfg.LogDir, 0)
	if err != nil {
		return err
	}
	defer events.Close()

	ctx := parent
	if ctx == nil {
		ctx = context.Background()
	}

	m, err := backup.NewManager(ctx, db, events, backup.Options{})
	if err != nil {
		return err
	}
	defer m.Close()

	return fn(ctx, m)
}

func init() {
	jobAddCmd.Flags().StringVarP(&addStrategy, "strategy", "s", string(types.StrategyFull), "full or differential")
	jobAddCmd.Flags().StringArrayVarP(&addExclusions, "exclude", "e", nil, "glob of source relative paths to skip (repeatable)")
	jobAddCmd.Flags().StringVar(&addComment, "comment", "", "free form description")

	jobCmd.AddCommand(jobAddCmd, jobRmCmd, jobLsCmd, jobRunCmd)
}
