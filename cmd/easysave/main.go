package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/easysave/easysave/internal/config"
	"github.com/easysave/easysave/internal/syslog"

	// By default, it sets `GOMEMLIMIT` to 90% of cgroup's memory limit.
	_ "github.com/KimMachineGun/automemlimit"
)

var Version = "v0.0.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "easysave",
	Short:         "Directory backup daemon with a line based control protocol",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := syslog.L.Configure(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, fmt.Errorf("failed to configure logger: %w", err)
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd, jobCmd, statusCmd, startCmd, pauseCmd, resumeCmd, stopCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
