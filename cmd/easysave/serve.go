package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"github.com/easysave/easysave/internal/backend/backup"
	"github.com/easysave/easysave/internal/config"
	"github.com/easysave/easysave/internal/control"
	"github.com/easysave/easysave/internal/metrics"
	"github.com/easysave/easysave/internal/store/sqlite"
	"github.com/easysave/easysave/internal/syslog"
)

const eventBuffer = 4096

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backup daemon and its control server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

// acquireLock takes the single instance lock without blocking.
func acquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}

	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s is held by a running easysave daemon", path)
	}
	return lock, nil
}

func supervisorHook(ev suture.Event) {
	syslog.L.Warn().
		WithMessage("supervisor event").
		WithField("event", ev.String()).
		WithFields(ev.Map()).
		Write()
}

// reloadLogging applies log settings from a changed config file. Other
// settings take effect on the next start.
func reloadLogging(cfg *config.Config) {
	if err := syslog.L.Configure(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		syslog.L.Error(err).WithMessage("failed to apply log settings").Write()
		return
	}
	syslog.L.Info().
		WithMessage("log settings reloaded").
		WithField("level", cfg.Log.Level).
		WithField("format", cfg.Log.Format).
		Write()
}

func serve(parent context.Context, cfg *config.Config) error {
	lock, err := acquireLock(cfg.LockPath)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	db, err := sqlite.Initialize(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := syslog.NewEventLog(cfg.LogDir, eventBuffer)
	if err != nil {
		return err
	}
	defer events.Close()
	metrics.RegisterDroppedEvents(events.Dropped)

	manager, err := backup.NewManager(context.Background(), db, events, backup.Options{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		BandwidthLimit:    cfg.BandwidthLimit,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := suture.New("easysave", suture.Spec{
		EventHook: supervisorHook,
		Timeout:   10 * time.Second,
	})
	sup.Add(control.NewServer(cfg.Listen, manager, cfg.ConnectionTimeout))
	if cfg.MetricsListen != "" {
		sup.Add(metrics.NewServer(cfg.MetricsListen))
	}
	if cfg.Path != "" {
		sup.Add(&config.Watcher{Path: cfg.Path, OnChange: reloadLogging})
	}

	syslog.L.Info().
		WithMessage("easysave daemon started").
		WithFields(map[string]interface{}{
			"version":  Version,
			"listen":   cfg.Listen,
			"database": cfg.DatabasePath,
			"jobs":     len(manager.GetJobs()),
		}).
		Write()

	errCh := sup.ServeBackground(ctx)

	<-ctx.Done()
	syslog.L.Info().WithMessage("shutdown requested, stopping active runs").Write()

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		syslog.L.Error(err).WithMessage("supervisor exited with error").Write()
	}
	return nil
}
