package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/subflow-proxy/subflow/internal/api"
	"github.com/subflow-proxy/subflow/internal/scanloop"
)

func newServeCmd() *cobra.Command {
	var syncOnStart bool
	var shortcutUpstream string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP facade and run syncs on the cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runSync := func() {
				if _, err := a.syncer.Run(ctx); err != nil {
					a.log.Error("scheduled sync failed", "error", err)
				}
			}

			scheduler := cron.New()
			if _, err := scheduler.AddFunc(a.cfg.CronSchedule, runSync); err != nil {
				return err
			}
			scheduler.Start()

			stopMaintenance := make(chan struct{})
			go scanloop.Run(stopMaintenance, scanloop.DefaultMinInterval, scanloop.DefaultJitterRange, func() {
				removed, err := a.syncer.PurgeGeoCache()
				if err != nil {
					a.log.Warn("geo cache purge failed", "error", err)
					return
				}
				if removed > 0 {
					a.log.Info("geo cache purged", "removed", removed)
				}
			})

			srv := api.NewServer(a.cfg.ListenAddress, a.cfg.Port, a.store, api.Options{
				OutputDir:            a.cfg.OutputDir,
				Environment:          environment(),
				ShortcutUpstreamBase: shortcutUpstream,
			})
			serveErr := make(chan error, 1)
			go func() {
				a.log.Info("facade listening", "address", a.cfg.ListenAddress, "port", a.cfg.Port)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()

			if syncOnStart {
				go runSync()
			}

			select {
			case err := <-serveErr:
				return err
			case <-ctx.Done():
			}
			a.log.Info("shutting down")

			schedCtx := scheduler.Stop()
			close(stopMaintenance)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.log.Warn("server shutdown error", "error", err)
			}

			// Let an in-flight scheduled sync finish within the grace period.
			select {
			case <-schedCtx.Done():
			case <-time.After(5 * time.Second):
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&syncOnStart, "sync-on-start", true, "run a sync immediately on startup")
	cmd.Flags().StringVar(&shortcutUpstream, "shortcut-upstream", "", "published base URL shortcuts fall back to when local artifacts are missing")
	return cmd
}

func environment() string {
	if env := os.Getenv("SUBFLOW_ENV"); env != "" {
		return env
	}
	return "production"
}
