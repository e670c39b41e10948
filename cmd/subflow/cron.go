package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/subflow-proxy/subflow/internal/scanloop"
)

func newCronCmd() *cobra.Command {
	var syncOnStart bool

	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Run syncs on the cron schedule without the HTTP facade",
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
			a.log.Info("scheduler running", "schedule", a.cfg.CronSchedule)

			stopMaintenance := make(chan struct{})
			go scanloop.Run(stopMaintenance, scanloop.DefaultMinInterval, scanloop.DefaultJitterRange, func() {
				if removed, err := a.syncer.PurgeGeoCache(); err == nil && removed > 0 {
					a.log.Info("geo cache purged", "removed", removed)
				}
			})

			if syncOnStart {
				go runSync()
			}

			<-ctx.Done()
			a.log.Info("shutting down")
			close(stopMaintenance)
			<-scheduler.Stop().Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&syncOnStart, "sync-on-start", true, "run a sync immediately on startup")
	return cmd
}
