package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, err := a.syncer.Run(ctx)
			if err != nil {
				return err
			}
			for _, srcErr := range result.SourceErrors {
				a.log.Warn("source failed", "source", srcErr.Source, "error", srcErr.Err)
			}
			return nil
		},
	}
}
