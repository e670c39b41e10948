package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/subflow-proxy/subflow/internal/buildinfo"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "subflow",
		Short:         "Aggregate, verify, and republish proxy subscriptions",
		Version:       fmt.Sprintf("%s (%s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (defaults apply when omitted)")

	root.AddCommand(newSyncCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newCronCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
