// Package main provides the fieldsync command line entry point.
// It runs the sync engine as a standalone process and offers one-shot
// commands to inspect and manage the local queue.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	dataDir    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline-first sync for field technician data",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("FIELDSYNC_CONFIG"), "Path to the YAML config file")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "Override the data directory")

	root.AddCommand(
		versionCmd(),
		runCmd(opts),
		statusCmd(opts),
		queueCmd(opts),
		syncCmd(opts),
		retryCmd(opts),
		dismissCmd(opts),
		resolveCmd(opts),
		cleanupCmd(opts),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "FieldSync Core v%s\n", Version)
		},
	}
}
