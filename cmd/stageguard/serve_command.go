package main

import (
	"github.com/spf13/cobra"

	"stageguard/internal/daemonrun"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var opts daemonrun.Options

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool and retry scheduler in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "Override logging.level")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "Override workflow.workers")
	cmd.Flags().BoolVar(&opts.SkipPreflight, "skip-preflight", false, "Start even when preflight checks fail")
	return cmd
}
