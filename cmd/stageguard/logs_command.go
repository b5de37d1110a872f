package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stageguard/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the serve log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			path := cfg.LogPath()
			if follow {
				return logs.Follow(cmd.Context(), path, lines, func(line string) {
					fmt.Fprintln(out, line)
				})
			}
			result, err := logs.Tail(cmd.Context(), path, logs.TailOptions{Offset: -1, Limit: lines})
			if err != nil {
				return err
			}
			if len(result.Lines) == 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "No log entries in %s\n", path)
				return nil
			}
			for _, line := range result.Lines {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing lines as serve appends them")
	return cmd
}
