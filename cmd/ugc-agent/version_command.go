package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ugcstudio/ugc-agent/internal/config"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ugc-agent %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildTime)
		},
	}
}
