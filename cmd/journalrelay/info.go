package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/njoerd114/journalrelay/internal/backend"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List the available backends",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		for _, name := range backend.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "journalrelay", version)
	},
}

func init() {
	rootCmd.AddCommand(backendsCmd, versionCmd)
}
