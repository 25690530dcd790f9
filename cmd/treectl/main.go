// treectl is a terminal client for the sensor tree server.
//
// It browses the tree lazily, runs searches through the same
// search/reveal flow as a graphical client and follows the live update
// channel.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "treectl",
		Short:        "Browse, search and watch a sensor tree server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd)
		},
	}
	addGlobalFlags(rootCmd)

	rootCmd.AddCommand(newRootsCmd())
	rootCmd.AddCommand(newChildrenCmd())
	rootCmd.AddCommand(newRevealCmd())
	rootCmd.AddCommand(newSearchCmd())
	rootCmd.AddCommand(newWatchCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
