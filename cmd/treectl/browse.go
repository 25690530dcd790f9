package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sensortree/sensortree/pkg/treestore"
)

func newRootsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roots",
		Short: "List the root level",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := newClient().Roots(cmd.Context())
			if err != nil {
				return err
			}
			writeNodes(cmd.OutOrStdout(), nodes)
			return nil
		},
	}
}

func newChildrenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "children <id>",
		Short: "List the direct children of a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := newClient().Children(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			writeNodes(cmd.OutOrStdout(), nodes)
			return nil
		},
	}
}

func newRevealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reveal <id>",
		Short: "Expand the tree down to one node and print it",
		Long: `Load the root level, then every ancestor of the node in one request,
and print the resulting tree with the node marked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := treestore.New(newClient())
			if err := store.FetchChildren(cmd.Context(), treestore.RootID, false); err != nil {
				return err
			}
			if err := store.RevealPath(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("reveal %s: %w", args[0], err)
			}
			r := &textRenderer{out: cmd.OutOrStdout(), store: store}
			return r.ScrollToID(store.TakeScrollTarget())
		},
	}
}
