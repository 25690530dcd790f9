package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sensortree/sensortree/internal/logging"
	"github.com/sensortree/sensortree/pkg/client"
	"github.com/sensortree/sensortree/pkg/live"
	"github.com/sensortree/sensortree/pkg/protocol"
	"github.com/sensortree/sensortree/pkg/treestore"
)

func newWatchCmd() *cobra.Command {
	var expand []string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live node updates",
		Long: `Connect to the live update channel and print every rename. Updates
for nodes that are loaded locally are applied to the tree; use --expand to
load folders up front.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()

			c := newClient()
			store := treestore.New(c)
			if err := store.FetchChildren(ctx, treestore.RootID, false); err != nil {
				return err
			}
			for _, id := range expand {
				if err := store.Expand(ctx, id); err != nil {
					return err
				}
			}

			wsURL, err := client.WebSocketURL(apiURL())
			if err != nil {
				return err
			}

			lc := live.New(live.Config{
				URL:    wsURL,
				Logger: logging.Named("live"),
				OnStatus: func(s live.Status) {
					fmt.Fprintf(cmd.ErrOrStderr(), "live: %s\n", s)
				},
			}, func(batch []protocol.NodeUpdate) {
				applied := store.ApplyExternalUpdate(batch)
				for _, u := range batch {
					fmt.Fprintf(out, "%s -> %s\n", u.ID, u.NewName)
				}
				logging.Debug("applied live batch",
					zap.Int("received", len(batch)),
					zap.Int("applied", applied))
			})

			return lc.Run(ctx)
		},
	}

	cmd.Flags().StringSliceVar(&expand, "expand", nil, "folder ids to load before watching")
	return cmd
}
