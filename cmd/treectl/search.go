package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sensortree/sensortree/internal/logging"
	"github.com/sensortree/sensortree/pkg/controller"
	"github.com/sensortree/sensortree/pkg/treestore"
)

func newSearchCmd() *cobra.Command {
	var pick int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search names and metadata, then reveal the match",
		Long: `Search the tree. A single match is revealed at once. With several
matches the list is printed; pass --pick to reveal one of them.

Examples:
  treectl search Assembly
  treectl search "Production Line" --pick 2`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			out := cmd.OutOrStdout()
			ctx := cmd.Context()

			c := newClient()
			store := treestore.New(c, treestore.WithLogger(logging.Named("treestore")))
			if err := store.FetchChildren(ctx, treestore.RootID, false); err != nil {
				return err
			}

			ctl := controller.New(c, store,
				controller.WithRenderer(&textRenderer{out: out, store: store}),
				controller.WithLogger(logging.Named("controller")),
				controller.WithOnChange(statusPrinter(cmd)),
			)
			defer ctl.Close()

			switch ctl.Submit(ctx, query) {
			case controller.Choosing:
				results := ctl.View().Results
				for i, r := range results {
					fmt.Fprintf(out, "%d. %s (%s)\n", i+1, breadcrumb(r.Path, r.Item), r.Item.ID)
				}
				if pick == 0 {
					ctl.CancelChoice()
					return nil
				}
				if pick < 1 || pick > len(results) {
					return fmt.Errorf("--pick %d out of range 1..%d", pick, len(results))
				}
				ctl.Select(ctx, results[pick-1])
			case controller.Failed:
				return fmt.Errorf("search %q failed", query)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&pick, "pick", 0, "reveal the n-th result when there are several")
	return cmd
}

// statusPrinter echoes overlay status changes to stderr, once each.
func statusPrinter(cmd *cobra.Command) func(controller.View) {
	last := ""
	return func(v controller.View) {
		if !v.Overlay || v.Status == "" || v.Status == last {
			return
		}
		last = v.Status
		fmt.Fprintln(cmd.ErrOrStderr(), v.Status)
	}
}
