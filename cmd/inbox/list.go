package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/inbox"
)

func newListCmd(root *rootOptions) *cobra.Command {
	var search string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			client, cfg, err := root.apiClient()
			if err != nil {
				return err
			}
			store := inbox.New(client, nil)
			if err := store.Refresh(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			rows := store.Search(search)
			if len(rows) == 0 {
				fmt.Fprintln(out, "no conversations")
				return nil
			}
			now := time.Now()
			for _, c := range rows {
				writeSummary(out, c, chat.UserID(cfg.UserID), now)
			}
			fmt.Fprintf(out, "\n%d unread\n", store.UnreadTotal())
			return nil
		},
	}
	cmd.Flags().StringVarP(&search, "search", "s", "", "filter by participant name")
	return cmd
}
