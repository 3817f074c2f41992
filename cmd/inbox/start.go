package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-inbox/internal/chat"
)

func newStartCmd(root *rootOptions) *cobra.Command {
	var req chat.StartRequest
	cmd := &cobra.Command{
		Use:   "start <user-id>",
		Short: "Start a conversation with a user, or find the existing one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			client, _, err := root.apiClient()
			if err != nil {
				return err
			}
			req.ToUserID = chat.UserID(args[0])
			res, err := client.StartConversation(ctx, req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case res.IsDifferentContext:
				fmt.Fprintf(out, "%s (existing conversation with %s, started for another task or proposal)\n", res.ID, res.RecipientName)
			case res.ExistingConversation:
				fmt.Fprintf(out, "%s (existing conversation with %s)\n", res.ID, res.RecipientName)
			default:
				fmt.Fprintln(out, res.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.TaskID, "task", "", "task the conversation is about")
	cmd.Flags().StringVar(&req.ProposalID, "proposal", "", "proposal the conversation is about")
	return cmd
}
