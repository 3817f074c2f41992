package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSendCmd(root *rootOptions) *cobra.Command {
	var attach []string
	cmd := &cobra.Command{
		Use:   "send <conversation-id> [text...]",
		Short: "Send one message, optionally with attachments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			s, err := root.startSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Open(ctx, args[0]); err != nil {
				return err
			}
			composer := s.Composer(args[0])
			composer.SetText(strings.Join(args[1:], " "))
			for _, a := range attach {
				// path=type declares the MIME type instead of sniffing it
				if path, declared, ok := strings.Cut(a, "="); ok {
					if err := composer.AttachAs(path, declared); err != nil {
						fmt.Fprintln(cmd.ErrOrStderr(), "skipped:", err)
					}
					continue
				}
				for _, notice := range composer.Attach(a) {
					fmt.Fprintln(cmd.ErrOrStderr(), "skipped:", notice)
				}
			}

			msg, err := s.Send(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg.ID)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&attach, "attach", "a", nil, "file to attach, as path or path=mime/type (repeatable)")
	return cmd
}
