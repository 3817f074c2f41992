package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/sender"
	"github.com/pelusa-v/pelusa-inbox/internal/session"
	"github.com/pelusa-v/pelusa-inbox/internal/timeline"
)

const openHelp = `type a line and press enter to send it
  /attach <path> [type]  add a file to the next message, optionally declaring its MIME type
  /drop <name>           remove an attached file
  /retry                 send the waiting draft as it is
  /discard               drop the waiting draft
  /quit                  leave`

func newOpenCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open <conversation-id>",
		Short: "Open a conversation and chat live",
		Long:  "Open a conversation, print its history and follow new messages.\n\n" + openHelp,
		Args:  cobra.ExactArgs(1),
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
			v := newView(s, cmd.OutOrStdout())
			fmt.Fprintf(v.out, "-- %s (%s) --\n%s\n\n", s.Timeline.Peer().Name, args[0], openHelp)
			v.render()
			return v.loop(ctx, cmd.InOrStdin())
		},
	}
}

// view runs the interactive loop. Sends run in the background; the
// timeline's updates drive what is printed.
type view struct {
	s       *session.Session
	out     io.Writer
	p       *printer
	results chan error
	sending bool
}

func newView(s *session.Session, out io.Writer) *view {
	return &view{
		s:       s,
		out:     out,
		p:       newPrinter(out, s.Me()),
		results: make(chan error, 1),
	}
}

func (v *view) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	convID := v.s.Timeline.ConversationID()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-v.s.Timeline.Updates():
			v.render()
		case id := <-v.s.Typing.Updates():
			if id == convID && v.s.Typing.IsTyping(id) {
				fmt.Fprintf(v.out, "  %s is typing\n", v.s.Timeline.Peer().Name)
			}
		case err := <-v.results:
			v.sending = false
			v.render()
			if err != nil {
				v.failed(convID, err)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := v.handle(ctx, convID, line); quit {
				return nil
			}
		}
	}
}

func (v *view) handle(ctx context.Context, convID, line string) (quit bool) {
	composer := v.s.Composer(convID)
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "":
		return false
	case "/quit":
		return true
	case "/attach":
		v.attach(composer, arg)
		return false
	case "/drop":
		if !composer.RemoveAttachment(arg) {
			fmt.Fprintln(v.out, "  no such attachment")
		}
		v.printAttachments(composer.Draft().Attachments)
		return false
	case "/discard":
		composer.Clear()
		fmt.Fprintln(v.out, "  draft discarded")
		return false
	case "/retry":
		if composer.Draft().Empty() {
			fmt.Fprintln(v.out, "  no draft waiting")
			return false
		}
		v.send(ctx)
		return false
	}

	v.s.Keystroke()
	if d := composer.Draft(); !d.Empty() {
		// a restored or kept draft is never overwritten
		composer.SetText(strings.TrimSpace(d.Text + "\n" + line))
		fmt.Fprintln(v.out, "  added to the waiting draft, /retry to send it")
		return false
	}
	composer.SetText(line)
	v.send(ctx)
	return false
}

func (v *view) send(ctx context.Context) {
	if v.sending {
		fmt.Fprintln(v.out, "  still sending, kept as draft")
		return
	}
	v.sending = true
	go func() {
		_, err := v.s.Send(ctx)
		v.results <- err
	}()
}

func (v *view) failed(convID string, err error) {
	fmt.Fprintf(v.out, "  not sent: %v\n", err)
	d := v.s.Composer(convID).Draft()
	if d.Empty() {
		return
	}
	fmt.Fprintf(v.out, "  draft: %s\n", d.Text)
	if len(d.Attachments) > 0 {
		v.printAttachments(d.Attachments)
	}
	fmt.Fprintln(v.out, "  /retry to send it again, /discard to drop it")
}

// attach takes "<path>" or "<path> <mime type>". A declared type skips
// content detection but must still be on the allow-list.
func (v *view) attach(composer *sender.Composer, arg string) {
	path, declared, _ := strings.Cut(arg, " ")
	declared = strings.TrimSpace(declared)
	if declared != "" {
		if err := composer.AttachAs(path, declared); err != nil {
			fmt.Fprintln(v.out, "  skipped:", err)
		}
	} else {
		for _, notice := range composer.Attach(path) {
			fmt.Fprintln(v.out, "  skipped:", notice)
		}
	}
	v.printAttachments(composer.Draft().Attachments)
}

func (v *view) printAttachments(list []chat.Attachment) {
	if len(list) == 0 {
		fmt.Fprintln(v.out, "  no attachments")
		return
	}
	names := make([]string, len(list))
	for i, a := range list {
		names[i] = a.FileName
	}
	fmt.Fprintln(v.out, "  attached:", strings.Join(names, ", "))
}

func (v *view) render() {
	v.p.show(v.s.Timeline.Messages(), v.s.Timeline.Peer(), time.Now())
}

type shown struct {
	status chat.Status
	edited bool
}

// printer prints each timeline entry once. A pending entry is printed with
// its sending mark; once confirmed only the status change is printed.
type printer struct {
	out  io.Writer
	me   chat.UserID
	seen map[string]shown // by temp id or server id
}

func newPrinter(out io.Writer, me chat.UserID) *printer {
	return &printer{out: out, me: me, seen: map[string]shown{}}
}

func (p *printer) show(entries []timeline.Entry, peer chat.UserRef, now time.Time) {
	for _, e := range entries {
		p.entry(e, peer, now)
	}
}

func (p *printer) entry(e timeline.Entry, peer chat.UserRef, now time.Time) {
	cur := shown{status: e.Status, edited: e.EditedAt != nil}
	if e.Pending() {
		if _, ok := p.seen[e.TempID]; !ok {
			p.seen[e.TempID] = cur
			writeEntry(p.out, e, p.me, peer, now)
		}
		return
	}

	prev, ok := p.seen[e.ID]
	if !ok && e.ClientID != "" {
		prev, ok = p.seen[e.ClientID]
		if ok {
			delete(p.seen, e.ClientID)
		}
	}
	p.seen[e.ID] = cur
	switch {
	case !ok:
		writeEntry(p.out, e, p.me, peer, now)
	case cur.edited && !prev.edited:
		writeEntry(p.out, e, p.me, peer, now)
	case e.IsMine(p.me) && prev.status != cur.status && cur.status != chat.StatusSending:
		fmt.Fprintf(p.out, "  %s: %s\n", cur.status, preview(e.Text))
	}
}
